package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Pinger is a dependency that can report its reachability
type Pinger interface {
	Ping(ctx context.Context) error
}

// ReadyReporter reports whether a component finished starting
type ReadyReporter interface {
	Ready() bool
}

// HealthChecker provides health check endpoints
type HealthChecker struct {
	backend Pinger
	cache   Pinger
	tenants ReadyReporter
	timeout time.Duration
	logger  *zap.Logger
}

// HealthStatus represents the health status response
type HealthStatus struct {
	Status    string            `json:"status"`
	Timestamp int64             `json:"timestamp"`
	Checks    map[string]string `json:"checks,omitempty"`
}

// NewHealthChecker creates a new health checker. A nil cache is skipped.
func NewHealthChecker(backend Pinger, cache Pinger, tenants ReadyReporter, logger *zap.Logger) *HealthChecker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HealthChecker{
		backend: backend,
		cache:   cache,
		tenants: tenants,
		timeout: 5 * time.Second,
		logger:  logger,
	}
}

// LivenessHandler handles liveness probe requests
func (h *HealthChecker) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	writeStatus(w, http.StatusOK, HealthStatus{
		Status:    "alive",
		Timestamp: time.Now().Unix(),
	})
}

// ReadinessHandler handles readiness probe requests
func (h *HealthChecker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	checks, healthy := h.Check(ctx)
	status := HealthStatus{
		Timestamp: time.Now().Unix(),
		Checks:    checks,
	}

	if healthy {
		status.Status = "ready"
		writeStatus(w, http.StatusOK, status)
		return
	}
	status.Status = "not_ready"
	writeStatus(w, http.StatusServiceUnavailable, status)
}

// Check runs all readiness checks
func (h *HealthChecker) Check(ctx context.Context) (map[string]string, bool) {
	checks := make(map[string]string)
	healthy := true

	record := func(name string, err error) {
		if err != nil {
			h.logger.Error("Health check failed", zap.String("check", name), zap.Error(err))
			checks[name] = "unhealthy: " + err.Error()
			healthy = false
			return
		}
		checks[name] = "healthy"
	}

	if h.backend != nil {
		record("metadata_store", h.backend.Ping(ctx))
	}
	if h.cache != nil {
		record("cache", h.cache.Ping(ctx))
	}
	if h.tenants != nil {
		if h.tenants.Ready() {
			checks["tenants"] = "healthy"
		} else {
			checks["tenants"] = "unhealthy: tenant service not ready"
			healthy = false
		}
	}

	return checks, healthy
}

func writeStatus(w http.ResponseWriter, code int, status HealthStatus) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(status)
}
