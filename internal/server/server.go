// Package server provides the HTTP server implementation for the metadata service.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"

	"github.com/devrev/metastore/internal/config"
	"github.com/devrev/metastore/internal/handler"
	"github.com/devrev/metastore/internal/health"
	"github.com/devrev/metastore/internal/metrics"
	"github.com/devrev/metastore/internal/middleware"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Server represents the HTTP server.
type Server struct {
	router      *mux.Router
	httpServer  *http.Server
	handlers    *handler.Handlers
	healthCheck *health.HealthChecker
	metrics     *metrics.Metrics
	gatherer    prometheus.Gatherer
	logger      *zap.Logger
	cfg         *config.Config
}

// NewServer creates a new HTTP server. gatherer serves the metrics endpoint
// when metrics are enabled and may be nil otherwise.
func NewServer(
	cfg *config.Config,
	api handler.MetadataAPI,
	healthCheck *health.HealthChecker,
	m *metrics.Metrics,
	gatherer prometheus.Gatherer,
	logger *zap.Logger,
) *Server {
	router := mux.NewRouter()

	s := &Server{
		router:      router,
		handlers:    handler.NewHandlers(api, cfg.Server.MaxBodyBytes, logger),
		healthCheck: healthCheck,
		metrics:     m,
		gatherer:    gatherer,
		logger:      logger,
		cfg:         cfg,
	}
	s.httpServer = &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, fmt.Sprint(cfg.Server.Port)),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	middlewareChain := []middleware.Middleware{
		middleware.Recovery(s.logger),
		middleware.RequestID,
		middleware.Logging(s.logger),
	}
	if s.metrics != nil {
		middlewareChain = append(middlewareChain, middleware.Metrics(s.metrics))
	}
	if s.cfg.RateLimiter.Enabled {
		rateLimiter := middleware.NewRateLimiter(
			s.cfg.RateLimiter.RequestsPerSecond,
			s.cfg.RateLimiter.BurstSize,
			s.logger,
		)
		middlewareChain = append(middlewareChain, rateLimiter.Limit)
	}
	middlewareChain = append(middlewareChain, middleware.Timeout(s.cfg.Server.RequestTimeout))

	s.router.Use(middleware.Chain(middlewareChain...))

	s.router.HandleFunc("/health/live", s.healthCheck.LivenessHandler).Methods(http.MethodGet)
	s.router.HandleFunc("/health/ready", s.healthCheck.ReadinessHandler).Methods(http.MethodGet)
	if s.cfg.Metrics.Enabled && s.gatherer != nil {
		s.router.Handle(s.cfg.Metrics.Path, promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).
			Methods(http.MethodGet)
	}

	s.handlers.RegisterRoutes(s.router)

	s.router.NotFoundHandler = s.wrapUnrouted(http.StatusNotFound, "endpoint not found")
	s.router.MethodNotAllowedHandler = s.wrapUnrouted(http.StatusMethodNotAllowed, "method not allowed")
}

// wrapUnrouted answers requests that match no route. Router middleware does
// not run for them, so request ids are assigned here.
func (s *Server) wrapUnrouted(statusCode int, message string) http.Handler {
	return middleware.RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(statusCode)
		json.NewEncoder(w).Encode(handler.ErrorResponse{
			Status:    "error",
			ErrorCode: "INVALID_ARGUMENT",
			Message:   message,
			RequestID: middleware.RequestIDFromContext(r.Context()),
		})
	}))
}

// Start serves HTTP until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("Starting HTTP server", zap.String("address", s.httpServer.Addr))

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the root http.Handler of the server.
func (s *Server) Handler() http.Handler {
	return s.router
}
