package health

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakePinger struct {
	err error
}

func (f fakePinger) Ping(ctx context.Context) error {
	return f.err
}

type fakeReady bool

func (f fakeReady) Ready() bool {
	return bool(f)
}

func TestLivenessHandler(t *testing.T) {
	hc := NewHealthChecker(nil, nil, nil, zap.NewNop())

	rec := httptest.NewRecorder()
	hc.LivenessHandler(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	var status HealthStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "alive", status.Status)
}

func TestReadinessHandler(t *testing.T) {
	tests := []struct {
		name       string
		backend    Pinger
		cache      Pinger
		tenants    ReadyReporter
		wantCode   int
		wantStatus string
		wantChecks map[string]string
	}{
		{
			name:       "all healthy",
			backend:    fakePinger{},
			cache:      fakePinger{},
			tenants:    fakeReady(true),
			wantCode:   http.StatusOK,
			wantStatus: "ready",
			wantChecks: map[string]string{"metadata_store": "healthy", "cache": "healthy", "tenants": "healthy"},
		},
		{
			name:       "cache disabled",
			backend:    fakePinger{},
			tenants:    fakeReady(true),
			wantCode:   http.StatusOK,
			wantStatus: "ready",
			wantChecks: map[string]string{"metadata_store": "healthy", "tenants": "healthy"},
		},
		{
			name:       "backend down",
			backend:    fakePinger{err: stderrors.New("connection refused")},
			tenants:    fakeReady(true),
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "not_ready",
			wantChecks: map[string]string{"metadata_store": "unhealthy: connection refused", "tenants": "healthy"},
		},
		{
			name:       "tenants not loaded",
			backend:    fakePinger{},
			tenants:    fakeReady(false),
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "not_ready",
			wantChecks: map[string]string{"metadata_store": "healthy", "tenants": "unhealthy: tenant service not ready"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hc := NewHealthChecker(tt.backend, tt.cache, tt.tenants, zap.NewNop())

			rec := httptest.NewRecorder()
			hc.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))

			assert.Equal(t, tt.wantCode, rec.Code)
			var status HealthStatus
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
			assert.Equal(t, tt.wantStatus, status.Status)
			assert.Equal(t, tt.wantChecks, status.Checks)
		})
	}
}
