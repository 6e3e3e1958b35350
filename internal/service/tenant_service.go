package service

import (
	"context"
	"sort"
	"sync/atomic"

	"github.com/devrev/metastore/internal/errors"
	"github.com/devrev/metastore/internal/metrics"
	"github.com/devrev/metastore/internal/model"
	"go.uber.org/zap"
)

// TenantLoader reads the tenant table
type TenantLoader interface {
	LoadTenants(ctx context.Context) ([]model.Tenant, error)
}

type tenantState int32

const (
	tenantStateUninitialized tenantState = iota
	tenantStateReady
	tenantStateClosed
)

func (s tenantState) String() string {
	switch s {
	case tenantStateUninitialized:
		return "uninitialized"
	case tenantStateReady:
		return "ready"
	case tenantStateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// TenantService resolves tenant codes to tenant keys.
//
// The tenant table is loaded once by Startup and never refreshed; tenants
// added afterwards are visible only after a restart. Lifecycle:
// uninitialized -> ready -> closed. Resolve only succeeds while ready.
type TenantService struct {
	loader  TenantLoader
	metrics *metrics.Metrics
	logger  *zap.Logger

	state   atomic.Int32
	tenants atomic.Pointer[map[string]model.Tenant]
}

// NewTenantService creates a tenant service in the uninitialized state
func NewTenantService(loader TenantLoader, m *metrics.Metrics, logger *zap.Logger) *TenantService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TenantService{
		loader:  loader,
		metrics: m,
		logger:  logger,
	}
}

// Startup loads all tenants. Any failure is fatal for the process.
func (s *TenantService) Startup(ctx context.Context) error {
	if current := tenantState(s.state.Load()); current != tenantStateUninitialized {
		return errors.StartupFailed("tenant service startup called in state "+current.String(), nil)
	}

	tenants, err := s.loader.LoadTenants(ctx)
	if err != nil {
		return errors.StartupFailed("failed to load tenants", err)
	}

	byCode := make(map[string]model.Tenant, len(tenants))
	for _, tenant := range tenants {
		if _, dup := byCode[tenant.Code]; dup {
			return errors.StartupFailed("duplicate tenant code in tenant table: "+tenant.Code, nil)
		}
		byCode[tenant.Code] = tenant
	}

	s.tenants.Store(&byCode)
	if !s.state.CompareAndSwap(int32(tenantStateUninitialized), int32(tenantStateReady)) {
		return errors.StartupFailed("tenant service started concurrently", nil)
	}

	if s.metrics != nil {
		s.metrics.UpdateTenantsLoaded(len(byCode))
	}
	s.logger.Info("Tenant service started", zap.Int("tenants", len(byCode)))
	return nil
}

// Resolve returns the tenant key for a tenant code
func (s *TenantService) Resolve(code string) (int16, error) {
	if state := tenantState(s.state.Load()); state != tenantStateReady {
		return 0, errors.InternalError("tenant service is "+state.String(), nil)
	}

	tenant, ok := (*s.tenants.Load())[code]
	if !ok {
		return 0, errors.UnknownTenant(code)
	}
	return tenant.Key, nil
}

// Tenants lists the loaded tenants ordered by code
func (s *TenantService) Tenants() []model.Tenant {
	loaded := s.tenants.Load()
	if loaded == nil {
		return nil
	}

	tenants := make([]model.Tenant, 0, len(*loaded))
	for _, tenant := range *loaded {
		tenants = append(tenants, tenant)
	}
	sort.Slice(tenants, func(i, j int) bool { return tenants[i].Code < tenants[j].Code })
	return tenants
}

// Ready reports whether Resolve can be called
func (s *TenantService) Ready() bool {
	return tenantState(s.state.Load()) == tenantStateReady
}

// Shutdown moves the service to the closed state
func (s *TenantService) Shutdown() {
	if previous := tenantState(s.state.Swap(int32(tenantStateClosed))); previous != tenantStateClosed {
		s.logger.Info("Tenant service stopped")
	}
}
