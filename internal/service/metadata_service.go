package service

import (
	"time"

	"github.com/devrev/metastore/internal/errors"
	"github.com/devrev/metastore/internal/metrics"
	"github.com/devrev/metastore/internal/store"
	"github.com/devrev/metastore/internal/validation"
	"go.uber.org/zap"
)

// MetadataService implements batch writes and point reads of tagged objects
// over a transactional backend
type MetadataService struct {
	backend   store.Backend
	tenants   *TenantService
	validator *validation.Validator
	cache     store.Cache
	cacheTTL  time.Duration
	metrics   *metrics.Metrics
	logger    *zap.Logger

	operationTimeout time.Duration
	clock            func() time.Time
}

// Options configures optional MetadataService dependencies
type Options struct {
	// Cache enables the read-through tag cache when non-nil
	Cache    store.Cache
	CacheTTL time.Duration

	Limits  validation.Limits
	Metrics *metrics.Metrics

	// OperationTimeout bounds operations whose context has no deadline
	OperationTimeout time.Duration
}

// NewMetadataService creates a new metadata service
func NewMetadataService(
	backend store.Backend,
	tenants *TenantService,
	opts Options,
	logger *zap.Logger,
) *MetadataService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MetadataService{
		backend:          backend,
		tenants:          tenants,
		validator:        validation.NewValidatorWithLimits(opts.Limits),
		cache:            opts.Cache,
		cacheTTL:         opts.CacheTTL,
		metrics:          opts.Metrics,
		logger:           logger,
		operationTimeout: opts.OperationTimeout,
		clock:            time.Now,
	}
}

// now returns the commit timestamp for new rows, at the precision the
// relational backend stores
func (s *MetadataService) now() time.Time {
	return s.clock().UTC().Truncate(time.Microsecond)
}

// prepareBatch validates the tenant and batch size and resolves the tenant key
func (s *MetadataService) prepareBatch(tenant string, size int) (int16, error) {
	if err := s.validator.ValidateTenant(tenant); err != nil {
		return 0, err
	}
	if err := s.validator.ValidateBatchSize(size); err != nil {
		return 0, err
	}
	return s.tenants.Resolve(tenant)
}

// observe runs one public operation and records its outcome
func (s *MetadataService) observe(operation, tenant string, size int, fn func() error) error {
	start := time.Now()
	err := fn()
	duration := time.Since(start)

	status := "success"
	if err != nil {
		status = "error"
	}

	if s.metrics != nil {
		s.metrics.RecordOperation(operation, status, duration)
		s.metrics.RecordBatchSize(operation, size)
		if err != nil {
			s.metrics.RecordError(operation, errors.GetCode(err).String())
		}
	}

	if err == nil {
		s.logger.Debug("Operation completed",
			zap.String("operation", operation),
			zap.String("tenant", tenant),
			zap.Int("batch_size", size),
			zap.Duration("duration", duration))
		return nil
	}

	fields := []zap.Field{
		zap.String("operation", operation),
		zap.String("tenant", tenant),
		zap.Int("batch_size", size),
		zap.String("error_code", errors.GetCode(err).String()),
		zap.Error(err),
	}
	switch errors.Category(errors.GetCode(err)) {
	case errors.CategoryInternal, errors.CategoryBackend, errors.CategoryFatal:
		s.logger.Error("Operation failed", fields...)
	default:
		s.logger.Debug("Operation rejected", fields...)
	}
	return err
}

// Ready reports whether the service can accept calls
func (s *MetadataService) Ready() bool {
	return s.tenants.Ready()
}
