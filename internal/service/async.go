package service

import (
	"context"
	"fmt"

	"github.com/devrev/metastore/internal/errors"
	"github.com/devrev/metastore/internal/metrics"
	"github.com/devrev/metastore/internal/model"
	"github.com/devrev/metastore/internal/util/workerpool"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Future is the pending result of an asynchronous operation
type Future[T any] struct {
	done  chan struct{}
	value T
	err   error
}

func newFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

func (f *Future[T]) complete(value T, err error) {
	f.value = value
	f.err = err
	close(f.done)
}

// Done is closed when the result is available
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Await blocks until the operation finishes or ctx is done. A context
// expiry here abandons the wait, not the operation.
func (f *Future[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, errors.Timeout("gave up waiting for operation result", ctx.Err())
	}
}

// AsyncMetadataService runs MetadataService operations on a bounded worker
// pool and returns futures, so callers can issue several operations and
// collect the results later.
//
// Asynchronous operations never join a unit of work carried by the caller's
// context; each one runs in its own.
type AsyncMetadataService struct {
	service *MetadataService
	pool    *workerpool.Pool
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewAsyncMetadataService creates an async facade over service
func NewAsyncMetadataService(service *MetadataService, pool *workerpool.Pool, m *metrics.Metrics, logger *zap.Logger) *AsyncMetadataService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AsyncMetadataService{
		service: service,
		pool:    pool,
		metrics: m,
		logger:  logger,
	}
}

// submit queues fn on the pool. Submission failures complete the future
// immediately with Unavailable.
func submit[T any](a *AsyncMetadataService, ctx context.Context, operation string, fn func(ctx context.Context) (T, error)) *Future[T] {
	future := newFuture[T]()
	detached := context.WithValue(ctx, unitOfWorkKey{}, (*unitOfWork)(nil))

	task := workerpool.Task{
		ID:      fmt.Sprintf("%s-%s", operation, uuid.NewString()),
		Context: detached,
		Fn: func(ctx context.Context) error {
			defer a.updateQueueDepth()
			defer func() {
				if r := recover(); r != nil {
					var zero T
					future.complete(zero, errors.InternalError(fmt.Sprintf("%s panicked: %v", operation, r), nil))
					panic(r)
				}
			}()

			value, err := fn(ctx)
			future.complete(value, err)
			return err
		},
	}

	if err := a.pool.SubmitWithContext(ctx, task); err != nil {
		a.logger.Warn("Async operation rejected",
			zap.String("operation", operation),
			zap.Error(err))
		var zero T
		future.complete(zero, errors.Unavailable("async operation rejected: "+operation, err))
		return future
	}
	a.updateQueueDepth()
	return future
}

func (a *AsyncMetadataService) updateQueueDepth() {
	if a.metrics != nil {
		a.metrics.UpdateAsyncQueueDepth(a.pool.Stats().QueuedTasks)
	}
}

func (a *AsyncMetadataService) SaveNewObjects(ctx context.Context, tenant string, tags []*model.Tag) *Future[struct{}] {
	return submit(a, ctx, opSaveNewObjects, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, a.service.SaveNewObjects(ctx, tenant, tags)
	})
}

func (a *AsyncMetadataService) SaveNewVersions(ctx context.Context, tenant string, tags []*model.Tag) *Future[struct{}] {
	return submit(a, ctx, opSaveNewVersions, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, a.service.SaveNewVersions(ctx, tenant, tags)
	})
}

func (a *AsyncMetadataService) SaveNewTags(ctx context.Context, tenant string, tags []*model.Tag) *Future[struct{}] {
	return submit(a, ctx, opSaveNewTags, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, a.service.SaveNewTags(ctx, tenant, tags)
	})
}

func (a *AsyncMetadataService) PreallocateObjectIDs(ctx context.Context, tenant string, objectType model.ObjectType, ids []uuid.UUID) *Future[struct{}] {
	return submit(a, ctx, opPreallocateObjectIDs, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, a.service.PreallocateObjectIDs(ctx, tenant, objectType, ids)
	})
}

func (a *AsyncMetadataService) SavePreallocatedObjects(ctx context.Context, tenant string, tags []*model.Tag) *Future[struct{}] {
	return submit(a, ctx, opSavePreallocatedObjects, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, a.service.SavePreallocatedObjects(ctx, tenant, tags)
	})
}

func (a *AsyncMetadataService) LoadTag(ctx context.Context, tenant string, objectID uuid.UUID, objectVersion, tagVersion int) *Future[*model.Tag] {
	return submit(a, ctx, opLoadTag, func(ctx context.Context) (*model.Tag, error) {
		return a.service.LoadTag(ctx, tenant, objectID, objectVersion, tagVersion)
	})
}

func (a *AsyncMetadataService) LoadTags(ctx context.Context, tenant string, selectors []model.TagSelector) *Future[[]*model.Tag] {
	return submit(a, ctx, opLoadTags, func(ctx context.Context) ([]*model.Tag, error) {
		return a.service.LoadTags(ctx, tenant, selectors)
	})
}

func (a *AsyncMetadataService) LoadLatestVersion(ctx context.Context, tenant string, objectID uuid.UUID) *Future[*model.Tag] {
	return submit(a, ctx, opLoadLatestVersion, func(ctx context.Context) (*model.Tag, error) {
		return a.service.LoadLatestVersion(ctx, tenant, objectID)
	})
}

func (a *AsyncMetadataService) LoadLatestTag(ctx context.Context, tenant string, objectID uuid.UUID, objectVersion int) *Future[*model.Tag] {
	return submit(a, ctx, opLoadLatestTag, func(ctx context.Context) (*model.Tag, error) {
		return a.service.LoadLatestTag(ctx, tenant, objectID, objectVersion)
	})
}

// PooledMetadataService exposes the synchronous API on top of an
// AsyncMetadataService. Every call waits for its future, so concurrent
// backend work is bounded by the pool size.
type PooledMetadataService struct {
	async *AsyncMetadataService
}

// NewPooledMetadataService creates a blocking facade over async
func NewPooledMetadataService(async *AsyncMetadataService) *PooledMetadataService {
	return &PooledMetadataService{async: async}
}

func awaitNone(ctx context.Context, future *Future[struct{}]) error {
	_, err := future.Await(ctx)
	return err
}

func (p *PooledMetadataService) SaveNewObjects(ctx context.Context, tenant string, tags []*model.Tag) error {
	return awaitNone(ctx, p.async.SaveNewObjects(ctx, tenant, tags))
}

func (p *PooledMetadataService) SaveNewVersions(ctx context.Context, tenant string, tags []*model.Tag) error {
	return awaitNone(ctx, p.async.SaveNewVersions(ctx, tenant, tags))
}

func (p *PooledMetadataService) SaveNewTags(ctx context.Context, tenant string, tags []*model.Tag) error {
	return awaitNone(ctx, p.async.SaveNewTags(ctx, tenant, tags))
}

func (p *PooledMetadataService) PreallocateObjectIDs(ctx context.Context, tenant string, objectType model.ObjectType, ids []uuid.UUID) error {
	return awaitNone(ctx, p.async.PreallocateObjectIDs(ctx, tenant, objectType, ids))
}

func (p *PooledMetadataService) SavePreallocatedObjects(ctx context.Context, tenant string, tags []*model.Tag) error {
	return awaitNone(ctx, p.async.SavePreallocatedObjects(ctx, tenant, tags))
}

func (p *PooledMetadataService) LoadTag(ctx context.Context, tenant string, objectID uuid.UUID, objectVersion, tagVersion int) (*model.Tag, error) {
	return p.async.LoadTag(ctx, tenant, objectID, objectVersion, tagVersion).Await(ctx)
}

func (p *PooledMetadataService) LoadTags(ctx context.Context, tenant string, selectors []model.TagSelector) ([]*model.Tag, error) {
	return p.async.LoadTags(ctx, tenant, selectors).Await(ctx)
}

func (p *PooledMetadataService) LoadLatestVersion(ctx context.Context, tenant string, objectID uuid.UUID) (*model.Tag, error) {
	return p.async.LoadLatestVersion(ctx, tenant, objectID).Await(ctx)
}

func (p *PooledMetadataService) LoadLatestTag(ctx context.Context, tenant string, objectID uuid.UUID, objectVersion int) (*model.Tag, error) {
	return p.async.LoadLatestTag(ctx, tenant, objectID, objectVersion).Await(ctx)
}
