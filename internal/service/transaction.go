package service

import (
	"context"
	"sync/atomic"

	"github.com/devrev/metastore/internal/errors"
	"github.com/devrev/metastore/internal/store"
	"go.uber.org/zap"
)

type unitOfWorkKey struct{}

// unitOfWork is an open backend transaction carried in a context. Operations
// started with that context join it instead of opening their own.
type unitOfWork struct {
	tx store.Tx
	// set when a joined operation fails; the owner must not commit
	failed atomic.Bool
}

func unitOfWorkFrom(ctx context.Context) *unitOfWork {
	uow, _ := ctx.Value(unitOfWorkKey{}).(*unitOfWork)
	return uow
}

func txMode(readOnly bool) string {
	if readOnly {
		return "read_only"
	}
	return "read_write"
}

// withTx runs fn inside a unit of work. An enclosing unit of work in ctx is
// reused; otherwise a new one is opened, committed when fn returns nil and
// rolled back on error, panic or context expiry.
func (s *MetadataService) withTx(ctx context.Context, readOnly bool, fn func(ctx context.Context, tx store.Tx) error) (err error) {
	if uow := unitOfWorkFrom(ctx); uow != nil {
		if !readOnly && uow.tx.ReadOnly() {
			return errors.InternalError("write operation inside a read-only unit of work", nil)
		}
		if err := fn(ctx, uow.tx); err != nil {
			uow.failed.Store(true)
			return normalizeError(ctx, err)
		}
		return nil
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline && s.operationTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.operationTimeout)
		defer cancel()
	}

	tx, err := s.backend.Begin(ctx, readOnly)
	if err != nil {
		s.recordTransaction(readOnly, "begin_failed")
		return normalizeError(ctx, err)
	}

	uow := &unitOfWork{tx: tx}
	txCtx := context.WithValue(ctx, unitOfWorkKey{}, uow)

	defer func() {
		if r := recover(); r != nil {
			s.rollback(ctx, tx, readOnly)
			s.recordTransaction(readOnly, "panic")
			panic(r)
		}
	}()

	if err := fn(txCtx, tx); err != nil {
		s.rollback(ctx, tx, readOnly)
		s.recordTransaction(readOnly, "rollback")
		return normalizeError(ctx, err)
	}

	if uow.failed.Load() {
		s.rollback(ctx, tx, readOnly)
		s.recordTransaction(readOnly, "rollback")
		return errors.InternalError("unit of work rolled back after a failed operation", nil)
	}

	if ctxErr := errors.FromContext(ctx); ctxErr != nil {
		s.rollback(ctx, tx, readOnly)
		s.recordTransaction(readOnly, "timeout")
		return ctxErr
	}

	if err := tx.Commit(ctx); err != nil {
		s.rollback(ctx, tx, readOnly)
		s.recordTransaction(readOnly, "commit_failed")
		return normalizeError(ctx, err)
	}

	s.recordTransaction(readOnly, "commit")
	return nil
}

// rollback uses a context detached from cancellation so that an expired
// operation can still release its transaction
func (s *MetadataService) rollback(ctx context.Context, tx store.Tx, readOnly bool) {
	if err := tx.Rollback(context.WithoutCancel(ctx)); err != nil {
		s.logger.Warn("Rollback failed",
			zap.String("mode", txMode(readOnly)),
			zap.Error(err))
	}
}

func (s *MetadataService) recordTransaction(readOnly bool, outcome string) {
	if s.metrics != nil {
		s.metrics.RecordTransaction(txMode(readOnly), outcome)
	}
}

// normalizeError keeps metadata errors and converts anything else into the
// taxonomy. Context expiry always surfaces as Timeout.
func normalizeError(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if ctxErr := errors.FromContext(ctx); ctxErr != nil && !errors.IsCode(err, errors.ErrCodeTimeout) {
		if errors.Category(errors.GetCode(err)) == errors.CategoryBackend || !errors.IsMetadataError(err) {
			return errors.Timeout("operation timed out", err)
		}
	}
	if errors.IsMetadataError(err) {
		return err
	}
	return errors.InternalError("unexpected error", err)
}

// InTransaction runs fn in one read-write unit of work. Operations called
// with the context passed to fn join that unit of work, so their writes
// commit or roll back together.
//
// Reads joined to the unit of work see its own writes but not a fixed
// snapshot. On PostgreSQL read-write transactions run at READ COMMITTED, so
// each statement of a nested read may observe rows committed by other
// writers after the unit of work began, and the levels of one multi-level
// read are not guaranteed to agree. Callers that need a consistent view
// should read with a context outside the unit of work, which opens a
// REPEATABLE READ read-only transaction. The memory backend admits one
// writer at a time, so nothing commits while a unit of work is open.
func (s *MetadataService) InTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return s.withTx(ctx, false, func(ctx context.Context, _ store.Tx) error {
		return fn(ctx)
	})
}
