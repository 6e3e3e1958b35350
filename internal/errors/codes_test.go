package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestToGRPCStatus(t *testing.T) {
	id := uuid.New()

	tests := []struct {
		name     string
		err      *MetadataError
		expected codes.Code
	}{
		{"invalid argument", InvalidArgument("bad", nil), codes.InvalidArgument},
		{"wrong object type", WrongObjectType(id, "DATA", "MODEL"), codes.FailedPrecondition},
		{"not found", NotFound("missing"), codes.NotFound},
		{"unknown tenant", UnknownTenant("acme"), codes.NotFound},
		{"not preallocated", NotPreallocated(id), codes.NotFound},
		{"duplicate", DuplicateObject("dup", nil), codes.AlreadyExists},
		{"version conflict", VersionConflict("conflict", nil), codes.Aborted},
		{"already materialized", AlreadyMaterialized(id), codes.AlreadyExists},
		{"internal", InternalError("boom", nil), codes.Internal},
		{"unavailable", Unavailable("down", nil), codes.Unavailable},
		{"timeout", Timeout("slow", nil), codes.DeadlineExceeded},
		{"startup", StartupFailed("no tenants", nil), codes.Internal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.err.ToGRPCStatus().Code())
		})
	}
}

func TestStatusCodeOfWrappedErrors(t *testing.T) {
	wrapped := fmt.Errorf("saving batch: %w", VersionConflict("race", nil))
	assert.Equal(t, codes.Aborted, status.Code(wrapped))

	st, ok := status.FromError(wrapped)
	assert.True(t, ok)
	assert.Equal(t, codes.Aborted, st.Code())

	assert.Equal(t, codes.OK, status.Code(nil))
	assert.Equal(t, codes.Unknown, status.Code(stderrors.New("plain")))
}

func TestGetCode(t *testing.T) {
	assert.Equal(t, ErrCodeOK, GetCode(nil))
	assert.Equal(t, ErrCodeInternal, GetCode(stderrors.New("plain")))
	assert.Equal(t, ErrCodeNotFound, GetCode(NotFound("x")))

	wrapped := fmt.Errorf("while loading: %w", VersionConflict("v", nil))
	assert.Equal(t, ErrCodeVersionConflict, GetCode(wrapped))
	assert.True(t, IsCode(wrapped, ErrCodeVersionConflict))
	assert.True(t, IsMetadataError(wrapped))
	assert.False(t, IsCode(nil, ErrCodeOK))
}

func TestErrorMessageAndUnwrap(t *testing.T) {
	cause := stderrors.New("connection reset")
	err := Unavailable("query failed", cause)

	assert.Equal(t, "query failed: connection reset", err.Error())
	assert.ErrorIs(t, err, cause)

	tenant := UnknownTenant("acme")
	assert.Equal(t, "acme", tenant.Details["tenant"])
}

func TestCategoryAndRetry(t *testing.T) {
	assert.Equal(t, CategoryConflict, Category(ErrCodeVersionConflict))
	assert.Equal(t, CategoryNotFound, Category(ErrCodeUnknownTenant))
	assert.Equal(t, CategoryBackend, Category(ErrCodeTimeout))
	assert.Equal(t, CategoryFatal, Category(ErrCodeStartup))
	assert.Equal(t, CategoryValidation, Category(ErrCodeWrongObjectType))

	assert.True(t, IsRetryable(VersionConflict("v", nil)))
	assert.True(t, IsRetryable(DuplicateObject("d", nil)))
	assert.False(t, IsRetryable(AlreadyMaterialized(uuid.New())))
	assert.False(t, IsRetryable(InternalError("i", nil)))
}

func TestFromContext(t *testing.T) {
	assert.Nil(t, FromContext(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := FromContext(ctx)
	assert.Equal(t, ErrCodeTimeout, err.Code)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCodeString(t *testing.T) {
	assert.Equal(t, "VERSION_CONFLICT", ErrCodeVersionConflict.String())
	assert.Equal(t, "ERROR_42", ErrorCode(42).String())
}
