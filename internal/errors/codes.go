package errors

import (
	"context"
	stderrors "errors"
	"fmt"

	"github.com/google/uuid"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrorCode represents internal error codes for metadata operations
type ErrorCode int

const (
	ErrCodeOK ErrorCode = 0

	// Client errors
	ErrCodeInvalidArgument     ErrorCode = 1000
	ErrCodeWrongObjectType     ErrorCode = 1001
	ErrCodeNotFound            ErrorCode = 1002
	ErrCodeUnknownTenant       ErrorCode = 1003
	ErrCodeNotPreallocated     ErrorCode = 1004
	ErrCodeDuplicateObject     ErrorCode = 1005
	ErrCodeVersionConflict     ErrorCode = 1006
	ErrCodeAlreadyMaterialized ErrorCode = 1007

	// Server errors
	ErrCodeInternal    ErrorCode = 2000
	ErrCodeUnavailable ErrorCode = 2001
	ErrCodeTimeout     ErrorCode = 2002
	ErrCodeStartup     ErrorCode = 2003
)

var codeNames = map[ErrorCode]string{
	ErrCodeOK:                  "OK",
	ErrCodeInvalidArgument:     "INVALID_ARGUMENT",
	ErrCodeWrongObjectType:     "WRONG_OBJECT_TYPE",
	ErrCodeNotFound:            "NOT_FOUND",
	ErrCodeUnknownTenant:       "UNKNOWN_TENANT",
	ErrCodeNotPreallocated:     "NOT_PREALLOCATED",
	ErrCodeDuplicateObject:     "DUPLICATE_OBJECT",
	ErrCodeVersionConflict:     "VERSION_CONFLICT",
	ErrCodeAlreadyMaterialized: "ALREADY_MATERIALIZED",
	ErrCodeInternal:            "INTERNAL",
	ErrCodeUnavailable:         "UNAVAILABLE",
	ErrCodeTimeout:             "TIMEOUT",
	ErrCodeStartup:             "STARTUP",
}

func (c ErrorCode) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("ERROR_%d", int(c))
}

// ErrorCategory groups codes by how a caller should react to them
type ErrorCategory string

const (
	CategoryNone       ErrorCategory = "none"
	CategoryValidation ErrorCategory = "validation"
	CategoryNotFound   ErrorCategory = "not_found"
	CategoryConflict   ErrorCategory = "conflict"
	CategoryInternal   ErrorCategory = "internal"
	CategoryBackend    ErrorCategory = "backend"
	CategoryFatal      ErrorCategory = "fatal"
)

// Category returns the category of an error code
func Category(code ErrorCode) ErrorCategory {
	switch code {
	case ErrCodeOK:
		return CategoryNone
	case ErrCodeInvalidArgument, ErrCodeWrongObjectType:
		return CategoryValidation
	case ErrCodeNotFound, ErrCodeUnknownTenant, ErrCodeNotPreallocated:
		return CategoryNotFound
	case ErrCodeDuplicateObject, ErrCodeVersionConflict, ErrCodeAlreadyMaterialized:
		return CategoryConflict
	case ErrCodeUnavailable, ErrCodeTimeout:
		return CategoryBackend
	case ErrCodeStartup:
		return CategoryFatal
	default:
		return CategoryInternal
	}
}

// MetadataError represents a structured error with code and context
type MetadataError struct {
	Code    ErrorCode
	Message string
	Details map[string]interface{}
	Cause   error
}

// Error implements the error interface
func (e *MetadataError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying error
func (e *MetadataError) Unwrap() error {
	return e.Cause
}

// ToGRPCStatus converts MetadataError to gRPC status
func (e *MetadataError) ToGRPCStatus() *status.Status {
	return status.New(e.toGRPCCode(), e.Error())
}

// GRPCStatus lets status.Code and status.FromError see through wrapped
// metadata errors.
func (e *MetadataError) GRPCStatus() *status.Status {
	if e == nil {
		return nil
	}
	return e.ToGRPCStatus()
}

func (e *MetadataError) toGRPCCode() codes.Code {
	switch e.Code {
	case ErrCodeOK:
		return codes.OK
	case ErrCodeInvalidArgument:
		return codes.InvalidArgument
	case ErrCodeWrongObjectType:
		return codes.FailedPrecondition
	case ErrCodeNotFound, ErrCodeUnknownTenant, ErrCodeNotPreallocated:
		return codes.NotFound
	case ErrCodeDuplicateObject, ErrCodeAlreadyMaterialized:
		return codes.AlreadyExists
	case ErrCodeVersionConflict:
		return codes.Aborted
	case ErrCodeUnavailable:
		return codes.Unavailable
	case ErrCodeTimeout:
		return codes.DeadlineExceeded
	default:
		return codes.Internal
	}
}

// NewMetadataError creates a new MetadataError
func NewMetadataError(code ErrorCode, message string, cause error) *MetadataError {
	return &MetadataError{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
		Cause:   cause,
	}
}

// WithDetail adds a detail to the error
func (e *MetadataError) WithDetail(key string, value interface{}) *MetadataError {
	e.Details[key] = value
	return e
}

// Convenience constructors for common errors

func InvalidArgument(message string, cause error) *MetadataError {
	return NewMetadataError(ErrCodeInvalidArgument, message, cause)
}

func WrongObjectType(objectID uuid.UUID, expected, actual string) *MetadataError {
	return NewMetadataError(ErrCodeWrongObjectType,
		fmt.Sprintf("wrong object type for %s: stored %s, got %s", objectID, expected, actual), nil).
		WithDetail("object_id", objectID.String()).
		WithDetail("expected", expected).
		WithDetail("actual", actual)
}

func NotFound(message string) *MetadataError {
	return NewMetadataError(ErrCodeNotFound, message, nil)
}

func UnknownTenant(tenant string) *MetadataError {
	return NewMetadataError(ErrCodeUnknownTenant, fmt.Sprintf("unknown tenant: %s", tenant), nil).
		WithDetail("tenant", tenant)
}

func NotPreallocated(objectID uuid.UUID) *MetadataError {
	return NewMetadataError(ErrCodeNotPreallocated, fmt.Sprintf("object id was not preallocated: %s", objectID), nil).
		WithDetail("object_id", objectID.String())
}

func DuplicateObject(message string, cause error) *MetadataError {
	return NewMetadataError(ErrCodeDuplicateObject, message, cause)
}

func VersionConflict(message string, cause error) *MetadataError {
	return NewMetadataError(ErrCodeVersionConflict, message, cause)
}

func AlreadyMaterialized(objectID uuid.UUID) *MetadataError {
	return NewMetadataError(ErrCodeAlreadyMaterialized, fmt.Sprintf("preallocated object already has a definition: %s", objectID), nil).
		WithDetail("object_id", objectID.String())
}

func InternalError(message string, cause error) *MetadataError {
	return NewMetadataError(ErrCodeInternal, message, cause)
}

func Unavailable(message string, cause error) *MetadataError {
	return NewMetadataError(ErrCodeUnavailable, message, cause)
}

func Timeout(message string, cause error) *MetadataError {
	return NewMetadataError(ErrCodeTimeout, message, cause)
}

func StartupFailed(message string, cause error) *MetadataError {
	return NewMetadataError(ErrCodeStartup, message, cause)
}

// FromContext converts a context error into a Timeout error, or nil
func FromContext(ctx context.Context) *MetadataError {
	if err := ctx.Err(); err != nil {
		return Timeout("operation cancelled or timed out", err)
	}
	return nil
}

// IsMetadataError checks if an error is, or wraps, a MetadataError
func IsMetadataError(err error) bool {
	var me *MetadataError
	return stderrors.As(err, &me)
}

// GetCode extracts the error code from an error
func GetCode(err error) ErrorCode {
	if err == nil {
		return ErrCodeOK
	}
	var me *MetadataError
	if stderrors.As(err, &me) {
		return me.Code
	}
	return ErrCodeInternal
}

// IsCode reports whether err carries the given code
func IsCode(err error, code ErrorCode) bool {
	return err != nil && GetCode(err) == code
}

// IsRetryable reports whether retrying the same call may succeed. Conflicts
// are retryable after the caller re-reads the current state.
func IsRetryable(err error) bool {
	switch GetCode(err) {
	case ErrCodeDuplicateObject, ErrCodeVersionConflict, ErrCodeUnavailable, ErrCodeTimeout:
		return true
	default:
		return false
	}
}
