package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrorCode represents internal error codes for tiering operations
type ErrorCode int

const (
	// Success
	ErrCodeOK ErrorCode = 0

	// Caller errors (4xx equivalent)
	ErrCodeInvalidArgument ErrorCode = 1000
	ErrCodeNotFound        ErrorCode = 1001
	ErrCodeObjectExists    ErrorCode = 1002
	ErrCodeCycleInProgress ErrorCode = 1003

	// Server errors (5xx equivalent)
	ErrCodeInternal         ErrorCode = 2000
	ErrCodeStoreUnavailable ErrorCode = 2001
	ErrCodeCorruptArchive   ErrorCode = 2002
	ErrCodeStaleReference   ErrorCode = 2003
	ErrCodeReadTimeout      ErrorCode = 2004
	ErrCodeIndexUnavailable ErrorCode = 2005
)

// String returns a short name for the code, used in logs and metric labels
func (c ErrorCode) String() string {
	switch c {
	case ErrCodeOK:
		return "ok"
	case ErrCodeInvalidArgument:
		return "invalid_argument"
	case ErrCodeNotFound:
		return "not_found"
	case ErrCodeObjectExists:
		return "object_exists"
	case ErrCodeCycleInProgress:
		return "cycle_in_progress"
	case ErrCodeStoreUnavailable:
		return "store_unavailable"
	case ErrCodeCorruptArchive:
		return "corrupt_archive"
	case ErrCodeStaleReference:
		return "stale_reference"
	case ErrCodeReadTimeout:
		return "read_timeout"
	case ErrCodeIndexUnavailable:
		return "index_unavailable"
	default:
		return "internal"
	}
}

// StorageError represents a structured error with code and context
type StorageError struct {
	Code    ErrorCode
	Message string
	Details map[string]interface{}
	Cause   error
}

// Error implements the error interface
func (e *StorageError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying error
func (e *StorageError) Unwrap() error {
	return e.Cause
}

// ToGRPCStatus converts StorageError to gRPC status
func (e *StorageError) ToGRPCStatus() *status.Status {
	return status.New(e.toGRPCCode(), e.Error())
}

func (e *StorageError) toGRPCCode() codes.Code {
	switch e.Code {
	case ErrCodeOK:
		return codes.OK
	case ErrCodeInvalidArgument:
		return codes.InvalidArgument
	case ErrCodeNotFound:
		return codes.NotFound
	case ErrCodeObjectExists:
		return codes.AlreadyExists
	case ErrCodeCycleInProgress:
		return codes.Aborted
	case ErrCodeStoreUnavailable, ErrCodeStaleReference, ErrCodeIndexUnavailable:
		return codes.Unavailable
	case ErrCodeCorruptArchive:
		return codes.DataLoss
	case ErrCodeReadTimeout:
		return codes.DeadlineExceeded
	default:
		return codes.Internal
	}
}

// HTTPStatus maps the error code onto an HTTP status for the admin API
func (e *StorageError) HTTPStatus() int {
	switch e.Code {
	case ErrCodeOK:
		return http.StatusOK
	case ErrCodeInvalidArgument:
		return http.StatusBadRequest
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeObjectExists, ErrCodeCycleInProgress:
		return http.StatusConflict
	case ErrCodeStoreUnavailable, ErrCodeStaleReference, ErrCodeIndexUnavailable:
		return http.StatusServiceUnavailable
	case ErrCodeReadTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// NewStorageError creates a new StorageError
func NewStorageError(code ErrorCode, message string, cause error) *StorageError {
	return &StorageError{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
		Cause:   cause,
	}
}

// WithDetail adds a detail to the error
func (e *StorageError) WithDetail(key string, value interface{}) *StorageError {
	e.Details[key] = value
	return e
}

// Convenience constructors for common errors

func InvalidArgument(message string, cause error) *StorageError {
	return NewStorageError(ErrCodeInvalidArgument, message, cause)
}

func RecordNotFound(partitionKey, id string) *StorageError {
	return NewStorageError(ErrCodeNotFound, fmt.Sprintf("record not found: %s/%s", partitionKey, id), nil).
		WithDetail("partition_key", partitionKey).
		WithDetail("id", id)
}

func ObjectNotFound(name string) *StorageError {
	return NewStorageError(ErrCodeNotFound, fmt.Sprintf("archive object not found: %s", name), nil).
		WithDetail("object", name)
}

func ObjectExists(name string) *StorageError {
	return NewStorageError(ErrCodeObjectExists, fmt.Sprintf("archive object already exists: %s", name), nil).
		WithDetail("object", name)
}

func CycleInProgress() *StorageError {
	return NewStorageError(ErrCodeCycleInProgress, "archival cycle already in progress", nil)
}

func InternalError(message string, cause error) *StorageError {
	return NewStorageError(ErrCodeInternal, message, cause)
}

func Unavailable(message string, cause error) *StorageError {
	return NewStorageError(ErrCodeStoreUnavailable, message, cause)
}

func CorruptArchive(batch, message string, cause error) *StorageError {
	return NewStorageError(ErrCodeCorruptArchive, fmt.Sprintf("corrupt archive batch %s: %s", batch, message), cause).
		WithDetail("batch", batch)
}

func StaleReference(batch string) *StorageError {
	return NewStorageError(ErrCodeStaleReference, fmt.Sprintf("locator references missing batch %s", batch), nil).
		WithDetail("batch", batch)
}

func ReadTimeout(partitionKey, id string, cause error) *StorageError {
	return NewStorageError(ErrCodeReadTimeout, fmt.Sprintf("cold read budget exceeded for %s/%s", partitionKey, id), cause).
		WithDetail("partition_key", partitionKey).
		WithDetail("id", id)
}

func IndexUnavailable(message string) *StorageError {
	return NewStorageError(ErrCodeIndexUnavailable, message, nil)
}

// GetCode extracts the error code from an error chain
func GetCode(err error) ErrorCode {
	if err == nil {
		return ErrCodeOK
	}
	var se *StorageError
	if stderrors.As(err, &se) {
		return se.Code
	}
	return ErrCodeInternal
}

// HasCode reports whether the outermost StorageError in the chain carries code
func HasCode(err error, code ErrorCode) bool {
	return err != nil && GetCode(err) == code
}

// IsNotFound reports whether err is a legitimate absence
func IsNotFound(err error) bool {
	return HasCode(err, ErrCodeNotFound)
}

// IsRetryable reports whether the operation may succeed if attempted again
func IsRetryable(err error) bool {
	switch GetCode(err) {
	case ErrCodeStoreUnavailable, ErrCodeIndexUnavailable, ErrCodeReadTimeout:
		return true
	default:
		return false
	}
}

// AsStorageError returns the StorageError in the chain, wrapping foreign
// errors as internal errors
func AsStorageError(err error) *StorageError {
	var se *StorageError
	if stderrors.As(err, &se) {
		return se
	}
	return InternalError("internal error", err)
}
