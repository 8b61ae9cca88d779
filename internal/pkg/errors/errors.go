// Package errors provides custom error types and error handling utilities.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes.
const (
	// Client errors (4xx).
	CodeValidation   = "VALIDATION_ERROR"
	CodeInvalidQuery = "INVALID_QUERY"
	CodeNotFound     = "NOT_FOUND"
	CodeRateLimited  = "RATE_LIMITED"

	// Per-split failures, absorbed into the response rather than aborting
	// the query.
	CodeSplitUnavailable = "SPLIT_UNAVAILABLE"
	CodeEngineExecution  = "ENGINE_EXECUTION_ERROR"
	CodeDeadlineExceeded = "DEADLINE_EXCEEDED"

	// Node-level failures, retried before being absorbed.
	CodeNodeUnreachable = "NODE_UNREACHABLE"

	// Structural failures, fatal for the whole query.
	CodeNoAvailableNodes     = "NO_AVAILABLE_NODES"
	CodeTooManySplitFailures = "TOO_MANY_SPLIT_FAILURES"

	// Server errors (5xx).
	CodeInternal    = "INTERNAL_ERROR"
	CodeUnavailable = "SERVICE_UNAVAILABLE"
	CodeTimeout     = "TIMEOUT"
)

// AppError represents an application error with code and details.
type AppError struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
	Err     error             `json:"-"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error.
func (e *AppError) Unwrap() error {
	return e.Err
}

// HTTPStatus returns the HTTP status code for this error.
func (e *AppError) HTTPStatus() int {
	switch e.Code {
	case CodeValidation, CodeInvalidQuery:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeUnavailable, CodeNoAvailableNodes:
		return http.StatusServiceUnavailable
	case CodeTimeout, CodeDeadlineExceeded:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// New creates a new AppError.
func New(code, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an error with an AppError.
func Wrap(code, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// WithDetail adds a single detail to the error.
func (e *AppError) WithDetail(key, value string) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// Convenience constructors.

// InvalidQueryError creates an invalid query error.
func InvalidQueryError(message string) *AppError {
	return New(CodeInvalidQuery, message)
}

// SplitUnavailableError creates a split unavailable error.
func SplitUnavailableError(splitID string, err error) *AppError {
	return Wrap(CodeSplitUnavailable, fmt.Sprintf("split %s unavailable", splitID), err).
		WithDetail("split_id", splitID)
}

// EngineExecutionError creates an engine execution error.
func EngineExecutionError(splitID string, err error) *AppError {
	return Wrap(CodeEngineExecution, fmt.Sprintf("engine execution failed on split %s", splitID), err).
		WithDetail("split_id", splitID)
}

// NodeUnreachableError creates a node unreachable error.
func NodeUnreachableError(nodeID string, err error) *AppError {
	return Wrap(CodeNodeUnreachable, fmt.Sprintf("node %s unreachable", nodeID), err).
		WithDetail("node_id", nodeID)
}

// DeadlineExceededError creates a deadline exceeded error.
func DeadlineExceededError(what string) *AppError {
	return New(CodeDeadlineExceeded, fmt.Sprintf("%s deadline exceeded", what))
}

// NoAvailableNodesError creates a no available nodes error.
func NoAvailableNodesError() *AppError {
	return New(CodeNoAvailableNodes, "no live nodes available for job assignment")
}

// TooManySplitFailuresError creates a too many split failures error.
func TooManySplitFailuresError(failed, total int) *AppError {
	return New(CodeTooManySplitFailures,
		fmt.Sprintf("%d of %d splits failed, exceeding the configured tolerance", failed, total))
}

// NotFoundError creates a not found error.
func NotFoundError(resource string) *AppError {
	return New(CodeNotFound, fmt.Sprintf("%s not found", resource))
}

// ValidationError creates a validation error.
func ValidationError(message string) *AppError {
	return New(CodeValidation, message)
}

// InternalError creates an internal error.
func InternalError(message string, err error) *AppError {
	return Wrap(CodeInternal, message, err)
}

// ServiceUnavailableError creates a service unavailable error.
func ServiceUnavailableError(service string) *AppError {
	message := "service unavailable"
	if service != "" {
		message = fmt.Sprintf("%s is unavailable", service)
	}
	return New(CodeUnavailable, message)
}

// RateLimitedError creates a rate limited error with retry information.
func RateLimitedError(retryAfterSeconds int) *AppError {
	err := New(CodeRateLimited, "rate limit exceeded")
	if retryAfterSeconds > 0 {
		err = err.WithDetail("retry_after", fmt.Sprintf("%d", retryAfterSeconds))
	}
	return err
}

// Code returns the AppError code of err, or CodeInternal if err is not an
// AppError.
func Code(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeInternal
}

// Is checks whether err carries the given code.
func Is(err error, code string) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// IsInvalidQuery checks if error is an invalid query error.
func IsInvalidQuery(err error) bool {
	return Is(err, CodeInvalidQuery)
}

// IsSplitUnavailable checks if error is a split unavailable error.
func IsSplitUnavailable(err error) bool {
	return Is(err, CodeSplitUnavailable)
}

// IsNodeUnreachable checks if error is a node unreachable error.
func IsNodeUnreachable(err error) bool {
	return Is(err, CodeNodeUnreachable)
}

// IsDeadlineExceeded checks if error is a deadline exceeded error.
func IsDeadlineExceeded(err error) bool {
	return Is(err, CodeDeadlineExceeded)
}

// IsNotFound checks if error is a not found error.
func IsNotFound(err error) bool {
	return Is(err, CodeNotFound)
}
