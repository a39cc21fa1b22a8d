// Package errors provides categorized errors for the sync engine.
// The categories drive retry decisions: transient errors are retried with
// backoff, fatal errors halt further attempts for the connection.
package errors

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/insight-sync/internal/types"
)

// ErrorCategory represents the category of an error
type ErrorCategory string

const (
	// CategoryTransient represents recoverable provider errors (5xx, timeouts)
	CategoryTransient ErrorCategory = "transient"
	// CategoryCredential represents rejected credentials (401/403); never retried
	CategoryCredential ErrorCategory = "credential"
	// CategoryInvalidRange represents a request the provider permanently rejects
	CategoryInvalidRange ErrorCategory = "invalid_range"
	// CategoryUserInput represents caller input errors
	CategoryUserInput ErrorCategory = "user_input"
	// CategoryDatabase represents storage errors
	CategoryDatabase ErrorCategory = "database"
	// CategoryNotFound represents missing resources
	CategoryNotFound ErrorCategory = "not_found"
	// CategoryConflict represents duplicate or conflicting work
	CategoryConflict ErrorCategory = "conflict"
	// CategorySystem represents internal errors
	CategorySystem ErrorCategory = "system"
)

// CategorizedError represents an error with category and HTTP status code
type CategorizedError struct {
	Category   ErrorCategory
	StatusCode int
	Code       string
	Message    string
	Details    map[string]interface{}
	Cause      error
}

// Error implements the error interface
func (e *CategorizedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause
func (e *CategorizedError) Unwrap() error {
	return e.Cause
}

// ToServiceError converts to a ServiceError
func (e *CategorizedError) ToServiceError() *types.ServiceError {
	return &types.ServiceError{
		Code:    e.Code,
		Message: e.Message,
		Details: e.Details,
	}
}

// NewTransientError creates a retryable provider error
func NewTransientError(message string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryTransient,
		StatusCode: http.StatusBadGateway,
		Code:       "PROVIDER_TRANSIENT",
		Message:    message,
		Cause:      cause,
	}
}

// NewCredentialError creates a fatal credential error. The connection must be
// marked failed and surfaced for re-authorization; no retry is useful.
func NewCredentialError(message string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryCredential,
		StatusCode: http.StatusUnauthorized,
		Code:       "CREDENTIAL_REJECTED",
		Message:    message,
		Cause:      cause,
	}
}

// NewInvalidRangeError creates a fatal bad-request error for a date range the
// provider rejects
func NewInvalidRangeError(message string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryInvalidRange,
		StatusCode: http.StatusBadRequest,
		Code:       "INVALID_RANGE",
		Message:    message,
		Cause:      cause,
	}
}

// NewInvalidParameterError creates an invalid parameter error
func NewInvalidParameterError(param string, reason string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryUserInput,
		StatusCode: http.StatusBadRequest,
		Code:       "INVALID_PARAMETER",
		Message:    fmt.Sprintf("invalid parameter '%s': %s", param, reason),
		Details: map[string]interface{}{
			"parameter": param,
			"reason":    reason,
		},
	}
}

// NewNotFoundError creates a not found error
func NewNotFoundError(resource string, id string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryNotFound,
		StatusCode: http.StatusNotFound,
		Code:       "NOT_FOUND",
		Message:    fmt.Sprintf("%s not found: %s", resource, id),
		Details: map[string]interface{}{
			"resource": resource,
			"id":       id,
		},
	}
}

// NewConflictError creates a conflict error
func NewConflictError(message string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryConflict,
		StatusCode: http.StatusConflict,
		Code:       "CONFLICT",
		Message:    message,
	}
}

// NewDatabaseError creates a database error
func NewDatabaseError(message string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryDatabase,
		StatusCode: http.StatusInternalServerError,
		Code:       "DATABASE_ERROR",
		Message:    message,
		Cause:      cause,
	}
}

// NewInternalError creates an internal server error
func NewInternalError(message string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategorySystem,
		StatusCode: http.StatusInternalServerError,
		Code:       "INTERNAL_ERROR",
		Message:    message,
		Cause:      cause,
	}
}

// IsRetryable reports whether err (or any error it wraps) may be retried
func IsRetryable(err error) bool {
	var cerr *CategorizedError
	if errors.As(err, &cerr) {
		return cerr.Category == CategoryTransient || cerr.Category == CategoryDatabase
	}
	// Unclassified errors get retried up to the attempt cap
	return err != nil
}

// IsFatal reports whether err must halt further attempts for the connection
func IsFatal(err error) bool {
	var cerr *CategorizedError
	if errors.As(err, &cerr) {
		return cerr.Category == CategoryCredential || cerr.Category == CategoryInvalidRange
	}
	return false
}

// IsCredential reports whether err is a credential rejection
func IsCredential(err error) bool {
	var cerr *CategorizedError
	if errors.As(err, &cerr) {
		return cerr.Category == CategoryCredential
	}
	return false
}
