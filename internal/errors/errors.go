// Package errors defines the categorized error taxonomy shared by the engine, the
// collectors and the API layer.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"time"

	"github.com/social-monitor/internal/types"
)

// ErrorCategory represents the category of an error
type ErrorCategory string

const (
	// CategoryUserInput represents invalid requests (4xx)
	CategoryUserInput ErrorCategory = "user_input"
	// CategorySystem represents unexpected internal errors
	CategorySystem ErrorCategory = "system"
	// CategoryProvider represents transient platform errors (network, 5xx, parse)
	CategoryProvider ErrorCategory = "provider"
	// CategoryDatabase represents storage errors
	CategoryDatabase ErrorCategory = "database"
	// CategoryAuthorization represents missing, invalid or undecryptable credentials
	CategoryAuthorization ErrorCategory = "authorization"
	// CategoryNotFound represents missing resources
	CategoryNotFound ErrorCategory = "not_found"
	// CategoryRateLimit represents platform or client backpressure
	CategoryRateLimit ErrorCategory = "rate_limit"
)

// CategorizedError represents an error with category and HTTP status code
type CategorizedError struct {
	Category   ErrorCategory
	StatusCode int
	Code       string
	Message    string
	Details    map[string]interface{}
	RetryAfter time.Duration
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

// NewAuthError creates a credential error. It is not resolved by waiting.
func NewAuthError(code, message string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryAuthorization,
		StatusCode: http.StatusUnauthorized,
		Code:       code,
		Message:    message,
		Cause:      cause,
	}
}

// NewRateLimitError creates a rate limit error carrying an optional retry-after hint
func NewRateLimitError(source string, retryAfter time.Duration, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryRateLimit,
		StatusCode: http.StatusTooManyRequests,
		Code:       "RATE_LIMITED",
		Message:    fmt.Sprintf("rate limit exceeded: %s", source),
		RetryAfter: retryAfter,
		Cause:      cause,
		Details: map[string]interface{}{
			"source":            source,
			"retryAfterSeconds": int(retryAfter.Seconds()),
		},
	}
}

// NewProviderError creates a transient platform error
func NewProviderError(provider string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryProvider,
		StatusCode: http.StatusBadGateway,
		Code:       "PROVIDER_ERROR",
		Message:    fmt.Sprintf("platform error: %s", provider),
		Cause:      cause,
		Details: map[string]interface{}{
			"provider": provider,
		},
	}
}

// NewDatabaseError creates a storage error
func NewDatabaseError(operation string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryDatabase,
		StatusCode: http.StatusInternalServerError,
		Code:       "DATABASE_ERROR",
		Message:    fmt.Sprintf("database error during %s", operation),
		Cause:      cause,
		Details: map[string]interface{}{
			"operation": operation,
		},
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

// Categorizer is implemented by domain errors that know their own category,
// such as the classified collector errors
type Categorizer interface {
	Categorized() *CategorizedError
}

// Categorize categorizes an existing error, searching the wrap chain
func Categorize(err error) *CategorizedError {
	if err == nil {
		return nil
	}

	var categorizer Categorizer
	if stderrors.As(err, &categorizer) {
		return categorizer.Categorized()
	}

	var catErr *CategorizedError
	if stderrors.As(err, &catErr) {
		return catErr
	}

	var svcErr *types.ServiceError
	if stderrors.As(err, &svcErr) {
		return categorizeServiceError(svcErr)
	}

	return NewInternalError("unexpected error", err)
}

func categorizeServiceError(err *types.ServiceError) *CategorizedError {
	out := &CategorizedError{Code: err.Code, Message: err.Message, Details: err.Details}
	switch err.Code {
	case "ENTITY_NOT_FOUND", "JOB_NOT_FOUND", "PROFILE_NOT_FOUND":
		out.Category, out.StatusCode = CategoryNotFound, http.StatusNotFound
	case "INVALID_PARAMETER", "INVALID_INTERVAL", "INVALID_PLATFORM":
		out.Category, out.StatusCode = CategoryUserInput, http.StatusBadRequest
	default:
		out.Category, out.StatusCode = CategorySystem, http.StatusInternalServerError
	}
	return out
}

// OutcomeFor maps a run-level error to the outcome recorded in the execution log
func OutcomeFor(err error) types.Outcome {
	if err == nil {
		return types.OutcomeSuccess
	}
	switch Categorize(err).Category {
	case CategoryAuthorization:
		return types.OutcomeAuthError
	case CategoryRateLimit:
		return types.OutcomeRateLimited
	default:
		return types.OutcomeFailed
	}
}

// RetryAfter returns the retry-after hint carried by a rate limit error, or zero
func RetryAfter(err error) time.Duration {
	catErr := Categorize(err)
	if catErr == nil || catErr.Category != CategoryRateLimit {
		return 0
	}
	return catErr.RetryAfter
}

// GetHTTPStatusCode returns the HTTP status code for an error
func GetHTTPStatusCode(err error) int {
	if catErr := Categorize(err); catErr != nil {
		return catErr.StatusCode
	}
	return http.StatusInternalServerError
}

// IsRetryable reports whether waiting for the next interval can resolve the error
func IsRetryable(err error) bool {
	catErr := Categorize(err)
	if catErr == nil {
		return false
	}

	switch catErr.Category {
	case CategoryProvider, CategoryDatabase, CategoryRateLimit:
		return true
	case CategorySystem:
		return catErr.StatusCode == http.StatusServiceUnavailable ||
			catErr.StatusCode == http.StatusGatewayTimeout
	default:
		return false
	}
}

// IsAuth reports whether err is a credential error
func IsAuth(err error) bool {
	catErr := Categorize(err)
	return catErr != nil && catErr.Category == CategoryAuthorization
}

// IsNotFound reports whether err is a not found error
func IsNotFound(err error) bool {
	catErr := Categorize(err)
	return catErr != nil && catErr.Category == CategoryNotFound
}
