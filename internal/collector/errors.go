package collector

import (
	"errors"
	"fmt"
	"time"

	apperrors "github.com/social-monitor/internal/errors"
	"github.com/social-monitor/internal/types"
)

// RateLimitedError reports platform backpressure. RetryAfter is zero when the
// platform gave no hint.
type RateLimitedError struct {
	Platform   types.Platform
	RetryAfter time.Duration
	Cause      error
}

func (e *RateLimitedError) Error() string {
	msg := fmt.Sprintf("%s: rate limited", e.Platform)
	if e.RetryAfter > 0 {
		msg += fmt.Sprintf(" (retry after %s)", e.RetryAfter)
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *RateLimitedError) Unwrap() error { return e.Cause }

// Categorized maps the error into the shared taxonomy
func (e *RateLimitedError) Categorized() *apperrors.CategorizedError {
	return apperrors.NewRateLimitError(string(e.Platform), e.RetryAfter, e.Cause)
}

// AuthError reports rejected credentials. Waiting does not resolve it.
type AuthError struct {
	Platform   types.Platform
	StatusCode int
	Cause      error
}

func (e *AuthError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: credentials rejected (status %d): %v", e.Platform, e.StatusCode, e.Cause)
	}
	return fmt.Sprintf("%s: credentials rejected (status %d)", e.Platform, e.StatusCode)
}

func (e *AuthError) Unwrap() error { return e.Cause }

// Categorized maps the error into the shared taxonomy
func (e *AuthError) Categorized() *apperrors.CategorizedError {
	return apperrors.NewAuthError("PLATFORM_AUTH_REJECTED", e.Error(), e.Cause)
}

// TransientError reports network, 5xx and parse failures
type TransientError struct {
	Platform types.Platform
	Cause    error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: transient error: %v", e.Platform, e.Cause)
}

func (e *TransientError) Unwrap() error { return e.Cause }

// Categorized maps the error into the shared taxonomy
func (e *TransientError) Categorized() *apperrors.CategorizedError {
	return apperrors.NewProviderError(string(e.Platform), e.Cause)
}

// Classify returns err unchanged when it is already classified, and wraps anything
// else as a TransientError
func Classify(platform types.Platform, err error) error {
	if err == nil {
		return nil
	}
	var (
		rateLimited *RateLimitedError
		auth        *AuthError
		transient   *TransientError
	)
	if errors.As(err, &rateLimited) || errors.As(err, &auth) || errors.As(err, &transient) {
		return err
	}
	return &TransientError{Platform: platform, Cause: err}
}
