package errors

import (
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/social-monitor/internal/types"
	"github.com/stretchr/testify/assert"
)

func TestOutcomeFor(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want types.Outcome
	}{
		{name: "nil", err: nil, want: types.OutcomeSuccess},
		{name: "auth", err: NewAuthError("DECRYPTION_FAILED", "bad key", nil), want: types.OutcomeAuthError},
		{name: "wrapped auth", err: fmt.Errorf("run: %w", NewAuthError("NO_PROFILE", "none", nil)), want: types.OutcomeAuthError},
		{name: "rate limited", err: NewRateLimitError("youtube", time.Minute, nil), want: types.OutcomeRateLimited},
		{name: "provider", err: NewProviderError("reddit", fmt.Errorf("502")), want: types.OutcomeFailed},
		{name: "database", err: NewDatabaseError("upsert", fmt.Errorf("deadlock")), want: types.OutcomeFailed},
		{name: "plain", err: fmt.Errorf("boom"), want: types.OutcomeFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, OutcomeFor(tt.err))
		})
	}
}

func TestRetryAfter(t *testing.T) {
	err := fmt.Errorf("fetch: %w", NewRateLimitError("twitter", 90*time.Second, nil))
	assert.Equal(t, 90*time.Second, RetryAfter(err))
	assert.Zero(t, RetryAfter(NewProviderError("twitter", nil)))
	assert.Zero(t, RetryAfter(nil))
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(NewProviderError("twitch", nil)))
	assert.True(t, IsRetryable(NewRateLimitError("twitch", 0, nil)))
	assert.True(t, IsRetryable(NewDatabaseError("insert", nil)))
	assert.False(t, IsRetryable(NewAuthError("NO_PROFILE", "none", nil)))
	assert.False(t, IsRetryable(nil))
}

func TestCategorizeServiceError(t *testing.T) {
	err := &types.ServiceError{Code: "ENTITY_NOT_FOUND", Message: "entity not found"}
	assert.Equal(t, http.StatusNotFound, GetHTTPStatusCode(err))
	assert.True(t, IsNotFound(err))

	err = &types.ServiceError{Code: "INVALID_INTERVAL", Message: "bad"}
	assert.Equal(t, http.StatusBadRequest, GetHTTPStatusCode(err))
}

func TestCategorizedError_Unwrap(t *testing.T) {
	cause := fmt.Errorf("connection reset")
	err := NewProviderError("youtube", cause)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "connection reset")
}
