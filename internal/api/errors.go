package api

import (
	"encoding/json"
	"errors"
	"net/http"

	apperrors "github.com/social-monitor/internal/errors"
	"github.com/social-monitor/internal/logging"
	"github.com/social-monitor/internal/scheduler"
	"github.com/social-monitor/internal/types"
)

// ErrorResponse represents an API error response.
type ErrorResponse struct {
	Error types.ServiceError `json:"error"`
}

// respondError sends an error response.
func respondError(w http.ResponseWriter, statusCode int, code, message string, details map[string]interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	response := ErrorResponse{
		Error: types.ServiceError{
			Code:    code,
			Message: message,
			Details: details,
		},
	}

	_ = json.NewEncoder(w).Encode(response)
}

// respondJSON sends a JSON response.
func respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

// parseJSONBody parses JSON request body.
func parseJSONBody(r *http.Request, v interface{}) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(v)
}

// Common error codes
const (
	ErrCodeInvalidInput      = "INVALID_INPUT"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeRateLimitExceeded = "RATE_LIMIT_EXCEEDED"
	ErrCodeInternalError     = "INTERNAL_ERROR"
	ErrCodeUnavailable       = "SERVICE_UNAVAILABLE"
)

// respondServiceError maps a categorized error to its HTTP response. Internal
// details are logged, never returned.
func respondServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message := mapServiceError(err)
	if status >= http.StatusInternalServerError {
		logging.FromContext(r.Context()).WithError(err).Error("Request failed")
	}
	respondError(w, status, code, message, nil)
}

func mapServiceError(err error) (int, string, string) {
	if errors.Is(err, scheduler.ErrShutdown) {
		return http.StatusServiceUnavailable, ErrCodeUnavailable, "The scheduler is shutting down"
	}
	catErr := apperrors.Categorize(err)
	switch catErr.Category {
	case apperrors.CategoryUserInput:
		return http.StatusBadRequest, ErrCodeInvalidInput, catErr.Message
	case apperrors.CategoryNotFound:
		return http.StatusNotFound, ErrCodeNotFound, catErr.Message
	default:
		return http.StatusInternalServerError, ErrCodeInternalError, "An internal error occurred"
	}
}
