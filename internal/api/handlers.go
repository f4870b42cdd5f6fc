package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/social-monitor/internal/engine"
)

// handleCreateEntity handles POST /api/entities
func (s *Server) handleCreateEntity(w http.ResponseWriter, r *http.Request) {
	var input engine.CreateEntityInput
	if err := parseJSONBody(r, &input); err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid request body", nil)
		return
	}

	entity, err := s.monitor.CreateEntity(r.Context(), &input)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusCreated, entity)
}

// handleGetEntity handles GET /api/entities/{id}
func (s *Server) handleGetEntity(w http.ResponseWriter, r *http.Request) {
	entity, err := s.monitor.GetEntity(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, entity)
}

// handleDeleteEntity handles DELETE /api/entities/{id}
func (s *Server) handleDeleteEntity(w http.ResponseWriter, r *http.Request) {
	entityID := mux.Vars(r)["id"]
	if err := s.monitor.DeleteEntity(r.Context(), entityID); err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"success":  true,
		"entityId": entityID,
	})
}

// handleStartMonitoring handles POST /api/entities/{id}/monitoring. The body is
// optional; without one the entity's own interval is used.
func (s *Server) handleStartMonitoring(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IntervalSeconds int `json:"intervalSeconds"`
	}
	if err := parseJSONBody(r, &req); err != nil && !errors.Is(err, io.EOF) {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid request body", nil)
		return
	}
	if req.IntervalSeconds < 0 {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "intervalSeconds must not be negative", nil)
		return
	}

	entityID := mux.Vars(r)["id"]
	jobID, err := s.monitor.StartMonitoring(r.Context(), entityID, req.IntervalSeconds)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"success":  true,
		"entityId": entityID,
		"jobId":    jobID,
	})
}

// handleStopMonitoring handles DELETE /api/entities/{id}/monitoring
func (s *Server) handleStopMonitoring(w http.ResponseWriter, r *http.Request) {
	s.handleJobAction(w, r, s.monitor.StopMonitoring, "stopped")
}

func (s *Server) handlePauseMonitoring(w http.ResponseWriter, r *http.Request) {
	s.handleJobAction(w, r, s.monitor.PauseMonitoring, "paused")
}

func (s *Server) handleResumeMonitoring(w http.ResponseWriter, r *http.Request) {
	s.handleJobAction(w, r, s.monitor.ResumeMonitoring, "resumed")
}

func (s *Server) handleJobAction(w http.ResponseWriter, r *http.Request, action func(context.Context, string) error, status string) {
	entityID := mux.Vars(r)["id"]
	if err := action(r.Context(), entityID); err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"success":  true,
		"entityId": entityID,
		"status":   status,
	})
}

// handleJobStatus handles GET /api/entities/{id}/monitoring/status
func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.monitor.GetJobStatus(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, status)
}

// handleListExecutions handles GET /api/jobs/{jobID}/executions?limit=N
func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["jobID"]

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "limit must be an integer", map[string]interface{}{
				"limit": raw,
			})
			return
		}
		limit = n
	}

	records, err := s.monitor.ListExecutionHistory(r.Context(), jobID, limit)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"jobId":      jobID,
		"executions": records,
		"count":      len(records),
	})
}
