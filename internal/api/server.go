// Package api provides the HTTP API server implementation.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/social-monitor/internal/engine"
	"github.com/social-monitor/internal/logging"
	"github.com/social-monitor/internal/models"
)

// MonitorService defines the monitoring operations served over HTTP
type MonitorService interface {
	CreateEntity(ctx context.Context, input *engine.CreateEntityInput) (*models.MonitoredEntity, error)
	GetEntity(ctx context.Context, entityID string) (*models.MonitoredEntity, error)
	DeleteEntity(ctx context.Context, entityID string) error
	StartMonitoring(ctx context.Context, entityID string, intervalSeconds int) (string, error)
	StopMonitoring(ctx context.Context, entityID string) error
	PauseMonitoring(ctx context.Context, entityID string) error
	ResumeMonitoring(ctx context.Context, entityID string) error
	GetJobStatus(ctx context.Context, entityID string) (*engine.JobStatus, error)
	ListExecutionHistory(ctx context.Context, jobID string, limit int) ([]*models.ExecutionRecord, error)
}

// Realtime is the websocket endpoint and its connection count
type Realtime interface {
	ServeWS(w http.ResponseWriter, r *http.Request)
	TotalConnections() int
}

// Server represents the HTTP API server.
type Server struct {
	router     *mux.Router
	httpServer *http.Server
	monitor    MonitorService
	realtime   Realtime
	config     *ServerConfig
	logger     *logging.Logger
}

// ServerConfig holds server configuration.
type ServerConfig struct {
	Host              string
	Port              string
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	RequestsPerSecond int // per client
}

// NewServer creates a new API server instance. realtime may be nil, in which case
// /ws is not served.
func NewServer(config *ServerConfig, monitor MonitorService, realtime Realtime) *Server {
	s := &Server{
		router:   mux.NewRouter(),
		monitor:  monitor,
		realtime: realtime,
		config:   config,
		logger:   logging.GetGlobalLogger().Component("api"),
	}

	s.setupRouter()

	return s
}

func (s *Server) setupRouter() {
	rateLimiter := NewRateLimiter(s.config.RequestsPerSecond)

	s.router.Use(LoggingMiddleware)
	s.router.Use(RecoveryMiddleware)
	s.router.Use(CORSMiddleware)

	s.setupRoutes(rateLimiter)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%s", s.config.Host, s.config.Port),
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}
}

func (s *Server) setupRoutes(rateLimiter *RateLimiter) {
	// preflight for every path; CORSMiddleware answers it
	s.router.PathPrefix("/").Methods("OPTIONS").HandlerFunc(func(http.ResponseWriter, *http.Request) {})
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.Handle("/metrics", promhttp.Handler()).Methods("GET")
	if s.realtime != nil {
		// long-lived; neither rate limited nor compressed
		s.router.HandleFunc("/ws", s.realtime.ServeWS).Methods("GET")
	}

	api := s.router.PathPrefix("/api").Subrouter()
	api.Use(RateLimitMiddleware(rateLimiter))
	api.Use(CompressionMiddleware)

	api.HandleFunc("/entities", s.handleCreateEntity).Methods("POST")
	api.HandleFunc("/entities/{id}", s.handleGetEntity).Methods("GET")
	api.HandleFunc("/entities/{id}", s.handleDeleteEntity).Methods("DELETE")

	api.HandleFunc("/entities/{id}/monitoring", s.handleStartMonitoring).Methods("POST")
	api.HandleFunc("/entities/{id}/monitoring", s.handleStopMonitoring).Methods("DELETE")
	api.HandleFunc("/entities/{id}/monitoring/pause", s.handlePauseMonitoring).Methods("POST")
	api.HandleFunc("/entities/{id}/monitoring/resume", s.handleResumeMonitoring).Methods("POST")
	api.HandleFunc("/entities/{id}/monitoring/status", s.handleJobStatus).Methods("GET")

	api.HandleFunc("/jobs/{jobID}/executions", s.handleListExecutions).Methods("GET")
}

// Handler returns the configured router
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]interface{}{
		"status":  "healthy",
		"service": "social-monitor",
	}
	if s.realtime != nil {
		body["websocketConnections"] = s.realtime.TotalConnections()
	}
	respondJSON(w, http.StatusOK, body)
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.logger.WithField("addr", s.httpServer.Addr).Info("Starting API server")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down API server")
	return s.httpServer.Shutdown(ctx)
}
