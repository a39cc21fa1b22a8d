// Package api provides the HTTP trigger and status surface for the sync
// engine.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/insight-sync/internal/logging"
	"github.com/insight-sync/internal/models"
	"github.com/insight-sync/internal/queue"
	"github.com/insight-sync/internal/service"
)

// SyncServiceInterface defines the service operations the API exposes
type SyncServiceInterface interface {
	StartSync(ctx context.Context, req *service.StartSyncRequest) (*service.SyncPlan, error)
	Backfill(ctx context.Context, brandID string, dates []time.Time) (*service.SyncPlan, error)
	Status(ctx context.Context, brandID string) (*service.StatusReport, error)
	Jobs(filter queue.Filter) []*models.SyncJob
	Disconnect(ctx context.Context, connectionID string) error
}

// Server represents the HTTP API server.
type Server struct {
	router      *mux.Router
	httpServer  *http.Server
	syncService SyncServiceInterface
	config      *ServerConfig
}

// ServerConfig holds server configuration.
type ServerConfig struct {
	Host         string
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// NewServer creates a new API server instance.
func NewServer(config *ServerConfig, syncService SyncServiceInterface) *Server {
	s := &Server{
		router:      mux.NewRouter(),
		syncService: syncService,
		config:      config,
	}

	s.setupRouter()

	return s
}

// setupRouter configures the router with middleware and routes
func (s *Server) setupRouter() {
	s.router.Use(LoggingMiddleware)
	s.router.Use(RecoveryMiddleware)
	s.router.Use(CORSMiddleware)

	s.setupRoutes()

	readTimeout := s.config.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = 15 * time.Second
	}
	writeTimeout := s.config.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 30 * time.Second
	}
	idleTimeout := s.config.IdleTimeout
	if idleTimeout <= 0 {
		idleTimeout = 60 * time.Second
	}

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%s", s.config.Host, s.config.Port),
		Handler:      s.router,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}
}

// setupRoutes configures all API routes.
func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")

	api := s.router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/sync", s.handleStartSync).Methods("POST")
	api.HandleFunc("/backfill", s.handleBackfill).Methods("POST")
	api.HandleFunc("/sync/status/{brandId}", s.handleStatus).Methods("GET")
	api.HandleFunc("/sync/jobs", s.handleJobs).Methods("GET")
	api.HandleFunc("/connections/{id}", s.handleDisconnect).Methods("DELETE")
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "insight-sync",
	})
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	logging.GetGlobalLogger().Infof("Starting API server on %s", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	logging.GetGlobalLogger().Info("Shutting down API server...")
	return s.httpServer.Shutdown(ctx)
}

// Router exposes the underlying router for tests.
func (s *Server) Router() http.Handler {
	return s.router
}
