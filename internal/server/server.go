// Package server exposes the daemon's HTTP surface: a health probe, a
// manual sync trigger, and read-only projections of run history,
// mappings and aggregate statistics. No sync logic lives here.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/shelfsync/shelfsync/internal/database"
	"github.com/shelfsync/shelfsync/internal/logger"
	"github.com/shelfsync/shelfsync/internal/sync"
)

// Syncer is the slice of the sync service the HTTP surface needs.
type Syncer interface {
	Run(ctx context.Context) (*sync.RunResult, error)
	Running() bool
	LastResult() *sync.RunResult
}

// HistoryStore is the slice of the database repository behind the
// read-only projection endpoints.
type HistoryStore interface {
	ListRuns(ctx context.Context, limit int) ([]database.SyncRun, error)
	GetRun(ctx context.Context, id string) (*database.SyncRun, []database.SyncRecord, error)
	ListRecords(ctx context.Context, limit int) ([]database.SyncRecord, error)
	ListMappings(ctx context.Context, limit, offset int) ([]database.Mapping, error)
	GetStats(ctx context.Context) (*database.Stats, error)
}

// HealthChecker reports whether the backing database is reachable.
type HealthChecker interface {
	Health() error
}

// Options carries the daemon state the status endpoint reports.
type Options struct {
	// Services lists the enabled target service names.
	Services []string
	// Version is the build version reported by /api/status.
	Version string
	// NextSync returns the time of the next scheduled run, or a zero
	// time when periodic sync is disabled.
	NextSync func() time.Time
	// RunContext is the context manual runs are attached to, so that
	// daemon shutdown also cancels a triggered run. Defaults to
	// context.Background().
	RunContext context.Context
}

// Server represents the HTTP server
type Server struct {
	server *http.Server
	syncer Syncer
	store  HistoryStore
	health HealthChecker
	opts   Options
	logger *logger.Logger
}

// New creates a new HTTP server exposing the sync engine's state
func New(addr string, syncer Syncer, store HistoryStore, health HealthChecker, opts Options, log *logger.Logger) *Server {
	if log == nil {
		log = logger.Get()
	}
	if opts.RunContext == nil {
		opts.RunContext = context.Background()
	}

	s := &Server{
		server: &http.Server{
			Addr: addr,
		},
		syncer: syncer,
		store:  store,
		health: health,
		opts:   opts,
		logger: log,
	}

	// Set up routes
	handler := http.NewServeMux()
	handler.HandleFunc("/healthz", s.handleHealthCheck)
	handler.HandleFunc("/api/status", s.handleStatus)
	handler.HandleFunc("/api/sync", s.handleSync)
	handler.HandleFunc("/api/runs", s.handleRuns)
	handler.HandleFunc("/api/runs/", s.handleRunByID)
	handler.HandleFunc("/api/history", s.handleHistory)
	handler.HandleFunc("/api/mappings", s.handleMappings)
	handler.HandleFunc("/api/stats", s.handleStats)

	s.server.Handler = logger.HTTPMiddleware(handler)

	// Set timeouts
	s.server.ReadTimeout = 10 * time.Second
	s.server.WriteTimeout = 30 * time.Second
	s.server.IdleTimeout = 120 * time.Second

	return s
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.logger.Info("Starting HTTP server", map[string]interface{}{
		"addr": s.server.Addr,
	})

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down HTTP server", nil)
	return s.server.Shutdown(ctx)
}

// Handler returns the server's root handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// handleHealthCheck handles health check requests
func (s *Server) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if s.health != nil {
		if err := s.health.Health(); err != nil {
			s.logger.Error("Health check failed", map[string]interface{}{
				"error": err.Error(),
			})
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprint(w, `{"status":"degraded","database":"unreachable"}`)
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, `{"status":"ok"}`)
}
