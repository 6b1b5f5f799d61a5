package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/shelfsync/shelfsync/internal/database"
	"github.com/shelfsync/shelfsync/internal/sync"
)

// APIResponse represents a standard API response
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// writeJSONResponse writes a JSON response
func (s *Server) writeJSONResponse(w http.ResponseWriter, statusCode int, response APIResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(response); err != nil {
		s.logger.Error("Failed to encode JSON response", map[string]interface{}{
			"error": err.Error(),
		})
	}
}

// writeErrorResponse writes an error response
func (s *Server) writeErrorResponse(w http.ResponseWriter, statusCode int, message string) {
	s.writeJSONResponse(w, statusCode, APIResponse{
		Success: false,
		Error:   message,
	})
}

// writeSuccessResponse writes a success response
func (s *Server) writeSuccessResponse(w http.ResponseWriter, data interface{}) {
	s.writeJSONResponse(w, http.StatusOK, APIResponse{
		Success: true,
		Data:    data,
	})
}

// queryInt parses an integer query parameter, falling back to def when
// absent or malformed.
func queryInt(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

// statusData is the /api/status payload.
type statusData struct {
	Running    bool            `json:"running"`
	Version    string          `json:"version,omitempty"`
	Services   []string        `json:"services"`
	NextSyncAt *time.Time      `json:"next_sync_at,omitempty"`
	LastRun    *sync.RunResult `json:"last_run,omitempty"`
}

// handleStatus reports whether a run is active, the last sealed run and
// the next scheduled sync time.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeErrorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	data := statusData{
		Running:  s.syncer.Running(),
		Version:  s.opts.Version,
		Services: s.opts.Services,
		LastRun:  s.syncer.LastResult(),
	}
	if s.opts.NextSync != nil {
		if next := s.opts.NextSync(); !next.IsZero() {
			data.NextSyncAt = &next
		}
	}

	s.writeSuccessResponse(w, data)
}

// handleSync triggers a sync run in the background. Returns 202 when
// the run was started and 409 when one is already active.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeErrorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	if s.syncer.Running() {
		s.writeErrorResponse(w, http.StatusConflict, "sync already in progress")
		return
	}

	go func() {
		if _, err := s.syncer.Run(s.opts.RunContext); err != nil && !errors.Is(err, sync.ErrRunInProgress) {
			s.logger.Error("Triggered sync run failed", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}()

	s.logger.Info("Sync run triggered via API", nil)
	s.writeJSONResponse(w, http.StatusAccepted, APIResponse{
		Success: true,
		Data:    map[string]string{"status": "accepted"},
	})
}

// handleRuns lists recent sync runs, newest first.
func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeErrorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	limit := queryInt(r, "limit", 20)
	runs, err := s.store.ListRuns(r.Context(), limit)
	if err != nil {
		s.logger.Error("Failed to list runs", map[string]interface{}{
			"error": err.Error(),
		})
		s.writeErrorResponse(w, http.StatusInternalServerError, "Failed to list runs")
		return
	}

	s.writeSuccessResponse(w, map[string]interface{}{
		"runs":  runs,
		"count": len(runs),
	})
}

// handleRunByID returns a single run with its per-book records.
func (s *Server) handleRunByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeErrorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	// Extract run ID from path: /api/runs/{id}
	path := strings.TrimPrefix(r.URL.Path, "/api/runs/")
	id := strings.Split(path, "/")[0]
	if id == "" {
		s.writeErrorResponse(w, http.StatusBadRequest, "Run ID required")
		return
	}

	run, records, err := s.store.GetRun(r.Context(), id)
	if err != nil {
		if errors.Is(err, database.ErrRunNotFound) {
			s.writeErrorResponse(w, http.StatusNotFound, "Run not found")
			return
		}
		s.logger.Error("Failed to get run", map[string]interface{}{
			"run_id": id,
			"error":  err.Error(),
		})
		s.writeErrorResponse(w, http.StatusInternalServerError, "Failed to get run")
		return
	}

	s.writeSuccessResponse(w, map[string]interface{}{
		"run":     run,
		"records": records,
	})
}

// handleHistory lists recent per-book sync records across runs.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeErrorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	limit := queryInt(r, "limit", 50)
	records, err := s.store.ListRecords(r.Context(), limit)
	if err != nil {
		s.logger.Error("Failed to list sync records", map[string]interface{}{
			"error": err.Error(),
		})
		s.writeErrorResponse(w, http.StatusInternalServerError, "Failed to list history")
		return
	}

	s.writeSuccessResponse(w, map[string]interface{}{
		"records": records,
		"count":   len(records),
	})
}

// handleMappings lists stored book mappings with pagination.
func (s *Server) handleMappings(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeErrorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)
	mappings, err := s.store.ListMappings(r.Context(), limit, offset)
	if err != nil {
		s.logger.Error("Failed to list mappings", map[string]interface{}{
			"error": err.Error(),
		})
		s.writeErrorResponse(w, http.StatusInternalServerError, "Failed to list mappings")
		return
	}

	s.writeSuccessResponse(w, map[string]interface{}{
		"mappings": mappings,
		"count":    len(mappings),
		"offset":   offset,
	})
}

// handleStats returns aggregate mapping and run statistics.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeErrorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	stats, err := s.store.GetStats(r.Context())
	if err != nil {
		s.logger.Error("Failed to compute stats", map[string]interface{}{
			"error": err.Error(),
		})
		s.writeErrorResponse(w, http.StatusInternalServerError, "Failed to compute stats")
		return
	}

	s.writeSuccessResponse(w, stats)
}
