package database

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/shelfsync/shelfsync/internal/logger"
)

// ImportManager loads operator curated manual mappings from a JSON file
// into the database, typically when moving an installation or seeding
// matches for books the resolver cannot identify.
type ImportManager struct {
	repository *Repository
	logger     *logger.Logger
}

// NewImportManager creates a new import manager
func NewImportManager(repo *Repository, log *logger.Logger) *ImportManager {
	if log == nil {
		log = logger.Get()
	}
	return &ImportManager{
		repository: repo,
		logger:     log,
	}
}

// ImportEntry is one manual mapping in an import file
type ImportEntry struct {
	BookID        string `json:"book_id"`
	Service       string `json:"service"`
	ServiceBookID string `json:"service_book_id"`
	Title         string `json:"title,omitempty"`
	Author        string `json:"author,omitempty"`
}

// ImportMappings reads a JSON array of manual mappings from path and
// stores each as a manual mapping. Entries missing required fields are
// skipped with a warning. Returns the number of mappings imported.
func (m *ImportManager) ImportMappings(ctx context.Context, path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("failed to read import file: %w", err)
	}

	var entries []ImportEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return 0, fmt.Errorf("failed to parse import file: %w", err)
	}

	imported := 0
	for i, entry := range entries {
		if entry.BookID == "" || entry.Service == "" || entry.ServiceBookID == "" {
			m.logger.Warn("Skipping incomplete import entry", map[string]interface{}{
				"index":   i,
				"book_id": entry.BookID,
				"service": entry.Service,
			})
			continue
		}

		err := m.repository.SetManualMapping(ctx, entry.BookID, entry.Service, entry.ServiceBookID, entry.Title, entry.Author)
		if err != nil {
			return imported, fmt.Errorf("failed to import mapping for book %s: %w", entry.BookID, err)
		}
		imported++
	}

	m.logger.Info("Imported manual mappings", map[string]interface{}{
		"file":     path,
		"imported": imported,
		"skipped":  len(entries) - imported,
	})
	return imported, nil
}
