// Package mismatch collects books the resolver could not confidently
// match, so an operator can review them and set manual mappings. The
// collection is process-wide and reset at the start of each sync run.
package mismatch

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/shelfsync/shelfsync/internal/logger"
)

var (
	mismatches   []BookMismatch
	mismatchLock sync.Mutex
)

// Add records a new mismatch. Timestamp fields are filled in when left
// zero by the caller.
func Add(book BookMismatch) {
	mismatchLock.Lock()
	defer mismatchLock.Unlock()

	if book.Timestamp == 0 {
		book.Timestamp = time.Now().Unix()
	}
	if book.CreatedAt.IsZero() {
		book.CreatedAt = time.Now()
	}

	mismatches = append(mismatches, book)

	logger.Get().Info("Mismatch recorded", map[string]interface{}{
		"book_id": book.BookID,
		"title":   book.Title,
		"service": book.Service,
		"reason":  book.Reason,
	})
}

// GetAll returns a copy of all collected mismatches.
func GetAll() []BookMismatch {
	mismatchLock.Lock()
	defer mismatchLock.Unlock()

	result := make([]BookMismatch, len(mismatches))
	copy(result, mismatches)
	return result
}

// Count returns the number of collected mismatches.
func Count() int {
	mismatchLock.Lock()
	defer mismatchLock.Unlock()
	return len(mismatches)
}

// Clear removes all collected mismatches.
func Clear() {
	mismatchLock.Lock()
	defer mismatchLock.Unlock()
	mismatches = nil
}

// ExportJSON returns all mismatches as an indented JSON document.
func ExportJSON() (string, error) {
	mismatchLock.Lock()
	defer mismatchLock.Unlock()

	export := struct {
		Mismatches []BookMismatch `json:"mismatches"`
		Count      int            `json:"count"`
		Timestamp  int64          `json:"timestamp"`
	}{
		Mismatches: mismatches,
		Count:      len(mismatches),
		Timestamp:  time.Now().Unix(),
	}

	data, err := json.MarshalIndent(export, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal mismatches to JSON: %w", err)
	}
	return string(data), nil
}

// SaveToFile writes each mismatch as its own JSON file under outputDir,
// replacing files from earlier runs. An empty outputDir disables the
// export.
func SaveToFile(outputDir string) error {
	mismatchLock.Lock()
	defer mismatchLock.Unlock()

	log := logger.Get()
	if outputDir == "" {
		log.Debug("No mismatch output directory configured", nil)
		return nil
	}

	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	if err := cleanupOldFiles(outputDir); err != nil {
		log.Warn("Failed to clean up old mismatch files", map[string]interface{}{
			"directory": outputDir,
			"error":     err.Error(),
		})
	}

	for i, m := range mismatches {
		safeTitle := SanitizeFilename(m.Title)
		if safeTitle == "" {
			safeTitle = "untitled"
		}
		filename := fmt.Sprintf("%03d_%s.json", i+1, safeTitle)
		path := filepath.Join(outputDir, filename)

		data, err := json.MarshalIndent(m, "", "  ")
		if err != nil {
			log.Error("Failed to marshal mismatch to JSON", map[string]interface{}{
				"title": m.Title,
				"error": err.Error(),
			})
			continue
		}
		if err := os.WriteFile(path, data, 0644); err != nil {
			log.Error("Failed to write mismatch file", map[string]interface{}{
				"path":  path,
				"error": err.Error(),
			})
			continue
		}
		log.Debug("Saved mismatch to file", map[string]interface{}{"path": path})
	}

	log.Info("Exported mismatches", map[string]interface{}{
		"directory": outputDir,
		"count":     len(mismatches),
	})
	return nil
}

// cleanupOldFiles removes JSON files left over from earlier exports.
func cleanupOldFiles(dirPath string) error {
	files, err := os.ReadDir(dirPath)
	if err != nil {
		return fmt.Errorf("failed to read directory: %w", err)
	}
	for _, file := range files {
		if file.IsDir() || !strings.HasSuffix(file.Name(), ".json") {
			continue
		}
		path := filepath.Join(dirPath, file.Name())
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("failed to remove file %s: %w", path, err)
		}
	}
	return nil
}

// SanitizeFilename removes or replaces characters that are invalid in
// filenames.
func SanitizeFilename(s string) string {
	replacer := strings.NewReplacer(
		"<", "", ">", "", ":", " ", "\"", "", "/", " ", "\\", " ", "|", " ",
		"?", "", "*", "", "'", "", "&", "and", "%", "", "#", "",
		"@", "", "!", "", "$", "", "+", "", "`", "", "=", "", "~", "",
	)
	result := replacer.Replace(s)

	result = strings.TrimSpace(result)
	result = strings.Trim(result, ".")

	for strings.Contains(result, "  ") {
		result = strings.ReplaceAll(result, "  ", " ")
	}

	if len(result) > 100 {
		result = result[:100]
	}
	return result
}
