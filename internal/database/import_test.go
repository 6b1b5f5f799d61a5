package database

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shelfsync/shelfsync/internal/models"
)

func TestImportMappings(t *testing.T) {
	repo := setupTestRepo(t)
	mgr := NewImportManager(repo, nil)
	ctx := context.Background()

	payload := `[
		{"book_id": "book-1", "service": "hardcover", "service_book_id": "hc-42", "title": "Project Hail Mary", "author": "Andy Weir"},
		{"book_id": "book-2", "service": "storygraph", "service_book_id": "sg-7"},
		{"book_id": "", "service": "hardcover", "service_book_id": "hc-9"}
	]`
	path := filepath.Join(t.TempDir(), "mappings.json")
	require.NoError(t, os.WriteFile(path, []byte(payload), 0644))

	imported, err := mgr.ImportMappings(ctx, path)
	require.NoError(t, err)

	// The entry without a book ID is skipped, not fatal.
	assert.Equal(t, 2, imported)

	got, err := repo.GetMapping(ctx, "book-1", "hardcover")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "hc-42", got.ServiceBookID)
	assert.Equal(t, string(models.MethodManual), got.Method)
	assert.InDelta(t, 1.0, got.Confidence, 0.001)
	assert.Equal(t, "Project Hail Mary", got.Title)
}

func TestImportMappingsOverridesRejection(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.RejectMapping(ctx, "book-1", "hardcover", "ambiguous match"))

	payload := `[{"book_id": "book-1", "service": "hardcover", "service_book_id": "hc-42"}]`
	path := filepath.Join(t.TempDir(), "mappings.json")
	require.NoError(t, os.WriteFile(path, []byte(payload), 0644))

	mgr := NewImportManager(repo, nil)
	imported, err := mgr.ImportMappings(ctx, path)
	require.NoError(t, err)
	require.Equal(t, 1, imported)

	got, err := repo.GetMapping(ctx, "book-1", "hardcover")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.False(t, got.Rejected)
	assert.Equal(t, string(models.MethodManual), got.Method)
}

func TestImportMappingsBadInput(t *testing.T) {
	repo := setupTestRepo(t)
	mgr := NewImportManager(repo, nil)
	ctx := context.Background()

	_, err := mgr.ImportMappings(ctx, filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0644))
	_, err = mgr.ImportMappings(ctx, path)
	assert.Error(t, err)
}
