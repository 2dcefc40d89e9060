package preflight

import (
	"database/sql"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestDB creates a small healthy SQLite database at path.
func newTestDB(t *testing.T, path string) {
	t.Helper()
	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	_, err = db.Exec("CREATE TABLE items (id TEXT PRIMARY KEY, name TEXT)")
	require.NoError(t, err)
	_, err = db.Exec("INSERT INTO items (id, name) VALUES ('38291', 'Дрель ударная')")
	require.NoError(t, err)
	require.NoError(t, db.Close())
}

func TestCheckCatalogStore_NotCreated(t *testing.T) {
	// Given: no catalog database on disk
	path := filepath.Join(t.TempDir(), "catalog.db")

	// When: checking integrity
	result := New().CheckCatalogStore(path)

	// Then: a first run is fine
	assert.Equal(t, StatusPass, result.Status)
	assert.Equal(t, "catalog_store", result.Name)
	assert.Equal(t, "not created yet", result.Message)
	assert.True(t, result.Required)
}

func TestCheckCatalogStore_Healthy(t *testing.T) {
	// Given: a healthy catalog database
	path := filepath.Join(t.TempDir(), "catalog.db")
	newTestDB(t, path)

	// When: checking integrity
	result := New().CheckCatalogStore(path)

	// Then: passes and reports the file size
	assert.Equal(t, StatusPass, result.Status)
	assert.Contains(t, result.Message, "ok (")
}

func TestCheckCatalogStore_Corrupted(t *testing.T) {
	// Given: a file that is not a SQLite database
	path := filepath.Join(t.TempDir(), "catalog.db")
	garbage := make([]byte, 4096)
	for i := range garbage {
		garbage[i] = byte(i % 251)
	}
	require.NoError(t, os.WriteFile(path, garbage, 0o644))

	// When: checking integrity
	result := New().CheckCatalogStore(path)

	// Then: fails with the rebuild suggestion
	assert.Equal(t, StatusFail, result.Status)
	assert.True(t, result.IsCritical())
	assert.Contains(t, result.Details, "Re-import the feed")
}

func TestCheckFeedbackStore_Healthy(t *testing.T) {
	// Given: a healthy feedback database
	path := filepath.Join(t.TempDir(), "feedback.db")
	newTestDB(t, path)

	// When: checking integrity
	result := New().CheckFeedbackStore(path)

	// Then: passes under its own check name
	assert.Equal(t, StatusPass, result.Status)
	assert.Equal(t, "feedback_store", result.Name)
}

func TestCheckFeedbackStore_Corrupted(t *testing.T) {
	// Given: a truncated corrupt file
	path := filepath.Join(t.TempDir(), "feedback.db")
	require.NoError(t, os.WriteFile(path, []byte("definitely not sqlite"), 0o644))

	// When: checking integrity
	result := New().CheckFeedbackStore(path)

	// Then: the suggestion points at backups, not rebuilds
	assert.Equal(t, StatusFail, result.Status)
	assert.Contains(t, result.Details, "backup")
}
