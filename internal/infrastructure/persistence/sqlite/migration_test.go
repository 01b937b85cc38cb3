package sqlite

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenCreatesMissingParentDirectory(t *testing.T) {
	// A fresh repository has no .deepatch directory yet
	dbPath := filepath.Join(t.TempDir(), ".deepatch", "studio.db")

	db, err := Open(dbPath)
	require.NoError(t, err)
	defer db.Close()

	assert.FileExists(t, dbPath)
}

func TestMigrateIsIdempotent(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "studio.db")

	db, err := Open(dbPath)
	require.NoError(t, err)
	db.Close()

	// Reopening runs Migrate again against the applied schema
	db, err = Open(dbPath)
	require.NoError(t, err)
	defer db.Close()

	var count int
	err = db.QueryRow(`SELECT COUNT(*) FROM schema_migrations WHERE version = 1`).Scan(&count)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	for _, table := range []string{"jobs", "runs", "events", "approvals", "decisions"} {
		var name string
		err = db.QueryRow(`SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&name)
		require.NoError(t, err, table)
	}
}
