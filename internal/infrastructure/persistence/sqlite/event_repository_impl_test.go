package sqlite

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventRepository_IngestIsIdempotent(t *testing.T) {
	db := setupTestDB(t)
	repo := NewEventRepository(db)
	ctx := context.Background()

	events := []map[string]interface{}{
		{"ts": "2026-08-31T10:00:00Z", "level": "INFO", "event": "run_started", "run_id": "r1"},
		{"ts": "2026-08-31T10:00:01Z", "level": "WARN", "event": "gate_failed", "qname": "Add"},
	}

	next, err := repo.Ingest(ctx, "r1", 0, events)
	require.NoError(t, err)
	assert.Equal(t, 2, next)

	// Replaying the same lines after a crash must not duplicate rows
	next, err = repo.Ingest(ctx, "r1", 0, events)
	require.NoError(t, err)
	assert.Equal(t, 2, next)

	got, err := repo.List(ctx, "r1", 0, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "run_started", got[0].Name)
	assert.Equal(t, "r1", got[0].Payload["run_id"])
	assert.Equal(t, "gate_failed", got[1].Name)
	assert.Equal(t, "Add", got[1].Payload["qname"])
}

func TestEventRepository_NextIndex(t *testing.T) {
	db := setupTestDB(t)
	repo := NewEventRepository(db)
	ctx := context.Background()

	next, err := repo.NextIndex(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, 0, next)

	_, err = repo.Ingest(ctx, "r1", 0, []map[string]interface{}{
		{"ts": "2026-08-31T10:00:00Z", "level": "INFO", "event": "one"},
	})
	require.NoError(t, err)

	next, err = repo.NextIndex(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, 1, next)

	// Cursors are per run
	next, err = repo.NextIndex(ctx, "r2")
	require.NoError(t, err)
	assert.Equal(t, 0, next)
}

func TestEventRepository_ListFromCursor(t *testing.T) {
	db := setupTestDB(t)
	repo := NewEventRepository(db)
	ctx := context.Background()

	var batch []map[string]interface{}
	for _, name := range []string{"a", "b", "c"} {
		batch = append(batch, map[string]interface{}{"ts": "2026-08-31T10:00:00Z", "level": "INFO", "event": name})
	}
	_, err := repo.Ingest(ctx, "r1", 0, batch)
	require.NoError(t, err)

	got, err := repo.List(ctx, "r1", 1, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "b", got[0].Name)
	assert.Equal(t, 1, got[0].Idx)
}
