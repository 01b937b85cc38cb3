package sqlite

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YoshitsuguKoike/deepatch/internal/domain/model/run"
	"github.com/YoshitsuguKoike/deepatch/internal/domain/model/task"
)

func TestRunRepository_UpsertReplacesSnapshot(t *testing.T) {
	db := setupTestDB(t)
	repo := NewRunRepository(db)
	ctx := context.Background()

	st := &run.State{
		RunID:     "r1",
		RepoRoot:  "/repo",
		Stage:     task.StageRun,
		Status:    run.StatusRunning,
		PID:       99,
		StartedAt: "2026-08-31T10:00:00Z",
		UpdatedAt: "2026-08-31T10:00:00Z",
	}
	require.NoError(t, repo.Upsert(ctx, st))

	st.Transition(run.StatusDone)
	require.NoError(t, repo.Upsert(ctx, st))

	got, err := repo.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, run.StatusDone, got.Status)
	assert.NotEmpty(t, got.EndedAt)
}

func TestRunRepository_GetMissing(t *testing.T) {
	db := setupTestDB(t)
	repo := NewRunRepository(db)

	_, err := repo.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestRunRepository_ListScopedToRepo(t *testing.T) {
	db := setupTestDB(t)
	repo := NewRunRepository(db)
	ctx := context.Background()

	for i, id := range []string{"r1", "r2"} {
		require.NoError(t, repo.Upsert(ctx, &run.State{
			RunID:     id,
			RepoRoot:  "/repo",
			Stage:     task.StageRun,
			Status:    run.StatusDone,
			StartedAt: "2026-08-31T10:00:0" + string(rune('0'+i)) + "Z",
			UpdatedAt: "2026-08-31T10:00:05Z",
		}))
	}
	require.NoError(t, repo.Upsert(ctx, &run.State{
		RunID: "other", RepoRoot: "/elsewhere", Stage: task.StageRun,
		Status: run.StatusDone, StartedAt: "2026-08-31T11:00:00Z", UpdatedAt: "2026-08-31T11:00:00Z",
	}))

	runs, err := repo.List(ctx, "/repo", 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	// Newest first
	assert.Equal(t, "r2", runs[0].RunID)
	assert.Equal(t, "r1", runs[1].RunID)
}
