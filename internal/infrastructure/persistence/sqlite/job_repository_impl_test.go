package sqlite

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YoshitsuguKoike/deepatch/internal/domain/model/job"
	"github.com/YoshitsuguKoike/deepatch/internal/domain/model/task"
)

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "studio.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestJobRepository_EnqueueAndGet(t *testing.T) {
	db := setupTestDB(t)
	repo := NewJobRepository(db)
	ctx := context.Background()

	j := &job.Job{
		RepoRoot: "/repo",
		Stage:    task.StageRun,
		RelPaths: []string{"pkg/a.go", "pkg/b.go"},
	}
	id, err := repo.Enqueue(ctx, j)
	require.NoError(t, err)
	assert.Greater(t, id, int64(0))
	assert.Equal(t, job.StatusQueued, j.Status)
	assert.NotEmpty(t, j.CreatedAt)

	got, err := repo.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, task.StageRun, got.Stage)
	assert.Equal(t, []string{"pkg/a.go", "pkg/b.go"}, got.RelPaths)
	assert.Equal(t, job.StatusQueued, got.Status)
}

func TestJobRepository_ClaimNextIsExclusive(t *testing.T) {
	db := setupTestDB(t)
	repo := NewJobRepository(db)
	ctx := context.Background()

	first := &job.Job{RepoRoot: "/repo", Stage: task.StagePlan}
	second := &job.Job{RepoRoot: "/repo", Stage: task.StageRun}
	_, err := repo.Enqueue(ctx, first)
	require.NoError(t, err)
	_, err = repo.Enqueue(ctx, second)
	require.NoError(t, err)

	// Oldest job first
	claimed, err := repo.ClaimNext(ctx, "/repo")
	require.NoError(t, err)
	assert.Equal(t, first.JobID, claimed.JobID)
	assert.Equal(t, job.StatusStarting, claimed.Status)

	// A claimed job cannot be claimed again
	claimed, err = repo.ClaimNext(ctx, "/repo")
	require.NoError(t, err)
	assert.Equal(t, second.JobID, claimed.JobID)

	_, err = repo.ClaimNext(ctx, "/repo")
	assert.ErrorIs(t, err, ErrNoQueuedJob)
}

func TestJobRepository_ClaimNextScopedToRepo(t *testing.T) {
	db := setupTestDB(t)
	repo := NewJobRepository(db)
	ctx := context.Background()

	_, err := repo.Enqueue(ctx, &job.Job{RepoRoot: "/other", Stage: task.StageRun})
	require.NoError(t, err)

	_, err = repo.ClaimNext(ctx, "/repo")
	assert.ErrorIs(t, err, ErrNoQueuedJob)
}

func TestJobRepository_Lifecycle(t *testing.T) {
	db := setupTestDB(t)
	repo := NewJobRepository(db)
	ctx := context.Background()

	j := &job.Job{RepoRoot: "/repo", Stage: task.StageRun}
	id, err := repo.Enqueue(ctx, j)
	require.NoError(t, err)

	_, err = repo.ClaimNext(ctx, "/repo")
	require.NoError(t, err)

	require.NoError(t, repo.MarkRunning(ctx, id, "run-1", 4242))
	got, err := repo.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, job.StatusRunning, got.Status)
	assert.Equal(t, "run-1", got.RunID)
	assert.Equal(t, 4242, got.PID)

	active, err := repo.HasActive(ctx, "/repo")
	require.NoError(t, err)
	assert.True(t, active)

	require.NoError(t, repo.Finish(ctx, id, job.StatusFailed, "subprocess exited 1"))
	got, err = repo.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, job.StatusFailed, got.Status)
	assert.Equal(t, "subprocess exited 1", got.Error)

	active, err = repo.HasActive(ctx, "/repo")
	require.NoError(t, err)
	assert.False(t, active)
}

func TestJobRepository_ActiveJobSeesPastQueuedBacklog(t *testing.T) {
	db := setupTestDB(t)
	repo := NewJobRepository(db)
	ctx := context.Background()

	active, err := repo.ActiveJob(ctx, "/repo")
	require.NoError(t, err)
	assert.Nil(t, active)

	id, err := repo.Enqueue(ctx, &job.Job{RepoRoot: "/repo", Stage: task.StageRun})
	require.NoError(t, err)
	_, err = repo.ClaimNext(ctx, "/repo")
	require.NoError(t, err)
	require.NoError(t, repo.MarkRunning(ctx, id, "run-1", 4242))

	// Queued jobs are not active, no matter how many pile up
	for i := 0; i < 60; i++ {
		_, err := repo.Enqueue(ctx, &job.Job{RepoRoot: "/repo", Stage: task.StageRun})
		require.NoError(t, err)
	}

	active, err = repo.ActiveJob(ctx, "/repo")
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, id, active.JobID)
	assert.Equal(t, job.StatusRunning, active.Status)
}

func TestJobRepository_ListNewestFirst(t *testing.T) {
	db := setupTestDB(t)
	repo := NewJobRepository(db)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := repo.Enqueue(ctx, &job.Job{RepoRoot: "/repo", Stage: task.StageRun})
		require.NoError(t, err)
	}

	jobs, err := repo.List(ctx, "/repo", 2)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Greater(t, jobs[0].JobID, jobs[1].JobID)
}
