package sqlite

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YoshitsuguKoike/deepatch/internal/domain/model/approval"
)

func TestApprovalRepository_MirrorConverges(t *testing.T) {
	db := setupTestDB(t)
	repo := NewApprovalRepository(db)
	ctx := context.Background()

	req := approval.NewRequest("r1", "pkg/a.go", "Add", "func Add() {}\n", "func Add() int { return 1 }\n", 0.3, "widen return", "2026-08-31T10:00:00Z")
	require.NoError(t, repo.UpsertRequest(ctx, req))
	// Re-mirroring the same file is a no-op row replace
	require.NoError(t, repo.UpsertRequest(ctx, req))

	items, err := repo.ListByRun(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, req.ApprovalID, items[0].Request.ApprovalID)
	assert.Nil(t, items[0].Decision)
}

func TestApprovalRepository_JoinsDecision(t *testing.T) {
	db := setupTestDB(t)
	repo := NewApprovalRepository(db)
	ctx := context.Background()

	req := approval.NewRequest("r1", "pkg/a.go", "Add", "before\n", "after\n", 0.9, "risky", "2026-08-31T10:00:00Z")
	require.NoError(t, repo.UpsertRequest(ctx, req))

	dec := approval.Decision{Approved: false, Reason: "too broad", DecidedAt: "2026-08-31T10:05:00Z", DecidedBy: "cli"}
	require.NoError(t, repo.UpsertDecision(ctx, "r1", req.ApprovalID, dec))

	items, err := repo.ListByRun(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.NotNil(t, items[0].Decision)
	assert.False(t, items[0].Decision.Approved)
	assert.Equal(t, "too broad", items[0].Decision.Reason)
	assert.Equal(t, "cli", items[0].Decision.DecidedBy)
}

func TestApprovalRepository_ScopedToRun(t *testing.T) {
	db := setupTestDB(t)
	repo := NewApprovalRepository(db)
	ctx := context.Background()

	require.NoError(t, repo.UpsertRequest(ctx, approval.NewRequest("r1", "a.go", "A", "x\n", "y\n", 0, "", "2026-08-31T10:00:00Z")))
	require.NoError(t, repo.UpsertRequest(ctx, approval.NewRequest("r2", "a.go", "A", "x\n", "y\n", 0, "", "2026-08-31T10:00:00Z")))

	items, err := repo.ListByRun(ctx, "r1")
	require.NoError(t, err)
	assert.Len(t, items, 1)
	assert.Equal(t, "r1", items[0].Request.RunID)
}
