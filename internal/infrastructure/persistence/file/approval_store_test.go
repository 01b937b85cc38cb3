package file

import (
	"context"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YoshitsuguKoike/deepatch/internal/domain/model/approval"
	"github.com/YoshitsuguKoike/deepatch/internal/domain/model/run"
)

func newRequest(runID, symbol string) approval.Request {
	return approval.NewRequest(runID, "pkg/a.go", symbol, "func A() {}\n", "func A() int { return 1 }\n", 0.4, "widen return", run.NowISO())
}

func TestSaveRequestFirstWriteWins(t *testing.T) {
	fs := afero.NewMemMapFs()
	store := NewApprovalStore(fs)

	first := newRequest("r1", "A")
	saved, created, err := store.SaveRequest("/approvals", first)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, first, saved)

	// Same inputs derive the same id; the replay must not touch the file
	replay := newRequest("r1", "A")
	replay.Reason = "different reason this time"
	saved, created, err = store.SaveRequest("/approvals", replay)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.Reason, saved.Reason)
}

func TestSaveDecisionExistingWins(t *testing.T) {
	fs := afero.NewMemMapFs()
	store := NewApprovalStore(fs)

	dec := approval.Decision{Approved: true, Reason: "looks right", DecidedAt: run.NowISO(), DecidedBy: "cli"}
	got, err := store.SaveDecision("/approvals", "abc123", dec)
	require.NoError(t, err)
	assert.Equal(t, dec, got)

	later := approval.Decision{Approved: false, Reason: "changed my mind", DecidedAt: run.NowISO()}
	got, err = store.SaveDecision("/approvals", "abc123", later)
	require.NoError(t, err)
	assert.True(t, got.Approved)
	assert.Equal(t, "looks right", got.Reason)
}

func TestLoadDecisionTolerantParse(t *testing.T) {
	fs := afero.NewMemMapFs()
	store := NewApprovalStore(fs)

	dec, err := store.LoadDecision("/approvals", "missing")
	require.NoError(t, err)
	assert.Nil(t, dec)

	// A torn write reads as not-yet-decided
	require.NoError(t, afero.WriteFile(fs, DecisionPath("/approvals", "torn"), []byte(`{"approved": tr`), 0o644))
	dec, err = store.LoadDecision("/approvals", "torn")
	require.NoError(t, err)
	assert.Nil(t, dec)

	// A human can decide with a bare word
	require.NoError(t, afero.WriteFile(fs, DecisionPath("/approvals", "bare"), []byte("approve\n"), 0o644))
	dec, err = store.LoadDecision("/approvals", "bare")
	require.NoError(t, err)
	require.NotNil(t, dec)
	assert.True(t, dec.Approved)

	require.NoError(t, afero.WriteFile(fs, DecisionPath("/approvals", "nope"), []byte("no"), 0o644))
	dec, err = store.LoadDecision("/approvals", "nope")
	require.NoError(t, err)
	require.NotNil(t, dec)
	assert.False(t, dec.Approved)
}

func TestPendingExcludesDecided(t *testing.T) {
	fs := afero.NewMemMapFs()
	store := NewApprovalStore(fs)

	a := newRequest("r1", "A")
	b := newRequest("r1", "B")
	_, _, err := store.SaveRequest("/approvals", a)
	require.NoError(t, err)
	_, _, err = store.SaveRequest("/approvals", b)
	require.NoError(t, err)

	_, err = store.SaveDecision("/approvals", a.ApprovalID, approval.Decision{Approved: true, DecidedAt: run.NowISO()})
	require.NoError(t, err)

	pending, err := store.Pending("/approvals")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, b.ApprovalID, pending[0].ApprovalID)

	reqs, decisions, err := store.List("/approvals")
	require.NoError(t, err)
	assert.Len(t, reqs, 2)
	assert.NotNil(t, decisions[a.ApprovalID])
	assert.Nil(t, decisions[b.ApprovalID])
}

func TestWaitForDecisionReturnsDecision(t *testing.T) {
	fs := afero.NewMemMapFs()
	store := NewApprovalStore(fs)
	store.PollInterval = 5 * time.Millisecond

	req := newRequest("r1", "A")
	_, _, err := store.SaveRequest("/approvals", req)
	require.NoError(t, err)

	go func() {
		time.Sleep(15 * time.Millisecond)
		store.SaveDecision("/approvals", req.ApprovalID, approval.Decision{Approved: true, DecidedAt: run.NowISO()})
	}()

	dec, err := store.WaitForDecision(context.Background(), "/approvals", req.ApprovalID, "/state/stop.flag")
	require.NoError(t, err)
	require.NotNil(t, dec)
	assert.True(t, dec.Approved)
}

func TestWaitForDecisionStopFlagBeatsDecision(t *testing.T) {
	fs := afero.NewMemMapFs()
	store := NewApprovalStore(fs)
	store.PollInterval = 5 * time.Millisecond

	req := newRequest("r1", "A")
	_, _, err := store.SaveRequest("/approvals", req)
	require.NoError(t, err)

	// Both the flag and the decision are present before the first poll.
	// The flag is checked first so the wait surfaces the stop.
	require.NoError(t, NewStopFlag(fs).Raise("/state/stop.flag", "operator stop"))
	_, err = store.SaveDecision("/approvals", req.ApprovalID, approval.Decision{Approved: true, DecidedAt: run.NowISO()})
	require.NoError(t, err)

	_, err = store.WaitForDecision(context.Background(), "/approvals", req.ApprovalID, "/state/stop.flag")
	assert.ErrorIs(t, err, ErrStopRequested)
}

func TestWaitForDecisionContextCancel(t *testing.T) {
	fs := afero.NewMemMapFs()
	store := NewApprovalStore(fs)
	store.PollInterval = 5 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := store.WaitForDecision(ctx, "/approvals", "nothing", "/state/stop.flag")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
