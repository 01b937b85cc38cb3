package studio

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/YoshitsuguKoike/deepatch/internal/app"
	"github.com/YoshitsuguKoike/deepatch/internal/domain/model/approval"
	"github.com/YoshitsuguKoike/deepatch/internal/domain/model/job"
	"github.com/YoshitsuguKoike/deepatch/internal/domain/model/run"
	"github.com/YoshitsuguKoike/deepatch/internal/infrastructure/persistence/file"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeSpawner records spawn calls and hands out a configurable pid.
type fakeSpawner struct {
	mu     sync.Mutex
	spawns []string
	pid    int
	err    error
}

func (s *fakeSpawner) Spawn(j *job.Job, runID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return 0, s.err
	}
	s.spawns = append(s.spawns, runID)
	return s.pid, nil
}

func (s *fakeSpawner) lastRunID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.spawns) == 0 {
		return ""
	}
	return s.spawns[len(s.spawns)-1]
}

// deadPID returns a pid that is guaranteed to belong to no live process.
func deadPID(t *testing.T) int {
	t.Helper()
	cmd := exec.Command("true")
	require.NoError(t, cmd.Start())
	pid := cmd.Process.Pid
	require.NoError(t, cmd.Wait())
	return pid
}

func newTestPool(t *testing.T, spawn Spawner) (*Pool, string) {
	t.Helper()
	repo := t.TempDir()
	p := NewPool(spawn, nil)
	p.Interval = time.Hour // ticks are driven manually
	require.NoError(t, p.Start(repo))
	t.Cleanup(p.Shutdown)
	return p, repo
}

func enqueue(t *testing.T, p *Pool, repo string, rels ...string) int64 {
	t.Helper()
	h, ok := p.Handles(repo)
	require.True(t, ok)
	id, err := h.Jobs.Enqueue(context.Background(), &job.Job{
		RepoRoot:  repo,
		Stage:     "run",
		RelPaths:  rels,
		CreatedAt: run.NowISO(),
		Status:    job.StatusQueued,
	})
	require.NoError(t, err)
	return id
}

func TestWorkerClaimsQueuedJobAndSpawns(t *testing.T) {
	spawn := &fakeSpawner{pid: os.Getpid()}
	p, repo := newTestPool(t, spawn)
	jobID := enqueue(t, p, repo, "a.go")

	require.NoError(t, p.Tick(context.Background(), repo))

	runID := spawn.lastRunID()
	require.NotEmpty(t, runID)

	h, _ := p.Handles(repo)
	j, err := h.Jobs.Get(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusRunning, j.Status)
	assert.Equal(t, runID, j.RunID)
	assert.Equal(t, os.Getpid(), j.PID)

	paths, err := app.EnsureRunPaths(repo, runID)
	require.NoError(t, err)
	st, err := file.NewRunStore(afero.NewOsFs()).Load(paths.RunStatePath())
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), st.PID)
	assert.Equal(t, run.StatusStarting, st.Status)

	// A live pid means the next tick leaves everything alone
	require.NoError(t, p.Tick(context.Background(), repo))
	j, err = h.Jobs.Get(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusRunning, j.Status)
}

func TestWorkerHoldsSingleRunBehindDeepQueue(t *testing.T) {
	spawn := &fakeSpawner{pid: os.Getpid()}
	p, repo := newTestPool(t, spawn)
	enqueue(t, p, repo, "a.go")

	require.NoError(t, p.Tick(context.Background(), repo))
	require.Len(t, spawn.spawns, 1)

	// The running job must stay visible even when newer queued jobs
	// outnumber any bounded listing window.
	for i := 0; i < 55; i++ {
		enqueue(t, p, repo, fmt.Sprintf("f%d.go", i))
	}
	require.NoError(t, p.Tick(context.Background(), repo))

	assert.Len(t, spawn.spawns, 1)
}

func TestWorkerReapsDeadProcessAndIngests(t *testing.T) {
	spawn := &fakeSpawner{pid: deadPID(t)}
	p, repo := newTestPool(t, spawn)
	jobID := enqueue(t, p, repo, "a.go")

	require.NoError(t, p.Tick(context.Background(), repo))
	runID := spawn.lastRunID()
	paths, err := app.EnsureRunPaths(repo, runID)
	require.NoError(t, err)

	// The process "died" after emitting events and an approval
	var log bytes.Buffer
	for i := 0; i < 3; i++ {
		fmt.Fprintf(&log, `{"ts":"2026-01-01T00:00:0%dZ","level":"INFO","event":"e%d"}`+"\n", i, i)
	}
	require.NoError(t, os.WriteFile(paths.EventsPath(), log.Bytes(), 0o644))

	store := file.NewApprovalStore(afero.NewOsFs())
	req := approval.NewRequest(runID, "a.go", "Add", "x", "y", 0.2, "small", run.NowISO())
	_, _, err = store.SaveRequest(paths.ApprovalsDir, req)
	require.NoError(t, err)
	_, err = store.SaveDecision(paths.ApprovalsDir, req.ApprovalID, approval.Decision{
		Approved: true, DecidedAt: run.NowISO(), DecidedBy: "tester",
	})
	require.NoError(t, err)

	require.NoError(t, p.Tick(context.Background(), repo))

	h, _ := p.Handles(repo)
	j, err := h.Jobs.Get(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusFailed, j.Status)
	assert.Contains(t, j.Error, "exited without finalizing")

	st, err := file.NewRunStore(afero.NewOsFs()).Load(paths.RunStatePath())
	require.NoError(t, err)
	assert.Equal(t, run.StatusFailed, st.Status)

	events, err := h.Events.List(context.Background(), runID, 0, 100)
	require.NoError(t, err)
	assert.Len(t, events, 3)

	audit, err := h.Approvals.ListByRun(context.Background(), runID)
	require.NoError(t, err)
	require.Len(t, audit, 1)
	require.NotNil(t, audit[0].Decision)
	assert.True(t, audit[0].Decision.Approved)
}

func TestWorkerFinishesJobDoneWhenRunCompleted(t *testing.T) {
	spawn := &fakeSpawner{pid: deadPID(t)}
	p, repo := newTestPool(t, spawn)
	jobID := enqueue(t, p, repo, "a.go")

	require.NoError(t, p.Tick(context.Background(), repo))
	runID := spawn.lastRunID()
	paths, err := app.EnsureRunPaths(repo, runID)
	require.NoError(t, err)

	runs := file.NewRunStore(afero.NewOsFs())
	_, err = runs.Transition(paths.RunStatePath(), run.StatusDone)
	require.NoError(t, err)

	require.NoError(t, p.Tick(context.Background(), repo))

	h, _ := p.Handles(repo)
	j, err := h.Jobs.Get(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusDone, j.Status)
	assert.Empty(t, j.Error)
}

func TestIngestRunIsIdempotent(t *testing.T) {
	p, repo := newTestPool(t, nil)
	h, _ := p.Handles(repo)

	runID := run.NewID()
	paths, err := app.EnsureRunPaths(repo, runID)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(paths.EventsPath(),
		[]byte(`{"ts":"t","level":"INFO","event":"one"}`+"\n"), 0o644))

	require.NoError(t, IngestRun(context.Background(), h, repo, runID))
	require.NoError(t, IngestRun(context.Background(), h, repo, runID))

	events, err := h.Events.List(context.Background(), runID, 0, 10)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func newTestServer(t *testing.T, repo string, p *Pool) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(NewServer(repo, p).Router())
	t.Cleanup(func() {
		// Idle keep-alive connections would trip the leak detector
		http.DefaultClient.CloseIdleConnections()
		srv.Close()
	})
	return srv
}

func doJSON(t *testing.T, method, url string, body interface{}) (*http.Response, map[string]interface{}) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var decoded map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	return resp, decoded
}

func TestServerRunLifecycle(t *testing.T) {
	spawn := &fakeSpawner{pid: os.Getpid()}
	p, repo := newTestPool(t, spawn)
	srv := newTestServer(t, repo, p)

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/runs/start",
		map[string]interface{}{"stage": "review", "rel_paths": []string{"a.go"}})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	runID, _ := body["run_id"].(string)
	require.NotEmpty(t, runID)

	resp, body = doJSON(t, http.MethodGet, srv.URL+"/runs/"+runID+"/status", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	runRecord := body["run"].(map[string]interface{})
	assert.Equal(t, "starting", runRecord["status"])

	resp, body = doJSON(t, http.MethodGet, srv.URL+"/runs/list", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["runs"], 1)

	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/runs/"+runID+"/stop", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	paths, err := app.EnsureRunPaths(repo, runID)
	require.NoError(t, err)
	flag := file.NewStopFlag(afero.NewOsFs())
	assert.True(t, flag.Raised(paths.StopFlagPath()))
}

func TestServerRejectsBadStage(t *testing.T) {
	p, repo := newTestPool(t, &fakeSpawner{pid: os.Getpid()})
	srv := newTestServer(t, repo, p)

	resp, _ := doJSON(t, http.MethodPost, srv.URL+"/runs/start",
		map[string]interface{}{"stage": "demolish", "rel_paths": []string{"a.go"}})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServerEnqueueAndList(t *testing.T) {
	p, repo := newTestPool(t, nil)
	srv := newTestServer(t, repo, p)

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/jobs/enqueue",
		map[string]interface{}{"stage": "run", "rel_paths": []string{"a.go", "b.go"}})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 1, body["job_id"])

	resp, body = doJSON(t, http.MethodGet, srv.URL+"/jobs/list", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	jobs := body["jobs"].([]interface{})
	require.Len(t, jobs, 1)
	assert.Equal(t, "queued", jobs[0].(map[string]interface{})["status"])
}

func TestServerApprovalDecisionFlow(t *testing.T) {
	p, repo := newTestPool(t, nil)
	srv := newTestServer(t, repo, p)

	runID := run.NewID()
	paths, err := app.EnsureRunPaths(repo, runID)
	require.NoError(t, err)
	store := file.NewApprovalStore(afero.NewOsFs())
	req := approval.NewRequest(runID, "a.go", "Add", "x", "y", 0.1, "tiny", run.NowISO())
	_, _, err = store.SaveRequest(paths.ApprovalsDir, req)
	require.NoError(t, err)

	resp, body := doJSON(t, http.MethodGet, srv.URL+"/runs/"+runID+"/approvals", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["pending"], 1)

	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/runs/"+runID+"/approvals/"+req.ApprovalID,
		map[string]interface{}{"approve": true, "reason": "looks right"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	dec, err := store.LoadDecision(paths.ApprovalsDir, req.ApprovalID)
	require.NoError(t, err)
	require.NotNil(t, dec)
	assert.True(t, dec.Approved)
	assert.Equal(t, "studio", dec.DecidedBy)

	// Pending shrinks, audit shows the mirrored decision
	resp, body = doJSON(t, http.MethodGet, srv.URL+"/runs/"+runID+"/approvals", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, body["pending"])

	resp, body = doJSON(t, http.MethodGet, srv.URL+"/runs/"+runID+"/audit", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["audit"], 1)

	// Deciding again does not flip the stored decision
	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/runs/"+runID+"/approvals/"+req.ApprovalID,
		map[string]interface{}{"approve": false, "reason": "changed my mind"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	dec, err = store.LoadDecision(paths.ApprovalsDir, req.ApprovalID)
	require.NoError(t, err)
	assert.True(t, dec.Approved)
}

func TestServerEventsTail(t *testing.T) {
	p, repo := newTestPool(t, nil)
	srv := newTestServer(t, repo, p)

	runID := run.NewID()
	paths, err := app.EnsureRunPaths(repo, runID)
	require.NoError(t, err)
	var log bytes.Buffer
	for i := 0; i < 5; i++ {
		fmt.Fprintf(&log, `{"ts":"t","level":"INFO","event":"e%d"}`+"\n", i)
	}
	require.NoError(t, os.WriteFile(paths.EventsPath(), log.Bytes(), 0o644))

	resp, body := doJSON(t, http.MethodGet, srv.URL+"/runs/"+runID+"/events?cursor=0&limit=2", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	events := body["events"].([]interface{})
	require.Len(t, events, 2)
	assert.Equal(t, "e0", events[0].(map[string]interface{})["event"])
	assert.EqualValues(t, 2, body["next_cursor"])

	resp, body = doJSON(t, http.MethodGet, srv.URL+"/runs/"+runID+"/events_db", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["events"], 5)
}
