package studio

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/afero"

	"github.com/YoshitsuguKoike/deepatch/internal/app"
	"github.com/YoshitsuguKoike/deepatch/internal/domain/model/job"
	"github.com/YoshitsuguKoike/deepatch/internal/domain/model/run"
	"github.com/YoshitsuguKoike/deepatch/internal/infrastructure/persistence/file"
	"github.com/YoshitsuguKoike/deepatch/internal/infrastructure/persistence/sqlite"
)

// worker owns one repository's queue: at most one pipeline process runs per
// repository at a time.
type worker struct {
	repoRoot string
	h        *Handles
	pool     *Pool

	runs *file.RunStore

	stop chan struct{}
	done chan struct{}
}

func newWorker(repoRoot string, h *Handles, pool *Pool) *worker {
	return &worker{
		repoRoot: repoRoot,
		h:        h,
		pool:     pool,
		runs:     file.NewRunStore(afero.NewOsFs()),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (w *worker) start() {
	go func() {
		defer close(w.done)
		ticker := time.NewTicker(w.pool.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-w.stop:
				return
			case <-ticker.C:
				if err := w.tick(context.Background()); err != nil {
					w.pool.Log.Warn("worker %s: %v", w.repoRoot, err)
				}
			}
		}
	}()
}

func (w *worker) stopWorker() {
	close(w.stop)
	<-w.done
}

func (w *worker) tick(ctx context.Context) error {
	active, err := w.activeJob(ctx)
	if err != nil {
		return err
	}
	if active != nil {
		if w.pool.Alive(active.PID) {
			return nil
		}
		return w.reapJob(ctx, active)
	}
	return w.claimAndSpawn(ctx)
}

// activeJob returns the repository's starting or running job, nil when idle.
// The status query is unbounded on purpose: a running job must stay visible
// no matter how deep the queue behind it grows.
func (w *worker) activeJob(ctx context.Context) (*job.Job, error) {
	return w.h.Jobs.ActiveJob(ctx, w.repoRoot)
}

// reapJob handles a job whose process is gone: the run state is finalized
// if the process died mid-flight, file state is mirrored into the database,
// and the job is finished with the run's outcome.
func (w *worker) reapJob(ctx context.Context, j *job.Job) error {
	if j.RunID == "" {
		return w.h.Jobs.Finish(ctx, j.JobID, job.StatusFailed, "no run was started")
	}
	paths, err := app.EnsureRunPaths(w.repoRoot, j.RunID)
	if err != nil {
		return err
	}
	if _, err := w.runs.MarkFailedIfPIDGone(paths.RunStatePath()); err != nil {
		w.pool.Log.Warn("finalize run %s: %v", j.RunID, err)
	}
	if err := IngestRun(ctx, w.h, w.repoRoot, j.RunID); err != nil {
		w.pool.Log.Warn("ingest run %s: %v", j.RunID, err)
	}

	st, err := w.runs.Load(paths.RunStatePath())
	if err != nil {
		return w.h.Jobs.Finish(ctx, j.JobID, job.StatusFailed, fmt.Sprintf("run state unreadable: %v", err))
	}
	if st.Status == run.StatusDone {
		return w.h.Jobs.Finish(ctx, j.JobID, job.StatusDone, "")
	}
	return w.h.Jobs.Finish(ctx, j.JobID, job.StatusFailed, st.Error)
}

// claimAndSpawn takes the oldest queued job, creates its run record, and
// launches the pipeline process.
func (w *worker) claimAndSpawn(ctx context.Context) error {
	j, err := w.h.Jobs.ClaimNext(ctx, w.repoRoot)
	if errors.Is(err, sqlite.ErrNoQueuedJob) {
		return nil
	}
	if err != nil {
		return err
	}
	if w.pool.Spawn == nil {
		return w.h.Jobs.Finish(ctx, j.JobID, job.StatusFailed, "pool has no spawner")
	}

	runID := run.NewID()
	paths, err := app.EnsureRunPaths(w.repoRoot, runID)
	if err != nil {
		return w.h.Jobs.Finish(ctx, j.JobID, job.StatusFailed, err.Error())
	}
	st := &run.State{
		RunID:     runID,
		RepoRoot:  w.repoRoot,
		Stage:     j.Stage,
		Status:    run.StatusStarting,
		StartedAt: run.NowISO(),
		UpdatedAt: run.NowISO(),
	}
	if err := w.runs.Save(paths.RunStatePath(), st); err != nil {
		return w.h.Jobs.Finish(ctx, j.JobID, job.StatusFailed, err.Error())
	}

	pid, err := w.pool.Spawn.Spawn(j, runID)
	if err != nil {
		st.Error = err.Error()
		st.Transition(run.StatusFailed)
		if saveErr := w.runs.Save(paths.RunStatePath(), st); saveErr != nil {
			w.pool.Log.Warn("record spawn failure for %s: %v", runID, saveErr)
		}
		return w.h.Jobs.Finish(ctx, j.JobID, job.StatusFailed, err.Error())
	}

	st.PID = pid
	if err := w.runs.Save(paths.RunStatePath(), st); err != nil {
		w.pool.Log.Warn("record pid for %s: %v", runID, err)
	}
	if err := w.h.Jobs.MarkRunning(ctx, j.JobID, runID, pid); err != nil {
		return err
	}
	if err := w.h.Runs.Upsert(ctx, st); err != nil {
		w.pool.Log.Warn("mirror run %s: %v", runID, err)
	}
	w.pool.Log.Info("job %d spawned run %s (pid %d)", j.JobID, runID, pid)
	return nil
}

// IngestRun mirrors one run's file state into the shared database: the run
// record, the event log from the last ingested index, and every approval
// request and decision. Safe to repeat; re-ingestion converges.
func IngestRun(ctx context.Context, h *Handles, repoRoot, runID string) error {
	paths, err := app.EnsureRunPaths(repoRoot, runID)
	if err != nil {
		return err
	}

	runs := file.NewRunStore(afero.NewOsFs())
	if st, err := runs.Load(paths.RunStatePath()); err == nil {
		if err := h.Runs.Upsert(ctx, st); err != nil {
			return err
		}
	}

	next, err := h.Events.NextIndex(ctx, runID)
	if err != nil {
		return err
	}
	events, err := readEventLog(paths.EventsPath(), next)
	if err != nil {
		return err
	}
	if len(events) > 0 {
		if _, err := h.Events.Ingest(ctx, runID, next, events); err != nil {
			return err
		}
	}

	store := file.NewApprovalStore(afero.NewOsFs())
	reqs, decs, err := store.List(paths.ApprovalsDir)
	if err != nil {
		return err
	}
	for _, req := range reqs {
		if err := h.Approvals.UpsertRequest(ctx, req); err != nil {
			return err
		}
		if dec := decs[req.ApprovalID]; dec != nil {
			if err := h.Approvals.UpsertDecision(ctx, runID, req.ApprovalID, *dec); err != nil {
				return err
			}
		}
	}
	return nil
}

// readEventLog returns the JSONL events past the first from valid entries.
// Garbage lines (torn writes) are skipped and never counted, so file offsets
// stay aligned with ingested indexes.
func readEventLog(path string, from int) ([]map[string]interface{}, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var out []map[string]interface{}
	seen := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		var ev map[string]interface{}
		if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
			continue
		}
		if seen >= from {
			out = append(out, ev)
		}
		seen++
	}
	return out, sc.Err()
}
