package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/YoshitsuguKoike/deepatch/internal/domain/model/job"
	"github.com/YoshitsuguKoike/deepatch/internal/domain/model/run"
	"github.com/YoshitsuguKoike/deepatch/internal/domain/model/task"
	"github.com/YoshitsuguKoike/deepatch/internal/infrastructure/transaction"
)

// ErrNoQueuedJob is returned by ClaimNext when the queue is empty.
var ErrNoQueuedJob = errors.New("no queued job")

// JobRepositoryImpl implements the job queue with SQLite
type JobRepositoryImpl struct {
	db  *sql.DB
	txm *transaction.Manager
}

// NewJobRepository creates a new SQLite-based job repository
func NewJobRepository(db *sql.DB) *JobRepositoryImpl {
	return &JobRepositoryImpl{db: db, txm: transaction.NewManager(db)}
}

// getDB returns the appropriate database executor from context
func (r *JobRepositoryImpl) getDB(ctx context.Context) dbExecutor {
	if tx, ok := transaction.GetTxFromContext(ctx); ok {
		return tx
	}
	return r.db
}

// Enqueue inserts a queued job and returns its id.
func (r *JobRepositoryImpl) Enqueue(ctx context.Context, j *job.Job) (int64, error) {
	db := r.getDB(ctx)

	relPaths, err := json.Marshal(j.RelPaths)
	if err != nil {
		return 0, fmt.Errorf("marshal rel_paths: %w", err)
	}
	extraArgs, err := json.Marshal(j.ExtraArgs)
	if err != nil {
		return 0, fmt.Errorf("marshal extra_args: %w", err)
	}
	createdAt := j.CreatedAt
	if createdAt == "" {
		createdAt = run.NowISO()
	}

	result, err := db.ExecContext(ctx,
		`INSERT INTO jobs (repo_root, stage, rel_paths, extra_args, created_at, status)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		j.RepoRoot, string(j.Stage), string(relPaths), string(extraArgs), createdAt, string(job.StatusQueued),
	)
	if err != nil {
		return 0, fmt.Errorf("enqueue job: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("enqueue job id: %w", err)
	}
	j.JobID = id
	j.CreatedAt = createdAt
	j.Status = job.StatusQueued
	return id, nil
}

// ClaimNext atomically moves the oldest queued job for repoRoot to starting
// and returns it. The enclosing transaction takes the write lock at BEGIN,
// so two workers can never claim the same job. Returns ErrNoQueuedJob when
// the queue is empty.
func (r *JobRepositoryImpl) ClaimNext(ctx context.Context, repoRoot string) (*job.Job, error) {
	var claimed *job.Job
	err := r.txm.InTransaction(ctx, func(txCtx context.Context) error {
		db := r.getDB(txCtx)

		row := db.QueryRowContext(txCtx,
			`SELECT job_id FROM jobs
			 WHERE repo_root = ? AND status = ?
			 ORDER BY job_id ASC LIMIT 1`,
			repoRoot, string(job.StatusQueued),
		)
		var jobID int64
		if err := row.Scan(&jobID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNoQueuedJob
			}
			return fmt.Errorf("select queued job: %w", err)
		}

		result, err := db.ExecContext(txCtx,
			`UPDATE jobs SET status = ? WHERE job_id = ? AND status = ?`,
			string(job.StatusStarting), jobID, string(job.StatusQueued),
		)
		if err != nil {
			return fmt.Errorf("claim job %d: %w", jobID, err)
		}
		if rows, _ := result.RowsAffected(); rows != 1 {
			return ErrNoQueuedJob
		}

		j, err := r.get(txCtx, db, jobID)
		if err != nil {
			return err
		}
		claimed = j
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// MarkRunning records the run id and worker pid once the job's subprocess
// is spawned.
func (r *JobRepositoryImpl) MarkRunning(ctx context.Context, jobID int64, runID string, pid int) error {
	db := r.getDB(ctx)
	_, err := db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, run_id = ?, pid = ? WHERE job_id = ?`,
		string(job.StatusRunning), runID, pid, jobID,
	)
	if err != nil {
		return fmt.Errorf("mark job %d running: %w", jobID, err)
	}
	return nil
}

// Finish moves a job to a terminal status with an optional error message.
func (r *JobRepositoryImpl) Finish(ctx context.Context, jobID int64, status job.Status, errMsg string) error {
	db := r.getDB(ctx)
	_, err := db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, error = ? WHERE job_id = ?`,
		string(status), errMsg, jobID,
	)
	if err != nil {
		return fmt.Errorf("finish job %d: %w", jobID, err)
	}
	return nil
}

// Get returns one job by id.
func (r *JobRepositoryImpl) Get(ctx context.Context, jobID int64) (*job.Job, error) {
	return r.get(ctx, r.getDB(ctx), jobID)
}

func (r *JobRepositoryImpl) get(ctx context.Context, db dbExecutor, jobID int64) (*job.Job, error) {
	row := db.QueryRowContext(ctx,
		`SELECT job_id, repo_root, stage, rel_paths, extra_args, created_at, status, run_id, pid, error
		 FROM jobs WHERE job_id = ?`,
		jobID,
	)
	j, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("job %d not found", jobID)
		}
		return nil, fmt.Errorf("get job %d: %w", jobID, err)
	}
	return j, nil
}

// List returns the newest jobs for a repository, most recent first.
func (r *JobRepositoryImpl) List(ctx context.Context, repoRoot string, limit int) ([]*job.Job, error) {
	if limit <= 0 {
		limit = 50
	}
	db := r.getDB(ctx)
	rows, err := db.QueryContext(ctx,
		`SELECT job_id, repo_root, stage, rel_paths, extra_args, created_at, status, run_id, pid, error
		 FROM jobs WHERE repo_root = ?
		 ORDER BY job_id DESC LIMIT ?`,
		repoRoot, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []*job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// ActiveJob returns the repository's starting or running job, or nil when
// no process is supposed to be alive. At most one job is ever in these
// states per repository, so the oldest match is the only match.
func (r *JobRepositoryImpl) ActiveJob(ctx context.Context, repoRoot string) (*job.Job, error) {
	db := r.getDB(ctx)
	row := db.QueryRowContext(ctx,
		`SELECT job_id, repo_root, stage, rel_paths, extra_args, created_at, status, run_id, pid, error
		 FROM jobs WHERE repo_root = ? AND status IN (?, ?)
		 ORDER BY job_id LIMIT 1`,
		repoRoot, string(job.StatusStarting), string(job.StatusRunning),
	)
	j, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("find active job: %w", err)
	}
	return j, nil
}

// HasActive reports whether any job for repoRoot is queued, starting or
// running.
func (r *JobRepositoryImpl) HasActive(ctx context.Context, repoRoot string) (bool, error) {
	db := r.getDB(ctx)
	var count int
	err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM jobs WHERE repo_root = ? AND status IN (?, ?, ?)`,
		repoRoot, string(job.StatusQueued), string(job.StatusStarting), string(job.StatusRunning),
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("count active jobs: %w", err)
	}
	return count > 0, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*job.Job, error) {
	var (
		j         job.Job
		stage     string
		relPaths  string
		extraArgs string
		status    string
		runID     sql.NullString
		pid       sql.NullInt64
		errMsg    sql.NullString
	)
	if err := row.Scan(&j.JobID, &j.RepoRoot, &stage, &relPaths, &extraArgs, &j.CreatedAt, &status, &runID, &pid, &errMsg); err != nil {
		return nil, err
	}
	j.Stage = task.Stage(stage)
	j.Status = job.Status(status)
	j.RunID = runID.String
	j.PID = int(pid.Int64)
	j.Error = errMsg.String
	if err := json.Unmarshal([]byte(relPaths), &j.RelPaths); err != nil {
		return nil, fmt.Errorf("parse rel_paths: %w", err)
	}
	if err := json.Unmarshal([]byte(extraArgs), &j.ExtraArgs); err != nil {
		return nil, fmt.Errorf("parse extra_args: %w", err)
	}
	return &j, nil
}
