package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/YoshitsuguKoike/deepatch/internal/domain/model/run"
	"github.com/YoshitsuguKoike/deepatch/internal/domain/model/task"
	"github.com/YoshitsuguKoike/deepatch/internal/infrastructure/transaction"
)

// ErrRunNotFound is returned when a run id has no snapshot.
var ErrRunNotFound = errors.New("run not found")

// RunRepositoryImpl mirrors run records into the studio database
type RunRepositoryImpl struct {
	db *sql.DB
}

// NewRunRepository creates a new SQLite-based run repository
func NewRunRepository(db *sql.DB) *RunRepositoryImpl {
	return &RunRepositoryImpl{db: db}
}

func (r *RunRepositoryImpl) getDB(ctx context.Context) dbExecutor {
	if tx, ok := transaction.GetTxFromContext(ctx); ok {
		return tx
	}
	return r.db
}

// Upsert writes a run snapshot. The file record is the source of truth, so
// a replayed snapshot simply replaces the row.
func (r *RunRepositoryImpl) Upsert(ctx context.Context, st *run.State) error {
	db := r.getDB(ctx)
	_, err := db.ExecContext(ctx,
		`INSERT OR REPLACE INTO runs
		 (run_id, repo_root, stage, status, pid, started_at, updated_at, ended_at, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		st.RunID, st.RepoRoot, string(st.Stage), string(st.Status), st.PID,
		st.StartedAt, st.UpdatedAt, st.EndedAt, st.Error,
	)
	if err != nil {
		return fmt.Errorf("upsert run %s: %w", st.RunID, err)
	}
	return nil
}

// Get returns one run snapshot by id.
func (r *RunRepositoryImpl) Get(ctx context.Context, runID string) (*run.State, error) {
	db := r.getDB(ctx)
	row := db.QueryRowContext(ctx,
		`SELECT run_id, repo_root, stage, status, pid, started_at, updated_at, ended_at, error
		 FROM runs WHERE run_id = ?`,
		runID,
	)
	st, err := scanRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRunNotFound
		}
		return nil, fmt.Errorf("get run %s: %w", runID, err)
	}
	return st, nil
}

// List returns run snapshots for a repository, newest first.
func (r *RunRepositoryImpl) List(ctx context.Context, repoRoot string, limit int) ([]*run.State, error) {
	if limit <= 0 {
		limit = 50
	}
	db := r.getDB(ctx)
	rows, err := db.QueryContext(ctx,
		`SELECT run_id, repo_root, stage, status, pid, started_at, updated_at, ended_at, error
		 FROM runs WHERE repo_root = ?
		 ORDER BY started_at DESC, run_id DESC LIMIT ?`,
		repoRoot, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []*run.State
	for rows.Next() {
		st, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func scanRun(row rowScanner) (*run.State, error) {
	var (
		st      run.State
		stage   string
		status  string
		pid     sql.NullInt64
		endedAt sql.NullString
		errMsg  sql.NullString
	)
	if err := row.Scan(&st.RunID, &st.RepoRoot, &stage, &status, &pid, &st.StartedAt, &st.UpdatedAt, &endedAt, &errMsg); err != nil {
		return nil, err
	}
	st.Stage = task.Stage(stage)
	st.Status = run.Status(status)
	st.PID = int(pid.Int64)
	st.EndedAt = endedAt.String
	st.Error = errMsg.String
	return &st, nil
}
