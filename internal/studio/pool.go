// Package studio hosts the job queue daemon: a worker pool that claims
// queued jobs, spawns detached pipeline processes, observes their liveness,
// and mirrors file state into the shared per-repository database. An HTTP
// control surface sits on top.
package studio

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"syscall"
	"time"

	"github.com/YoshitsuguKoike/deepatch/internal/app"
	"github.com/YoshitsuguKoike/deepatch/internal/domain/model/job"
	"github.com/YoshitsuguKoike/deepatch/internal/infrastructure/persistence/sqlite"
	"github.com/YoshitsuguKoike/deepatch/internal/infrastructure/transaction"
)

// DefaultPollInterval is how often a worker re-examines its repository's
// queue and the liveness of the running job.
const DefaultPollInterval = 2 * time.Second

// Spawner launches one detached pipeline process and returns its pid.
// Injectable so tests never fork.
type Spawner interface {
	Spawn(j *job.Job, runID string) (int, error)
}

// Handles bundles one repository's database and its repositories.
type Handles struct {
	DB        *sql.DB
	Txm       *transaction.Manager
	Jobs      *sqlite.JobRepositoryImpl
	Runs      *sqlite.RunRepositoryImpl
	Events    *sqlite.EventRepositoryImpl
	Approvals *sqlite.ApprovalRepositoryImpl
}

func openHandles(repoRoot string) (*Handles, error) {
	db, err := sqlite.Open(app.StudioDBPath(repoRoot))
	if err != nil {
		return nil, fmt.Errorf("open studio db for %s: %w", repoRoot, err)
	}
	return &Handles{
		DB:        db,
		Txm:       transaction.NewManager(db),
		Jobs:      sqlite.NewJobRepository(db),
		Runs:      sqlite.NewRunRepository(db),
		Events:    sqlite.NewEventRepository(db),
		Approvals: sqlite.NewApprovalRepository(db),
	}, nil
}

// Pool owns one worker per repository root. Workers are started explicitly
// and torn down together by Shutdown.
type Pool struct {
	mu      sync.Mutex
	workers map[string]*worker

	Interval time.Duration
	Spawn    Spawner
	Log      app.Logger
	// Alive reports process liveness; injectable for tests
	Alive func(pid int) bool
}

// NewPool creates an empty pool. spawn may be nil when the pool is used
// only for its handles (status-only servers).
func NewPool(spawn Spawner, log app.Logger) *Pool {
	if log == nil {
		log = app.NewStderrLogger(app.LevelInfo)
	}
	return &Pool{
		workers:  map[string]*worker{},
		Interval: DefaultPollInterval,
		Spawn:    spawn,
		Log:      log,
		Alive:    pidAlive,
	}
}

// Start opens the repository's database and begins its worker loop.
// Starting an already-started root is a no-op.
func (p *Pool) Start(repoRoot string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.workers[repoRoot]; ok {
		return nil
	}
	h, err := openHandles(repoRoot)
	if err != nil {
		return err
	}
	w := newWorker(repoRoot, h, p)
	p.workers[repoRoot] = w
	w.start()
	p.Log.Info("worker started for %s", repoRoot)
	return nil
}

// Handles returns the database handles for a started root.
func (p *Pool) Handles(repoRoot string) (*Handles, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	w, ok := p.workers[repoRoot]
	if !ok {
		return nil, false
	}
	return w.h, true
}

// Tick runs one worker iteration synchronously. Tests drive the pool with
// this instead of waiting out the poll interval.
func (p *Pool) Tick(ctx context.Context, repoRoot string) error {
	p.mu.Lock()
	w, ok := p.workers[repoRoot]
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("no worker for %s", repoRoot)
	}
	return w.tick(ctx)
}

// Shutdown stops every worker and closes their databases.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	workers := p.workers
	p.workers = map[string]*worker{}
	p.mu.Unlock()

	for root, w := range workers {
		w.stopWorker()
		if err := w.h.DB.Close(); err != nil {
			p.Log.Warn("closing db for %s: %v", root, err)
		}
	}
}

// pidAlive probes a process with signal 0.
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return syscall.Kill(pid, 0) == nil
}
