// Package runner drives the per-file modification pipeline: plan, review,
// target selection, gated symbol edits with approvals, and repair. One
// Runner owns one run's state tree.
package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/afero"

	"github.com/YoshitsuguKoike/deepatch/internal/app"
	"github.com/YoshitsuguKoike/deepatch/internal/domain/model/run"
	"github.com/YoshitsuguKoike/deepatch/internal/domain/model/symbol"
	"github.com/YoshitsuguKoike/deepatch/internal/domain/model/task"
	"github.com/YoshitsuguKoike/deepatch/internal/infrastructure/config"
	"github.com/YoshitsuguKoike/deepatch/internal/infrastructure/persistence/file"
	"github.com/YoshitsuguKoike/deepatch/internal/infrastructure/persistence/sqlite"
	"github.com/YoshitsuguKoike/deepatch/internal/prompt"
)

// Model is the chat surface the pipeline calls.
type Model interface {
	Chat(ctx context.Context, system, user string) (string, error)
}

const systemPrompt = "You are a careful Go engineer. You improve one file at a time, " +
	"make minimal focused changes, and answer in exactly the format each request asks for."

// ErrTerminated is returned when the third-interrupt protocol fired while
// the exit hook was suppressed (tests); in production the process has
// already exited 130.
var ErrTerminated = errors.New("terminated by interrupt")

// Runner executes pipeline stages for one run.
type Runner struct {
	Cfg      *config.Config
	Paths    app.RunPaths
	RepoRoot string

	Model   Model
	Lint    Linter
	Prompts *prompt.Loader

	Events *app.EventLogger
	Log    app.Logger

	Tasks     *file.TaskStore
	Runs      *file.RunStore
	Approvals *file.ApprovalStore
	Flag      *file.StopFlag
	Index     *sqlite.IndexStore

	Interrupts *Interrupts
}

// New wires a runner over the OS filesystem. The symbol index cache is
// optional and opened lazily by callers that want it.
func New(cfg *config.Config, paths app.RunPaths, repoRoot string, model Model, lint Linter) (*Runner, error) {
	prompts, err := prompt.NewLoader(app.OverridesDir(repoRoot))
	if err != nil {
		return nil, err
	}
	fs := afero.NewOsFs()
	approvals := file.NewApprovalStore(fs)
	approvals.PollInterval = time.Duration(cfg.PollIntervalMillis) * time.Millisecond

	return &Runner{
		Cfg:        cfg,
		Paths:      paths,
		RepoRoot:   repoRoot,
		Model:      model,
		Lint:       lint,
		Prompts:    prompts,
		Events:     app.NewEventLogger(paths.EventsPath(), app.LevelInfo),
		Log:        app.NewStderrLogger(app.Level(cfg.StderrLevel)),
		Tasks:      file.NewTaskStore(fs),
		Runs:       file.NewRunStore(fs),
		Approvals:  approvals,
		Flag:       file.NewStopFlag(fs),
		Interrupts: NewInterrupts(nil, nil, nil),
	}, nil
}

// fileTask bundles everything the stages need for one file.
type fileTask struct {
	rel     string
	taskID  string
	absPath string
	scratch string
	artDir  string
	st      *task.State
}

// Run executes one stage (or the full loop) over the given files, then
// finalizes the run record. Individual file errors are recorded on the task
// and do not abort the other files; a stop or termination does.
func (r *Runner) Run(ctx context.Context, stage task.Stage, relPaths []string) error {
	st, err := r.Runs.Load(r.Paths.RunStatePath())
	if err != nil {
		return err
	}
	st.Stage = stage
	st.PID = os.Getpid()
	st.Transition(run.StatusRunning)
	if err := r.Runs.Save(r.Paths.RunStatePath(), st); err != nil {
		return err
	}
	r.Events.Info("run_started", app.Fields{"run_id": st.RunID, "stage": string(stage), "files": len(relPaths)})

	final := run.StatusDone
	var runErr error
	for _, rel := range relPaths {
		if r.Flag.Raised(r.Paths.StopFlagPath()) {
			r.Events.Info("run_stopped", app.Fields{"reason": r.Flag.Reason(r.Paths.StopFlagPath())})
			final = run.StatusStopped
			break
		}
		err := r.runFile(ctx, stage, rel)
		switch {
		case err == nil:
		case errors.Is(err, file.ErrStopRequested):
			final = run.StatusStopped
		case errors.Is(err, ErrTerminated), errors.Is(err, context.Canceled):
			final = run.StatusStopped
			runErr = err
		default:
			r.Log.Error("file %s failed: %v", rel, err)
			r.Events.Error("file_failed", app.Fields{"rel_path": rel, "error": err.Error()})
		}
		if final == run.StatusStopped {
			break
		}
	}

	if _, err := r.Runs.Transition(r.Paths.RunStatePath(), final); err != nil {
		return err
	}
	r.Events.Info("run_finished", app.Fields{"status": string(final)})
	return runErr
}

// runFile dispatches one file through the requested stage.
func (r *Runner) runFile(ctx context.Context, stage task.Stage, rel string) error {
	ft, err := r.openTask(rel)
	if err != nil {
		return err
	}

	defer func() {
		if saveErr := r.Tasks.Save(r.Paths.TaskStatePath(ft.taskID), ft.st); saveErr != nil {
			r.Log.Error("failed to save task state for %s: %v", rel, saveErr)
		}
	}()

	if note := r.Interrupts.TakeNote(); note != "" {
		ft.st.AddHumanNote(note)
	}

	var stageErr error
	switch stage {
	case task.StagePlan:
		stageErr = r.stagePlan(ctx, ft)
	case task.StageReview:
		stageErr = r.stageReview(ctx, ft)
	case task.StageSelect:
		stageErr = r.stageSelect(ctx, ft)
	case task.StageEdit:
		stageErr = r.stageEdit(ctx, ft)
	case task.StageRepair:
		stageErr = r.stageRepair(ctx, ft)
	case task.StageRun:
		stageErr = r.runLoop(ctx, ft)
	default:
		return fmt.Errorf("unknown stage %q", stage)
	}

	if stageErr != nil && !errors.Is(stageErr, file.ErrStopRequested) && !errors.Is(stageErr, ErrTerminated) {
		ft.st.LastError = stageErr.Error()
	}
	return stageErr
}

// runLoop is the full pipeline: up to MaxPasses passes, exiting the moment
// a review labels the file well-formed.
func (r *Runner) runLoop(ctx context.Context, ft *fileTask) error {
	current, err := os.ReadFile(ft.absPath)
	if err != nil {
		return fmt.Errorf("read %s: %w", ft.rel, err)
	}
	if ft.st.Complete(task.HashBytes(current)) {
		ft.st.Status = task.StatusComplete
		r.Events.Info("file_skipped", app.Fields{"rel_path": ft.rel, "reason": "well-formed and unchanged"})
		return nil
	}

	for pass := 0; pass < r.Cfg.MaxPasses; pass++ {
		if r.Flag.Raised(r.Paths.StopFlagPath()) {
			return file.ErrStopRequested
		}
		if r.Interrupts.TakeSkip() {
			ft.st.Status = task.StatusSkipped
			r.Events.Info("file_skipped", app.Fields{"rel_path": ft.rel, "reason": "operator interrupt"})
			return nil
		}

		if err := r.stagePlan(ctx, ft); err != nil {
			return err
		}
		if err := r.stageReview(ctx, ft); err != nil {
			return err
		}
		if ft.st.Label == task.LabelWellFormed {
			content, err := os.ReadFile(ft.scratch)
			if err != nil {
				content, err = os.ReadFile(ft.absPath)
				if err != nil {
					return err
				}
			}
			ft.st.FileHashAtLastSave = task.HashBytes(content)
			ft.st.Status = task.StatusComplete
			r.Events.Info("file_complete", app.Fields{"rel_path": ft.rel, "passes": ft.st.PassCount})
			return nil
		}

		if err := r.stageSelect(ctx, ft); err != nil {
			return err
		}
		if err := r.stageEdit(ctx, ft); err != nil {
			return err
		}

		// The next pass reviews the edited file from scratch
		ft.st.ClearCheckpoint(task.StageReview)
		ft.st.ClearCheckpoint(task.StageSelect)
		ft.st.PassCount++
	}

	ft.st.Status = task.StatusIncomplete
	r.Events.Warn("file_incomplete", app.Fields{"rel_path": ft.rel, "passes": ft.st.PassCount})
	return nil
}

// openTask loads (or creates) the task record and prepares the scratch copy
// and backup snapshot.
func (r *Runner) openTask(rel string) (*fileTask, error) {
	taskID := task.ID(rel)
	st, err := r.Tasks.LoadOrNew(r.Paths.TaskStatePath(taskID), rel)
	if err != nil {
		return nil, err
	}

	ft := &fileTask{
		rel:     rel,
		taskID:  taskID,
		absPath: filepath.Join(r.RepoRoot, filepath.FromSlash(rel)),
		scratch: r.Paths.WorkPath(rel),
		artDir:  r.Paths.TaskArtifactsDir(taskID),
		st:      st,
	}

	content, err := os.ReadFile(ft.absPath)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", rel, err)
	}
	if err := os.MkdirAll(ft.artDir, 0o755); err != nil {
		return nil, err
	}

	// Backup once per task, before anything touches the file
	backup := r.Paths.BackupPath(taskID)
	if _, err := os.Stat(backup); os.IsNotExist(err) {
		if err := writeFile(backup, content); err != nil {
			return nil, err
		}
	}
	// Scratch copy; edits are gated there and applied only on approval
	if _, err := os.Stat(ft.scratch); os.IsNotExist(err) {
		if err := writeFile(ft.scratch, content); err != nil {
			return nil, err
		}
	}

	if ft.st.Status == task.StatusPending {
		ft.st.Status = task.StatusInProgress
	}
	return ft, nil
}

// scratchContent reads the gated working copy.
func (ft *fileTask) scratchContent() ([]byte, error) {
	return os.ReadFile(ft.scratch)
}

// indexScratch extracts (and caches, when an index is open) the scratch
// copy's symbols.
func (r *Runner) indexScratch(ctx context.Context, ft *fileTask) ([]symbol.Symbol, []byte, error) {
	content, err := ft.scratchContent()
	if err != nil {
		return nil, nil, err
	}
	syms, err := symbol.Extract(content)
	if err != nil {
		return nil, content, err
	}
	if r.Index != nil {
		hash := task.HashBytes(content)
		if cached, ok, _ := r.Index.FileHash(ctx, ft.rel); !ok || cached != hash {
			if err := r.Index.ReplaceFile(ctx, ft.rel, hash, run.NowISO(), syms); err != nil {
				r.Log.Warn("symbol index update failed for %s: %v", ft.rel, err)
			}
		}
	}
	return syms, content, nil
}

func writeFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
