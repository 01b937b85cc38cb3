package app

import (
	"os"
	"path/filepath"
	"sort"

	"github.com/YoshitsuguKoike/deepatch/internal/domain/model/run"
)

// CacheDirName is the repo-local cache root. Nothing is ever written outside
// the target repository.
const CacheDirName = ".deepatch"

// RunPaths holds every resolved path for one run's state tree.
//
// Layout: <repo>/.deepatch/runs/<run_id>/
//
//	state/run.json            run record
//	state/tasks/<task>.json   per-file records
//	state/approvals/          approval requests + decisions
//	state/stop.flag           cooperative stop signal
//	state/symbols.sqlite      per-run symbol index cache
//	logs/events.jsonl         append-only structured event log
//	artifacts/<task>/         stage outputs and diagnostics
//	backups/<task>.before.go  pre-edit snapshots
//	work/                     scratch copies
type RunPaths struct {
	Root         string
	RunID        string
	RunDir       string
	StateDir     string
	TasksDir     string
	ApprovalsDir string
	LogsDir      string
	ArtifactsDir string
	BackupsDir   string
	WorkDir      string
}

// RunsDir returns the directory holding every run's state tree.
func RunsDir(repoRoot string) string {
	return filepath.Join(repoRoot, CacheDirName, "runs")
}

// StudioDBPath returns the shared per-repository queue/audit database.
func StudioDBPath(repoRoot string) string {
	return filepath.Join(repoRoot, CacheDirName, "studio.db")
}

// OverridesDir returns the user-editable prompt override directory.
func OverridesDir(repoRoot string) string {
	return filepath.Join(repoRoot, CacheDirName, "overrides")
}

// EnsureRunPaths resolves (and creates) the state tree for a run. An empty
// runID allocates a fresh one.
func EnsureRunPaths(repoRoot, runID string) (RunPaths, error) {
	if runID == "" {
		runID = run.NewID()
	}
	runDir := filepath.Join(RunsDir(repoRoot), runID)
	rp := RunPaths{
		Root:         repoRoot,
		RunID:        runID,
		RunDir:       runDir,
		StateDir:     filepath.Join(runDir, "state"),
		TasksDir:     filepath.Join(runDir, "state", "tasks"),
		ApprovalsDir: filepath.Join(runDir, "state", "approvals"),
		LogsDir:      filepath.Join(runDir, "logs"),
		ArtifactsDir: filepath.Join(runDir, "artifacts"),
		BackupsDir:   filepath.Join(runDir, "backups"),
		WorkDir:      filepath.Join(runDir, "work"),
	}
	for _, d := range []string{rp.StateDir, rp.TasksDir, rp.ApprovalsDir, rp.LogsDir, rp.ArtifactsDir, rp.BackupsDir, rp.WorkDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return RunPaths{}, err
		}
	}
	return rp, nil
}

// RunStatePath returns state/run.json for this run.
func (rp RunPaths) RunStatePath() string {
	return filepath.Join(rp.StateDir, "run.json")
}

// StopFlagPath returns the cooperative stop signal file.
func (rp RunPaths) StopFlagPath() string {
	return filepath.Join(rp.StateDir, "stop.flag")
}

// EventsPath returns the append-only event log.
func (rp RunPaths) EventsPath() string {
	return filepath.Join(rp.LogsDir, "events.jsonl")
}

// SymbolDBPath returns the per-run symbol index cache.
func (rp RunPaths) SymbolDBPath() string {
	return filepath.Join(rp.StateDir, "symbols.sqlite")
}

// TaskStatePath returns state/tasks/<taskID>.json.
func (rp RunPaths) TaskStatePath(taskID string) string {
	return filepath.Join(rp.TasksDir, taskID+".json")
}

// TaskArtifactsDir returns artifacts/<taskID>.
func (rp RunPaths) TaskArtifactsDir(taskID string) string {
	return filepath.Join(rp.ArtifactsDir, taskID)
}

// BackupPath returns the pre-edit snapshot path for a task.
func (rp RunPaths) BackupPath(taskID string) string {
	return filepath.Join(rp.BackupsDir, taskID+".before.go")
}

// WorkPath returns the scratch copy location for a relative file path.
func (rp RunPaths) WorkPath(relPath string) string {
	return filepath.Join(rp.WorkDir, filepath.FromSlash(relPath))
}

// LatestRunID returns the most recently started run under repoRoot, or ""
// when none exist. Runs with a state/run.json sort by that file's mtime.
func LatestRunID(repoRoot string) string {
	entries, err := os.ReadDir(RunsDir(repoRoot))
	if err != nil {
		return ""
	}
	type cand struct {
		id    string
		mtime int64
	}
	var cands []cand
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		p := filepath.Join(RunsDir(repoRoot), e.Name(), "state", "run.json")
		fi, err := os.Stat(p)
		if err != nil {
			if fi, err = os.Stat(filepath.Join(RunsDir(repoRoot), e.Name())); err != nil {
				continue
			}
		}
		cands = append(cands, cand{id: e.Name(), mtime: fi.ModTime().UnixNano()})
	}
	if len(cands) == 0 {
		return ""
	}
	sort.Slice(cands, func(i, j int) bool { return cands[i].mtime > cands[j].mtime })
	return cands[0].id
}
