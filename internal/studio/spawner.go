package studio

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"

	"github.com/YoshitsuguKoike/deepatch/internal/app"
	"github.com/YoshitsuguKoike/deepatch/internal/domain/model/job"
)

// ExecSpawner launches the pipeline binary itself as a detached process.
// The child owns its session so daemon restarts never take a run down.
type ExecSpawner struct {
	// Binary overrides the executable path; empty means self
	Binary string
}

func (s *ExecSpawner) Spawn(j *job.Job, runID string) (int, error) {
	bin := s.Binary
	if bin == "" {
		self, err := os.Executable()
		if err != nil {
			return 0, fmt.Errorf("resolve executable: %w", err)
		}
		bin = self
	}

	args := []string{string(j.Stage), "--root", j.RepoRoot, "--run-id", runID}
	args = append(args, j.ExtraArgs...)
	args = append(args, j.RelPaths...)

	paths, err := app.EnsureRunPaths(j.RepoRoot, runID)
	if err != nil {
		return 0, err
	}
	logFile, err := os.OpenFile(filepath.Join(paths.LogsDir, "process.log"),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return 0, err
	}
	defer logFile.Close()

	cmd := exec.Command(bin, args...)
	cmd.Dir = j.RepoRoot
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("spawn %s: %w", j.Stage, err)
	}
	pid := cmd.Process.Pid
	if err := cmd.Process.Release(); err != nil {
		return pid, err
	}
	return pid, nil
}
