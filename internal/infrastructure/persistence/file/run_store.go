package file

import (
	"encoding/json"
	"fmt"
	"os"
	"syscall"

	"github.com/spf13/afero"

	"github.com/YoshitsuguKoike/deepatch/internal/domain/model/run"
)

// RunStore persists the run record (state/run.json). The record is the
// single source of truth for a run's lifecycle; every save goes through the
// atomic writer so daemons and CLI readers never observe a torn record.
type RunStore struct {
	fs afero.Fs

	// alive probes whether a pid has a live process behind it. Overridable
	// in tests.
	alive func(pid int) bool
}

// NewRunStore creates a store over the given filesystem.
func NewRunStore(fs afero.Fs) *RunStore {
	return &RunStore{fs: fs, alive: pidAlive}
}

// Save writes the run record atomically.
func (s *RunStore) Save(path string, st *run.State) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal run state: %w", err)
	}
	return WriteFileAtomic(s.fs, path, append(data, '\n'))
}

// Load reads the run record.
func (s *RunStore) Load(path string) (*run.State, error) {
	data, err := afero.ReadFile(s.fs, path)
	if err != nil {
		return nil, fmt.Errorf("failed to read run state: %w", err)
	}
	var st run.State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("failed to parse run state %s: %w", path, err)
	}
	return &st, nil
}

// Transition loads the record, applies a status change and saves it. The
// terminal-once rule lives in the model; a record already terminal is
// returned unchanged.
func (s *RunStore) Transition(path string, status run.Status) (*run.State, error) {
	st, err := s.Load(path)
	if err != nil {
		return nil, err
	}
	if !st.Transition(status) {
		return st, nil
	}
	if err := s.Save(path, st); err != nil {
		return nil, err
	}
	return st, nil
}

// MarkFailedIfPIDGone finalizes a run whose owning process died without
// writing a terminal status. It reports whether the record was changed.
// Records that are terminal, have no recorded pid, or whose pid is still
// alive are left alone.
func (s *RunStore) MarkFailedIfPIDGone(path string) (bool, error) {
	st, err := s.Load(path)
	if err != nil {
		return false, err
	}
	if run.Terminal(st.Status) || st.PID <= 0 || s.alive(st.PID) {
		return false, nil
	}
	st.Error = fmt.Sprintf("process %d exited without finalizing the run", st.PID)
	st.Transition(run.StatusFailed)
	if err := s.Save(path, st); err != nil {
		return false, err
	}
	return true, nil
}

// pidAlive sends signal 0 to probe for a live process.
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
