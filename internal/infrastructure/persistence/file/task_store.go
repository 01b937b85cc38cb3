package file

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/afero"

	"github.com/YoshitsuguKoike/deepatch/internal/domain/model/task"
)

// TaskStore persists per-file pipeline records under state/tasks/. One JSON
// file per task id, written atomically after every stage.
type TaskStore struct {
	fs afero.Fs
}

// NewTaskStore creates a store over the given filesystem.
func NewTaskStore(fs afero.Fs) *TaskStore {
	return &TaskStore{fs: fs}
}

// Save writes a task record atomically.
func (s *TaskStore) Save(path string, st *task.State) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal task state: %w", err)
	}
	return WriteFileAtomic(s.fs, path, append(data, '\n'))
}

// Load reads a task record.
func (s *TaskStore) Load(path string) (*task.State, error) {
	data, err := afero.ReadFile(s.fs, path)
	if err != nil {
		return nil, fmt.Errorf("failed to read task state: %w", err)
	}
	var st task.State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("failed to parse task state %s: %w", path, err)
	}
	if st.Checkpoints == nil {
		st.Checkpoints = map[string]task.Checkpoint{}
	}
	return &st, nil
}

// LoadOrNew reads a task record, creating a fresh pending record for relPath
// when none exists yet.
func (s *TaskStore) LoadOrNew(path, relPath string) (*task.State, error) {
	st, err := s.Load(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return task.NewState(relPath), nil
		}
		return nil, err
	}
	return st, nil
}

// List reads every task record under tasksDir, sorted by relative path for
// stable iteration order.
func (s *TaskStore) List(tasksDir string) ([]*task.State, error) {
	entries, err := afero.ReadDir(s.fs, tasksDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list task states: %w", err)
	}
	var out []*task.State
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		st, err := s.Load(filepath.Join(tasksDir, e.Name()))
		if err != nil {
			// A torn or foreign file must not take down status reporting
			continue
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RelativePath < out[j].RelativePath })
	return out, nil
}
