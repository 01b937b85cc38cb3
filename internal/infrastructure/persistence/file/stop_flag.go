package file

import (
	"strings"

	"github.com/spf13/afero"
)

// StopFlag is the cooperative stop signal. Any process (CLI, studio, a
// human with touch) may raise it; the runner checks it at every safe point
// and finishes the current file before exiting.
type StopFlag struct {
	fs afero.Fs
}

// NewStopFlag creates a flag handle over the given filesystem.
func NewStopFlag(fs afero.Fs) *StopFlag {
	return &StopFlag{fs: fs}
}

// Raise writes the flag file with an optional reason. Raising an already
// raised flag keeps the original reason.
func (f *StopFlag) Raise(path, reason string) error {
	if raised, _ := afero.Exists(f.fs, path); raised {
		return nil
	}
	return WriteFileAtomic(f.fs, path, []byte(strings.TrimSpace(reason)+"\n"))
}

// Raised reports whether the flag file exists.
func (f *StopFlag) Raised(path string) bool {
	ok, err := afero.Exists(f.fs, path)
	return err == nil && ok
}

// Reason returns the recorded reason, or "" when the flag is absent.
func (f *StopFlag) Reason(path string) string {
	data, err := afero.ReadFile(f.fs, path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// Clear removes the flag. Clearing an absent flag is not an error.
func (f *StopFlag) Clear(path string) error {
	err := f.fs.Remove(path)
	if err != nil {
		if ok, _ := afero.Exists(f.fs, path); !ok {
			return nil
		}
	}
	return err
}
