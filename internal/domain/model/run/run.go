// Package run models a single pipeline invocation and its persisted state.
package run

import (
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/YoshitsuguKoike/deepatch/internal/domain/model/task"
)

// Status is the lifecycle state of a run. A run reaches a terminal status
// exactly once; EndedAt is set on the first terminal transition and never
// overwritten.
type Status string

const (
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusStopping Status = "stopping"
	StatusDone     Status = "done"
	StatusFailed   Status = "failed"
	StatusStopped  Status = "stopped"
)

// Terminal reports whether s is a final status.
func Terminal(s Status) bool {
	switch s {
	case StatusDone, StatusFailed, StatusStopped:
		return true
	}
	return false
}

// Active reports whether the run should have a live process behind it.
func Active(s Status) bool {
	switch s {
	case StatusStarting, StatusRunning, StatusStopping:
		return true
	}
	return false
}

// State is the persisted run record (state/run.json).
type State struct {
	RunID     string     `json:"run_id"`
	RepoRoot  string     `json:"repo_root"`
	Stage     task.Stage `json:"stage"`
	Status    Status     `json:"status"`
	PID       int        `json:"pid,omitempty"`
	Pack      string     `json:"pack,omitempty"`
	Profile   string     `json:"profile,omitempty"`
	StartedAt string     `json:"started_at"`
	UpdatedAt string     `json:"updated_at"`
	EndedAt   string     `json:"ended_at,omitempty"`
	Error     string     `json:"error,omitempty"`
}

// NewID allocates a fresh run identifier.
func NewID() string {
	entropy := ulid.Monotonic(rand.Reader, 0)
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// NowISO is the canonical timestamp format for persisted state.
func NowISO() string {
	return time.Now().UTC().Format("2006-01-02T15:04:05Z")
}

// Transition merges a status change into the state, stamping UpdatedAt and,
// on the first terminal status, EndedAt. A state already terminal keeps its
// original terminal status and end time.
func (s *State) Transition(status Status) bool {
	if Terminal(s.Status) {
		return false
	}
	s.Status = status
	s.UpdatedAt = NowISO()
	if Terminal(status) && s.EndedAt == "" {
		s.EndedAt = s.UpdatedAt
	}
	return true
}
