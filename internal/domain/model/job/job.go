// Package job models a queued pipeline invocation owned by the studio queue.
package job

import "github.com/YoshitsuguKoike/deepatch/internal/domain/model/task"

// Status is the queue lifecycle of a job. A job is claimed at most once:
// queued -> starting -> running -> done|failed.
type Status string

const (
	StatusQueued   Status = "queued"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusDone     Status = "done"
	StatusFailed   Status = "failed"
)

// Job is one requested pipeline invocation.
type Job struct {
	JobID     int64      `json:"job_id"`
	RepoRoot  string     `json:"repo_root"`
	Stage     task.Stage `json:"stage"`
	RelPaths  []string   `json:"rel_paths,omitempty"`
	ExtraArgs []string   `json:"extra_args,omitempty"`
	CreatedAt string     `json:"created_at"`
	Status    Status     `json:"status"`
	RunID     string     `json:"run_id,omitempty"`
	PID       int        `json:"pid,omitempty"`
	Error     string     `json:"error,omitempty"`
}
