// Package linttool shells out to a configurable lint/format tool. The
// defaults run gofmt; any command taking file paths as trailing arguments
// works.
package linttool

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// LintFailure reports a failed check with the tool's combined output.
type LintFailure struct {
	Path   string
	Output string
}

func (e *LintFailure) Error() string {
	return fmt.Sprintf("lint check failed for %s: %s", e.Path, strings.TrimSpace(e.Output))
}

// Tool runs the configured check and fix commands.
type Tool struct {
	CheckCmd []string
	FixCmd   []string
	Timeout  time.Duration
}

// New creates a tool. Empty command slices fall back to gofmt.
func New(checkCmd, fixCmd []string, timeout time.Duration) *Tool {
	if len(checkCmd) == 0 {
		checkCmd = []string{"gofmt", "-l"}
	}
	if len(fixCmd) == 0 {
		fixCmd = []string{"gofmt", "-w"}
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Tool{CheckCmd: checkCmd, FixCmd: fixCmd, Timeout: timeout}
}

// Check runs the check command against one file. A non-zero exit, or any
// output from a gofmt -l style lister, is a LintFailure. A missing tool
// binary is an error of its own kind so callers can degrade gracefully.
func (t *Tool) Check(ctx context.Context, path string) error {
	out, err := t.run(ctx, t.CheckCmd, path)
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return &LintFailure{Path: path, Output: out}
		}
		return fmt.Errorf("lint tool %s unavailable: %w", t.CheckCmd[0], err)
	}
	// gofmt -l exits 0 and lists nonconforming files on stdout
	if isListingCmd(t.CheckCmd) && strings.TrimSpace(out) != "" {
		return &LintFailure{Path: path, Output: "file is not gofmt-formatted"}
	}
	return nil
}

// Fix runs the fix command against one file.
func (t *Tool) Fix(ctx context.Context, path string) error {
	out, err := t.run(ctx, t.FixCmd, path)
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return &LintFailure{Path: path, Output: out}
		}
		return fmt.Errorf("lint tool %s unavailable: %w", t.FixCmd[0], err)
	}
	return nil
}

func (t *Tool) run(ctx context.Context, cmdline []string, path string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, t.Timeout)
	defer cancel()

	args := append(append([]string{}, cmdline[1:]...), path)
	cmd := exec.CommandContext(ctx, cmdline[0], args...)
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	err := cmd.Run()
	return buf.String(), err
}

func isListingCmd(cmdline []string) bool {
	for _, arg := range cmdline[1:] {
		if arg == "-l" {
			return true
		}
	}
	return false
}
