package runner

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/YoshitsuguKoike/deepatch/internal/domain/model/patch"
	"github.com/YoshitsuguKoike/deepatch/internal/domain/model/symbol"
	"github.com/YoshitsuguKoike/deepatch/internal/interface/external/linttool"
)

// Linter is the external check/fix tool surface the gate needs.
type Linter interface {
	Check(ctx context.Context, path string) error
	Fix(ctx context.Context, path string) error
}

// GateFailure describes why a candidate was rejected, with the raw tool or
// parser output for artifacts and repair prompts.
type GateFailure struct {
	Stage  string // "patch", "syntax" or "lint"
	Output string
}

func (e *GateFailure) Error() string {
	return fmt.Sprintf("%s gate failed: %s", e.Stage, strings.TrimSpace(e.Output))
}

// applyCandidate splices newCode over qualifiedName in content and runs the
// syntax gate on the result. Pure; the lint gate runs separately because it
// needs a real file.
func applyCandidate(content []byte, qualifiedName, newCode string) ([]byte, error) {
	patched, err := patch.ReplaceSymbol(content, qualifiedName, newCode)
	if err != nil {
		return nil, &GateFailure{Stage: "patch", Output: err.Error()}
	}
	if _, err := symbol.Extract(patched); err != nil {
		return nil, &GateFailure{Stage: "syntax", Output: err.Error()}
	}
	return patched, nil
}

// gateCandidate tries newCode as-is, then once more after heuristic
// normalization when the splice or parse fails. It returns the accepted
// patched content and the code that produced it.
func gateCandidate(content []byte, qualifiedName, newCode string) ([]byte, string, error) {
	patched, err := applyCandidate(content, qualifiedName, newCode)
	if err == nil {
		return patched, newCode, nil
	}

	normalized := Normalize(newCode)
	if normalized == newCode {
		return nil, "", err
	}
	patched, err2 := applyCandidate(content, qualifiedName, normalized)
	if err2 != nil {
		// Report the original failure, not the normalized one
		return nil, "", err
	}
	return patched, normalized, nil
}

// lintGate writes nothing itself; the caller persists content to scratchPath
// first. A failed check gets one safe auto-fix attempt, then a re-check. A
// missing lint binary passes the gate with a warning left to the caller.
func lintGate(ctx context.Context, lint Linter, scratchPath string) error {
	if lint == nil {
		return nil
	}
	err := lint.Check(ctx, scratchPath)
	if err == nil {
		return nil
	}
	if !isLintFailure(err) {
		// Tool unavailable; the syntax gate already passed
		return nil
	}
	if fixErr := lint.Fix(ctx, scratchPath); fixErr != nil {
		return &GateFailure{Stage: "lint", Output: err.Error()}
	}
	if err := lint.Check(ctx, scratchPath); err != nil {
		return &GateFailure{Stage: "lint", Output: err.Error()}
	}
	return nil
}

func isLintFailure(err error) bool {
	var lf *linttool.LintFailure
	return errors.As(err, &lf)
}

// Normalize applies the heuristic cleanup pass to model output: trailing
// whitespace trimmed per line, tabs expanded to 4 spaces, smart quotes
// replaced with ASCII quotes.
func Normalize(code string) string {
	replacer := strings.NewReplacer(
		"“", `"`, // left double quote
		"”", `"`, // right double quote
		"‘", "'", // left single quote
		"’", "'", // right single quote
		"\t", "    ",
	)
	lines := strings.Split(code, "\n")
	for i, ln := range lines {
		lines[i] = strings.TrimRight(replacer.Replace(ln), " \t")
	}
	return strings.Join(lines, "\n")
}
