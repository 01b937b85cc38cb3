package runner

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/YoshitsuguKoike/deepatch/internal/app"
	"github.com/YoshitsuguKoike/deepatch/internal/domain/model/symbol"
	"github.com/YoshitsuguKoike/deepatch/internal/prompt"
)

// proposedFullFileName is the artifact left behind when gating gives up on
// a symbol; a human can apply or discard it. The first proposal for a task
// wins; later failures never overwrite it.
const proposedFullFileName = "proposed_full_file.go"

// repairCandidate runs the gate pipeline on a candidate edit, spending up to
// MicroRepairRounds model round-trips on failures. It returns the accepted
// whole-file content and the code that survived the gates. On exhaustion it
// records a full-file proposal and returns the last gate failure; the
// scratch copy is never touched on a failing path.
func (r *Runner) repairCandidate(ctx context.Context, ft *fileTask, qname string, content []byte, code string) ([]byte, string, error) {
	var lastErr error
	for round := 0; ; round++ {
		patched, accepted, err := gateCandidate(content, qname, code)
		if err == nil {
			patched, err = r.lintCandidate(ctx, ft, patched)
			if err == nil {
				// The lint fix step may have rewritten the file; the
				// approval diff must show the bytes that will land.
				return patched, gatedSymbolText(patched, qname, accepted), nil
			}
		}
		lastErr = err
		r.artifact(ft, fmt.Sprintf("gate_failure_%s_round%d.txt", qname, round), err.Error())
		r.Events.Warn("gate_failed", app.Fields{
			"rel_path": ft.rel, "qname": qname, "round": round, "error": err.Error(),
		})

		if round >= r.Cfg.MicroRepairRounds {
			break
		}
		resp, chatErr := r.chat(ctx, ft, prompt.Repair, map[string]string{
			"rel_path": ft.rel,
			"qname":    qname,
			"proposed": code,
			"failure":  err.Error(),
		})
		if chatErr != nil {
			return nil, "", chatErr
		}
		next, ok := ExtractCodeBlock(resp)
		if !ok || next == code {
			// The model has nothing new to offer; more rounds cannot help
			break
		}
		code = next
	}

	failure := ""
	if lastErr != nil {
		failure = lastErr.Error()
	}
	if _, propErr := r.fullFileProposal(ctx, ft, qname, content, failure); propErr != nil {
		r.Log.Warn("full-file proposal for %s failed: %v", ft.rel, propErr)
	}
	return nil, "", lastErr
}

// gatedSymbolText re-slices a symbol out of the gated file content, so
// post-gate rewrites show up in what gets proposed for approval.
func gatedSymbolText(content []byte, qname, fallback string) string {
	syms, err := symbol.Extract(content)
	if err != nil {
		return fallback
	}
	sym, ok := symbol.Locate(syms, qname)
	if !ok {
		return fallback
	}
	return symbolText(content, sym)
}

// lintCandidate writes patched content to a side file, runs the lint gate
// (which may auto-fix in place), and reads back whatever the tool left.
func (r *Runner) lintCandidate(ctx context.Context, ft *fileTask, patched []byte) ([]byte, error) {
	candidate := ft.scratch + ".candidate"
	if err := writeFile(candidate, patched); err != nil {
		return nil, err
	}
	defer os.Remove(candidate)

	if err := lintGate(ctx, r.Lint, candidate); err != nil {
		return nil, err
	}
	fixed, err := os.ReadFile(candidate)
	if err != nil {
		return nil, err
	}
	return fixed, nil
}

// fullFileProposal asks the model for a complete replacement file, keeps it
// as an artifact for human review, and returns it when it at least parses.
func (r *Runner) fullFileProposal(ctx context.Context, ft *fileTask, qname string, content []byte, failure string) ([]byte, error) {
	resp, err := r.chat(ctx, ft, prompt.FullFile, map[string]string{
		"rel_path": ft.rel,
		"qname":    qname,
		"source":   string(content),
		"failure":  failure,
	})
	if err != nil {
		return nil, err
	}
	code, ok := ExtractCodeBlock(resp)
	if !ok {
		return nil, fmt.Errorf("full-file proposal for %s contained no code", ft.rel)
	}

	propPath := filepath.Join(ft.artDir, proposedFullFileName)
	if _, statErr := os.Stat(propPath); os.IsNotExist(statErr) {
		if err := writeFile(propPath, []byte(code)); err != nil {
			return nil, err
		}
		r.Events.Info("full_file_proposed", app.Fields{"rel_path": ft.rel, "artifact": proposedFullFileName})
	}

	if _, err := symbol.Extract([]byte(code)); err != nil {
		return nil, fmt.Errorf("full-file proposal for %s does not parse: %w", ft.rel, err)
	}
	return []byte(code), nil
}
