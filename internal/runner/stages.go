package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/YoshitsuguKoike/deepatch/internal/app"
	"github.com/YoshitsuguKoike/deepatch/internal/domain/model/approval"
	"github.com/YoshitsuguKoike/deepatch/internal/domain/model/run"
	"github.com/YoshitsuguKoike/deepatch/internal/domain/model/symbol"
	"github.com/YoshitsuguKoike/deepatch/internal/domain/model/task"
	"github.com/YoshitsuguKoike/deepatch/internal/infrastructure/persistence/file"
	"github.com/YoshitsuguKoike/deepatch/internal/prompt"
)

// chat renders a prompt and calls the model. The raw response is always
// persisted as an artifact before any parsing happens.
func (r *Runner) chat(ctx context.Context, ft *fileTask, name prompt.Name, vars map[string]string) (string, error) {
	tmpl, err := r.Prompts.Get(name)
	if err != nil {
		return "", err
	}
	resp, err := r.Model.Chat(ctx, systemPrompt, prompt.Render(tmpl, vars))
	if err != nil {
		r.Events.Error("model_failed", app.Fields{"rel_path": ft.rel, "prompt": string(name), "error": err.Error()})
		return "", fmt.Errorf("model call for %s: %w", name, err)
	}
	r.artifact(ft, string(name)+"_raw.txt", resp)
	return resp, nil
}

func (r *Runner) artifact(ft *fileTask, name, content string) {
	if err := writeFile(filepath.Join(ft.artDir, name), []byte(content)); err != nil {
		r.Log.Warn("failed to write artifact %s: %v", name, err)
	}
}

func (r *Runner) readArtifact(ft *fileTask, name string) (string, bool) {
	data, err := os.ReadFile(filepath.Join(ft.artDir, name))
	if err != nil {
		return "", false
	}
	return string(data), true
}

// stagePlan produces plan.md once per task (until its checkpoint is
// cleared).
func (r *Runner) stagePlan(ctx context.Context, ft *fileTask) error {
	if ft.st.Checkpoint(task.StagePlan).State == task.CheckpointDone {
		return nil
	}
	content, err := ft.scratchContent()
	if err != nil {
		return err
	}
	resp, err := r.chat(ctx, ft, prompt.Plan, map[string]string{
		"rel_path": ft.rel,
		"source":   string(content),
		"notes":    r.notesBlock(ft),
	})
	if err != nil {
		ft.st.Status = task.StatusNeedsHuman
		return err
	}
	r.artifact(ft, "plan.md", resp)
	ft.st.MarkCheckpoint(task.StagePlan, 0)
	ft.st.Status = task.StatusPlanned
	r.Events.Info("planned", app.Fields{"rel_path": ft.rel})
	return nil
}

// stageReview produces review.md and extracts the label.
func (r *Runner) stageReview(ctx context.Context, ft *fileTask) error {
	if ft.st.Checkpoint(task.StageReview).State == task.CheckpointDone {
		return nil
	}
	content, err := ft.scratchContent()
	if err != nil {
		return err
	}
	plan, _ := r.readArtifact(ft, "plan.md")
	resp, err := r.chat(ctx, ft, prompt.Review, map[string]string{
		"rel_path": ft.rel,
		"source":   string(content),
		"plan":     plan,
		"evidence": Evidence(ctx, r.RepoRoot, ft.rel, content),
		"notes":    r.notesBlock(ft),
	})
	if err != nil {
		ft.st.Status = task.StatusNeedsHuman
		return err
	}
	r.artifact(ft, "review.md", resp)

	label := task.LabelFromReview(resp)
	if label == task.LabelNone {
		r.Events.Warn("review_label_missing", app.Fields{"rel_path": ft.rel})
		label = task.LabelNeeds
	}
	ft.st.Label = label
	ft.st.MarkCheckpoint(task.StageReview, 0)
	ft.st.Status = task.StatusReviewed
	r.Events.Info("reviewed", app.Fields{"rel_path": ft.rel, "label": string(label)})
	return nil
}

// stageSelect derives selection.json from the latest review. Regenerated
// whenever the review has moved past the revision the selection came from.
func (r *Runner) stageSelect(ctx context.Context, ft *fileTask) error {
	if !ft.st.SelectionStale() {
		return nil
	}
	if ft.st.Checkpoint(task.StageReview).State != task.CheckpointDone {
		if err := r.stageReview(ctx, ft); err != nil {
			return err
		}
	}
	review, _ := r.readArtifact(ft, "review.md")

	syms, _, err := r.indexScratch(ctx, ft)
	if err != nil {
		ft.st.Status = task.StatusNeedsHuman
		return fmt.Errorf("cannot index %s: %w", ft.rel, err)
	}

	resp, err := r.chat(ctx, ft, prompt.Select, map[string]string{
		"rel_path":    ft.rel,
		"symbols":     symbolList(syms),
		"review":      review,
		"max_targets": fmt.Sprintf("%d", r.Cfg.MaxTargetsPerPass),
	})
	if err != nil {
		ft.st.Status = task.StatusNeedsHuman
		return err
	}

	targets, parseErr := ParseTargets(resp, r.Cfg.MaxTargetsPerPass)
	if parseErr != nil {
		// Malformed selection degrades to "no targets", never to an abort
		r.artifact(ft, "selection_error.txt", parseErr.Error())
		r.Events.Warn("selection_unparsable", app.Fields{"rel_path": ft.rel, "error": parseErr.Error()})
		targets = nil
	}
	encoded, _ := json.MarshalIndent(targets, "", "  ")
	r.artifact(ft, "selection.json", string(encoded))

	reviewRev := ft.st.Checkpoint(task.StageReview).Revision
	ft.st.MarkCheckpoint(task.StageSelect, reviewRev)
	r.Events.Info("selected", app.Fields{"rel_path": ft.rel, "targets": len(targets)})
	return nil
}

func (r *Runner) readTargets(ft *fileTask) []Target {
	raw, ok := r.readArtifact(ft, "selection.json")
	if !ok {
		return nil
	}
	var targets []Target
	if err := json.Unmarshal([]byte(raw), &targets); err != nil {
		return nil
	}
	return targets
}

// stageEdit rewrites the selected symbols on the scratch copy, gating and
// seeking approval per change. The real file is only written when apply is
// allowed.
func (r *Runner) stageEdit(ctx context.Context, ft *fileTask) error {
	if ft.st.SelectionStale() {
		if err := r.stageSelect(ctx, ft); err != nil {
			return err
		}
	}
	targets := r.readTargets(ft)
	if len(targets) == 0 {
		ft.st.Status = task.StatusNoChanges
		r.Events.Info("no_targets", app.Fields{"rel_path": ft.rel})
		return nil
	}
	review, _ := r.readArtifact(ft, "review.md")

	applied := 0
	for _, target := range targets {
		if r.Flag.Raised(r.Paths.StopFlagPath()) {
			return file.ErrStopRequested
		}
		if r.Interrupts.TakeSkip() {
			ft.st.Status = task.StatusSkipped
			return nil
		}

		syms, content, err := r.indexScratch(ctx, ft)
		if err != nil {
			ft.st.Status = task.StatusNeedsHuman
			return fmt.Errorf("cannot index %s: %w", ft.rel, err)
		}
		sym, ok := symbol.Locate(syms, target.QualifiedName)
		if !ok {
			r.Events.Warn("target_missing", app.Fields{"rel_path": ft.rel, "qname": target.QualifiedName})
			continue
		}
		before := symbolText(content, sym)

		resp, err := r.chat(ctx, ft, prompt.Edit, map[string]string{
			"rel_path":      ft.rel,
			"qname":         target.QualifiedName,
			"symbol_source": before,
			"review":        review,
			"notes":         r.notesBlock(ft),
		})
		if err != nil {
			ft.st.Status = task.StatusNeedsHuman
			continue
		}
		code, ok := ExtractCodeBlock(resp)
		if !ok {
			r.artifact(ft, "edit_"+target.QualifiedName+"_error.txt", "model returned no code")
			ft.st.Status = task.StatusNeedsHuman
			continue
		}

		patched, finalCode, err := r.repairCandidate(ctx, ft, target.QualifiedName, content, code)
		if err != nil {
			ft.st.Status = task.StatusNeedsHuman
			r.Events.Warn("gate_exhausted", app.Fields{"rel_path": ft.rel, "qname": target.QualifiedName, "error": err.Error()})
			continue
		}

		if meaninglessChange(before, finalCode) {
			r.Events.Info("change_meaningless", app.Fields{"rel_path": ft.rel, "qname": target.QualifiedName})
			continue
		}

		approved, err := r.approveChange(ctx, ft, target.QualifiedName, before, finalCode, target.Reason)
		if err != nil {
			return err
		}
		if !approved {
			r.Events.Info("change_rejected", app.Fields{"rel_path": ft.rel, "qname": target.QualifiedName})
			continue
		}
		if err := writeFile(ft.scratch, patched); err != nil {
			return err
		}
		applied++
		ft.st.AddMilestone("edited:" + target.QualifiedName)
		r.Events.Info("change_applied", app.Fields{"rel_path": ft.rel, "qname": target.QualifiedName})
	}

	if applied == 0 {
		if ft.st.Status != task.StatusNeedsHuman && ft.st.Status != task.StatusSkipped {
			ft.st.Status = task.StatusNoChanges
		}
		return nil
	}
	return r.commitScratch(ft)
}

// commitScratch promotes the approved scratch copy to the real file when
// apply permission is granted. Without it the change stays scratch-only.
func (r *Runner) commitScratch(ft *fileTask) error {
	ft.st.Status = task.StatusEdited
	if !r.Cfg.AllowApply {
		r.Events.Info("apply_denied", app.Fields{"rel_path": ft.rel, "reason": "allow_apply is off; changes kept in scratch"})
		return nil
	}
	content, err := ft.scratchContent()
	if err != nil {
		return err
	}
	if err := writeFile(ft.absPath, content); err != nil {
		return err
	}
	ft.st.FileHashAtLastSave = task.HashBytes(content)
	r.Events.Info("applied", app.Fields{"rel_path": ft.rel})
	return nil
}

// stageRepair gates the current scratch copy and, when it fails, asks the
// model for a full-file correction.
func (r *Runner) stageRepair(ctx context.Context, ft *fileTask) error {
	content, err := ft.scratchContent()
	if err != nil {
		return err
	}
	_, parseErr := symbol.Extract(content)
	var lintErr error
	if parseErr == nil {
		lintErr = lintGate(ctx, r.Lint, ft.scratch)
	}
	if parseErr == nil && lintErr == nil {
		ft.st.Status = task.StatusNoChanges
		return nil
	}

	failure := ""
	if parseErr != nil {
		failure = parseErr.Error()
	} else {
		failure = lintErr.Error()
	}

	fixed, err := r.fullFileProposal(ctx, ft, "", content, failure)
	if err != nil {
		ft.st.Status = task.StatusNeedsHuman
		return err
	}

	approved, err := r.approveChange(ctx, ft, "(whole file)", string(content), string(fixed), "full-file repair")
	if err != nil {
		return err
	}
	if !approved {
		ft.st.Status = task.StatusNeedsHuman
		return nil
	}
	if err := writeFile(ft.scratch, fixed); err != nil {
		return err
	}
	ft.st.Status = task.StatusRepaired
	r.Events.Info("repaired", app.Fields{"rel_path": ft.rel})
	return r.commitScratch(ft)
}

// approveChange runs the approval protocol for one gated change. Small
// changes inside the active pack's budget are approved by policy; everything
// else waits for a decision.
func (r *Runner) approveChange(ctx context.Context, ft *fileTask, qname, before, after, reason string) (bool, error) {
	pack := r.Cfg.ActivePack()
	diff := approval.UnifiedDiff(ft.rel, qname, before, after)
	diffLines := approval.DiffLines(diff)
	risk := approval.Risk(diffLines, pack.MaxDiffLines)

	req := approval.NewRequest(r.Paths.RunID, ft.rel, qname, before, after, risk, reason, run.NowISO())
	saved, created, err := r.Approvals.SaveRequest(r.Paths.ApprovalsDir, req)
	if err != nil {
		return false, err
	}
	if created {
		r.Events.Info("approval_requested", app.Fields{
			"rel_path": ft.rel, "qname": qname, "approval_id": saved.ApprovalID,
			"risk": risk, "diff_lines": diffLines,
		})
	}

	if pack.AutoApproves(ft.rel, diffLines) {
		dec := approval.Decision{
			Approved:  true,
			Reason:    fmt.Sprintf("auto-approved by pack %s (%d diff lines)", pack.Name, diffLines),
			DecidedAt: run.NowISO(),
			DecidedBy: "policy:" + pack.Name,
		}
		final, err := r.Approvals.SaveDecision(r.Paths.ApprovalsDir, saved.ApprovalID, dec)
		if err != nil {
			return false, err
		}
		return final.Approved, nil
	}

	r.Log.Info("waiting for approval %s (%s %s)", saved.ApprovalID, ft.rel, qname)
	dec, err := r.Approvals.WaitForDecision(ctx, r.Paths.ApprovalsDir, saved.ApprovalID, r.Paths.StopFlagPath())
	if err != nil {
		return false, err
	}
	r.Events.Info("approval_decided", app.Fields{
		"approval_id": saved.ApprovalID, "approved": dec.Approved, "decided_by": dec.DecidedBy,
	})
	return dec.Approved, nil
}

func (r *Runner) notesBlock(ft *fileTask) string {
	if len(ft.st.HumanNotes) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Operator notes:\n")
	for _, note := range ft.st.HumanNotes {
		fmt.Fprintf(&b, "- %s\n", note)
	}
	return b.String()
}

func symbolList(syms []symbol.Symbol) string {
	var b strings.Builder
	for _, s := range syms {
		fmt.Fprintf(&b, "- %s (%s, lines %d-%d)\n", s.QualifiedName, s.Kind, s.StartLine, s.EndLine)
	}
	return b.String()
}

// meaninglessChange reports whether a candidate matches the current symbol
// text exactly or differs only in whitespace. Such candidates never earn an
// approval request.
func meaninglessChange(before, after string) bool {
	if before == after {
		return true
	}
	strip := func(s string) string {
		return strings.Join(strings.Fields(s), " ")
	}
	return strip(before) == strip(after)
}

// symbolText slices a symbol's lines out of the file content.
func symbolText(content []byte, sym symbol.Symbol) string {
	lines := strings.SplitAfter(string(content), "\n")
	if sym.StartLine < 1 || sym.EndLine > len(lines) {
		return ""
	}
	return strings.Join(lines[sym.StartLine-1:sym.EndLine], "")
}
