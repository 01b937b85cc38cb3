// Package approval models the human-in-the-loop approval protocol records.
// Requests are immutable once written; decisions are append-only and written
// exactly once per approval id by exactly one deciding actor.
package approval

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/pmezard/go-difflib/difflib"
)

// IDLength is the truncated length of a deterministic approval id.
const IDLength = 24

// Request is the stable, deterministic approval record. The id is derived
// from its inputs so replaying the same (run, file, symbol, before, after)
// tuple never creates a duplicate.
type Request struct {
	ApprovalID string  `json:"approval_id"`
	RunID      string  `json:"run_id"`
	FilePath   string  `json:"file_path"`
	Symbol     string  `json:"symbol"`
	Diff       string  `json:"diff"`
	RiskScore  float64 `json:"risk_score"`
	Reason     string  `json:"reason"`
	CreatedAt  string  `json:"created_at"`
}

// Decision resolves a request. DecidedBy is optional (a human, a UI, or an
// automated policy may decide).
type Decision struct {
	Approved  bool   `json:"approved"`
	Reason    string `json:"reason"`
	DecidedAt string `json:"decided_at"`
	DecidedBy string `json:"decided_by,omitempty"`
}

func sha256hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// DeterministicID derives the approval id. Changing any one input changes
// the id; identical inputs always collide onto the same id.
func DeterministicID(runID, filePath, symbol, before, after string) string {
	key := runID + ":" + filePath + ":" + symbol + ":" + sha256hex(before) + ":" + sha256hex(after)
	return sha256hex(key)[:IDLength]
}

// UnifiedDiff renders the before/after unified diff stored verbatim on the
// request.
func UnifiedDiff(filePath, symbol, before, after string) string {
	diff, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(before),
		B:        difflib.SplitLines(after),
		FromFile: "a/" + filePath + "::" + symbol,
		ToFile:   "b/" + filePath + "::" + symbol,
		Context:  3,
	})
	if err != nil {
		return ""
	}
	return diff
}

// NewRequest assembles a request with its derived id and diff. createdAt is
// supplied by the caller so replayed requests stay byte-comparable in tests.
func NewRequest(runID, filePath, symbol, before, after string, riskScore float64, reason, createdAt string) Request {
	return Request{
		ApprovalID: DeterministicID(runID, filePath, symbol, before, after),
		RunID:      runID,
		FilePath:   filePath,
		Symbol:     symbol,
		Diff:       UnifiedDiff(filePath, symbol, before, after),
		RiskScore:  riskScore,
		Reason:     strings.TrimSpace(reason),
		CreatedAt:  createdAt,
	}
}

// DiffLines counts changed lines (+/-) in a unified diff, excluding headers.
// Policy packs use this to bound auto-approval.
func DiffLines(diff string) int {
	n := 0
	for _, ln := range strings.Split(diff, "\n") {
		if strings.HasPrefix(ln, "+++") || strings.HasPrefix(ln, "---") {
			continue
		}
		if strings.HasPrefix(ln, "+") || strings.HasPrefix(ln, "-") {
			n++
		}
	}
	return n
}

// Risk maps a change size onto [0, 1] against a policy budget. A zero or
// negative budget means every change is maximum risk.
func Risk(diffLines, maxDiffLines int) float64 {
	if maxDiffLines <= 0 {
		return 1
	}
	r := float64(diffLines) / float64(maxDiffLines)
	if r > 1 {
		return 1
	}
	return r
}
