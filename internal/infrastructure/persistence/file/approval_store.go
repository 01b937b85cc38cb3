package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/afero"

	"github.com/YoshitsuguKoike/deepatch/internal/domain/model/approval"
)

// ErrStopRequested is returned by WaitForDecision when the run's stop flag
// is raised while waiting. The pending request stays on disk so a resumed
// run re-enters the same wait.
var ErrStopRequested = errors.New("stop requested while waiting for approval decision")

// DefaultPollInterval is how often a waiting runner re-checks for a
// decision file.
const DefaultPollInterval = time.Second

// ApprovalStore persists approval requests and decisions under
// state/approvals/. Requests are first-write-wins: the approval id is
// deterministic, so a replayed proposal lands on the existing request file
// instead of creating a duplicate. Decisions are written once and never
// overwritten by the store.
type ApprovalStore struct {
	fs afero.Fs

	// PollInterval controls the decision wait loop. Tests shrink it.
	PollInterval time.Duration
}

// NewApprovalStore creates a store over the given filesystem.
func NewApprovalStore(fs afero.Fs) *ApprovalStore {
	return &ApprovalStore{fs: fs, PollInterval: DefaultPollInterval}
}

// RequestPath returns approvals/<id>.json.
func RequestPath(approvalsDir, approvalID string) string {
	return filepath.Join(approvalsDir, approvalID+".json")
}

// DecisionPath returns approvals/<id>.decision.
func DecisionPath(approvalsDir, approvalID string) string {
	return filepath.Join(approvalsDir, approvalID+".decision")
}

// SaveRequest writes a request unless one already exists for its id. It
// returns the persisted request (the existing one on replay) and whether
// this call created it.
func (s *ApprovalStore) SaveRequest(approvalsDir string, req approval.Request) (approval.Request, bool, error) {
	path := RequestPath(approvalsDir, req.ApprovalID)
	if existing, err := s.LoadRequest(approvalsDir, req.ApprovalID); err == nil {
		return *existing, false, nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return approval.Request{}, false, err
	}
	data, err := json.MarshalIndent(req, "", "  ")
	if err != nil {
		return approval.Request{}, false, fmt.Errorf("failed to marshal approval request: %w", err)
	}
	if err := WriteFileAtomic(s.fs, path, append(data, '\n')); err != nil {
		return approval.Request{}, false, err
	}
	return req, true, nil
}

// LoadRequest reads one request by id.
func (s *ApprovalStore) LoadRequest(approvalsDir, approvalID string) (*approval.Request, error) {
	data, err := afero.ReadFile(s.fs, RequestPath(approvalsDir, approvalID))
	if err != nil {
		return nil, fmt.Errorf("failed to read approval request: %w", err)
	}
	var req approval.Request
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("failed to parse approval request %s: %w", approvalID, err)
	}
	return &req, nil
}

// SaveDecision records a decision for an approval id. An existing decision
// wins; the duplicate write is dropped and the original returned.
func (s *ApprovalStore) SaveDecision(approvalsDir, approvalID string, dec approval.Decision) (approval.Decision, error) {
	if existing, err := s.LoadDecision(approvalsDir, approvalID); err == nil && existing != nil {
		return *existing, nil
	}
	data, err := json.MarshalIndent(dec, "", "  ")
	if err != nil {
		return approval.Decision{}, fmt.Errorf("failed to marshal approval decision: %w", err)
	}
	if err := WriteFileAtomic(s.fs, DecisionPath(approvalsDir, approvalID), append(data, '\n')); err != nil {
		return approval.Decision{}, err
	}
	return dec, nil
}

// LoadDecision reads a decision by id. A missing file returns (nil, nil).
// The parse is tolerant: a human may decide with a bare word (echo approve >
// <id>.decision), and anything unreadable is treated as not-yet-decided so a
// torn write never aborts the waiting runner.
func (s *ApprovalStore) LoadDecision(approvalsDir, approvalID string) (*approval.Decision, error) {
	data, err := afero.ReadFile(s.fs, DecisionPath(approvalsDir, approvalID))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read approval decision: %w", err)
	}
	var dec approval.Decision
	if err := json.Unmarshal(data, &dec); err == nil {
		return &dec, nil
	}
	return parseBareDecision(string(data)), nil
}

// parseBareDecision maps a one-word decision file onto a Decision. Unknown
// text reads as undecided.
func parseBareDecision(text string) *approval.Decision {
	switch strings.ToLower(strings.TrimSpace(text)) {
	case "approve", "approved", "yes", "y":
		return &approval.Decision{Approved: true, Reason: "approved by file"}
	case "reject", "rejected", "deny", "denied", "no", "n":
		return &approval.Decision{Approved: false, Reason: "rejected by file"}
	}
	return nil
}

// Pending lists requests that have no decision yet, sorted by created_at
// then id.
func (s *ApprovalStore) Pending(approvalsDir string) ([]approval.Request, error) {
	reqs, err := s.listRequests(approvalsDir)
	if err != nil {
		return nil, err
	}
	var out []approval.Request
	for _, req := range reqs {
		dec, err := s.LoadDecision(approvalsDir, req.ApprovalID)
		if err != nil {
			return nil, err
		}
		if dec == nil {
			out = append(out, req)
		}
	}
	return out, nil
}

// List returns every request with its decision, nil when undecided.
func (s *ApprovalStore) List(approvalsDir string) ([]approval.Request, map[string]*approval.Decision, error) {
	reqs, err := s.listRequests(approvalsDir)
	if err != nil {
		return nil, nil, err
	}
	decisions := make(map[string]*approval.Decision, len(reqs))
	for _, req := range reqs {
		dec, err := s.LoadDecision(approvalsDir, req.ApprovalID)
		if err != nil {
			return nil, nil, err
		}
		decisions[req.ApprovalID] = dec
	}
	return reqs, decisions, nil
}

func (s *ApprovalStore) listRequests(approvalsDir string) ([]approval.Request, error) {
	entries, err := afero.ReadDir(s.fs, approvalsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list approvals: %w", err)
	}
	var out []approval.Request
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		id := strings.TrimSuffix(e.Name(), ".json")
		req, err := s.LoadRequest(approvalsDir, id)
		if err != nil {
			continue
		}
		out = append(out, *req)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return out[i].ApprovalID < out[j].ApprovalID
	})
	return out, nil
}

// WaitForDecision blocks until a decision appears for the approval id. Each
// iteration checks the stop flag before looking for the decision, so a stop
// raised together with a late decision still interrupts the wait. Returns
// ErrStopRequested on stop, ctx.Err() on cancellation.
func (s *ApprovalStore) WaitForDecision(ctx context.Context, approvalsDir, approvalID, stopFlagPath string) (*approval.Decision, error) {
	interval := s.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	flag := NewStopFlag(s.fs)
	for {
		if flag.Raised(stopFlagPath) {
			return nil, ErrStopRequested
		}
		dec, err := s.LoadDecision(approvalsDir, approvalID)
		if err != nil {
			return nil, err
		}
		if dec != nil {
			return dec, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(interval):
		}
	}
}
