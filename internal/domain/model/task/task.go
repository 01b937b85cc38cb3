// Package task holds the per-(run, file) pipeline state.
package task

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Label is the classification a review assigns to a file's current state.
type Label string

const (
	LabelNone       Label = ""
	LabelNeeds      Label = "N"
	LabelPartial    Label = "P"
	LabelWellFormed Label = "W"
)

// Status tracks a file's progress through the pipeline.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusPlanned    Status = "planned"
	StatusReviewed   Status = "reviewed"
	StatusRepaired   Status = "repaired"
	StatusEdited     Status = "edited"
	StatusNeedsHuman Status = "needs_human"
	StatusComplete   Status = "complete"
	StatusNoChanges  Status = "no_changes"
	StatusIncomplete Status = "incomplete"
	StatusSkipped    Status = "skipped"
	StatusError      Status = "error"
)

// Stage names a single pipeline stage. StageRun drives the full loop.
type Stage string

const (
	StagePlan   Stage = "plan"
	StageReview Stage = "review"
	StageSelect Stage = "select"
	StageEdit   Stage = "edit"
	StageRepair Stage = "repair"
	StageRun    Stage = "run"
)

// ValidStage reports whether s names a dispatchable stage.
func ValidStage(s Stage) bool {
	switch s {
	case StagePlan, StageReview, StageSelect, StageEdit, StageRepair, StageRun:
		return true
	}
	return false
}

// CheckpointState records how far a (run, task, stage) idempotency key has
// progressed. Checkpoints replace raw artifact-file existence checks so that
// resumability is testable without a filesystem.
type CheckpointState string

const (
	CheckpointAbsent CheckpointState = "absent"
	CheckpointDone   CheckpointState = "done"
)

// Checkpoint is one idempotency record. Revision increments every time the
// stage output is regenerated; FromRevision records which review revision a
// derived stage (selection) was built from.
type Checkpoint struct {
	State        CheckpointState `json:"state"`
	Revision     int             `json:"revision"`
	FromRevision int             `json:"from_revision,omitempty"`
}

// State is the persisted per-(run, file) record. It is mutated after every
// stage and saved atomically (write-temp-then-rename).
type State struct {
	RelativePath       string                `json:"rel_path"`
	FileHashAtLastSave string                `json:"file_hash"`
	Label              Label                 `json:"label"`
	PassCount          int                   `json:"pass_count"`
	MilestonesDone     []string              `json:"milestones_done"`
	HumanNotes         []string              `json:"human_notes"`
	Status             Status                `json:"status"`
	LastError          string                `json:"last_error,omitempty"`
	Checkpoints        map[string]Checkpoint `json:"checkpoints,omitempty"`
}

// NewState creates the record for a file's first encounter in a run.
func NewState(relPath string) *State {
	return &State{
		RelativePath: relPath,
		Status:       StatusPending,
		Checkpoints:  map[string]Checkpoint{},
	}
}

// Checkpoint returns the record for a stage key, defaulting to absent.
func (s *State) Checkpoint(stage Stage) Checkpoint {
	if s.Checkpoints == nil {
		return Checkpoint{State: CheckpointAbsent}
	}
	cp, ok := s.Checkpoints[string(stage)]
	if !ok {
		return Checkpoint{State: CheckpointAbsent}
	}
	return cp
}

// MarkCheckpoint records a completed stage output, bumping its revision.
func (s *State) MarkCheckpoint(stage Stage, fromRevision int) Checkpoint {
	if s.Checkpoints == nil {
		s.Checkpoints = map[string]Checkpoint{}
	}
	cp := s.Checkpoints[string(stage)]
	cp.State = CheckpointDone
	cp.Revision++
	cp.FromRevision = fromRevision
	s.Checkpoints[string(stage)] = cp
	return cp
}

// ClearCheckpoint invalidates a stage output so it regenerates next pass.
func (s *State) ClearCheckpoint(stage Stage) {
	if s.Checkpoints == nil {
		return
	}
	cp := s.Checkpoints[string(stage)]
	cp.State = CheckpointAbsent
	s.Checkpoints[string(stage)] = cp
}

// SelectionStale reports whether the selection must be regenerated because
// the review has moved past the revision it was derived from. Reviews are
// the forcing function, never the reverse.
func (s *State) SelectionStale() bool {
	sel := s.Checkpoint(StageSelect)
	if sel.State != CheckpointDone {
		return true
	}
	rev := s.Checkpoint(StageReview)
	return rev.State == CheckpointDone && rev.Revision > sel.FromRevision
}

// AddMilestone appends once.
func (s *State) AddMilestone(name string) {
	for _, m := range s.MilestonesDone {
		if m == name {
			return
		}
	}
	s.MilestonesDone = append(s.MilestonesDone, name)
}

// AddHumanNote records an operator note captured on interrupt.
func (s *State) AddHumanNote(note string) {
	note = strings.TrimSpace(note)
	if note == "" {
		return
	}
	s.HumanNotes = append(s.HumanNotes, note)
}

// Complete reports whether this file may be skipped in future runs: the last
// review labeled it well-formed AND the content hash is unchanged.
func (s *State) Complete(currentHash string) bool {
	return s.Label == LabelWellFormed && s.FileHashAtLastSave != "" && s.FileHashAtLastSave == currentHash
}

var unsafeIDChars = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// ID derives the stable task identifier from a relative path. Paths are NFC
// normalized before sanitization so the same file yields the same ID across
// platforms.
func ID(relPath string) string {
	id := unsafeIDChars.ReplaceAllString(norm.NFC.String(relPath), "_")
	if len(id) > 180 {
		id = id[:180]
	}
	return id
}

// HashBytes returns the canonical content hash used for skip detection.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// HashText hashes a string with the same recipe.
func HashText(text string) string {
	return HashBytes([]byte(text))
}

var (
	labelLine  = regexp.MustCompile("^\\s*Label:\\s*`?([NPW])`?\\s*$")
	labelLoose = regexp.MustCompile(`\bLabel\s*:\s*([NPW])\b`)
)

// LabelFromReview extracts the review label from free-form review text.
// Reviews end with a line like "Label: W" (optionally backquoted).
func LabelFromReview(text string) Label {
	for _, ln := range strings.Split(text, "\n") {
		if m := labelLine.FindStringSubmatch(ln); m != nil {
			return Label(m[1])
		}
	}
	if m := labelLoose.FindStringSubmatch(text); m != nil {
		return Label(m[1])
	}
	return LabelNone
}
