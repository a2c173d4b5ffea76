// ABOUTME: Merge request data model: statuses, conflicts, resolutions
// ABOUTME: Conflict classification is a closed tagged variant

package merge

import (
	"errors"
	"time"
)

var (
	// ErrNotFound indicates an absent merge request or conflict path
	ErrNotFound = errors.New("merge: not found")

	// ErrInvalidState indicates a transition the state machine forbids
	ErrInvalidState = errors.New("merge: invalid state")

	// ErrStaleConflict indicates the conflict set was invalidated by a
	// concurrent change; re-diff through a new request
	ErrStaleConflict = errors.New("merge: stale conflict")

	// ErrReviewRequired indicates completion before the review gate passed
	ErrReviewRequired = errors.New("merge: review required")
)

// Status is the merge request state machine. Transitions are one-way;
// merged, rejected and closed are terminal.
type Status string

const (
	StatusOpen         Status = "open"
	StatusHasConflicts Status = "has_conflicts"
	StatusApproved     Status = "approved"
	StatusMerged       Status = "merged"
	StatusRejected     Status = "rejected"
	StatusClosed       Status = "closed"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusMerged || s == StatusRejected || s == StatusClosed
}

// ConflictKind classifies a conflict by the shape of the divergence.
type ConflictKind string

const (
	ConflictValue      ConflictKind = "value"       // same path, different scalars
	ConflictStructural ConflictKind = "structural"  // subtree added/removed vs modified
	ConflictTypeChange ConflictKind = "type_change" // scalar vs object/array
)

// Severity ranks how a conflict gates the merge.
type Severity string

const (
	SeverityCritical Severity = "critical"        // whole-subtree divergence, no suggestion
	SeverityAuto     Severity = "auto_resolvable" // deterministic rule applies, suggestion attached
	SeverityManual   Severity = "requires_manual"
)

// ResolutionKind is how a conflicting path gets settled.
type ResolutionKind string

const (
	TakeSource ResolutionKind = "take_source"
	TakeTarget ResolutionKind = "take_target"
	Custom     ResolutionKind = "custom"
)

// Resolution settles one conflicting path. Value is only read for Custom.
type Resolution struct {
	Kind       ResolutionKind `json:"kind"`
	Value      any            `json:"value,omitempty"`
	Reason     string         `json:"reason,omitempty"`
	ResolvedBy string         `json:"resolved_by,omitempty"`
	ResolvedAt time.Time      `json:"resolved_at,omitempty"`
}

// Conflict is one path where the diverging edits disagree. The *Absent
// flags distinguish "value is null" from "path not present on that side".
// Computed, carried on the request payload, never stored independently.
type Conflict struct {
	Path         string       `json:"path"`
	Kind         ConflictKind `json:"kind"`
	Severity     Severity     `json:"severity"`
	Base         any          `json:"base,omitempty"`
	BaseAbsent   bool         `json:"base_absent,omitempty"`
	Source       any          `json:"source,omitempty"`
	SourceAbsent bool         `json:"source_absent,omitempty"`
	Target       any          `json:"target,omitempty"`
	TargetAbsent bool         `json:"target_absent,omitempty"`
	TextDelta    string       `json:"text_delta,omitempty"`
	Suggested    *Resolution  `json:"suggested,omitempty"`
	Resolution   *Resolution  `json:"resolution,omitempty"`
}

// Resolved reports whether the conflict has a recorded resolution.
func (c *Conflict) Resolved() bool {
	return c.Resolution != nil
}

// MergeRequest proposes merging one branch into another. The three
// version ids are captured at creation and never move; branches advancing
// afterwards invalidate the request (a new one must be opened). All links
// are ids.
type MergeRequest struct {
	ID              string     `json:"id"`
	EventID         string     `json:"event_id"`
	Title           string     `json:"title"`
	SourceBranchID  string     `json:"source_branch_id"`
	TargetBranchID  string     `json:"target_branch_id"`
	SourceVersionID string     `json:"source_version_id"`
	TargetVersionID string     `json:"target_version_id"`
	BaseVersionID   string     `json:"base_version_id"`
	Status          Status     `json:"status"`
	Conflicts       []Conflict `json:"conflicts,omitempty"`
	RequiresReview  bool       `json:"requires_review"`
	Reviewers       []string   `json:"reviewers,omitempty"`
	ApprovedBy      []string   `json:"approved_by,omitempty"`
	MergedVersionID string     `json:"merged_version_id,omitempty"`
	RejectedReason  string     `json:"rejected_reason,omitempty"`
	ClosedBy        string     `json:"closed_by,omitempty"` // who rejected or closed
	CreatedBy       string     `json:"created_by"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// Unresolved counts conflicts still awaiting a resolution.
func (r *MergeRequest) Unresolved() int {
	n := 0
	for i := range r.Conflicts {
		if !r.Conflicts[i].Resolved() {
			n++
		}
	}
	return n
}

// ReviewPolicy decides whether a request's approvals satisfy the review
// gate. Supplied externally; quorum semantics are not defined here.
type ReviewPolicy func(*MergeRequest) bool

// DefaultReviewPolicy passes when review is not required, otherwise
// demands at least one approver who is not the request author.
func DefaultReviewPolicy(r *MergeRequest) bool {
	if !r.RequiresReview {
		return true
	}
	for _, a := range r.ApprovedBy {
		if a != r.CreatedBy {
			return true
		}
	}
	return false
}
