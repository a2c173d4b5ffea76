// ABOUTME: Version data model for reporting-event snapshots
// ABOUTME: Immutable records linked into a DAG by parent ids

package version

import (
	"time"

	"github.com/mfriis/reves/pkg/doctree"
)

// Origin records what produced a version.
type Origin string

const (
	OriginCommit Origin = "commit" // initial commit or explicit save
	OriginFork   Origin = "fork"   // branch creation copy
	OriginMerge  Origin = "merge"  // merge completion
)

// Version is an immutable snapshot of a reporting event's document.
// After creation only IsCurrent moves (atomically, when the branch head
// advances) and the tag fields (set once by Tag). Links to parent and
// branch are ids, never live references.
type Version struct {
	ID        string           `json:"id"`
	EventID   string           `json:"event_id"`
	BranchID  string           `json:"branch_id"`
	ParentID  string           `json:"parent_id,omitempty"` // empty for an initial commit
	Origin    Origin           `json:"origin"`
	Document  doctree.Document `json:"document"`
	CreatedBy string           `json:"created_by"`
	CreatedAt time.Time        `json:"created_at"`
	IsCurrent bool             `json:"is_current"`
	IsTagged  bool             `json:"is_tagged"`
	TagName   string           `json:"tag_name,omitempty"`
	Message   string           `json:"message,omitempty"`
}

// CreateParams carries everything Create needs for one new version.
// ExpectedHead is the head id the caller computed against; a mismatch at
// commit time means a concurrent advance won the race.
type CreateParams struct {
	EventID      string
	BranchID     string
	ParentID     string
	ExpectedHead string
	Origin       Origin
	Document     doctree.Document
	CreatedBy    string
	Message      string
}
