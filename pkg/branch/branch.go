// ABOUTME: Branch data model: named mutable pointers over the version DAG
// ABOUTME: Protection rules gate direct pushes and require review

package branch

import (
	"errors"
	"time"
)

var (
	// ErrNotFound indicates an absent branch
	ErrNotFound = errors.New("branch: not found")

	// ErrDuplicateName indicates a branch name already used on the event
	ErrDuplicateName = errors.New("branch: duplicate name")

	// ErrProtected indicates a blocked operation on a protected branch
	ErrProtected = errors.New("branch: protected")

	// ErrDefaultBranch indicates a delete of the event's default branch
	ErrDefaultBranch = errors.New("branch: cannot delete default branch")

	// ErrDeleted indicates an operation against a soft-deleted branch
	ErrDeleted = errors.New("branch: deleted")

	// ErrEventMismatch indicates a fork source from another reporting event
	ErrEventMismatch = errors.New("branch: source belongs to another event")
)

// ProtectionRules configure what a protected branch refuses.
type ProtectionRules struct {
	NoDirectPush  bool `json:"no_direct_push"`
	RequireReview bool `json:"require_review"`
}

// Branch is a named mutable pointer into the version DAG. The head is
// tracked by the version store; the branch record holds lineage and
// protection state. Links are ids, never live references.
type Branch struct {
	ID              string          `json:"id"`
	EventID         string          `json:"event_id"`
	Name            string          `json:"name"`
	SourceBranchID  string          `json:"source_branch_id,omitempty"`
	SourceVersionID string          `json:"source_version_id,omitempty"`
	IsDefault       bool            `json:"is_default"`
	Protected       bool            `json:"protected"`
	Rules           ProtectionRules `json:"rules"`
	Deleted         bool            `json:"deleted"`
	CreatedBy       string          `json:"created_by"`
	CreatedAt       time.Time       `json:"created_at"`
}
