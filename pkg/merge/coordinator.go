// ABOUTME: Merge request coordinator: lifecycle, conflict resolution,
// ABOUTME: completion with atomic version creation and head advancement

package merge

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mfriis/reves/pkg/branch"
	"github.com/mfriis/reves/pkg/guard"
	"github.com/mfriis/reves/pkg/lineage"
	"github.com/mfriis/reves/pkg/storage"
	"github.com/mfriis/reves/pkg/version"
)

// Prefixes for merge request storage
const (
	PREFIX_MERGE   = "mr/"   // mr/<id> -> MergeRequest
	PREFIX_BYEVENT = "mrev/" // mrev/<eventID>/<id> -> request id
)

// Coordinator drives merge requests from open to a terminal state.
// Reads happen against the pinned (immutable) version ids; every write
// revalidates inside a single transaction, so a lost race surfaces as
// ErrConcurrentModification or ErrStaleConflict instead of a corrupt
// head.
type Coordinator struct {
	db       storage.Store
	versions *version.Store
	branches *branch.Manager
	walker   *lineage.Walker
	guard    *guard.Guard
	policy   ReviewPolicy
}

// NewCoordinator wires the coordinator. A nil policy falls back to
// DefaultReviewPolicy.
func NewCoordinator(db storage.Store, versions *version.Store, branches *branch.Manager, walker *lineage.Walker, g *guard.Guard, policy ReviewPolicy) *Coordinator {
	if policy == nil {
		policy = DefaultReviewPolicy
	}
	return &Coordinator{
		db:       db,
		versions: versions,
		branches: branches,
		walker:   walker,
		guard:    g,
		policy:   policy,
	}
}

// OpenParams describes a new merge proposal.
type OpenParams struct {
	Title          string
	SourceBranchID string
	TargetBranchID string
	Reviewers      []string
}

// Open captures both branch heads and their merge base, computes the
// conflict set, and persists the request. No conflicts yields an approved
// request (completion still enforces the review gate); conflicts yield
// has_conflicts.
func (c *Coordinator) Open(params OpenParams, p guard.Principal) (*MergeRequest, error) {
	src, err := c.branches.Get(params.SourceBranchID)
	if err != nil {
		return nil, err
	}
	tgt, err := c.branches.Get(params.TargetBranchID)
	if err != nil {
		return nil, err
	}
	if src.EventID != tgt.EventID {
		return nil, fmt.Errorf("%w: branches belong to different events", branch.ErrEventMismatch)
	}
	if src.ID == tgt.ID {
		return nil, fmt.Errorf("%w: source and target are the same branch", ErrInvalidState)
	}
	if src.Deleted || tgt.Deleted {
		return nil, fmt.Errorf("%w: merge over a deleted branch", branch.ErrDeleted)
	}

	srcHead, err := c.versions.Head(src.ID)
	if err != nil {
		return nil, err
	}
	tgtHead, err := c.versions.Head(tgt.ID)
	if err != nil {
		return nil, err
	}
	base, err := c.walker.MergeBase(srcHead.ID, tgtHead.ID)
	if err != nil {
		return nil, err
	}

	det := detect(base.Document, srcHead.Document, tgtHead.Document)

	now := time.Now().UTC()
	req := &MergeRequest{
		ID:              uuid.NewString(),
		EventID:         src.EventID,
		Title:           params.Title,
		SourceBranchID:  src.ID,
		TargetBranchID:  tgt.ID,
		SourceVersionID: srcHead.ID,
		TargetVersionID: tgtHead.ID,
		BaseVersionID:   base.ID,
		Conflicts:       det.conflicts,
		RequiresReview:  tgt.Protected && tgt.Rules.RequireReview,
		Reviewers:       params.Reviewers,
		CreatedBy:       p.ID,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if len(det.conflicts) > 0 {
		req.Status = StatusHasConflicts
	} else {
		req.Status = StatusApproved
	}

	err = storage.Update(c.db, func(tx storage.Tx) error {
		// The heads were read in their own transactions; a concurrent
		// advance in between would pin ids that are no longer the heads.
		for _, check := range []struct{ branchID, want string }{
			{src.ID, srcHead.ID},
			{tgt.ID, tgtHead.ID},
		} {
			id, err := c.versions.HeadIDInTx(tx, check.branchID)
			if err != nil {
				return err
			}
			if id != check.want {
				return fmt.Errorf("%w: branch %s advanced while opening request",
					version.ErrConcurrentModification, check.branchID)
			}
		}
		if err := c.putInTx(tx, req); err != nil {
			return err
		}
		return tx.Set(PREFIX_BYEVENT+req.EventID+"/"+req.ID, []byte(req.ID))
	})
	if err != nil {
		return nil, err
	}
	return req, nil
}

// Get retrieves a merge request by id.
func (c *Coordinator) Get(id string) (*MergeRequest, error) {
	var req *MergeRequest
	err := storage.View(c.db, func(tx storage.Tx) error {
		var err error
		req, err = c.getInTx(tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return req, nil
}

// ListByEvent returns every request opened on a reporting event.
func (c *Coordinator) ListByEvent(eventID string) ([]*MergeRequest, error) {
	var out []*MergeRequest
	err := storage.View(c.db, func(tx storage.Tx) error {
		var innerErr error
		err := tx.Scan(PREFIX_BYEVENT+eventID+"/", func(key string, val []byte) bool {
			var req *MergeRequest
			req, innerErr = c.getInTx(tx, string(val))
			if innerErr != nil {
				return false
			}
			out = append(out, req)
			return true
		})
		if err != nil {
			return err
		}
		return innerErr
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Resolve records a resolution for one conflicting path. Fails with
// ErrStaleConflict when either branch advanced past the pinned versions
// or the path no longer conflicts; when the last conflict resolves the
// request moves to approved.
func (c *Coordinator) Resolve(requestID, path string, res Resolution, p guard.Principal) (*MergeRequest, error) {
	req, err := c.Get(requestID)
	if err != nil {
		return nil, err
	}
	if req.Status != StatusHasConflicts {
		return nil, fmt.Errorf("%w: cannot resolve conflicts on a %s request", ErrInvalidState, req.Status)
	}
	switch res.Kind {
	case TakeSource, TakeTarget, Custom:
	default:
		return nil, fmt.Errorf("%w: unknown resolution kind %q", ErrInvalidState, res.Kind)
	}

	// Revalidate against the pinned versions: they are immutable, so the
	// recomputed set only differs when the payload drifted.
	baseV, err := c.versions.Get(req.BaseVersionID)
	if err != nil {
		return nil, err
	}
	srcV, err := c.versions.Get(req.SourceVersionID)
	if err != nil {
		return nil, err
	}
	tgtV, err := c.versions.Get(req.TargetVersionID)
	if err != nil {
		return nil, err
	}
	det := detect(baseV.Document, srcV.Document, tgtV.Document)
	still := false
	for i := range det.conflicts {
		if det.conflicts[i].Path == path {
			still = true
			break
		}
	}

	var updated *MergeRequest
	err = storage.Update(c.db, func(tx storage.Tx) error {
		req, err := c.getInTx(tx, requestID)
		if err != nil {
			return err
		}
		if req.Status != StatusHasConflicts {
			return fmt.Errorf("%w: cannot resolve conflicts on a %s request", ErrInvalidState, req.Status)
		}
		for _, check := range []struct{ branchID, want string }{
			{req.SourceBranchID, req.SourceVersionID},
			{req.TargetBranchID, req.TargetVersionID},
		} {
			id, err := c.versions.HeadIDInTx(tx, check.branchID)
			if err != nil {
				return err
			}
			if id != check.want {
				return fmt.Errorf("%w: branch %s advanced; open a new request", ErrStaleConflict, check.branchID)
			}
		}
		idx := -1
		for i := range req.Conflicts {
			if req.Conflicts[i].Path == path {
				idx = i
				break
			}
		}
		if idx < 0 {
			return fmt.Errorf("%w: no conflict at %q", ErrNotFound, path)
		}
		if !still {
			return fmt.Errorf("%w: %q no longer conflicts", ErrStaleConflict, path)
		}
		res.ResolvedBy = p.ID
		res.ResolvedAt = time.Now().UTC()
		req.Conflicts[idx].Resolution = &res
		if req.Unresolved() == 0 {
			req.Status = StatusApproved
		}
		req.UpdatedAt = time.Now().UTC()
		updated = req
		return c.putInTx(tx, req)
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// Approve records a review approval. The approver needs the review
// permission on the target branch.
func (c *Coordinator) Approve(requestID string, p guard.Principal) (*MergeRequest, error) {
	var updated *MergeRequest
	err := storage.Update(c.db, func(tx storage.Tx) error {
		req, err := c.getInTx(tx, requestID)
		if err != nil {
			return err
		}
		if req.Status.Terminal() {
			return fmt.Errorf("%w: cannot approve a %s request", ErrInvalidState, req.Status)
		}
		if err := c.guard.CheckPermissionInTx(tx, p, "branch", req.TargetBranchID, guard.PermReview); err != nil {
			return err
		}
		for _, a := range req.ApprovedBy {
			if a == p.ID {
				updated = req
				return nil
			}
		}
		req.ApprovedBy = append(req.ApprovedBy, p.ID)
		req.UpdatedAt = time.Now().UTC()
		updated = req
		return c.putInTx(tx, req)
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// Complete materializes the merge: builds the merged document, persists
// it as a new version on the target branch, advances the head, and marks
// the request merged. All of that is one transaction; a target head that
// moved since the request was opened fails the compare-and-swap with
// ErrConcurrentModification.
func (c *Coordinator) Complete(requestID string, p guard.Principal) (*MergeRequest, *version.Version, error) {
	req, err := c.Get(requestID)
	if err != nil {
		return nil, nil, err
	}
	if req.Status == StatusHasConflicts {
		return nil, nil, fmt.Errorf("%w: %d unresolved conflicts", ErrInvalidState, req.Unresolved())
	}
	if req.Status != StatusApproved {
		return nil, nil, fmt.Errorf("%w: cannot complete a %s request", ErrInvalidState, req.Status)
	}
	if !c.policy(req) {
		return nil, nil, fmt.Errorf("%w: approvals do not satisfy the review policy", ErrReviewRequired)
	}

	baseV, err := c.versions.Get(req.BaseVersionID)
	if err != nil {
		return nil, nil, err
	}
	srcV, err := c.versions.Get(req.SourceVersionID)
	if err != nil {
		return nil, nil, err
	}
	tgtV, err := c.versions.Get(req.TargetVersionID)
	if err != nil {
		return nil, nil, err
	}
	merged, err := buildMerged(baseV.Document, srcV.Document, tgtV.Document, req.Conflicts)
	if err != nil {
		return nil, nil, err
	}

	var mergedVersion *version.Version
	var updated *MergeRequest
	err = storage.Update(c.db, func(tx storage.Tx) error {
		req, err := c.getInTx(tx, requestID)
		if err != nil {
			return err
		}
		if req.Status != StatusApproved {
			return fmt.Errorf("%w: cannot complete a %s request", ErrInvalidState, req.Status)
		}
		mergedVersion, err = c.versions.CreateInTx(tx, version.CreateParams{
			EventID:      req.EventID,
			BranchID:     req.TargetBranchID,
			ParentID:     req.TargetVersionID,
			ExpectedHead: req.TargetVersionID,
			Origin:       version.OriginMerge,
			Document:     merged,
			CreatedBy:    p.ID,
			Message:      fmt.Sprintf("merge: %s", req.Title),
		})
		if err != nil {
			return err
		}
		req.Status = StatusMerged
		req.MergedVersionID = mergedVersion.ID
		req.UpdatedAt = time.Now().UTC()
		updated = req
		return c.putInTx(tx, req)
	})
	if err != nil {
		return nil, nil, err
	}
	return updated, mergedVersion, nil
}

// Reject moves a request to the rejected terminal state and records who
// rejected it.
func (c *Coordinator) Reject(requestID, reason string, p guard.Principal) (*MergeRequest, error) {
	return c.finish(requestID, StatusRejected, reason, p.ID)
}

// Close moves a request to the closed terminal state and records who
// closed it.
func (c *Coordinator) Close(requestID string, p guard.Principal) (*MergeRequest, error) {
	return c.finish(requestID, StatusClosed, "", p.ID)
}

func (c *Coordinator) finish(requestID string, status Status, reason, actor string) (*MergeRequest, error) {
	var updated *MergeRequest
	err := storage.Update(c.db, func(tx storage.Tx) error {
		req, err := c.getInTx(tx, requestID)
		if err != nil {
			return err
		}
		if req.Status.Terminal() {
			return fmt.Errorf("%w: request already %s", ErrInvalidState, req.Status)
		}
		req.Status = status
		req.RejectedReason = reason
		req.ClosedBy = actor
		req.UpdatedAt = time.Now().UTC()
		updated = req
		return c.putInTx(tx, req)
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (c *Coordinator) getInTx(tx storage.Tx, id string) (*MergeRequest, error) {
	raw, ok, err := tx.Get(PREFIX_MERGE + id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: request %s", ErrNotFound, id)
	}
	var req MergeRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, fmt.Errorf("decode merge request %s: %w", id, err)
	}
	return &req, nil
}

func (c *Coordinator) putInTx(tx storage.Tx, req *MergeRequest) error {
	raw, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode merge request %s: %w", req.ID, err)
	}
	return tx.Set(PREFIX_MERGE+req.ID, raw)
}
