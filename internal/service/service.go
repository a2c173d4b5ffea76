// Package service wires the version-control core behind one facade.
// The surrounding API layer calls these operations; every mutation is
// audited and measured here so the core packages stay silent.
package service

import (
	"errors"
	"fmt"
	"time"

	"github.com/mfriis/reves/internal/logger"
	"github.com/mfriis/reves/internal/metrics"
	"github.com/mfriis/reves/pkg/branch"
	"github.com/mfriis/reves/pkg/comment"
	"github.com/mfriis/reves/pkg/doctree"
	"github.com/mfriis/reves/pkg/guard"
	"github.com/mfriis/reves/pkg/lineage"
	"github.com/mfriis/reves/pkg/merge"
	"github.com/mfriis/reves/pkg/storage"
	"github.com/mfriis/reves/pkg/version"
)

// Service exposes the version-control operations over one record store.
type Service struct {
	db       storage.Store
	Versions *version.Store
	Branches *branch.Manager
	Merges   *merge.Coordinator
	Walker   *lineage.Walker
	Audit    *lineage.Log
	Guard    *guard.Guard
	Comments *comment.Store

	log     *logger.Logger
	metrics *metrics.Metrics
}

// NewService builds the full service over a record store. policy may be
// nil to use merge.DefaultReviewPolicy.
func NewService(db storage.Store, log *logger.Logger, m *metrics.Metrics, policy merge.ReviewPolicy) *Service {
	versions := version.NewStore(db)
	g := guard.NewGuard(db)
	branches := branch.NewManager(db, versions, g)
	walker := lineage.NewWalker(versions)
	return &Service{
		db:       db,
		Versions: versions,
		Branches: branches,
		Merges:   merge.NewCoordinator(db, versions, branches, walker, g, policy),
		Walker:   walker,
		Audit:    lineage.OpenLog(db),
		Guard:    g,
		Comments: comment.NewStore(db),
		log:      log,
		metrics:  m,
	}
}

// Close closes the underlying record store.
func (s *Service) Close() error {
	return s.db.Close()
}

func (s *Service) finish(op string, start time.Time, err error) {
	elapsed := time.Since(start)
	s.metrics.RecordOperation(op, err, elapsed)
	s.log.LogOperation(op, elapsed, err)
}

// InitEvent creates a reporting event's default branch with its initial
// commit.
func (s *Service) InitEvent(eventID, branchName string, doc doctree.Document, p guard.Principal) (*branch.Branch, *version.Version, error) {
	start := time.Now()
	b, v, err := s.Branches.Init(eventID, branchName, doc, p.ID)
	s.finish("init_event", start, err)
	if err != nil {
		return nil, nil, err
	}
	s.metrics.BranchesCreatedTotal.Inc()
	s.metrics.VersionsCreatedTotal.Inc()
	s.record(lineage.HistoryEntry{
		Action:    lineage.ActionBranchCreated,
		Actor:     p.ID,
		Summary:   fmt.Sprintf("initialized event %s with branch %q", eventID, branchName),
		EventID:   eventID,
		BranchID:  b.ID,
		VersionID: v.ID,
	})
	return b, v, nil
}

// SaveDraft commits a new snapshot on a branch.
func (s *Service) SaveDraft(branchID string, doc doctree.Document, expectedHead, message string, p guard.Principal) (*version.Version, error) {
	start := time.Now()
	v, err := s.Branches.Commit(branchID, doc, expectedHead, message, p)
	s.finish("save_draft", start, err)
	if err != nil {
		return nil, err
	}
	s.metrics.VersionsCreatedTotal.Inc()
	s.record(lineage.HistoryEntry{
		Action:    lineage.ActionVersionCreated,
		Actor:     p.ID,
		Summary:   fmt.Sprintf("saved version on branch %s: %s", branchID, message),
		EventID:   v.EventID,
		BranchID:  branchID,
		VersionID: v.ID,
	})
	return v, nil
}

// ForkBranch creates a branch from an existing branch head or version.
func (s *Service) ForkBranch(name string, src branch.ForkSource, p guard.Principal) (*branch.Branch, *version.Version, error) {
	start := time.Now()
	b, v, err := s.Branches.Fork(name, src, p.ID)
	s.finish("fork_branch", start, err)
	if err != nil {
		return nil, nil, err
	}
	s.metrics.BranchesCreatedTotal.Inc()
	s.metrics.VersionsCreatedTotal.Inc()
	s.record(lineage.HistoryEntry{
		Action:    lineage.ActionBranchCreated,
		Actor:     p.ID,
		Summary:   fmt.Sprintf("forked branch %q from %s", name, src.BranchID),
		EventID:   b.EventID,
		BranchID:  b.ID,
		VersionID: v.ID,
	})
	return b, v, nil
}

// AdvanceHead moves a branch head to an existing version.
func (s *Service) AdvanceHead(branchID, newVersionID, expectedHead string, p guard.Principal) error {
	start := time.Now()
	err := s.Branches.AdvanceHead(branchID, newVersionID, expectedHead, p)
	s.finish("advance_head", start, err)
	if err != nil {
		return err
	}
	s.record(lineage.HistoryEntry{
		Action:    lineage.ActionHeadAdvanced,
		Actor:     p.ID,
		Summary:   fmt.Sprintf("advanced branch %s to %s", branchID, newVersionID),
		BranchID:  branchID,
		VersionID: newVersionID,
	})
	return nil
}

// ProtectBranch applies protection rules to a branch.
func (s *Service) ProtectBranch(branchID string, rules branch.ProtectionRules, p guard.Principal) (*branch.Branch, error) {
	start := time.Now()
	b, err := s.Branches.Protect(branchID, rules)
	s.finish("protect_branch", start, err)
	if err != nil {
		return nil, err
	}
	s.record(lineage.HistoryEntry{
		Action:   lineage.ActionBranchProtected,
		Actor:    p.ID,
		Summary:  fmt.Sprintf("protected branch %s", branchID),
		EventID:  b.EventID,
		BranchID: b.ID,
	})
	return b, nil
}

// DeleteBranch soft-deletes a branch.
func (s *Service) DeleteBranch(branchID string, p guard.Principal) error {
	start := time.Now()
	err := s.Branches.Delete(branchID)
	s.finish("delete_branch", start, err)
	if err != nil {
		return err
	}
	s.record(lineage.HistoryEntry{
		Action:   lineage.ActionBranchDeleted,
		Actor:    p.ID,
		Summary:  fmt.Sprintf("deleted branch %s", branchID),
		BranchID: branchID,
	})
	return nil
}

// TagVersion names a version within its reporting event.
func (s *Service) TagVersion(versionID, name string, p guard.Principal) (*version.Version, error) {
	start := time.Now()
	v, err := s.Versions.Tag(versionID, name)
	s.finish("tag_version", start, err)
	if err != nil {
		return nil, err
	}
	s.metrics.TagsCreatedTotal.Inc()
	s.record(lineage.HistoryEntry{
		Action:    lineage.ActionTagCreated,
		Actor:     p.ID,
		Summary:   fmt.Sprintf("tagged version %s as %q", versionID, name),
		EventID:   v.EventID,
		VersionID: v.ID,
	})
	return v, nil
}

// OpenMergeRequest proposes merging one branch into another.
func (s *Service) OpenMergeRequest(params merge.OpenParams, p guard.Principal) (*merge.MergeRequest, error) {
	start := time.Now()
	req, err := s.Merges.Open(params, p)
	s.finish("open_merge_request", start, err)
	if err != nil {
		return nil, err
	}
	s.metrics.MergeRequestsTotal.WithLabelValues(string(req.Status)).Inc()
	for i := range req.Conflicts {
		s.metrics.ConflictsDetectedTotal.WithLabelValues(string(req.Conflicts[i].Kind)).Inc()
	}
	s.record(lineage.HistoryEntry{
		Action:    lineage.ActionMergeOpened,
		Actor:     p.ID,
		Summary:   fmt.Sprintf("opened merge request %q with %d conflicts", req.Title, len(req.Conflicts)),
		EventID:   req.EventID,
		RequestID: req.ID,
	})
	return req, nil
}

// ResolveConflict settles one conflicting path on a merge request.
func (s *Service) ResolveConflict(requestID, path string, res merge.Resolution, p guard.Principal) (*merge.MergeRequest, error) {
	start := time.Now()
	req, err := s.Merges.Resolve(requestID, path, res, p)
	s.finish("resolve_conflict", start, err)
	if err != nil {
		return nil, err
	}
	s.metrics.ResolutionsTotal.WithLabelValues(string(res.Kind)).Inc()
	s.record(lineage.HistoryEntry{
		Action:    lineage.ActionConflictResolved,
		Actor:     p.ID,
		Summary:   fmt.Sprintf("resolved conflict at %q (%s)", path, res.Kind),
		EventID:   req.EventID,
		RequestID: req.ID,
	})
	return req, nil
}

// ApproveMergeRequest records a review approval.
func (s *Service) ApproveMergeRequest(requestID string, p guard.Principal) (*merge.MergeRequest, error) {
	start := time.Now()
	req, err := s.Merges.Approve(requestID, p)
	s.finish("approve_merge_request", start, err)
	if err != nil {
		return nil, err
	}
	s.record(lineage.HistoryEntry{
		Action:    lineage.ActionMergeApproved,
		Actor:     p.ID,
		Summary:   fmt.Sprintf("approved merge request %q", req.Title),
		EventID:   req.EventID,
		RequestID: req.ID,
	})
	return req, nil
}

// CompleteMerge materializes an approved merge request.
func (s *Service) CompleteMerge(requestID string, p guard.Principal) (*merge.MergeRequest, *version.Version, error) {
	start := time.Now()
	req, v, err := s.Merges.Complete(requestID, p)
	s.finish("complete_merge", start, err)
	if err != nil {
		return nil, nil, err
	}
	s.metrics.VersionsCreatedTotal.Inc()
	s.metrics.MergeRequestsTotal.WithLabelValues(string(merge.StatusMerged)).Inc()
	s.record(lineage.HistoryEntry{
		Action:    lineage.ActionMergeCompleted,
		Actor:     p.ID,
		Summary:   fmt.Sprintf("merged %q into branch %s", req.Title, req.TargetBranchID),
		EventID:   req.EventID,
		BranchID:  req.TargetBranchID,
		VersionID: v.ID,
		RequestID: req.ID,
	})
	return req, v, nil
}

// RejectMergeRequest moves a request to the rejected terminal state.
func (s *Service) RejectMergeRequest(requestID, reason string, p guard.Principal) (*merge.MergeRequest, error) {
	start := time.Now()
	req, err := s.Merges.Reject(requestID, reason, p)
	s.finish("reject_merge_request", start, err)
	if err != nil {
		return nil, err
	}
	s.metrics.MergeRequestsTotal.WithLabelValues(string(merge.StatusRejected)).Inc()
	s.record(lineage.HistoryEntry{
		Action:    lineage.ActionMergeRejected,
		Actor:     p.ID,
		Summary:   fmt.Sprintf("rejected merge request %q: %s", req.Title, reason),
		EventID:   req.EventID,
		RequestID: req.ID,
	})
	return req, nil
}

// CloseMergeRequest moves a request to the closed terminal state.
func (s *Service) CloseMergeRequest(requestID string, p guard.Principal) (*merge.MergeRequest, error) {
	start := time.Now()
	req, err := s.Merges.Close(requestID, p)
	s.finish("close_merge_request", start, err)
	if err != nil {
		return nil, err
	}
	s.metrics.MergeRequestsTotal.WithLabelValues(string(merge.StatusClosed)).Inc()
	s.record(lineage.HistoryEntry{
		Action:    lineage.ActionMergeClosed,
		Actor:     p.ID,
		Summary:   fmt.Sprintf("closed merge request %q", req.Title),
		EventID:   req.EventID,
		RequestID: req.ID,
	})
	return req, nil
}

// AcquireLock takes the advisory editing lock on a version.
func (s *Service) AcquireLock(versionID, reason string, ttl time.Duration, p guard.Principal) (*guard.Lock, error) {
	start := time.Now()
	l, err := s.Guard.AcquireLock(versionID, p.ID, reason, ttl)
	s.finish("acquire_lock", start, err)
	if err != nil {
		if errors.Is(err, guard.ErrAlreadyLocked) {
			s.metrics.LockContentionTotal.Inc()
		}
		return nil, err
	}
	s.metrics.LockAcquisitionsTotal.Inc()
	s.record(lineage.HistoryEntry{
		Action:    lineage.ActionLockAcquired,
		Actor:     p.ID,
		Summary:   fmt.Sprintf("locked version %s: %s", versionID, reason),
		VersionID: versionID,
	})
	return l, nil
}

// ReleaseLock drops the advisory lock on a version.
func (s *Service) ReleaseLock(versionID string, p guard.Principal) error {
	start := time.Now()
	err := s.Guard.ReleaseLock(versionID, p.ID)
	s.finish("release_lock", start, err)
	if err != nil {
		return err
	}
	s.record(lineage.HistoryEntry{
		Action:    lineage.ActionLockReleased,
		Actor:     p.ID,
		Summary:   fmt.Sprintf("unlocked version %s", versionID),
		VersionID: versionID,
	})
	return nil
}

// AddComment annotates a version, optionally as a threaded reply.
func (s *Service) AddComment(params comment.AddParams, p guard.Principal) (*comment.Comment, error) {
	start := time.Now()
	params.Author = p.ID
	c, err := s.Comments.Add(params)
	s.finish("add_comment", start, err)
	if err != nil {
		return nil, err
	}
	s.record(lineage.HistoryEntry{
		Action:    lineage.ActionCommentAdded,
		Actor:     p.ID,
		Summary:   fmt.Sprintf("commented on version %s", params.VersionID),
		VersionID: params.VersionID,
	})
	return c, nil
}

// ResolveComment marks a comment thread entry resolved.
func (s *Service) ResolveComment(commentID string, p guard.Principal) (*comment.Comment, error) {
	start := time.Now()
	c, err := s.Comments.SetResolved(commentID, true)
	s.finish("resolve_comment", start, err)
	if err != nil {
		return nil, err
	}
	s.record(lineage.HistoryEntry{
		Action:    lineage.ActionCommentResolved,
		Actor:     p.ID,
		Summary:   fmt.Sprintf("resolved comment %s", commentID),
		VersionID: c.VersionID,
	})
	return c, nil
}

// History returns the newest audit entries up to limit (0 = all).
func (s *Service) History(limit int) ([]lineage.HistoryEntry, error) {
	return s.Audit.Entries(limit)
}

// ActivitySummary aggregates one actor's audit activity over a window.
func (s *Service) ActivitySummary(actor string, from, to time.Time) (*lineage.ActivitySummary, error) {
	return s.Audit.Summarize(actor, from, to)
}

// record appends an audit entry; audit failures are logged, not returned,
// so a completed operation is never reported as failed.
func (s *Service) record(e lineage.HistoryEntry) {
	if _, err := s.Audit.Record(e); err != nil {
		s.log.Error("audit record failed").Err(err).Str("action", string(e.Action)).Send()
	}
}
