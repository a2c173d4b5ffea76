// ABOUTME: End-to-end tests for the service facade
// ABOUTME: Verifies operations flow through audit, metrics and the core

package service

import (
	"errors"
	"io"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mfriis/reves/internal/logger"
	"github.com/mfriis/reves/internal/metrics"
	"github.com/mfriis/reves/pkg/branch"
	"github.com/mfriis/reves/pkg/comment"
	"github.com/mfriis/reves/pkg/doctree"
	"github.com/mfriis/reves/pkg/guard"
	"github.com/mfriis/reves/pkg/lineage"
	"github.com/mfriis/reves/pkg/merge"
	"github.com/mfriis/reves/pkg/storage"
)

func setupTestService(t *testing.T) *Service {
	log := logger.NewLogger(logger.Config{Level: "error", Output: io.Discard})
	m := metrics.NewMetrics(prometheus.NewRegistry())
	return NewService(storage.NewMemory(), log, m, nil)
}

var (
	alice = guard.Principal{ID: "alice"}
	bob   = guard.Principal{ID: "bob"}
)

func TestDraftLifecycle(t *testing.T) {
	s := setupTestService(t)

	b, v0, err := s.InitEvent("ev1", "main", doctree.Document{"metadata": map[string]any{"title": "draft"}}, alice)
	if err != nil {
		t.Fatalf("Failed to init event: %v", err)
	}

	doc := doctree.Clone(v0.Document)
	if err := doctree.Set(doc, "metadata.title", "interim"); err != nil {
		t.Fatalf("Failed to edit: %v", err)
	}
	v1, err := s.SaveDraft(b.ID, doc, v0.ID, "rename title", alice)
	if err != nil {
		t.Fatalf("Failed to save draft: %v", err)
	}
	if v1.ParentID != v0.ID {
		t.Errorf("Expected draft parented on the previous head")
	}

	// A stale save loses.
	if _, err := s.SaveDraft(b.ID, doc, v0.ID, "stale", bob); err == nil {
		t.Errorf("Expected stale save to fail")
	}

	tagged, err := s.TagVersion(v1.ID, "interim-1", alice)
	if err != nil {
		t.Fatalf("Failed to tag: %v", err)
	}
	if tagged.TagName != "interim-1" {
		t.Errorf("Expected tag recorded")
	}

	// Every mutation left an audit entry.
	entries, err := s.History(0)
	if err != nil {
		t.Fatalf("Failed to read history: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("Expected 3 audit entries, got %d", len(entries))
	}
	if entries[0].Action != lineage.ActionBranchCreated ||
		entries[1].Action != lineage.ActionVersionCreated ||
		entries[2].Action != lineage.ActionTagCreated {
		t.Errorf("Expected branch/version/tag actions in order, got %+v", entries)
	}
}

func TestMergeThroughService(t *testing.T) {
	s := setupTestService(t)

	main, v0, _ := s.InitEvent("ev1", "main", doctree.Document{"a": 1, "b": 1}, alice)
	fork, fv, err := s.ForkBranch("draft-2", branch.ForkSource{BranchID: main.ID}, bob)
	if err != nil {
		t.Fatalf("Failed to fork: %v", err)
	}

	if _, err := s.SaveDraft(fork.ID, doctree.Document{"a": 5, "b": 1}, fv.ID, "edit a", bob); err != nil {
		t.Fatalf("Failed to save on fork: %v", err)
	}
	if _, err := s.SaveDraft(main.ID, doctree.Document{"a": 1, "b": 3}, v0.ID, "edit b", alice); err != nil {
		t.Fatalf("Failed to save on main: %v", err)
	}

	req, err := s.OpenMergeRequest(merge.OpenParams{
		Title:          "merge draft-2",
		SourceBranchID: fork.ID,
		TargetBranchID: main.ID,
	}, bob)
	if err != nil {
		t.Fatalf("Failed to open merge request: %v", err)
	}
	if req.Status != merge.StatusApproved {
		t.Fatalf("Expected approved, got %s", req.Status)
	}

	req, merged, err := s.CompleteMerge(req.ID, bob)
	if err != nil {
		t.Fatalf("Failed to complete: %v", err)
	}
	if req.Status != merge.StatusMerged {
		t.Errorf("Expected merged, got %s", req.Status)
	}
	want := doctree.Document{"a": 5, "b": 3}
	if !doctree.Equal(merged.Document, want) {
		t.Errorf("Expected %v, got %v", want, merged.Document)
	}

	// Lineage reaches both parents' branches.
	hist, err := s.Walker.BranchHistory(merged.ID)
	if err != nil {
		t.Fatalf("Failed to walk history: %v", err)
	}
	if len(hist) == 0 || hist[len(hist)-1] != main.ID {
		t.Errorf("Expected history ending on main, got %v", hist)
	}
}

func TestConflictResolutionThroughService(t *testing.T) {
	s := setupTestService(t)

	main, v0, _ := s.InitEvent("ev1", "main", doctree.Document{"b": 1}, alice)
	fork, fv, _ := s.ForkBranch("draft-2", branch.ForkSource{BranchID: main.ID}, bob)
	s.SaveDraft(fork.ID, doctree.Document{"b": 3}, fv.ID, "fork edit", bob)
	s.SaveDraft(main.ID, doctree.Document{"b": 7}, v0.ID, "main edit", alice)

	req, err := s.OpenMergeRequest(merge.OpenParams{
		Title:          "conflicting",
		SourceBranchID: fork.ID,
		TargetBranchID: main.ID,
	}, bob)
	if err != nil {
		t.Fatalf("Failed to open: %v", err)
	}
	if req.Status != merge.StatusHasConflicts {
		t.Fatalf("Expected has_conflicts, got %s", req.Status)
	}

	req, err = s.ResolveConflict(req.ID, "b", merge.Resolution{Kind: merge.TakeSource}, alice)
	if err != nil {
		t.Fatalf("Failed to resolve: %v", err)
	}
	if req.Status != merge.StatusApproved {
		t.Errorf("Expected approved, got %s", req.Status)
	}

	_, merged, err := s.CompleteMerge(req.ID, alice)
	if err != nil {
		t.Fatalf("Failed to complete: %v", err)
	}
	if got, _ := doctree.Get(merged.Document, "b"); !doctree.Equal(got, 3) {
		t.Errorf("Expected b=3, got %v", got)
	}
}

func TestLocksThroughService(t *testing.T) {
	s := setupTestService(t)

	_, v0, _ := s.InitEvent("ev1", "main", doctree.Document{}, alice)

	if _, err := s.AcquireLock(v0.ID, "editing", time.Minute, alice); err != nil {
		t.Fatalf("Failed to acquire: %v", err)
	}
	if _, err := s.AcquireLock(v0.ID, "also editing", time.Minute, bob); !errors.Is(err, guard.ErrAlreadyLocked) {
		t.Errorf("Expected ErrAlreadyLocked, got %v", err)
	}
	if err := s.ReleaseLock(v0.ID, alice); err != nil {
		t.Fatalf("Failed to release: %v", err)
	}
	if _, err := s.AcquireLock(v0.ID, "", time.Minute, bob); err != nil {
		t.Errorf("Expected acquire after release, got %v", err)
	}
}

func TestCommentsThroughService(t *testing.T) {
	s := setupTestService(t)

	_, v0, _ := s.InitEvent("ev1", "main", doctree.Document{}, alice)

	c, err := s.AddComment(comment.AddParams{VersionID: v0.ID, Body: "check this"}, alice)
	if err != nil {
		t.Fatalf("Failed to comment: %v", err)
	}
	if c.Author != "alice" {
		t.Errorf("Expected author taken from the principal, got %s", c.Author)
	}

	resolved, err := s.ResolveComment(c.ID, bob)
	if err != nil {
		t.Fatalf("Failed to resolve comment: %v", err)
	}
	if !resolved.Resolved {
		t.Errorf("Expected comment resolved")
	}
}

func TestActivitySummaryThroughService(t *testing.T) {
	s := setupTestService(t)

	main, v0, _ := s.InitEvent("ev1", "main", doctree.Document{"n": 1}, alice)
	s.SaveDraft(main.ID, doctree.Document{"n": 2}, v0.ID, "edit", alice)

	from := time.Now().UTC().Add(-time.Hour)
	to := time.Now().UTC().Add(time.Hour)
	sum, err := s.ActivitySummary("alice", from, to)
	if err != nil {
		t.Fatalf("Failed to summarize: %v", err)
	}
	if sum.Total != 2 {
		t.Errorf("Expected 2 entries for alice, got %d", sum.Total)
	}
	if sum.ByAction[lineage.ActionVersionCreated] != 1 || sum.ByAction[lineage.ActionBranchCreated] != 1 {
		t.Errorf("Expected one create and one branch action, got %v", sum.ByAction)
	}
}

func TestProtectAndDeleteThroughService(t *testing.T) {
	s := setupTestService(t)

	main, _, _ := s.InitEvent("ev1", "main", doctree.Document{}, alice)
	fork, _, _ := s.ForkBranch("scratch", branch.ForkSource{BranchID: main.ID}, alice)

	if _, err := s.ProtectBranch(main.ID, branch.ProtectionRules{NoDirectPush: true}, alice); err != nil {
		t.Fatalf("Failed to protect: %v", err)
	}
	if err := s.DeleteBranch(main.ID, alice); !errors.Is(err, branch.ErrProtected) {
		t.Errorf("Expected ErrProtected, got %v", err)
	}
	if err := s.DeleteBranch(fork.ID, alice); err != nil {
		t.Fatalf("Failed to delete fork: %v", err)
	}
}
