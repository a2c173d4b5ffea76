// ABOUTME: Tests for lineage traversal over the version DAG
// ABOUTME: Verifies ancestor chains, merge base and branch history

package lineage

import (
	"errors"
	"testing"

	"github.com/mfriis/reves/pkg/branch"
	"github.com/mfriis/reves/pkg/doctree"
	"github.com/mfriis/reves/pkg/guard"
	"github.com/mfriis/reves/pkg/storage"
	"github.com/mfriis/reves/pkg/version"
)

func setupTestWalker(t *testing.T) (*Walker, *branch.Manager, *version.Store) {
	db := storage.NewMemory()
	versions := version.NewStore(db)
	g := guard.NewGuard(db)
	branches := branch.NewManager(db, versions, g)
	return NewWalker(versions), branches, versions
}

var alice = guard.Principal{ID: "alice"}

func TestAncestorsNearestFirst(t *testing.T) {
	w, branches, _ := setupTestWalker(t)

	main, v0, _ := branches.Init("ev1", "main", doctree.Document{"n": 0}, "alice")
	v1, _ := branches.Commit(main.ID, doctree.Document{"n": 1}, v0.ID, "c1", alice)
	v2, _ := branches.Commit(main.ID, doctree.Document{"n": 2}, v1.ID, "c2", alice)

	anc, err := w.Ancestors(v2.ID, 0)
	if err != nil {
		t.Fatalf("Failed to walk ancestors: %v", err)
	}
	if len(anc) != 2 {
		t.Fatalf("Expected 2 ancestors, got %d", len(anc))
	}
	if anc[0].ID != v1.ID || anc[1].ID != v0.ID {
		t.Errorf("Expected nearest-first order v1,v0")
	}

	// Depth bound.
	anc, _ = w.Ancestors(v2.ID, 1)
	if len(anc) != 1 || anc[0].ID != v1.ID {
		t.Errorf("Expected depth 1 to stop at v1")
	}

	// The root has no ancestors.
	anc, _ = w.Ancestors(v0.ID, 0)
	if len(anc) != 0 {
		t.Errorf("Expected no ancestors for the root, got %d", len(anc))
	}
}

func TestDescendants(t *testing.T) {
	w, branches, _ := setupTestWalker(t)

	main, v0, _ := branches.Init("ev1", "main", doctree.Document{"n": 0}, "alice")
	v1, _ := branches.Commit(main.ID, doctree.Document{"n": 1}, v0.ID, "c1", alice)
	_, fv, _ := branches.Fork("side", branch.ForkSource{BranchID: main.ID, VersionID: v0.ID}, "alice")

	desc, err := w.Descendants(v0.ID, 0)
	if err != nil {
		t.Fatalf("Failed to walk descendants: %v", err)
	}
	ids := map[string]bool{}
	for _, v := range desc {
		ids[v.ID] = true
	}
	if len(desc) != 2 || !ids[v1.ID] || !ids[fv.ID] {
		t.Errorf("Expected descendants {v1, fork}, got %d", len(desc))
	}
}

func TestMergeBase(t *testing.T) {
	w, branches, _ := setupTestWalker(t)

	main, v0, _ := branches.Init("ev1", "main", doctree.Document{"n": 0}, "alice")
	fork, fv, _ := branches.Fork("side", branch.ForkSource{BranchID: main.ID}, "alice")

	mainHead, _ := branches.Commit(main.ID, doctree.Document{"n": 1}, v0.ID, "on main", alice)
	forkHead, _ := branches.Commit(fork.ID, doctree.Document{"n": 2}, fv.ID, "on fork", alice)

	base, err := w.MergeBase(forkHead.ID, mainHead.ID)
	if err != nil {
		t.Fatalf("Failed to find merge base: %v", err)
	}
	if base.ID != v0.ID {
		t.Errorf("Expected merge base v0, got %s", base.ID)
	}

	// A fast-forward pair returns the older version.
	base, err = w.MergeBase(v0.ID, mainHead.ID)
	if err != nil {
		t.Fatalf("Failed on fast-forward pair: %v", err)
	}
	if base.ID != v0.ID {
		t.Errorf("Expected fast-forward base v0, got %s", base.ID)
	}
}

func TestMergeBaseNoCommonAncestor(t *testing.T) {
	w, branches, _ := setupTestWalker(t)

	_, a, _ := branches.Init("ev1", "main", doctree.Document{}, "alice")
	_, b, _ := branches.Init("ev2", "main", doctree.Document{}, "alice")

	if _, err := w.MergeBase(a.ID, b.ID); !errors.Is(err, version.ErrNotFound) {
		t.Errorf("Expected ErrNotFound for unrelated versions, got %v", err)
	}
}

func TestBranchHistory(t *testing.T) {
	w, branches, _ := setupTestWalker(t)

	main, v0, _ := branches.Init("ev1", "main", doctree.Document{"n": 0}, "alice")
	fork, fv, _ := branches.Fork("draft-2", branch.ForkSource{BranchID: main.ID}, "alice")
	head, _ := branches.Commit(fork.ID, doctree.Document{"n": 1}, fv.ID, "edit", alice)

	hist, err := w.BranchHistory(head.ID)
	if err != nil {
		t.Fatalf("Failed to walk branch history: %v", err)
	}
	if len(hist) != 2 {
		t.Fatalf("Expected 2 branch transitions, got %d: %v", len(hist), hist)
	}
	if hist[0] != main.ID || hist[1] != fork.ID {
		t.Errorf("Expected oldest-first [main fork], got %v", hist)
	}

	// A version on the original branch reports just that branch.
	hist, _ = w.BranchHistory(v0.ID)
	if len(hist) != 1 || hist[0] != main.ID {
		t.Errorf("Expected single-branch history, got %v", hist)
	}
}
