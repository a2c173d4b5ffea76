// ABOUTME: Ancestor/descendant traversal over the version DAG
// ABOUTME: Id-linked walks with depth bounds and cycle guards

package lineage

import (
	"fmt"

	"github.com/mfriis/reves/pkg/version"
)

// Walker answers lineage queries by following recorded parent and child
// links. The DAG is acyclic by construction (a parent always predates its
// children) but every walk still carries a visited set.
type Walker struct {
	versions *version.Store
}

// NewWalker creates a walker over the version store.
func NewWalker(versions *version.Store) *Walker {
	return &Walker{versions: versions}
}

// Ancestors returns the parent chain of a version, nearest first,
// excluding the version itself. maxDepth 0 means unbounded.
func (w *Walker) Ancestors(id string, maxDepth int) ([]*version.Version, error) {
	v, err := w.versions.Get(id)
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{v.ID: true}
	var out []*version.Version
	for v.ParentID != "" {
		if maxDepth > 0 && len(out) >= maxDepth {
			break
		}
		if seen[v.ParentID] {
			break
		}
		seen[v.ParentID] = true
		v, err = w.versions.Get(v.ParentID)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// Descendants returns every version reachable through child links,
// breadth-first, excluding the version itself. maxDepth 0 means
// unbounded.
func (w *Walker) Descendants(id string, maxDepth int) ([]*version.Version, error) {
	if _, err := w.versions.Get(id); err != nil {
		return nil, err
	}
	seen := map[string]bool{id: true}
	frontier := []string{id}
	var out []*version.Version
	depth := 0
	for len(frontier) > 0 && (maxDepth == 0 || depth < maxDepth) {
		var next []string
		for _, cur := range frontier {
			children, err := w.versions.Children(cur)
			if err != nil {
				return nil, err
			}
			for _, c := range children {
				if seen[c] {
					continue
				}
				seen[c] = true
				v, err := w.versions.Get(c)
				if err != nil {
					return nil, err
				}
				out = append(out, v)
				next = append(next, c)
			}
		}
		frontier = next
		depth++
	}
	return out, nil
}

// BranchHistory returns the branches a version's line has passed through,
// oldest first, ending with the version's own branch. Each fork shows up
// as one transition.
func (w *Walker) BranchHistory(id string) ([]string, error) {
	v, err := w.versions.Get(id)
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{v.ID: true}
	branches := []string{v.BranchID}
	for v.ParentID != "" && !seen[v.ParentID] {
		seen[v.ParentID] = true
		v, err = w.versions.Get(v.ParentID)
		if err != nil {
			return nil, err
		}
		if branches[len(branches)-1] != v.BranchID {
			branches = append(branches, v.BranchID)
		}
	}
	// Reverse to oldest-first.
	for i, j := 0, len(branches)-1; i < j; i, j = i+1, j-1 {
		branches[i], branches[j] = branches[j], branches[i]
	}
	return branches, nil
}

// MergeBase returns the lowest common ancestor of two versions, the base
// a three-way merge diffs against. A version counts as its own ancestor,
// so a fast-forward pair returns the older of the two.
func (w *Walker) MergeBase(aID, bID string) (*version.Version, error) {
	a, err := w.versions.Get(aID)
	if err != nil {
		return nil, err
	}
	onA := map[string]bool{}
	for cur := a; ; {
		onA[cur.ID] = true
		if cur.ParentID == "" || onA[cur.ParentID] {
			break
		}
		cur, err = w.versions.Get(cur.ParentID)
		if err != nil {
			return nil, err
		}
	}
	b, err := w.versions.Get(bID)
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	for cur := b; ; {
		if onA[cur.ID] {
			return cur, nil
		}
		seen[cur.ID] = true
		if cur.ParentID == "" || seen[cur.ParentID] {
			return nil, fmt.Errorf("%w: no common ancestor of %s and %s", version.ErrNotFound, aID, bID)
		}
		cur, err = w.versions.Get(cur.ParentID)
		if err != nil {
			return nil, err
		}
	}
}
