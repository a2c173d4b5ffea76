// ABOUTME: Three-way conflict detection and merged-document construction
// ABOUTME: Two diffs against the base, overlap analysis, auto-merge split

package merge

import (
	"fmt"
	"sort"
	"strings"

	"github.com/mfriis/reves/pkg/diff"
	"github.com/mfriis/reves/pkg/doctree"
	"github.com/mfriis/reves/pkg/patch"
)

// detection is the full outcome of a three-way comparison: the conflicts
// plus the changes that merge automatically (touched by one side only, or
// convergent edits applied once).
type detection struct {
	conflicts []Conflict
	auto      []diff.Change
}

// detect runs diff(base,source) and diff(base,target) and splits the
// union of changes into conflicts and auto-mergeable changes. A path
// touched by both sides with the same resulting value is convergent and
// not a conflict; overlap between a subtree edit on one side and an edit
// inside that subtree on the other is a structural conflict reported at
// the subtree path. One side growing an array the other side shrank is a
// structural conflict at the array path: index-aligned replay cannot
// realize both edits.
func detect(base, source, target doctree.Document) detection {
	ds := diff.Diff(base, source)
	dt := diff.Diff(base, target)

	conflictPaths := make(map[string]Conflict)

	// Same-path overlap.
	for path, cs := range ds.ByPath {
		ct, ok := dt.ByPath[path]
		if !ok {
			continue
		}
		if convergent(cs, ct) {
			continue
		}
		conflictPaths[path] = classify(path, base, source, target, cs, ct)
	}

	// Subtree overlap: one side rewrote a whole subtree the other edited
	// inside. The conflict lands on the subtree (ancestor) path.
	for ps := range ds.ByPath {
		for pt := range dt.ByPath {
			if ps == pt {
				continue
			}
			anc := ""
			switch {
			case isAncestorPath(ps, pt):
				anc = ps
			case isAncestorPath(pt, ps):
				anc = pt
			default:
				continue
			}
			if _, seen := conflictPaths[anc]; seen {
				continue
			}
			conflictPaths[anc] = structuralAt(anc, base, source, target)
		}
	}

	// Sibling index overlap: an append on one side cannot replay onto an
	// array the other side shrank. The whole array conflicts.
	for ps, cs := range ds.ByPath {
		for pt, ct := range dt.ByPath {
			if ps == pt {
				continue
			}
			arr := arrayOf(ps)
			if arr == "" || arr != arrayOf(pt) {
				continue
			}
			if !growShrink(cs, ct) {
				continue
			}
			if _, seen := conflictPaths[arr]; seen {
				continue
			}
			conflictPaths[arr] = structuralAt(arr, base, source, target)
		}
	}

	conflicts := make([]Conflict, 0, len(conflictPaths))
	for _, c := range conflictPaths {
		conflicts = append(conflicts, c)
	}
	sort.Slice(conflicts, func(i, j int) bool {
		return patch.PathLess(conflicts[i].Path, conflicts[j].Path)
	})

	var auto []diff.Change
	for _, c := range ds.Changes {
		if !touchesConflict(c.Path, conflictPaths) {
			auto = append(auto, c)
		}
	}
	for _, c := range dt.Changes {
		if touchesConflict(c.Path, conflictPaths) {
			continue
		}
		if cs, ok := ds.ByPath[c.Path]; ok && convergent(cs, c) {
			continue // convergent edit already carried from the source side
		}
		auto = append(auto, c)
	}

	return detection{conflicts: conflicts, auto: auto}
}

// convergent reports whether both sides made the same edit.
func convergent(a, b diff.Change) bool {
	if a.Kind != b.Kind {
		return false
	}
	if a.Kind == diff.Removed {
		return true
	}
	return doctree.Equal(a.New, b.New)
}

// classify builds the conflict record for a path both sides touched.
func classify(path string, base, source, target doctree.Document, cs, ct diff.Change) Conflict {
	c := valuesAt(path, base, source, target)

	removed := cs.Kind == diff.Removed || ct.Kind == diff.Removed
	typeChanged := cs.Kind == diff.TypeChanged || ct.Kind == diff.TypeChanged
	switch {
	case removed:
		c.Kind = ConflictStructural
	case typeChanged:
		c.Kind = ConflictTypeChange
	case cs.Kind == diff.Added && ct.Kind == diff.Added && kindsDiffer(c.Source, c.Target):
		c.Kind = ConflictTypeChange
	case structuralValue(c.Source) || structuralValue(c.Target):
		c.Kind = ConflictStructural
	default:
		c.Kind = ConflictValue
	}

	c.Severity = severity(&c)
	if c.Severity == SeverityAuto {
		c.Suggested = suggest(&c)
	}
	if ss, ok := c.Source.(string); ok {
		if ts, ok := c.Target.(string); ok {
			c.TextDelta = diff.TextDelta(ss, ts)
		}
	}
	return c
}

// structuralAt records a subtree-versus-inner-edit conflict.
func structuralAt(path string, base, source, target doctree.Document) Conflict {
	c := valuesAt(path, base, source, target)
	c.Kind = ConflictStructural
	c.Severity = SeverityCritical
	return c
}

func valuesAt(path string, base, source, target doctree.Document) Conflict {
	c := Conflict{Path: path}
	var ok bool
	if c.Base, ok = doctree.Get(base, path); !ok {
		c.BaseAbsent = true
	}
	if c.Source, ok = doctree.Get(source, path); !ok {
		c.SourceAbsent = true
	}
	if c.Target, ok = doctree.Get(target, path); !ok {
		c.TargetAbsent = true
	}
	return c
}

// severity ranks a conflict. The deterministic superset rule wins over
// the structural-divergence rule so a pure addition still gets a
// suggestion; scalar disagreements always need a human.
func severity(c *Conflict) Severity {
	if supersetSide(c) != "" {
		return SeverityAuto
	}
	if structuralValue(c.Source) || structuralValue(c.Target) {
		return SeverityCritical
	}
	return SeverityManual
}

// suggest proposes a resolution for an auto-resolvable conflict.
func suggest(c *Conflict) *Resolution {
	switch supersetSide(c) {
	case "source":
		return &Resolution{Kind: TakeSource, Reason: "source strictly extends target"}
	case "target":
		return &Resolution{Kind: TakeTarget, Reason: "target strictly extends source"}
	}
	return nil
}

// supersetSide reports which side's object strictly contains the other's
// entries unchanged, "" when neither does.
func supersetSide(c *Conflict) string {
	if c.SourceAbsent || c.TargetAbsent {
		return ""
	}
	sm, okS := c.Source.(map[string]any)
	tm, okT := c.Target.(map[string]any)
	if !okS || !okT {
		return ""
	}
	if len(sm) > len(tm) && containsAll(sm, tm) {
		return "source"
	}
	if len(tm) > len(sm) && containsAll(tm, sm) {
		return "target"
	}
	return ""
}

func containsAll(outer, inner map[string]any) bool {
	for k, v := range inner {
		ov, ok := outer[k]
		if !ok || !doctree.Equal(ov, v) {
			return false
		}
	}
	return true
}

func structuralValue(v any) bool {
	return v != nil && doctree.KindOf(v) != doctree.KindScalar
}

func kindsDiffer(a, b any) bool {
	return doctree.KindOf(a) != doctree.KindOf(b)
}

// arrayOf returns the enclosing array path when the final segment is an
// index, "" otherwise.
func arrayOf(p string) string {
	if !strings.HasSuffix(p, "]") {
		return ""
	}
	if i := strings.LastIndex(p, "["); i > 0 {
		return p[:i]
	}
	return ""
}

// growShrink reports whether one change lengthens an array the other
// change shortens.
func growShrink(a, b diff.Change) bool {
	return (a.Kind == diff.Added && b.Kind == diff.Removed) ||
		(a.Kind == diff.Removed && b.Kind == diff.Added)
}

// isAncestorPath reports whether anc strictly contains p.
func isAncestorPath(anc, p string) bool {
	return strings.HasPrefix(p, anc+".") || strings.HasPrefix(p, anc+"[")
}

// touchesConflict reports whether a change path is a conflict path, sits
// inside one, or contains one.
func touchesConflict(path string, conflicts map[string]Conflict) bool {
	if _, ok := conflicts[path]; ok {
		return true
	}
	for cp := range conflicts {
		if isAncestorPath(cp, path) || isAncestorPath(path, cp) {
			return true
		}
	}
	return false
}

// buildMerged materializes the merge result: base plus the auto-merged
// changes plus every recorded resolution. Deterministic for a given
// input; the document inputs are not modified.
func buildMerged(base, source, target doctree.Document, conflicts []Conflict) (doctree.Document, error) {
	det := detect(base, source, target)
	combined := &diff.Result{ByPath: make(map[string]diff.Change)}
	for _, c := range det.auto {
		combined.Changes = append(combined.Changes, c)
		combined.ByPath[c.Path] = c
	}
	merged, err := patch.Apply(base, patch.FromDiff(combined))
	if err != nil {
		return nil, err
	}

	type chosen struct {
		path   string
		value  any
		absent bool
	}
	var sets, deletes []chosen
	for i := range conflicts {
		c := &conflicts[i]
		if c.Resolution == nil {
			return nil, fmt.Errorf("%w: unresolved conflict at %q", ErrInvalidState, c.Path)
		}
		var pick chosen
		pick.path = c.Path
		switch c.Resolution.Kind {
		case TakeSource:
			pick.value, pick.absent = c.Source, c.SourceAbsent
		case TakeTarget:
			pick.value, pick.absent = c.Target, c.TargetAbsent
		case Custom:
			pick.value = c.Resolution.Value
		default:
			return nil, fmt.Errorf("%w: unknown resolution kind %q", ErrInvalidState, c.Resolution.Kind)
		}
		if pick.absent {
			deletes = append(deletes, pick)
		} else {
			sets = append(sets, pick)
		}
	}
	sort.Slice(sets, func(i, j int) bool { return patch.PathLess(sets[i].path, sets[j].path) })
	sort.Slice(deletes, func(i, j int) bool { return patch.PathLess(deletes[j].path, deletes[i].path) })

	for _, s := range sets {
		if err := doctree.Set(merged, s.path, doctree.CloneValue(s.value)); err != nil {
			return nil, fmt.Errorf("apply resolution at %q: %w", s.path, err)
		}
	}
	for _, d := range deletes {
		if _, present := doctree.Get(merged, d.path); !present {
			continue
		}
		if err := doctree.Delete(merged, d.path); err != nil {
			return nil, fmt.Errorf("apply resolution at %q: %w", d.path, err)
		}
	}
	return merged, nil
}
