// ABOUTME: Structural diff between two document snapshots
// ABOUTME: Classifies per-path changes and summarizes affected sections

package diff

import (
	"sort"

	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/mfriis/reves/pkg/doctree"
)

// Kind classifies a single path change.
type Kind string

const (
	Added        Kind = "added"
	Removed      Kind = "removed"
	ValueChanged Kind = "value_changed"
	TypeChanged  Kind = "type_changed"
)

// Change records one divergence. Added and Removed are reported at the
// topmost diverging path and carry the whole subtree. TextDelta is a
// display-only compact delta, present when both sides are strings.
type Change struct {
	Path      string `json:"path"`
	Kind      Kind   `json:"kind"`
	Old       any    `json:"old,omitempty"`
	New       any    `json:"new,omitempty"`
	TextDelta string `json:"text_delta,omitempty"`
}

// Summary counts changes per kind and lists affected top-level sections.
type Summary struct {
	Added        int      `json:"added"`
	Removed      int      `json:"removed"`
	ValueChanged int      `json:"value_changed"`
	TypeChanged  int      `json:"type_changed"`
	Sections     []string `json:"sections,omitempty"`
}

// Result is the full outcome of a diff: ordered change list, per-path
// lookup, and the summary.
type Result struct {
	Changes []Change
	ByPath  map[string]Change
	Summary Summary
}

// Empty reports whether the two documents were identical.
func (r *Result) Empty() bool {
	return len(r.Changes) == 0
}

// Diff walks base and other in parallel and reports every divergence.
// Object keys compare order-independently; arrays compare index-aligned,
// so an element shift shows up as remove+add pairs, not a move.
// Pure function: no side effects, inputs are not modified.
func Diff(base, other doctree.Document) *Result {
	r := &Result{ByPath: make(map[string]Change)}
	diffValue("", map[string]any(base), map[string]any(other), r)

	sections := make(map[string]bool)
	for _, c := range r.Changes {
		sections[doctree.TopSection(c.Path)] = true
		switch c.Kind {
		case Added:
			r.Summary.Added++
		case Removed:
			r.Summary.Removed++
		case ValueChanged:
			r.Summary.ValueChanged++
		case TypeChanged:
			r.Summary.TypeChanged++
		}
	}
	for s := range sections {
		r.Summary.Sections = append(r.Summary.Sections, s)
	}
	sort.Strings(r.Summary.Sections)
	return r
}

func diffValue(path string, a, b any, r *Result) {
	ka, kb := doctree.KindOf(a), doctree.KindOf(b)
	if ka != kb {
		record(r, Change{Path: path, Kind: TypeChanged, Old: a, New: b})
		return
	}
	switch ka {
	case doctree.KindObject:
		am, _ := a.(map[string]any)
		bm, _ := b.(map[string]any)
		keys := make(map[string]bool, len(am)+len(bm))
		for k := range am {
			keys[k] = true
		}
		for k := range bm {
			keys[k] = true
		}
		ordered := make([]string, 0, len(keys))
		for k := range keys {
			ordered = append(ordered, k)
		}
		sort.Strings(ordered)
		for _, k := range ordered {
			av, inA := am[k]
			bv, inB := bm[k]
			child := doctree.Child(path, k)
			switch {
			case inA && inB:
				diffValue(child, av, bv, r)
			case inB:
				record(r, Change{Path: child, Kind: Added, New: bv})
			default:
				record(r, Change{Path: child, Kind: Removed, Old: av})
			}
		}
	case doctree.KindArray:
		aa, _ := a.([]any)
		ba, _ := b.([]any)
		n := len(aa)
		if len(ba) < n {
			n = len(ba)
		}
		for i := 0; i < n; i++ {
			diffValue(doctree.Elem(path, i), aa[i], ba[i], r)
		}
		for i := n; i < len(ba); i++ {
			record(r, Change{Path: doctree.Elem(path, i), Kind: Added, New: ba[i]})
		}
		for i := n; i < len(aa); i++ {
			record(r, Change{Path: doctree.Elem(path, i), Kind: Removed, Old: aa[i]})
		}
	default:
		if !doctree.Equal(a, b) {
			c := Change{Path: path, Kind: ValueChanged, Old: a, New: b}
			if as, ok := a.(string); ok {
				if bs, ok := b.(string); ok {
					c.TextDelta = TextDelta(as, bs)
				}
			}
			record(r, c)
		}
	}
}

func record(r *Result, c Change) {
	r.Changes = append(r.Changes, c)
	r.ByPath[c.Path] = c
}

// TextDelta renders a compact patch between two strings for reviewer
// display. Never used for merging; the document values stay canonical.
func TextDelta(old, new string) string {
	dmp := diffmatchpatch.New()
	return dmp.PatchToText(dmp.PatchMake(old, new))
}
