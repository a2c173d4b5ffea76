// ABOUTME: Replayable patch derived from a structural diff
// ABOUTME: Ordered add/replace/remove ops with exact round-trip apply

package patch

import (
	"errors"
	"fmt"
	"sort"

	"github.com/mfriis/reves/pkg/diff"
	"github.com/mfriis/reves/pkg/doctree"
)

var (
	// ErrPathNotFound indicates a replace/remove against an absent path
	ErrPathNotFound = errors.New("patch: path not found")

	// ErrPathConflict indicates an add against an already-populated path
	ErrPathConflict = errors.New("patch: path already populated")
)

// OpKind is the closed set of patch operations.
type OpKind string

const (
	OpAdd     OpKind = "add"
	OpReplace OpKind = "replace"
	OpRemove  OpKind = "remove"
)

// Op is one patch step. Old is set for replace/remove, New for
// add/replace.
type Op struct {
	Kind OpKind `json:"kind"`
	Path string `json:"path"`
	Old  any    `json:"old,omitempty"`
	New  any    `json:"new,omitempty"`
}

// Patch is an ordered op sequence. Applying the same patch to the same
// source always yields the same result.
type Patch struct {
	Ops []Op `json:"ops"`
}

// Empty reports whether the patch changes nothing.
func (p Patch) Empty() bool {
	return len(p.Ops) == 0
}

// Build derives a patch such that Apply(source, Build(source, target))
// reproduces target exactly. Ops are emitted replaces first, then removes
// child-before-parent (array tails highest index first), then adds
// parent-before-child.
func Build(source, target doctree.Document) Patch {
	return FromDiff(diff.Diff(source, target))
}

// FromDiff converts an already-computed diff into an ordered patch.
func FromDiff(d *diff.Result) Patch {
	var replaces, removes, adds []Op
	for _, c := range d.Changes {
		switch c.Kind {
		case diff.Added:
			adds = append(adds, Op{Kind: OpAdd, Path: c.Path, New: c.New})
		case diff.Removed:
			removes = append(removes, Op{Kind: OpRemove, Path: c.Path, Old: c.Old})
		default:
			replaces = append(replaces, Op{Kind: OpReplace, Path: c.Path, Old: c.Old, New: c.New})
		}
	}
	sort.SliceStable(adds, func(i, j int) bool {
		return PathLess(adds[i].Path, adds[j].Path)
	})
	sort.SliceStable(removes, func(i, j int) bool {
		return PathLess(removes[j].Path, removes[i].Path)
	})

	ops := make([]Op, 0, len(replaces)+len(removes)+len(adds))
	ops = append(ops, replaces...)
	ops = append(ops, removes...)
	ops = append(ops, adds...)
	return Patch{Ops: ops}
}

// Apply replays the patch over a copy of doc. The input document is never
// modified. Fails with ErrPathNotFound or ErrPathConflict on a mismatched
// document; ops are applied strictly in sequence with no reordering.
func Apply(doc doctree.Document, p Patch) (doctree.Document, error) {
	out := doctree.Clone(doc)
	for _, op := range p.Ops {
		_, present := doctree.Get(out, op.Path)
		switch op.Kind {
		case OpAdd:
			if present {
				return nil, fmt.Errorf("%w: add %q", ErrPathConflict, op.Path)
			}
			if err := doctree.Set(out, op.Path, doctree.CloneValue(op.New)); err != nil {
				return nil, fmt.Errorf("%w: add %q", ErrPathNotFound, op.Path)
			}
		case OpReplace:
			if !present {
				return nil, fmt.Errorf("%w: replace %q", ErrPathNotFound, op.Path)
			}
			if err := doctree.Set(out, op.Path, doctree.CloneValue(op.New)); err != nil {
				return nil, fmt.Errorf("%w: replace %q", ErrPathNotFound, op.Path)
			}
		case OpRemove:
			if !present {
				return nil, fmt.Errorf("%w: remove %q", ErrPathNotFound, op.Path)
			}
			if err := doctree.Delete(out, op.Path); err != nil {
				return nil, fmt.Errorf("%w: remove %q", ErrPathNotFound, op.Path)
			}
		default:
			return nil, fmt.Errorf("patch: unknown op kind %q", op.Kind)
		}
	}
	return out, nil
}

// PathLess orders paths parent-before-child with numeric array indexes,
// so "x[2]" sorts before "x[10]".
func PathLess(a, b string) bool {
	as, errA := doctree.ParsePath(a)
	bs, errB := doctree.ParsePath(b)
	if errA != nil || errB != nil {
		return a < b
	}
	for i := 0; i < len(as) && i < len(bs); i++ {
		sa, sb := as[i], bs[i]
		if sa.IsIndex != sb.IsIndex {
			return sa.IsIndex
		}
		if sa.IsIndex {
			if sa.Index != sb.Index {
				return sa.Index < sb.Index
			}
			continue
		}
		if sa.Key != sb.Key {
			return sa.Key < sb.Key
		}
	}
	return len(as) < len(bs)
}
