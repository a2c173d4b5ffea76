// ABOUTME: Document tree model for reporting-event snapshots
// ABOUTME: Path-addressed access into nested map/array/scalar values

package doctree

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	// ErrBadPath indicates a path string that does not parse
	ErrBadPath = errors.New("doctree: malformed path")

	// ErrNoParent indicates a path whose parent container is absent
	ErrNoParent = errors.New("doctree: parent not found")

	// ErrIndexRange indicates an array index outside the valid range
	ErrIndexRange = errors.New("doctree: index out of range")

	// ErrNotFound indicates an absent path
	ErrNotFound = errors.New("doctree: path not found")
)

// Document is a reporting-event snapshot: nested objects
// (map[string]any), arrays ([]any) and scalars. The core treats it as
// opaque structure; field semantics belong to the surrounding application.
type Document map[string]any

// Kind classifies a value's structural type.
type Kind int

const (
	KindScalar Kind = iota
	KindObject
	KindArray
)

func (k Kind) String() string {
	switch k {
	case KindObject:
		return "object"
	case KindArray:
		return "array"
	default:
		return "scalar"
	}
}

// KindOf reports the structural type of a value.
func KindOf(v any) Kind {
	switch v.(type) {
	case map[string]any, Document:
		return KindObject
	case []any:
		return KindArray
	default:
		return KindScalar
	}
}

// Segment is one step in a parsed path: an object key or an array index.
type Segment struct {
	Key     string
	Index   int
	IsIndex bool
}

// Child extends a dotted path with an object key.
func Child(path, key string) string {
	if path == "" {
		return key
	}
	return path + "." + key
}

// Elem extends a path with an array index, "outputs[2]" style.
func Elem(path string, i int) string {
	return fmt.Sprintf("%s[%d]", path, i)
}

// TopSection returns the first object key of a path, the top-level
// section the path belongs to.
func TopSection(path string) string {
	end := len(path)
	if i := strings.IndexAny(path, ".["); i >= 0 {
		end = i
	}
	return path[:end]
}

// ParsePath splits a dotted/indexed path into segments.
// "analyses[2].method.id" -> key "analyses", index 2, key "method", key "id".
func ParsePath(path string) ([]Segment, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: empty", ErrBadPath)
	}
	var segs []Segment
	rest := path
	for rest != "" {
		if rest[0] == '.' {
			rest = rest[1:]
			if rest == "" {
				return nil, fmt.Errorf("%w: %q", ErrBadPath, path)
			}
			continue
		}
		if rest[0] == '[' {
			close := strings.IndexByte(rest, ']')
			if close < 0 {
				return nil, fmt.Errorf("%w: %q", ErrBadPath, path)
			}
			idx, err := strconv.Atoi(rest[1:close])
			if err != nil || idx < 0 {
				return nil, fmt.Errorf("%w: %q", ErrBadPath, path)
			}
			segs = append(segs, Segment{Index: idx, IsIndex: true})
			rest = rest[close+1:]
			continue
		}
		end := strings.IndexAny(rest, ".[")
		if end < 0 {
			end = len(rest)
		}
		segs = append(segs, Segment{Key: rest[:end]})
		rest = rest[end:]
	}
	return segs, nil
}

// Get resolves a path against the document.
func Get(doc Document, path string) (any, bool) {
	segs, err := ParsePath(path)
	if err != nil {
		return nil, false
	}
	var node any = map[string]any(doc)
	for _, seg := range segs {
		switch n := node.(type) {
		case map[string]any:
			if seg.IsIndex {
				return nil, false
			}
			v, ok := n[seg.Key]
			if !ok {
				return nil, false
			}
			node = v
		case []any:
			if !seg.IsIndex || seg.Index >= len(n) {
				return nil, false
			}
			node = n[seg.Index]
		default:
			return nil, false
		}
	}
	return node, true
}

// Set writes a value at the path, creating or overwriting the final
// element. The parent container must already exist; an array index may be
// at most the current length (append position).
func Set(doc Document, path string, val any) error {
	segs, err := ParsePath(path)
	if err != nil {
		return err
	}
	// The root is a map, so setRec mutates it in place.
	_, err = setRec(map[string]any(doc), segs, path, val)
	return err
}

func setRec(node any, segs []Segment, path string, val any) (any, error) {
	seg := segs[0]
	switch n := node.(type) {
	case map[string]any:
		if seg.IsIndex {
			return nil, fmt.Errorf("%w: %q indexes an object", ErrBadPath, path)
		}
		if len(segs) == 1 {
			n[seg.Key] = val
			return n, nil
		}
		child, ok := n[seg.Key]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrNoParent, path)
		}
		out, err := setRec(child, segs[1:], path, val)
		if err != nil {
			return nil, err
		}
		n[seg.Key] = out
		return n, nil
	case []any:
		if !seg.IsIndex {
			return nil, fmt.Errorf("%w: %q keys into an array", ErrBadPath, path)
		}
		if len(segs) == 1 {
			switch {
			case seg.Index < len(n):
				n[seg.Index] = val
				return n, nil
			case seg.Index == len(n):
				return append(n, val), nil
			default:
				return nil, fmt.Errorf("%w: %q", ErrIndexRange, path)
			}
		}
		if seg.Index >= len(n) {
			return nil, fmt.Errorf("%w: %q", ErrNoParent, path)
		}
		out, err := setRec(n[seg.Index], segs[1:], path, val)
		if err != nil {
			return nil, err
		}
		n[seg.Index] = out
		return n, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrNoParent, path)
	}
}

// Delete removes the value at the path. Removing an array element shifts
// later elements down.
func Delete(doc Document, path string) error {
	segs, err := ParsePath(path)
	if err != nil {
		return err
	}
	_, err = delRec(map[string]any(doc), segs, path)
	return err
}

func delRec(node any, segs []Segment, path string) (any, error) {
	seg := segs[0]
	switch n := node.(type) {
	case map[string]any:
		if seg.IsIndex {
			return nil, fmt.Errorf("%w: %q", ErrNotFound, path)
		}
		child, ok := n[seg.Key]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrNotFound, path)
		}
		if len(segs) == 1 {
			delete(n, seg.Key)
			return n, nil
		}
		out, err := delRec(child, segs[1:], path)
		if err != nil {
			return nil, err
		}
		n[seg.Key] = out
		return n, nil
	case []any:
		if !seg.IsIndex || seg.Index >= len(n) {
			return nil, fmt.Errorf("%w: %q", ErrNotFound, path)
		}
		if len(segs) == 1 {
			return append(n[:seg.Index], n[seg.Index+1:]...), nil
		}
		out, err := delRec(n[seg.Index], segs[1:], path)
		if err != nil {
			return nil, err
		}
		n[seg.Index] = out
		return n, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrNotFound, path)
	}
}

// Clone deep-copies a document.
func Clone(doc Document) Document {
	if doc == nil {
		return Document{}
	}
	return Document(cloneValue(map[string]any(doc)).(map[string]any))
}

// CloneValue deep-copies any document value.
func CloneValue(v any) any {
	return cloneValue(v)
}

func cloneValue(v any) any {
	switch n := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(n))
		for k, c := range n {
			out[k] = cloneValue(c)
		}
		return out
	case Document:
		return cloneValue(map[string]any(n))
	case []any:
		out := make([]any, len(n))
		for i, c := range n {
			out[i] = cloneValue(c)
		}
		return out
	default:
		return n
	}
}

// Equal compares two values structurally. Numbers compare by value so a
// document that went through JSON (ints widened to float64) still equals
// its in-memory original.
func Equal(a, b any) bool {
	switch av := a.(type) {
	case map[string]any:
		bv, ok := asMap(b)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, v := range av {
			bc, ok := bv[k]
			if !ok || !Equal(v, bc) {
				return false
			}
		}
		return true
	case Document:
		return Equal(map[string]any(av), b)
	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i, v := range av {
			if !Equal(v, bv[i]) {
				return false
			}
		}
		return true
	default:
		if an, ok := asNumber(a); ok {
			bn, ok := asNumber(b)
			return ok && an == bn
		}
		return a == b
	}
}

func asMap(v any) (map[string]any, bool) {
	switch n := v.(type) {
	case map[string]any:
		return n, true
	case Document:
		return map[string]any(n), true
	default:
		return nil, false
	}
}

func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
