// ABOUTME: Ordered leaf view of a document tree
// ABOUTME: Object keys sorted, array elements in index order

package doctree

import "sort"

// PathValue is one leaf of the flattened document.
type PathValue struct {
	Path  string
	Value any
}

// Flatten lists every leaf path with its scalar value, depth-first.
// Empty objects and arrays appear as leaves themselves so no populated
// path is lost in the round trip.
func Flatten(doc Document) []PathValue {
	var out []PathValue
	flattenValue("", map[string]any(doc), &out)
	return out
}

func flattenValue(path string, v any, out *[]PathValue) {
	switch n := v.(type) {
	case map[string]any:
		if len(n) == 0 && path != "" {
			*out = append(*out, PathValue{Path: path, Value: n})
			return
		}
		keys := make([]string, 0, len(n))
		for k := range n {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			flattenValue(Child(path, k), n[k], out)
		}
	case []any:
		if len(n) == 0 && path != "" {
			*out = append(*out, PathValue{Path: path, Value: n})
			return
		}
		for i, c := range n {
			flattenValue(Elem(path, i), c, out)
		}
	default:
		*out = append(*out, PathValue{Path: path, Value: n})
	}
}
