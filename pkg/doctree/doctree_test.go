// ABOUTME: Tests for the document tree model
// ABOUTME: Verifies path parsing, access, mutation and structural equality

package doctree

import (
	"errors"
	"testing"
)

func sampleDoc() Document {
	return Document{
		"metadata": map[string]any{
			"title":   "Primary Analysis",
			"version": 3,
		},
		"analyses": []any{
			map[string]any{"id": "an1", "method": map[string]any{"id": "m1"}},
			map[string]any{"id": "an2", "method": map[string]any{"id": "m2"}},
		},
		"outputs": []any{"tab1", "tab2"},
	}
}

func TestParsePath(t *testing.T) {
	segs, err := ParsePath("analyses[2].method.id")
	if err != nil {
		t.Fatalf("Failed to parse path: %v", err)
	}
	if len(segs) != 4 {
		t.Fatalf("Expected 4 segments, got %d", len(segs))
	}
	if segs[0].Key != "analyses" || segs[0].IsIndex {
		t.Errorf("Expected key segment 'analyses', got %+v", segs[0])
	}
	if !segs[1].IsIndex || segs[1].Index != 2 {
		t.Errorf("Expected index segment 2, got %+v", segs[1])
	}
	if segs[3].Key != "id" {
		t.Errorf("Expected final key 'id', got %+v", segs[3])
	}
}

func TestParsePathRejectsMalformed(t *testing.T) {
	bad := []string{"", "a[", "a[x]", "a[-1]", "a."}
	for _, path := range bad {
		if _, err := ParsePath(path); !errors.Is(err, ErrBadPath) {
			t.Errorf("Expected ErrBadPath for %q, got %v", path, err)
		}
	}
}

func TestGet(t *testing.T) {
	doc := sampleDoc()

	v, ok := Get(doc, "analyses[1].method.id")
	if !ok {
		t.Fatalf("Failed to get nested path")
	}
	if v != "m2" {
		t.Errorf("Expected 'm2', got '%v'", v)
	}

	if _, ok := Get(doc, "analyses[5].id"); ok {
		t.Errorf("Expected out-of-range index to miss")
	}
	if _, ok := Get(doc, "metadata.missing"); ok {
		t.Errorf("Expected absent key to miss")
	}
	if _, ok := Get(doc, "metadata[0]"); ok {
		t.Errorf("Expected index into object to miss")
	}
}

func TestSet(t *testing.T) {
	doc := sampleDoc()

	if err := Set(doc, "metadata.title", "Final Analysis"); err != nil {
		t.Fatalf("Failed to set: %v", err)
	}
	if v, _ := Get(doc, "metadata.title"); v != "Final Analysis" {
		t.Errorf("Expected 'Final Analysis', got '%v'", v)
	}

	// New key under an existing object.
	if err := Set(doc, "metadata.status", "draft"); err != nil {
		t.Fatalf("Failed to set new key: %v", err)
	}

	// Append at index == len.
	if err := Set(doc, "outputs[2]", "tab3"); err != nil {
		t.Fatalf("Failed to append: %v", err)
	}
	if v, _ := Get(doc, "outputs[2]"); v != "tab3" {
		t.Errorf("Expected 'tab3', got '%v'", v)
	}

	// Gap beyond the append position refuses.
	if err := Set(doc, "outputs[9]", "x"); !errors.Is(err, ErrIndexRange) {
		t.Errorf("Expected ErrIndexRange, got %v", err)
	}

	// Missing parent refuses.
	if err := Set(doc, "missing.child", 1); !errors.Is(err, ErrNoParent) {
		t.Errorf("Expected ErrNoParent, got %v", err)
	}
}

func TestDelete(t *testing.T) {
	doc := sampleDoc()

	if err := Delete(doc, "metadata.version"); err != nil {
		t.Fatalf("Failed to delete: %v", err)
	}
	if _, ok := Get(doc, "metadata.version"); ok {
		t.Errorf("Expected metadata.version to be gone")
	}

	// Array removal shifts later elements down.
	if err := Delete(doc, "outputs[0]"); err != nil {
		t.Fatalf("Failed to delete array element: %v", err)
	}
	if v, _ := Get(doc, "outputs[0]"); v != "tab2" {
		t.Errorf("Expected 'tab2' shifted to index 0, got '%v'", v)
	}

	if err := Delete(doc, "outputs[9]"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestCloneIndependence(t *testing.T) {
	doc := sampleDoc()
	cloned := Clone(doc)

	if err := Set(cloned, "analyses[0].method.id", "changed"); err != nil {
		t.Fatalf("Failed to set on clone: %v", err)
	}
	if v, _ := Get(doc, "analyses[0].method.id"); v != "m1" {
		t.Errorf("Expected original untouched, got '%v'", v)
	}
}

func TestEqualNumericTolerance(t *testing.T) {
	// A document that went through JSON widens ints to float64.
	a := Document{"n": 3, "nested": map[string]any{"x": []any{1, 2}}}
	b := Document{"n": float64(3), "nested": map[string]any{"x": []any{float64(1), float64(2)}}}
	if !Equal(a, b) {
		t.Errorf("Expected numerically equal documents to compare equal")
	}

	if Equal(Document{"n": 3}, Document{"n": "3"}) {
		t.Errorf("Expected number and string to differ")
	}
	if Equal(Document{"n": 3}, Document{"n": 3, "m": 1}) {
		t.Errorf("Expected documents with different keys to differ")
	}
}

func TestTopSection(t *testing.T) {
	cases := map[string]string{
		"analyses[2].method.id": "analyses",
		"metadata.title":        "metadata",
		"outputs":               "outputs",
	}
	for path, want := range cases {
		if got := TopSection(path); got != want {
			t.Errorf("Expected section %q for %q, got %q", want, path, got)
		}
	}
}

func TestFlatten(t *testing.T) {
	doc := Document{
		"b": map[string]any{"y": 2, "x": 1},
		"a": []any{"s"},
		"c": map[string]any{},
	}
	leaves := Flatten(doc)

	want := []PathValue{
		{Path: "a[0]", Value: "s"},
		{Path: "b.x", Value: 1},
		{Path: "b.y", Value: 2},
		{Path: "c", Value: map[string]any{}},
	}
	if len(leaves) != len(want) {
		t.Fatalf("Expected %d leaves, got %d", len(want), len(leaves))
	}
	for i := range want {
		if leaves[i].Path != want[i].Path {
			t.Errorf("Expected path %q at position %d, got %q", want[i].Path, i, leaves[i].Path)
		}
		if !Equal(leaves[i].Value, want[i].Value) {
			t.Errorf("Expected value %v at %q, got %v", want[i].Value, want[i].Path, leaves[i].Value)
		}
	}
}
