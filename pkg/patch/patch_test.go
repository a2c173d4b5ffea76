// ABOUTME: Tests for patch derivation and replay
// ABOUTME: Verifies round-trip exactness, op ordering and mismatch errors

package patch

import (
	"errors"
	"testing"

	"github.com/mfriis/reves/pkg/doctree"
)

func TestRoundTrip(t *testing.T) {
	source := doctree.Document{
		"metadata": map[string]any{"title": "draft", "owner": "alice"},
		"analyses": []any{
			map[string]any{"id": "an1"},
			map[string]any{"id": "an2"},
		},
	}
	target := doctree.Document{
		"metadata": map[string]any{"title": "final"},
		"analyses": []any{
			map[string]any{"id": "an1", "method": "m1"},
		},
		"outputs": []any{"tab1"},
	}

	p := Build(source, target)
	got, err := Apply(source, p)
	if err != nil {
		t.Fatalf("Failed to apply: %v", err)
	}
	if !doctree.Equal(got, target) {
		t.Errorf("Expected patched source to equal target, got %v", got)
	}

	// The reverse patch restores the source.
	back := Build(target, source)
	restored, err := Apply(got, back)
	if err != nil {
		t.Fatalf("Failed to apply reverse patch: %v", err)
	}
	if !doctree.Equal(restored, source) {
		t.Errorf("Expected reverse patch to restore source, got %v", restored)
	}
}

func TestApplyDoesNotMutateInput(t *testing.T) {
	source := doctree.Document{"metadata": map[string]any{"title": "x"}}
	target := doctree.Document{"metadata": map[string]any{"title": "y"}}

	if _, err := Apply(source, Build(source, target)); err != nil {
		t.Fatalf("Failed to apply: %v", err)
	}
	if v, _ := doctree.Get(source, "metadata.title"); v != "x" {
		t.Errorf("Expected input untouched, got '%v'", v)
	}
}

func TestOpOrdering(t *testing.T) {
	source := doctree.Document{
		"metadata": map[string]any{"title": "x"},
		"outputs":  []any{"t1", "t2", "t3"},
	}
	target := doctree.Document{
		"metadata": map[string]any{"title": "y"},
		"outputs":  []any{"t1"},
		"extras":   map[string]any{"note": "n"},
	}

	p := Build(source, target)

	// Replaces first, removes highest index first, adds parent before child.
	if p.Ops[0].Kind != OpReplace {
		t.Errorf("Expected first op to be a replace, got %s", p.Ops[0].Kind)
	}
	var removePaths []string
	for _, op := range p.Ops {
		if op.Kind == OpRemove {
			removePaths = append(removePaths, op.Path)
		}
	}
	if len(removePaths) != 2 {
		t.Fatalf("Expected 2 removes, got %d", len(removePaths))
	}
	if removePaths[0] != "outputs[2]" || removePaths[1] != "outputs[1]" {
		t.Errorf("Expected removes in descending index order, got %v", removePaths)
	}
	if p.Ops[len(p.Ops)-1].Kind != OpAdd {
		t.Errorf("Expected adds last, got %s", p.Ops[len(p.Ops)-1].Kind)
	}

	got, err := Apply(source, p)
	if err != nil {
		t.Fatalf("Failed to apply: %v", err)
	}
	if !doctree.Equal(got, target) {
		t.Errorf("Expected patched source to equal target, got %v", got)
	}
}

func TestApplyMismatch(t *testing.T) {
	doc := doctree.Document{"metadata": map[string]any{"title": "x"}}

	_, err := Apply(doc, Patch{Ops: []Op{{Kind: OpReplace, Path: "metadata.missing", New: 1}}})
	if !errors.Is(err, ErrPathNotFound) {
		t.Errorf("Expected ErrPathNotFound for replace, got %v", err)
	}

	_, err = Apply(doc, Patch{Ops: []Op{{Kind: OpRemove, Path: "metadata.missing"}}})
	if !errors.Is(err, ErrPathNotFound) {
		t.Errorf("Expected ErrPathNotFound for remove, got %v", err)
	}

	_, err = Apply(doc, Patch{Ops: []Op{{Kind: OpAdd, Path: "metadata.title", New: "y"}}})
	if !errors.Is(err, ErrPathConflict) {
		t.Errorf("Expected ErrPathConflict for add, got %v", err)
	}
}

func TestEmptyPatch(t *testing.T) {
	doc := doctree.Document{"a": 1}
	p := Build(doc, doctree.Clone(doc))
	if !p.Empty() {
		t.Errorf("Expected empty patch for identical documents, got %d ops", len(p.Ops))
	}
	got, err := Apply(doc, p)
	if err != nil {
		t.Fatalf("Failed to apply empty patch: %v", err)
	}
	if !doctree.Equal(got, doc) {
		t.Errorf("Expected unchanged document")
	}
}

func TestPathLessNumericIndexes(t *testing.T) {
	if !PathLess("outputs[2]", "outputs[10]") {
		t.Errorf("Expected outputs[2] < outputs[10]")
	}
	if !PathLess("analyses", "analyses[0]") {
		t.Errorf("Expected parent before child")
	}
	if !PathLess("analyses[0]", "analyses[0].id") {
		t.Errorf("Expected analyses[0] before its children")
	}
}
