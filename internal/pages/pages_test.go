package pages

import (
	"errors"
	"reflect"
	"testing"
)

func boolPtr(v bool) *bool { return &v }

func TestEffectiveCellIndices(t *testing.T) {
	p := Page{
		ID: "p1",
		HighlightedGroups: []HighlightGroup{
			{CellIndices: []int{5, 1, 3}},
			{Enabled: boolPtr(true), CellIndices: []int{3, 2}},
			{Enabled: boolPtr(false), CellIndices: []int{100, 0}},
		},
	}

	got := EffectiveCellIndices(p)
	want := []int{1, 2, 3, 5}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}

	t.Run("noGroups", func(t *testing.T) {
		got := EffectiveCellIndices(Page{ID: "empty"})
		if len(got) != 0 {
			t.Fatalf("expected empty indices, got %v", got)
		}
	})
}

func TestMemoryRegistry(t *testing.T) {
	r := NewMemoryRegistry()

	if err := r.Put(Page{ID: "a", Name: "A"}); err != nil {
		t.Fatalf("put a: %v", err)
	}
	if err := r.Put(Page{ID: "b", Name: "B"}); err != nil {
		t.Fatalf("put b: %v", err)
	}
	if err := r.Put(Page{ID: "a", Name: "A2"}); err != nil {
		t.Fatalf("replace a: %v", err)
	}

	all := r.HighlightPages()
	if len(all) != 2 || all[0].ID != "a" || all[0].Name != "A2" || all[1].ID != "b" {
		t.Fatalf("unexpected pages: %+v", all)
	}

	if err := r.Delete("a"); err != nil {
		t.Fatalf("delete a: %v", err)
	}
	if _, err := r.Get("a"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, ok := Find(r, "b"); !ok {
		t.Fatal("expected to find page b")
	}
	if err := r.Put(Page{}); err == nil {
		t.Fatal("expected error for empty id")
	}
}

func TestMemoryRegistry_ReturnsCopies(t *testing.T) {
	r := NewMemoryRegistry()
	cells := []int{1, 2}
	r.Put(Page{ID: "a", HighlightedGroups: []HighlightGroup{{CellIndices: cells}}})

	cells[0] = 99
	p, _ := r.Get("a")
	if p.HighlightedGroups[0].CellIndices[0] != 1 {
		t.Fatalf("registry aliased caller slice: %v", p.HighlightedGroups[0].CellIndices)
	}
}
