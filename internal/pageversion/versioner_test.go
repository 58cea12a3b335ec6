package pageversion

import (
	"testing"

	"pgregory.net/rapid"

	"github.com/atlasmap-sc/cellucid/internal/pages"
)

func page(id string, cells ...int) pages.Page {
	return pages.Page{
		ID:                id,
		Name:              id,
		HighlightedGroups: []pages.HighlightGroup{{CellIndices: cells}},
	}
}

func TestDigest_Idempotent(t *testing.T) {
	p := page("p1", 4, 2, 0)
	if Digest(p) != Digest(p) {
		t.Fatal("digest is not deterministic")
	}

	grown := page("p1", 4, 2, 0, 7)
	if Digest(p) == Digest(grown) {
		t.Fatal("appending a cell did not change the digest")
	}

	renamed := p
	renamed.Name = "other"
	if Digest(p) == Digest(renamed) {
		t.Fatal("renaming did not change the digest")
	}
}

func TestDigest_LargePageSubstitution(t *testing.T) {
	cells := make([]int, 0, 5000)
	for i := 0; i < 5000; i++ {
		cells = append(cells, i*2)
	}
	a := page("big", cells...)

	// Replace one unsampled middle cell with an odd index of the same count.
	swapped := append([]int(nil), cells...)
	swapped[1001] = 2003
	b := page("big", swapped...)

	if Digest(a) == Digest(b) {
		t.Fatal("middle substitution produced identical digest")
	}
}

func TestDigest_Properties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		cells := rapid.SliceOfDistinct(rapid.IntRange(0, 1_000_000), rapid.ID[int]).Draw(t, "cells")
		p := page("p", cells...)

		if Digest(p) != Digest(page("p", cells...)) {
			t.Fatal("digest changed for identical membership")
		}

		extra := 1_000_001 + rapid.IntRange(0, 1000).Draw(t, "extra")
		if Digest(p) == Digest(page("p", append(append([]int(nil), cells...), extra)...)) {
			t.Fatalf("appending cell %d did not change digest", extra)
		}
	})
}

func TestVersioner_Refresh(t *testing.T) {
	reg := pages.NewMemoryRegistry()
	reg.Put(page("p1", 1, 2, 3))
	reg.Put(page("p2", 9))

	var invalidated []string
	v := New(reg, func(id string) { invalidated = append(invalidated, id) })

	if changed := v.Refresh("p1", "p2"); len(changed) != 0 {
		t.Fatalf("first refresh should not report changes, got %v", changed)
	}
	if v.HasChanged("p1") {
		t.Fatal("unchanged page reported as changed")
	}

	reg.Put(page("p1", 1, 2, 3, 4))
	if !v.HasChanged("p1") {
		t.Fatal("expected p1 to be reported changed")
	}
	// HasChanged must not update state
	if !v.HasChanged("p1") {
		t.Fatal("HasChanged mutated stored digest")
	}

	changed := v.Refresh()
	if len(changed) != 1 || changed[0] != "p1" {
		t.Fatalf("expected [p1] changed, got %v", changed)
	}
	if len(invalidated) != 1 || invalidated[0] != "p1" {
		t.Fatalf("expected invalidation of p1, got %v", invalidated)
	}
	if v.HasChanged("p1") {
		t.Fatal("p1 still reported changed after refresh")
	}
}

func TestVersioner_UnknownPage(t *testing.T) {
	v := New(pages.NewMemoryRegistry(), nil)
	h1 := v.Hash("missing")
	h2 := v.Hash("missing")
	if h1 == "" || h1 != h2 {
		t.Fatalf("unexpected digest for unknown page: %q vs %q", h1, h2)
	}
	if changed := v.Refresh("missing"); len(changed) != 0 {
		t.Fatalf("unexpected change for unknown page: %v", changed)
	}
}

func TestVersioner_Prune(t *testing.T) {
	reg := pages.NewMemoryRegistry()
	reg.Put(page("a", 1))
	reg.Put(page("b", 2))
	v := New(reg, nil)
	v.Refresh()

	reg.Delete("a")
	removed := v.Prune()
	if len(removed) != 1 || removed[0] != "a" {
		t.Fatalf("expected [a] pruned, got %v", removed)
	}
	if v.Len() != 1 {
		t.Fatalf("expected 1 tracked page, got %d", v.Len())
	}
}

func TestFold_OrderIndependent(t *testing.T) {
	if Fold([]string{"a", "b"}) != Fold([]string{"b", "a"}) {
		t.Fatal("fold depends on order")
	}
	if Fold([]string{"a", "b"}) == Fold([]string{"a", "c"}) {
		t.Fatal("fold ignored a version change")
	}
}

func TestSnapshotDigest_MatchesVersioner(t *testing.T) {
	reg := pages.NewMemoryRegistry()
	reg.Put(page("a", 1, 2))
	v := New(reg, nil)
	snapshot := map[string]pages.Page{"a": page("a", 1, 2)}

	want := Fold([]string{v.Version("a"), v.Version("gone")})
	if got := SnapshotDigest(snapshot, []string{"gone", "a"}); got != want {
		t.Fatalf("snapshot digest %x, versioner %x", got, want)
	}
	snapshot["a"] = page("a", 1, 2, 3)
	if SnapshotDigest(snapshot, []string{"a", "gone"}) == want {
		t.Fatal("membership change not reflected")
	}
}
