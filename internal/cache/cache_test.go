package cache

import (
	"reflect"
	"testing"
	"time"

	"github.com/atlasmap-sc/cellucid/internal/model"
)

func TestKey(t *testing.T) {
	t.Run("sortedPageIDs", func(t *testing.T) {
		k1 := NewKey(model.TypeContinuousObs, "age", []string{"b", "a", "b"}, 1)
		k2 := NewKey(model.TypeContinuousObs, "age", []string{"a", "b"}, 1)
		if k1 != k2 {
			t.Fatalf("expected stable key, got %v vs %v", k1, k2)
		}
		if !reflect.DeepEqual(k1.PageIDs(), []string{"a", "b"}) {
			t.Fatalf("unexpected page ids: %v", k1.PageIDs())
		}
	})

	t.Run("delimiterInPageID", func(t *testing.T) {
		k1 := NewKey(model.TypeCategoryObs, "x", []string{"a,b"}, 0)
		k2 := NewKey(model.TypeCategoryObs, "x", []string{"a", "b"}, 0)
		if k1 == k2 {
			t.Fatal("ids containing a delimiter collided")
		}
		if !k1.References("a,b") || k1.References("a") {
			t.Fatalf("unexpected references for %v", k1.PageIDs())
		}
	})

	t.Run("digestDistinguishes", func(t *testing.T) {
		k1 := NewKey(model.TypeGeneExpression, "CD3E", []string{"p"}, 1)
		k2 := NewKey(model.TypeGeneExpression, "CD3E", []string{"p"}, 2)
		if k1 == k2 {
			t.Fatal("digest not part of key identity")
		}
	})
}

func newTestCache(t *testing.T, size int, maxAge time.Duration) *ResultCache[string] {
	t.Helper()
	c, err := NewResultCache[string](ResultConfig{Size: size, MaxAge: maxAge})
	if err != nil {
		t.Fatalf("failed to create cache: %v", err)
	}
	return c
}

func key(variable string, pages ...string) Key {
	return NewKey(model.TypeContinuousObs, variable, pages, 0)
}

func TestResultCache_LRUAndMaxAge(t *testing.T) {
	now := time.Unix(1000, 0)
	c := newTestCache(t, 2, time.Minute)
	c.SetClock(func() time.Time { return now })

	c.Set(key("a", "p1"), "A")
	c.Set(key("b", "p1"), "B")
	c.Get(key("a", "p1"))
	c.Set(key("c", "p2"), "C")

	if _, ok := c.Get(key("b", "p1")); ok {
		t.Fatal("expected least recently used entry to be evicted")
	}
	if v, ok := c.Get(key("a", "p1")); !ok || v != "A" {
		t.Fatalf("expected A, got %q (%v)", v, ok)
	}

	now = now.Add(2 * time.Minute)
	if _, ok := c.Get(key("a", "p1")); ok {
		t.Fatal("expected expired entry to miss")
	}
	if c.Contains(key("c", "p2")) {
		t.Fatal("Contains reported expired entry")
	}
	if n := c.PurgeExpired(); n != 1 {
		t.Fatalf("expected 1 purged entry, got %d", n)
	}
}

func TestResultCache_InvalidatePage(t *testing.T) {
	c := newTestCache(t, 10, 0)
	c.Set(key("a", "p1"), "1")
	c.Set(key("a", "p1", "p2"), "12")
	c.Set(key("b", "p2"), "2")

	if n := c.InvalidatePage("p1"); n != 2 {
		t.Fatalf("expected 2 entries invalidated, got %d", n)
	}
	if !c.Contains(key("b", "p2")) {
		t.Fatal("unrelated entry was removed")
	}
}

func TestResultCache_ShrinkTo(t *testing.T) {
	c := newTestCache(t, 10, 0)
	for i := 0; i < 10; i++ {
		c.Set(key(string(rune('a'+i)), "p"), "v")
	}
	removed := c.ShrinkTo(0.5)
	if removed != 5 || c.Len() != 5 {
		t.Fatalf("expected 5 removed and 5 left, got %d removed %d left", removed, c.Len())
	}
	if c.Contains(key("a", "p")) {
		t.Fatal("oldest entry survived shrink")
	}
	if !c.Contains(key("j", "p")) {
		t.Fatal("newest entry evicted by shrink")
	}
	if c.Cap() != 10 {
		t.Fatalf("shrink changed capacity to %d", c.Cap())
	}
}

func TestChunkKey(t *testing.T) {
	if got := ChunkKey("/d/X", "0/1"); got != "chunk:/d/X#0/1" {
		t.Fatalf("unexpected chunk key %q", got)
	}
}
