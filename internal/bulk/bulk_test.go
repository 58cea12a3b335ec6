package bulk

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/atlasmap-sc/cellucid/internal/model"
)

func entryFor(pages ...string) *Entry {
	return &Entry{PageIDs: pages, Data: Data{"A": {}}}
}

func TestCache_LRUEvictsLeastRecentlyAccessed(t *testing.T) {
	c, err := NewCache(5, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		p := fmt.Sprintf("p%d", i)
		c.Put(Key(FamilyGene, []string{p}), entryFor(p))
	}

	// Touch the oldest entry just before inserting one more.
	if _, ok := c.Get(Key(FamilyGene, []string{"p0"})); !ok {
		t.Fatal("p0 missing")
	}
	c.Put(Key(FamilyGene, []string{"p5"}), entryFor("p5"))

	if c.Len() != 5 {
		t.Fatalf("expected 5 entries, got %d", c.Len())
	}
	if _, ok := c.Get(Key(FamilyGene, []string{"p0"})); !ok {
		t.Fatal("recently accessed entry was evicted")
	}
	if _, ok := c.Get(Key(FamilyGene, []string{"p1"})); ok {
		t.Fatal("least recently accessed entry survived")
	}
	if c.Stats().Evictions != 1 {
		t.Fatalf("expected 1 eviction, got %d", c.Stats().Evictions)
	}
}

func TestCache_AbsoluteTTL(t *testing.T) {
	c, err := NewCache(2, 5*time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	now := time.Unix(1000, 0)
	c.SetClock(func() time.Time { return now })

	c.Put("old", entryFor("a"))
	now = now.Add(3 * time.Minute)
	c.Put("live", entryFor("b"))

	// Reading does not extend the lifetime.
	if _, ok := c.Get("old"); !ok {
		t.Fatal("old expired too early")
	}
	now = now.Add(3 * time.Minute)
	if _, ok := c.Get("old"); ok {
		t.Fatal("entry outlived its max age")
	}

	// "live" is most recently used but expires first; inserting must drop
	// it rather than evict the older-but-fresh "old2".
	c.Put("old2", entryFor("c"))
	if _, ok := c.Get("live"); !ok {
		t.Fatal("live missing")
	}
	now = now.Add(3 * time.Minute)
	c.Put("new", entryFor("d"))
	if _, ok := c.Get("old2"); !ok {
		t.Fatal("fresh entry evicted while an expired one was cached")
	}
	st := c.Stats()
	if st.Evictions != 0 || st.Expired != 2 || st.Len != 2 {
		t.Fatalf("unexpected stats: %+v", st)
	}
}

func TestCache_InvalidatePageAndClear(t *testing.T) {
	c, _ := NewCache(5, time.Minute)
	c.Put(Key(FamilyGene, []string{"p1", "p2"}), entryFor("p1", "p2"))
	c.Put(Key(FamilyObs, []string{"p2"}), entryFor("p2"))
	c.Put(Key(FamilyObs, []string{"p3"}), entryFor("p3"))

	if n := c.InvalidatePage("p2"); n != 2 {
		t.Fatalf("expected 2 entries invalidated, got %d", n)
	}
	if c.Len() != 1 {
		t.Fatalf("expected 1 entry left, got %d", c.Len())
	}
	if n := c.Clear(); n != 1 || c.Len() != 0 {
		t.Fatalf("Clear removed %d, len %d", n, c.Len())
	}
}

func pageData(v string, page string) model.PageData {
	return model.PageData{
		PageID:      page,
		Variable:    model.VariableInfo{Key: v, Kind: model.KindContinuous},
		Numbers:     []float64{1},
		CellIndices: []int{0},
		CellCount:   1,
	}
}

type recordingFetch struct {
	calls [][]string
	fail  map[string]bool
}

func (r *recordingFetch) fetch(_ context.Context, pageIDs, vars []string) (Data, error) {
	r.calls = append(r.calls, append([]string(nil), vars...))
	out := make(Data)
	for _, v := range vars {
		if r.fail[v] {
			continue
		}
		out[v] = make(map[string]model.PageData)
		for _, p := range pageIDs {
			out[v][p] = pageData(v, p)
		}
	}
	return out, nil
}

func TestLoader_PartialHitFetchesOnlyMissing(t *testing.T) {
	c, _ := NewCache(5, time.Minute)
	l := NewLoader(c, zerolog.Nop())
	rf := &recordingFetch{}
	ctx := context.Background()

	res, err := l.Load(ctx, Request{Family: FamilyGene, PageIDs: []string{"p2", "p1"}, Variables: []string{"A", "B"}}, rf.fetch)
	if err != nil || res.Outcome != OutcomeMiss {
		t.Fatalf("first load: %+v %v", res, err)
	}

	rf.calls = nil
	res, err = l.Load(ctx, Request{Family: FamilyGene, PageIDs: []string{"p1", "p2"}, Variables: []string{"A", "B", "C"}}, rf.fetch)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(rf.calls, [][]string{{"C"}}) {
		t.Fatalf("expected one fetch of [C], got %v", rf.calls)
	}
	if res.Outcome != OutcomePartial || len(res.Data) != 3 || !reflect.DeepEqual(res.Fetched, []string{"C"}) {
		t.Fatalf("unexpected partial result: %+v", res)
	}

	rf.calls = nil
	res, err = l.Load(ctx, Request{Family: FamilyGene, PageIDs: []string{"p1", "p2"}, Variables: []string{"C", "A"}}, rf.fetch)
	if err != nil {
		t.Fatal(err)
	}
	if len(rf.calls) != 0 {
		t.Fatalf("superset hit must not fetch, got %v", rf.calls)
	}
	if res.Outcome != OutcomeHit || len(res.Data) != 2 {
		t.Fatalf("expected filtered view of 2 variables, got %+v", res)
	}
	if _, ok := res.Data["B"]; ok {
		t.Fatal("filtered view leaked unrequested variable")
	}

	st := c.Stats()
	if st.Hits != 1 || st.Partial != 1 || st.Misses != 1 || st.Len != 1 {
		t.Fatalf("unexpected stats: %+v", st)
	}
}

func TestLoader_FamiliesDoNotShareEntries(t *testing.T) {
	c, _ := NewCache(5, time.Minute)
	l := NewLoader(c, zerolog.Nop())
	rf := &recordingFetch{}
	ctx := context.Background()

	if _, err := l.Load(ctx, Request{Family: FamilyGene, PageIDs: []string{"p1"}, Variables: []string{"X"}}, rf.fetch); err != nil {
		t.Fatal(err)
	}
	if _, err := l.Load(ctx, Request{Family: FamilyObs, PageIDs: []string{"p1"}, Variables: []string{"X"}}, rf.fetch); err != nil {
		t.Fatal(err)
	}
	if len(rf.calls) != 2 || c.Len() != 2 {
		t.Fatalf("expected separate entries per family, calls=%v len=%d", rf.calls, c.Len())
	}
}

func TestLoader_FailedVariablesStayMissing(t *testing.T) {
	c, _ := NewCache(5, time.Minute)
	l := NewLoader(c, zerolog.Nop())
	rf := &recordingFetch{fail: map[string]bool{"B": true}}

	res, err := l.Load(context.Background(), Request{Family: FamilyGene, PageIDs: []string{"p1"}, Variables: []string{"A", "B"}}, rf.fetch)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(res.Missing, []string{"B"}) || len(res.Data) != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}

	// The failed variable is retried on the next request.
	rf.fail = nil
	rf.calls = nil
	if _, err := l.Load(context.Background(), Request{Family: FamilyGene, PageIDs: []string{"p1"}, Variables: []string{"A", "B"}}, rf.fetch); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(rf.calls, [][]string{{"B"}}) {
		t.Fatalf("expected retry of B only, got %v", rf.calls)
	}
}

func TestLoader_FetchError(t *testing.T) {
	c, _ := NewCache(5, time.Minute)
	l := NewLoader(c, zerolog.Nop())
	boom := errors.New("boom")

	_, err := l.Load(context.Background(), Request{Family: FamilyGene, PageIDs: []string{"p1"}, Variables: []string{"A"}},
		func(context.Context, []string, []string) (Data, error) { return nil, boom })
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if c.Len() != 0 {
		t.Fatal("failed fetch must not be cached")
	}
}

func TestLoader_DigestMismatchIsMiss(t *testing.T) {
	c, _ := NewCache(5, time.Minute)
	l := NewLoader(c, zerolog.Nop())
	rf := &recordingFetch{}
	ctx := context.Background()
	req := Request{Family: FamilyGene, PageIDs: []string{"p1"}, Variables: []string{"A"}, Digest: 1}

	if _, err := l.Load(ctx, req, rf.fetch); err != nil {
		t.Fatal(err)
	}
	req.Digest = 2
	res, err := l.Load(ctx, req, rf.fetch)
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeMiss || len(rf.calls) != 2 {
		t.Fatalf("entry of another digest served: %+v calls=%v", res, rf.calls)
	}
	e, ok := c.Get(Key(FamilyGene, []string{"p1"}))
	if !ok || e.Digest != 2 {
		t.Fatalf("expected entry for digest 2, got %+v", e)
	}
	if st := c.Stats(); st.Outdated != 1 || st.Misses != 2 {
		t.Fatalf("unexpected stats: %+v", st)
	}
}

func TestCache_MergeKeepsEntryOfOtherDigest(t *testing.T) {
	c, _ := NewCache(5, time.Minute)
	key := Key(FamilyGene, []string{"p1"})
	newer := Data{"A": {"p1": pageData("A", "p1")}}
	older := Data{"B": {"p1": pageData("B", "p1")}}

	if _, stored := c.Merge(key, FamilyGene, 2, []string{"p1"}, newer); !stored {
		t.Fatal("merge into empty key not stored")
	}
	e, stored := c.Merge(key, FamilyGene, 1, []string{"p1"}, older)
	if stored {
		t.Fatal("merge of another digest overwrote the entry")
	}
	if _, ok := e.Data["A"]; ok || len(e.Data) != 1 {
		t.Fatalf("returned entry mixed digests: %v", e.Variables())
	}

	cur, ok := c.Get(key)
	if !ok || cur.Digest != 2 || !reflect.DeepEqual(cur.Variables(), []string{"A"}) {
		t.Fatalf("cached entry changed: %+v", cur)
	}

	e, stored = c.Merge(key, FamilyGene, 2, []string{"p1"}, Data{"C": {"p1": pageData("C", "p1")}})
	if !stored || !reflect.DeepEqual(e.Variables(), []string{"A", "C"}) {
		t.Fatalf("same-digest merge: stored=%v vars=%v", stored, e.Variables())
	}
}

func TestBatch_IsolatesFailuresAndReportsProgress(t *testing.T) {
	items := []string{"g0", "g1", "g2", "g3", "g4"}
	var loaded []string
	var progress [][2]int

	failed, err := Batch{
		Size: 2,
		Each: func(_ context.Context, item string) error {
			if item == "g1" {
				return errors.New("corrupt column")
			}
			loaded = append(loaded, item)
			return nil
		},
		Progress: func(done, total int) { progress = append(progress, [2]int{done, total}) },
		Log:      zerolog.Nop(),
	}.Run(context.Background(), items)
	if err != nil {
		t.Fatal(err)
	}

	if len(failed) != 1 || failed["g1"] == nil {
		t.Fatalf("unexpected failures: %v", failed)
	}
	if !reflect.DeepEqual(loaded, []string{"g0", "g2", "g3", "g4"}) {
		t.Fatalf("unexpected loaded items: %v", loaded)
	}
	if !reflect.DeepEqual(progress, [][2]int{{2, 5}, {4, 5}, {5, 5}}) {
		t.Fatalf("unexpected progress: %v", progress)
	}
}

func TestBatch_BulkFallback(t *testing.T) {
	bulkCalls := 0
	eachCalls := 0
	_, err := Batch{
		Size: 2,
		Bulk: func(context.Context, []string) error {
			bulkCalls++
			return errors.New("no manifest")
		},
		Each: func(context.Context, string) error {
			eachCalls++
			return nil
		},
		Log: zerolog.Nop(),
	}.Run(context.Background(), []string{"a", "b", "c"})
	if err != nil {
		t.Fatal(err)
	}
	if bulkCalls != 1 {
		t.Fatalf("bulk path must be abandoned after its first failure, got %d calls", bulkCalls)
	}
	if eachCalls != 3 {
		t.Fatalf("expected every item loaded individually, got %d", eachCalls)
	}
}

func TestBatch_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Batch{Each: func(context.Context, string) error { return nil }}.Run(ctx, []string{"a"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
