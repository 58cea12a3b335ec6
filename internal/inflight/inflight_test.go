package inflight

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/atlasmap-sc/cellucid/internal/cache"
	"github.com/atlasmap-sc/cellucid/internal/model"
)

func testKey() cache.Key {
	return cache.NewKey(model.TypeGeneExpression, "CD3E", []string{"p1"}, 7)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestRegistry_Dedup(t *testing.T) {
	r := New[int]()
	release := make(chan struct{})
	var calls atomic.Int32

	fn := func(ctx context.Context) (int, error) {
		calls.Add(1)
		<-release
		return 42, nil
	}

	var wg sync.WaitGroup
	results := make([]int, 2)
	wg.Add(1)
	go func() {
		defer wg.Done()
		results[0], _ = r.Do(context.Background(), testKey(), fn)
	}()
	waitFor(t, func() bool { return r.InFlight(testKey()) })

	wg.Add(1)
	go func() {
		defer wg.Done()
		results[1], _ = r.Do(context.Background(), testKey(), fn)
	}()
	waitFor(t, func() bool { _, joined := r.Stats(); return joined == 1 })

	close(release)
	wg.Wait()

	if calls.Load() != 1 {
		t.Fatalf("expected 1 underlying call, got %d", calls.Load())
	}
	if results[0] != 42 || results[1] != 42 {
		t.Fatalf("unexpected results: %v", results)
	}
	if r.Len() != 0 {
		t.Fatalf("expected no pending entries, got %d", r.Len())
	}
}

func TestRegistry_ErrorNotPoisoned(t *testing.T) {
	r := New[int]()
	boom := errors.New("boom")

	_, err := r.Do(context.Background(), testKey(), func(ctx context.Context) (int, error) {
		return 0, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	v, err := r.Do(context.Background(), testKey(), func(ctx context.Context) (int, error) {
		return 5, nil
	})
	if err != nil || v != 5 {
		t.Fatalf("expected retry to succeed, got %d, %v", v, err)
	}
}

func TestRegistry_CallerCancelDoesNotAbortFetch(t *testing.T) {
	r := New[int]()
	release := make(chan struct{})
	done := make(chan error, 1)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		_, err := r.Do(ctx, testKey(), func(fctx context.Context) (int, error) {
			<-release
			done <- fctx.Err()
			return 1, nil
		})
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled for caller, got %v", err)
		}
	}()
	waitFor(t, func() bool { return r.InFlight(testKey()) })

	cancel()
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("fetch context was cancelled: %v", err)
	}
}

func TestRegistry_Clear(t *testing.T) {
	r := New[int]()
	release := make(chan struct{})
	first := make(chan int, 1)

	go func() {
		v, _ := r.Do(context.Background(), testKey(), func(ctx context.Context) (int, error) {
			<-release
			return 1, nil
		})
		first <- v
	}()
	waitFor(t, func() bool { return r.InFlight(testKey()) })

	if n := r.Clear(); n != 1 {
		t.Fatalf("expected 1 cleared entry, got %d", n)
	}
	if r.InFlight(testKey()) {
		t.Fatal("key still in flight after Clear")
	}

	// A new caller starts its own fetch instead of joining the forgotten one.
	v, err := r.Do(context.Background(), testKey(), func(ctx context.Context) (int, error) {
		return 2, nil
	})
	if err != nil || v != 2 {
		t.Fatalf("expected fresh fetch result 2, got %d, %v", v, err)
	}

	close(release)
	if got := <-first; got != 1 {
		t.Fatalf("original caller expected 1, got %d", got)
	}
}
