package prefetch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type recorder struct {
	mu   sync.Mutex
	reqs []int
	at   []time.Time
}

func (r *recorder) run(_ context.Context, req int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reqs = append(r.reqs, req)
	r.at = append(r.at, time.Now())
	if req < 0 {
		return errors.New("negative request")
	}
	return nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.reqs)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for condition")
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestScheduler_DrainsFIFOInBatches(t *testing.T) {
	rec := &recorder{}
	s := New(Config{Enabled: true, Debounce: 5 * time.Millisecond, Interval: 60 * time.Millisecond, BatchSize: 3}, rec.run, zerolog.Nop())

	for i := 1; i <= 5; i++ {
		if !s.Enqueue(i) {
			t.Fatalf("enqueue %d rejected", i)
		}
	}
	waitFor(t, func() bool { return rec.count() == 5 })

	rec.mu.Lock()
	defer rec.mu.Unlock()
	for i, req := range rec.reqs {
		if req != i+1 {
			t.Fatalf("requests out of order: %v", rec.reqs)
		}
	}
	// The fourth request waits for the reschedule interval.
	if gap := rec.at[3].Sub(rec.at[2]); gap < 50*time.Millisecond {
		t.Fatalf("second batch ran after %v, expected the longer interval", gap)
	}
	if st := s.Stats(); st.Done != 5 || st.Queued != 0 {
		t.Fatalf("unexpected stats: %+v", st)
	}
}

func TestScheduler_SwallowsFailures(t *testing.T) {
	rec := &recorder{}
	s := New(Config{Enabled: true, Debounce: time.Millisecond}, rec.run, zerolog.Nop())
	s.Enqueue(-1)
	s.Enqueue(2)
	waitFor(t, func() bool { return rec.count() == 2 })
	waitFor(t, func() bool { return s.Stats().Done == 1 })
	if st := s.Stats(); st.Failed != 1 {
		t.Fatalf("unexpected stats: %+v", st)
	}
}

func TestScheduler_ClearCancelsTimer(t *testing.T) {
	rec := &recorder{}
	s := New(Config{Enabled: true, Debounce: 30 * time.Millisecond}, rec.run, zerolog.Nop())
	s.Enqueue(1)
	s.Enqueue(2)
	if n := s.Clear(); n != 2 {
		t.Fatalf("expected 2 dropped, got %d", n)
	}
	time.Sleep(80 * time.Millisecond)
	if rec.count() != 0 {
		t.Fatal("cleared requests still ran")
	}
	if s.Stats().Dropped != 2 {
		t.Fatalf("unexpected stats: %+v", s.Stats())
	}
}

func TestScheduler_DrainFromReplacedTimerIsIgnored(t *testing.T) {
	rec := &recorder{}
	s := New(Config{Enabled: true, Debounce: time.Hour}, rec.run, zerolog.Nop())
	s.Enqueue(1)
	s.mu.Lock()
	old := s.gen
	s.mu.Unlock()

	// Re-arming as the first timer fires leaves its drain behind.
	s.Enqueue(2)
	s.drain(old)
	if rec.count() != 0 {
		t.Fatal("drain of a replaced timer ran requests")
	}

	// The live timer is still the one Clear cancels.
	s.mu.Lock()
	live := s.timer
	s.mu.Unlock()
	if live == nil {
		t.Fatal("live timer lost")
	}
	if n := s.Clear(); n != 2 {
		t.Fatalf("expected 2 dropped, got %d", n)
	}
	if live.Stop() {
		t.Fatal("Clear left the live timer armed")
	}
}

func TestScheduler_NeverRunsBatchesConcurrently(t *testing.T) {
	var mu sync.Mutex
	active, peak, runs := 0, 0, 0
	run := func(context.Context, int) error {
		mu.Lock()
		active++
		peak = max(peak, active)
		mu.Unlock()
		time.Sleep(time.Millisecond)
		mu.Lock()
		active--
		runs++
		mu.Unlock()
		return nil
	}
	s := New(Config{Enabled: true, Debounce: time.Microsecond, Interval: time.Microsecond, BatchSize: 2}, run, zerolog.Nop())

	const total = 100
	for i := 0; i < total; i++ {
		s.Enqueue(i)
		time.Sleep(100 * time.Microsecond)
	}
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return runs == total
	})
	if peak != 1 {
		t.Fatalf("batches overlapped: %d running at once", peak)
	}
}

func TestScheduler_DisabledAndClosed(t *testing.T) {
	rec := &recorder{}
	off := New(Config{Enabled: false}, rec.run, zerolog.Nop())
	if off.Enqueue(1) {
		t.Fatal("disabled scheduler accepted a request")
	}

	s := New(Config{Enabled: true}, rec.run, zerolog.Nop())
	s.Close()
	if s.Enqueue(1) {
		t.Fatal("closed scheduler accepted a request")
	}
}
