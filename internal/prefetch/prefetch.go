// Package prefetch runs low-priority requests in the background to warm the
// result cache.
package prefetch

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Config contains scheduler configuration.
type Config struct {
	Enabled   bool
	Debounce  time.Duration // delay before the first drain after enqueue
	Interval  time.Duration // delay between drains while work remains
	BatchSize int           // requests run per drain
}

// DefaultConfig returns the default scheduler settings.
func DefaultConfig() Config {
	return Config{
		Enabled:   true,
		Debounce:  100 * time.Millisecond,
		Interval:  500 * time.Millisecond,
		BatchSize: 3,
	}
}

// Stats is a snapshot of scheduler counters.
type Stats struct {
	Queued  int   `json:"queued"`
	Done    int64 `json:"done"`
	Failed  int64 `json:"failed"`
	Dropped int64 `json:"dropped"`
}

// Scheduler is a FIFO queue drained by a timer.
type Scheduler[R any] struct {
	cfg Config
	run func(ctx context.Context, req R) error
	log zerolog.Logger

	mu    sync.Mutex
	queue []R
	timer *time.Timer
	// gen identifies the armed timer; drains fired by older timers return.
	gen     uint64
	running bool
	closed  bool

	done    atomic.Int64
	failed  atomic.Int64
	dropped atomic.Int64
}

// New creates a scheduler that executes requests with run.
func New[R any](cfg Config, run func(ctx context.Context, req R) error, log zerolog.Logger) *Scheduler[R] {
	def := DefaultConfig()
	if cfg.Debounce <= 0 {
		cfg.Debounce = def.Debounce
	}
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	return &Scheduler[R]{cfg: cfg, run: run, log: log}
}

// Enabled reports whether requests are accepted.
func (s *Scheduler[R]) Enabled() bool {
	return s.cfg.Enabled
}

// Enqueue appends a request and (re)arms the debounce timer. It returns
// false when prefetching is disabled or the scheduler is closed.
func (s *Scheduler[R]) Enqueue(req R) bool {
	if !s.cfg.Enabled {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.queue = append(s.queue, req)
	if !s.running {
		s.armLocked(s.cfg.Debounce)
	}
	return true
}

// armLocked replaces the pending timer. s.mu must be held.
func (s *Scheduler[R]) armLocked(d time.Duration) {
	s.stopLocked()
	gen := s.gen
	s.timer = time.AfterFunc(d, func() { s.drain(gen) })
}

func (s *Scheduler[R]) stopLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.gen++
}

func (s *Scheduler[R]) drain(gen uint64) {
	s.mu.Lock()
	if gen != s.gen || s.running {
		s.mu.Unlock()
		return
	}
	s.timer = nil
	if s.closed || len(s.queue) == 0 {
		s.mu.Unlock()
		return
	}
	n := min(s.cfg.BatchSize, len(s.queue))
	batch := append([]R(nil), s.queue[:n]...)
	s.queue = append(s.queue[:0], s.queue[n:]...)
	s.running = true
	s.mu.Unlock()

	for _, req := range batch {
		if err := s.run(context.Background(), req); err != nil {
			s.failed.Add(1)
			s.log.Debug().Err(err).Msg("prefetch failed")
			continue
		}
		s.done.Add(1)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = false
	if !s.closed && len(s.queue) > 0 {
		s.armLocked(s.cfg.Interval)
	}
}

// Clear drops queued requests and cancels the pending timer. A batch that is
// already running completes.
func (s *Scheduler[R]) Clear() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.queue)
	s.queue = nil
	s.stopLocked()
	s.dropped.Add(int64(n))
	return n
}

// Close clears the queue and rejects further requests.
func (s *Scheduler[R]) Close() {
	s.Clear()
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

// Len returns the number of queued requests.
func (s *Scheduler[R]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Stats returns scheduler counters.
func (s *Scheduler[R]) Stats() Stats {
	return Stats{
		Queued:  s.Len(),
		Done:    s.done.Load(),
		Failed:  s.failed.Load(),
		Dropped: s.dropped.Load(),
	}
}
