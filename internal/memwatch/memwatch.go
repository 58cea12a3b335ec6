// Package memwatch is the process-wide memory monitor. Components register a
// cleanup handler; the monitor invokes every handler when heap usage crosses
// the configured limit or when triggered explicitly.
package memwatch

import (
	"context"
	"fmt"
	"runtime/metrics"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

const heapMetric = "/memory/classes/heap/objects:bytes"

// Config contains monitor configuration.
type Config struct {
	HeapLimitBytes uint64        // zero disables polling
	PollInterval   time.Duration
	Cooldown       time.Duration // minimum time between automatic sweeps
}

// Monitor tracks cleanup handlers and heap usage.
type Monitor struct {
	cfg Config
	log zerolog.Logger

	mu       sync.Mutex
	handlers map[string]func()

	heap     func() uint64
	sweeps   atomic.Int64
	lastAuto atomic.Int64
}

// New creates a monitor. Call Start to begin polling.
func New(cfg Config, log zerolog.Logger) *Monitor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	return &Monitor{
		cfg:      cfg,
		log:      log,
		handlers: make(map[string]func()),
		heap:     HeapBytes,
	}
}

// RegisterCleanupHandler registers fn under id, replacing any previous handler
// with the same id.
func (m *Monitor) RegisterCleanupHandler(id string, fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[id] = fn
}

// UnregisterCleanupHandler removes the handler registered under id.
func (m *Monitor) UnregisterCleanupHandler(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.handlers, id)
}

// Handlers returns the registered ids in sorted order.
func (m *Monitor) Handlers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.handlers))
	for id := range m.handlers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Trigger synchronously invokes every registered handler and returns how
// many ran. A panicking handler is logged and does not stop the others.
func (m *Monitor) Trigger() int {
	m.mu.Lock()
	ids := make([]string, 0, len(m.handlers))
	for id := range m.handlers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	fns := make([]func(), len(ids))
	for i, id := range ids {
		fns[i] = m.handlers[id]
	}
	m.mu.Unlock()

	m.sweeps.Add(1)
	for i, fn := range fns {
		m.run(ids[i], fn)
	}
	return len(fns)
}

func (m *Monitor) run(id string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error().Str("handler", id).Str("panic", fmt.Sprint(r)).Msg("cleanup handler panicked")
		}
	}()
	fn()
}

// Sweeps returns how many times handlers were invoked.
func (m *Monitor) Sweeps() int64 {
	return m.sweeps.Load()
}

// Check triggers the handlers when heap usage exceeds the limit and the
// cooldown since the last automatic sweep has elapsed. It reports whether a
// sweep ran.
func (m *Monitor) Check(now time.Time) bool {
	if m.cfg.HeapLimitBytes == 0 {
		return false
	}
	used := m.heap()
	if used < m.cfg.HeapLimitBytes {
		return false
	}
	last := m.lastAuto.Load()
	if last != 0 && now.Sub(time.Unix(0, last)) < m.cfg.Cooldown {
		return false
	}
	m.lastAuto.Store(now.UnixNano())

	m.log.Warn().Uint64("heap_bytes", used).Uint64("limit_bytes", m.cfg.HeapLimitBytes).Msg("memory pressure detected")
	m.Trigger()
	return true
}

// Start polls heap usage until ctx is cancelled.
func (m *Monitor) Start(ctx context.Context) {
	if m.cfg.HeapLimitBytes == 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(m.cfg.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				m.Check(now)
			}
		}
	}()
}

// HeapBytes reads live heap object bytes from the runtime.
func HeapBytes() uint64 {
	sample := []metrics.Sample{{Name: heapMetric}}
	metrics.Read(sample)
	if sample[0].Value.Kind() != metrics.KindUint64 {
		return 0
	}
	return sample[0].Value.Uint64()
}
