// Package inflight deduplicates concurrent identical fetches so that one
// underlying load serves every caller waiting on the same cache key.
package inflight

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"github.com/atlasmap-sc/cellucid/internal/cache"
)

// Registry tracks in-progress fetches by cache key.
type Registry[V any] struct {
	group singleflight.Group

	mu      sync.Mutex
	pending map[string]uint64
	gen     uint64

	started atomic.Int64
	joined  atomic.Int64
}

// New creates an empty registry.
func New[V any]() *Registry[V] {
	return &Registry[V]{pending: make(map[string]uint64)}
}

// Do runs fn for key unless an identical call is already running, in which
// case the caller waits for that call's result. fn runs detached from the
// caller's cancellation so that one caller giving up does not abort a fetch
// others are waiting on; ctx only bounds this caller's wait.
func (r *Registry[V]) Do(ctx context.Context, key cache.Key, fn func(ctx context.Context) (V, error)) (V, error) {
	id := key.ID()

	r.mu.Lock()
	if _, ok := r.pending[id]; ok {
		r.joined.Add(1)
	}
	r.mu.Unlock()

	detached := context.WithoutCancel(ctx)
	ch := r.group.DoChan(id, func() (interface{}, error) {
		r.mu.Lock()
		r.gen++
		token := r.gen
		r.pending[id] = token
		r.mu.Unlock()
		r.started.Add(1)

		defer func() {
			r.mu.Lock()
			if r.pending[id] == token {
				delete(r.pending, id)
			}
			r.mu.Unlock()
		}()
		return fn(detached)
	})

	var zero V
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return zero, res.Err
		}
		v, ok := res.Val.(V)
		if !ok {
			return zero, fmt.Errorf("unexpected type from inflight group: got %T", res.Val)
		}
		return v, nil
	}
}

// InFlight reports whether a fetch for key is currently running.
func (r *Registry[V]) InFlight(key cache.Key) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.pending[key.ID()]
	return ok
}

// Len returns the number of running fetches.
func (r *Registry[V]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Clear forgets every running fetch. Callers already waiting still receive
// their result; new callers start a fresh fetch.
func (r *Registry[V]) Clear() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(r.pending)
	for id := range r.pending {
		r.group.Forget(id)
	}
	r.pending = make(map[string]uint64)
	return n
}

// Stats returns the number of fetches started and the number of callers that
// joined an existing fetch.
func (r *Registry[V]) Stats() (started, joined int64) {
	return r.started.Load(), r.joined.Load()
}
