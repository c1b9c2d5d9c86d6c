package services

import (
	"context"
	"sync"
	"time"
)

// DefaultFetchCooldown is the minimum interval between non-forced re-fetches
// of the same key.
const DefaultFetchCooldown = 10 * time.Second

type fetchEntry[T any] struct {
	inflight  chan struct{}
	value     T
	err       error
	fetchedAt time.Time
	hasValue  bool
}

// FetchGroup throttles and deduplicates reads. Per key it keeps the time of
// the last successful fetch and the in-flight call, so list views re-triggered
// by several effects do not storm the store: concurrent callers share one
// loader call, and a fresh cached value short-circuits the loader entirely.
type FetchGroup[T any] struct {
	mu       sync.Mutex
	entries  map[string]*fetchEntry[T]
	cooldown time.Duration
	now      func() time.Time
}

func NewFetchGroup[T any](cooldown time.Duration) *FetchGroup[T] {
	if cooldown <= 0 {
		cooldown = DefaultFetchCooldown
	}
	return &FetchGroup[T]{
		entries:  make(map[string]*fetchEntry[T]),
		cooldown: cooldown,
		now:      time.Now,
	}
}

// Fetch returns the value for key. An in-flight fetch is joined regardless of
// force; a cached value newer than the cooldown is returned unless force is
// set. Loader errors are returned to every waiter and are not cached, so the
// next call retries.
func (g *FetchGroup[T]) Fetch(ctx context.Context, key string, force bool, loader func(context.Context) (T, error)) (T, error) {
	g.mu.Lock()
	entry, ok := g.entries[key]
	if !ok {
		entry = &fetchEntry[T]{}
		g.entries[key] = entry
	}

	if entry.inflight != nil {
		wait := entry.inflight
		g.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		}
		g.mu.Lock()
		defer g.mu.Unlock()
		return entry.value, entry.err
	}

	if !force && entry.hasValue && g.now().Sub(entry.fetchedAt) < g.cooldown {
		value := entry.value
		g.mu.Unlock()
		return value, nil
	}

	done := make(chan struct{})
	entry.inflight = done
	g.mu.Unlock()

	value, err := loader(ctx)

	g.mu.Lock()
	entry.inflight = nil
	entry.err = err
	if err == nil {
		entry.value = value
		entry.fetchedAt = g.now()
		entry.hasValue = true
	}
	g.mu.Unlock()
	close(done)

	return value, err
}

// Cached returns the last successful value for key, if any.
func (g *FetchGroup[T]) Cached(key string) (T, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	entry, ok := g.entries[key]
	if !ok || !entry.hasValue {
		var zero T
		return zero, false
	}
	return entry.value, true
}

// Invalidate drops the cached value and cooldown window for key. An in-flight
// fetch is left to finish; its waiters still get its result.
func (g *FetchGroup[T]) Invalidate(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	entry, ok := g.entries[key]
	if !ok {
		return
	}
	if entry.inflight == nil {
		delete(g.entries, key)
		return
	}
	entry.hasValue = false
	entry.fetchedAt = time.Time{}
}

// Reset drops all cached state, for sign-out.
func (g *FetchGroup[T]) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.entries = make(map[string]*fetchEntry[T])
}
