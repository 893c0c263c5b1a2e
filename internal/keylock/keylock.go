// Package keylock is a registry that mints one mutual-exclusion handle
// per routing key and tracks when each key was last touched so idle
// entries can be reclaimed.
package keylock

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/chris-alexander-pop/outbox-relay/pkg/concurrency"
)

// entry is one routing key's registry slot. lastUsedTick is a monotonic
// counter, not a wall-clock timestamp, so a system clock jump can never
// cause a premature or delayed eviction. waiters counts callers that have
// looked up this entry and are between releasing the registry lock and
// taking e.mu (or are blocked on e.mu): EvictIdle must never remove an
// entry with waiters > 0, or a concurrent Acquire can end up locking a
// freshly recreated entry's mutex while another caller still holds (or is
// about to hold) the deleted one's mutex for the same key, leaving two
// holders for one routing key.
type entry struct {
	mu           *concurrency.SmartMutex
	lastUsedTick int64
	held         bool
	waiters      int
}

// Handle releases the lock it was returned from. Release is idempotent.
type Handle struct {
	registry *Registry
	key      string
	entry    *entry
	released bool
	mu       sync.Mutex
}

// Release unlocks the key. Safe to call more than once.
func (h *Handle) Release() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return
	}
	h.released = true

	h.registry.mu.Lock()
	h.entry.lastUsedTick = h.registry.tick()
	h.entry.held = false
	h.registry.mu.Unlock()

	h.entry.mu.Unlock()
}

// Registry mints and retires per-routing-key mutexes. The zero value is
// not usable; construct with New.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry
	clock   clockwork.Clock
	epoch   time.Time
}

// New builds an empty registry. clock defaults to the real wall clock;
// pass a clockwork.FakeClock in tests to control eviction deterministically.
func New(clock clockwork.Clock) *Registry {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Registry{entries: make(map[string]*entry), clock: clock, epoch: clock.Now()}
}

// tick is the elapsed time since the registry was built, measured by
// clock.Since: on the real clock that reads the monotonic clock, not the
// wall clock.
func (r *Registry) tick() int64 {
	return int64(r.clock.Since(r.epoch))
}

// Acquire blocks until the caller is the unique holder of key, returning a
// Handle that releases it. Concurrent Acquire calls on the same key always
// observe either the existing entry or a freshly created successor, never
// a torn state: the entry's waiters count is incremented under the
// registry's mutex before r.mu is released, and EvictIdle excludes any
// entry with waiters > 0, so an entry can never be deleted out from under
// a caller that is already committed to locking it.
func (r *Registry) Acquire(ctx context.Context, key string) (*Handle, error) {
	r.mu.Lock()
	e, ok := r.entries[key]
	if !ok {
		e = &entry{
			mu:           concurrency.NewSmartMutex(concurrency.MutexConfig{Name: "keylock:" + key}),
			lastUsedTick: r.tick(),
		}
		r.entries[key] = e
	}
	e.waiters++
	r.mu.Unlock()

	if err := lockWithContext(ctx, e.mu); err != nil {
		r.mu.Lock()
		e.waiters--
		r.mu.Unlock()
		return nil, err
	}

	r.mu.Lock()
	e.waiters--
	e.held = true
	e.lastUsedTick = r.tick()
	r.mu.Unlock()

	return &Handle{registry: r, key: key, entry: e}, nil
}

// lockWithContext takes mu, respecting ctx cancellation while waiting.
func lockWithContext(ctx context.Context, mu sync.Locker) error {
	done := make(chan struct{})
	go func() {
		mu.Lock()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		// The goroutine above will still acquire mu eventually and leak
		// until it does; this only matters on cancellation, which the
		// caller treats as abandoning the row for re-poll anyway.
		go func() {
			<-done
			mu.Unlock()
		}()
		return ctx.Err()
	}
}

// EvictIdle removes every unheld entry with no pending acquirer whose last
// use predates the threshold duration ago; if entries still exceed
// maxRetained afterward, the oldest-used such entries are evicted first.
// Held entries, and entries with waiters > 0 (a concurrent Acquire is
// between the registry lookup and taking the per-key lock, or already
// blocked on it), are never evicted; see entry.waiters. Returns the
// number of entries removed.
func (r *Registry) EvictIdle(idleThreshold int64, maxRetained int) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.tick()
	removed := 0

	type candidate struct {
		key  string
		tick int64
	}
	var idle []candidate

	for key, e := range r.entries {
		if e.held || e.waiters > 0 {
			continue
		}
		if now-e.lastUsedTick >= idleThreshold {
			delete(r.entries, key)
			removed++
			continue
		}
		idle = append(idle, candidate{key: key, tick: e.lastUsedTick})
	}

	if maxRetained <= 0 || len(r.entries) <= maxRetained {
		return removed
	}

	excess := len(r.entries) - maxRetained
	sort.Slice(idle, func(i, j int) bool { return idle[i].tick < idle[j].tick })
	for i := 0; i < excess && i < len(idle); i++ {
		delete(r.entries, idle[i].key)
		removed++
	}

	return removed
}

// Len reports the current number of tracked keys, held or idle.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
