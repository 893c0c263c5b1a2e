// Package inflight is the process-local barrier that stops the same
// outbox row from being claimed by two concurrent polls. It has no
// wall-clock semantics; every timestamp is a tick from an injected
// clockwork.Clock so a system clock jump can never cause a premature or
// delayed sweep.
package inflight

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
)

// Tracker is a lock-free concurrent set of row ids currently claimed by
// the producer pipeline, each carrying the monotonic tick at which it was
// claimed. Claims insert and release via sync.Map's compare-and-swap
// primitives; there is no coarse lock for pollers and workers to contend
// on. The zero value is not usable; construct with New.
type Tracker struct {
	claimed sync.Map // int64 row id -> int64 claim tick
	size    atomic.Int64
	clock   clockwork.Clock
	epoch   time.Time
}

// New builds an empty tracker. clock defaults to the real wall clock;
// tests pass a clockwork.FakeClock to control Sweep deterministically.
func New(clock clockwork.Clock) *Tracker {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Tracker{clock: clock, epoch: clock.Now()}
}

// tick is the elapsed time since the tracker was built, measured by
// clock.Since: on the real clock that reads the monotonic clock, not the
// wall clock.
func (t *Tracker) tick() int64 {
	return int64(t.clock.Since(t.epoch))
}

// TryClaim returns true and records id with a fresh tick iff id was not
// already tracked. A false return means the row is already in-flight
// (channel-contents or worker-local); the caller should skip it.
// LoadOrStore is the single atomic decision point: of any number of
// concurrent claimers for the same id, exactly one stores and wins.
func (t *Tracker) TryClaim(id int64) bool {
	_, loaded := t.claimed.LoadOrStore(id, t.tick())
	if loaded {
		return false
	}
	t.size.Add(1)
	return true
}

// Release unconditionally removes id. Safe to call on an id that was
// never claimed or already released.
func (t *Tracker) Release(id int64) {
	if _, loaded := t.claimed.LoadAndDelete(id); loaded {
		t.size.Add(-1)
	}
}

// Sweep forcibly removes every entry claimed stuckThreshold (in
// nanoseconds) or more ago and returns how many were removed. A non-zero
// return implies a worker hang: the row was claimed but never released
// via success or failure. Deleting during Range is safe for sync.Map;
// an entry released concurrently by its worker is simply not found again
// by LoadAndDelete and not double-counted.
func (t *Tracker) Sweep(stuckThresholdNanos int64) int {
	now := t.tick()
	removed := 0
	t.claimed.Range(func(key, value interface{}) bool {
		if now-value.(int64) >= stuckThresholdNanos {
			if _, loaded := t.claimed.LoadAndDelete(key); loaded {
				t.size.Add(-1)
				removed++
			}
		}
		return true
	})
	return removed
}

// Len reports how many ids are currently in-flight.
func (t *Tracker) Len() int {
	return int(t.size.Load())
}

// Contains reports whether id is currently tracked. Exposed for tests
// asserting no duplicate claim ever reaches the channel.
func (t *Tracker) Contains(id int64) bool {
	_, ok := t.claimed.Load(id)
	return ok
}
