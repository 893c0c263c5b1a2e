package reaper

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/chris-alexander-pop/outbox-relay/internal/inflight"
	"github.com/chris-alexander-pop/outbox-relay/internal/keylock"
)

func TestSweepOnce_EvictsIdleKeyLocksPastThreshold(t *testing.T) {
	registry := keylock.New(nil)
	tracker := inflight.New(nil)

	ctx := context.Background()
	h, err := registry.Acquire(ctx, "order-1")
	require.NoError(t, err)
	h.Release()
	require.Equal(t, 1, registry.Len())

	r := New(registry, tracker, Config{KeyLockIdleThreshold: time.Nanosecond, KeyLockMaxRetained: 5000})
	time.Sleep(2 * time.Millisecond)
	r.sweepOnce(ctx)

	require.Equal(t, 0, registry.Len())
}

func TestSweepOnce_NeverEvictsHeldKeyLock(t *testing.T) {
	registry := keylock.New(nil)
	tracker := inflight.New(nil)

	ctx := context.Background()
	h, err := registry.Acquire(ctx, "order-1")
	require.NoError(t, err)

	r := New(registry, tracker, Config{KeyLockIdleThreshold: time.Nanosecond, KeyLockMaxRetained: 5000})
	time.Sleep(2 * time.Millisecond)
	r.sweepOnce(ctx)

	require.Equal(t, 1, registry.Len(), "a held key lock must survive eviction")
	h.Release()
}

func TestSweepOnce_ClearsStuckInFlightClaims(t *testing.T) {
	registry := keylock.New(nil)
	tracker := inflight.New(nil)

	tracker.TryClaim(1)
	require.True(t, tracker.Contains(1))

	r := New(registry, tracker, Config{InFlightStuckThreshold: time.Nanosecond})
	time.Sleep(2 * time.Millisecond)
	r.sweepOnce(context.Background())

	require.False(t, tracker.Contains(1))
}

func TestRun_StopsOnContextCancel(t *testing.T) {
	registry := keylock.New(nil)
	tracker := inflight.New(nil)
	r := New(registry, tracker, Config{Interval: time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { r.Run(ctx); close(done) }()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reaper did not stop after context cancellation")
	}
}
