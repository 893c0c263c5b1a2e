package inflight

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

func TestTryClaim_RejectsDuplicate(t *testing.T) {
	tr := New(clockwork.NewFakeClock())

	require.True(t, tr.TryClaim(10))
	require.False(t, tr.TryClaim(10))
	require.Equal(t, 1, tr.Len())
}

func TestRelease_AllowsReclaim(t *testing.T) {
	tr := New(clockwork.NewFakeClock())

	require.True(t, tr.TryClaim(10))
	tr.Release(10)
	require.False(t, tr.Contains(10))
	require.True(t, tr.TryClaim(10))
}

func TestRelease_IdempotentOnUnknownID(t *testing.T) {
	tr := New(clockwork.NewFakeClock())
	require.NotPanics(t, func() { tr.Release(999) })
}

func TestSweep_RemovesOnlyStaleEntries(t *testing.T) {
	clock := clockwork.NewFakeClock()
	tr := New(clock)

	require.True(t, tr.TryClaim(1))
	clock.Advance(31 * time.Minute)
	require.True(t, tr.TryClaim(2))

	removed := tr.Sweep((30 * time.Minute).Nanoseconds())
	require.Equal(t, 1, removed)
	require.False(t, tr.Contains(1))
	require.True(t, tr.Contains(2))
}

func TestSweep_NoWallClockSemantics(t *testing.T) {
	clock := clockwork.NewFakeClock()
	tr := New(clock)
	require.True(t, tr.TryClaim(1))

	// A real wall-clock jump must not affect sweep decisions: only the
	// injected monotonic clock's ticks matter.
	removed := tr.Sweep((30 * time.Minute).Nanoseconds())
	require.Equal(t, 0, removed)
	require.True(t, tr.Contains(1))
}
