package producer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/chris-alexander-pop/outbox-relay/internal/inflight"
	"github.com/chris-alexander-pop/outbox-relay/internal/outbox"
	"github.com/chris-alexander-pop/outbox-relay/internal/store"
	apperrors "github.com/chris-alexander-pop/outbox-relay/pkg/errors"
)

// fakeGateway is a minimal store.Gateway double driven by a queue of
// pre-scripted FetchNextBatch responses.
type fakeGateway struct {
	batches [][]outbox.Row
	errs    []error
	calls   int

	markedPublished [][]int64
}

func (f *fakeGateway) FetchNextBatch(ctx context.Context, batchSize int) ([]outbox.Row, error) {
	idx := f.calls
	f.calls++
	if idx < len(f.errs) && f.errs[idx] != nil {
		return nil, f.errs[idx]
	}
	if idx < len(f.batches) {
		return f.batches[idx], nil
	}
	return nil, nil
}

func (f *fakeGateway) MarkPublishedBatch(ctx context.Context, ids []int64, now time.Time) error {
	f.markedPublished = append(f.markedPublished, ids)
	return nil
}

func (f *fakeGateway) MarkReceivedBatch(ctx context.Context, ids []int64, now time.Time) error {
	return nil
}

func (f *fakeGateway) MarkFailed(ctx context.Context, id int64, errorCode string) error { return nil }

func TestTriggerOnce_ClaimsAndEnqueuesOldestPerKey(t *testing.T) {
	gw := &fakeGateway{batches: [][]outbox.Row{
		{{ID: 1, RoutingKey: "A"}, {ID: 3, RoutingKey: "B"}},
	}}
	tracker := inflight.New(nil)
	out := make(chan outbox.Row, 10)

	p := New(gw, tracker, out, Config{BatchSize: 10})

	added, err := p.TriggerOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, added)
	require.Len(t, out, 2)
	require.True(t, tracker.Contains(1))
	require.True(t, tracker.Contains(3))
}

func TestTriggerOnce_SkipsAlreadyClaimedRow(t *testing.T) {
	gw := &fakeGateway{batches: [][]outbox.Row{
		{{ID: 10, RoutingKey: "K"}},
	}}
	tracker := inflight.New(nil)
	tracker.TryClaim(10) // simulate an in-flight duplicate from a prior poll

	out := make(chan outbox.Row, 10)
	p := New(gw, tracker, out, Config{BatchSize: 10})

	added, err := p.TriggerOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, added)
	require.Equal(t, int64(1), p.Stats().SkippedClaims)
}

func TestTriggerOnce_ReturnsErrorOnStoreFailure(t *testing.T) {
	gw := &fakeGateway{errs: []error{store.ErrStoreUnavailable(nil)}}
	tracker := inflight.New(nil)
	out := make(chan outbox.Row, 10)
	p := New(gw, tracker, out, Config{BatchSize: 10})

	_, err := p.TriggerOnce(context.Background())
	require.Error(t, err)
	require.True(t, IsTransientStoreError(err))
	require.Equal(t, apperrors.CodeOf(err), store.CodeStoreUnavailable)
}

func TestRun_EmptyPollBacksOffUnderAdaptiveBackoff(t *testing.T) {
	gw := &fakeGateway{batches: [][]outbox.Row{nil, nil, nil}}
	tracker := inflight.New(nil)
	out := make(chan outbox.Row, 10)
	p := New(gw, tracker, out, Config{
		BatchSize:             10,
		PollingInterval:       time.Millisecond,
		MaxPollingInterval:    10 * time.Millisecond,
		BackoffMultiplier:     2.0,
		EnableAdaptiveBackoff: true,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	p.Run(ctx)

	require.Greater(t, p.Stats().EmptyPolls, int64(0))
	require.LessOrEqual(t, p.Stats().CurrentDelay, p.cfg.MaxPollingInterval)
}

func TestRun_BackpressureWhenChannelAboveThreshold(t *testing.T) {
	gw := &fakeGateway{batches: [][]outbox.Row{
		{{ID: 1, RoutingKey: "A"}},
	}}
	tracker := inflight.New(nil)
	out := make(chan outbox.Row, 10)
	// Pre-fill the channel to 90% so the poller's first loop iteration
	// must take the backpressure branch instead of fetching.
	for i := 0; i < 9; i++ {
		out <- outbox.Row{ID: int64(100 + i), RoutingKey: "filler"}
	}

	p := New(gw, tracker, out, Config{
		BatchSize:       10,
		PollingInterval: 5 * time.Millisecond,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	p.Run(ctx)

	require.Equal(t, 0, gw.calls, "poller must not fetch while channel is >=80%% full")
}
