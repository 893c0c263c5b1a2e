package relay

import (
	"context"
	"time"

	"github.com/chris-alexander-pop/outbox-relay/pkg/concurrency"

	"github.com/chris-alexander-pop/outbox-relay/internal/outbox"
	"github.com/chris-alexander-pop/outbox-relay/internal/store"
)

// gatedGateway wraps a store.Gateway with a semaphore bounding how many
// store calls may be in flight at once, independent of the connection
// pool GORM itself manages.
type gatedGateway struct {
	inner store.Gateway
	sem   *concurrency.Semaphore
}

func newGatedGateway(inner store.Gateway, poolSize int64) store.Gateway {
	return &gatedGateway{inner: inner, sem: concurrency.NewSemaphore(poolSize)}
}

func (g *gatedGateway) FetchNextBatch(ctx context.Context, batchSize int) ([]outbox.Row, error) {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer g.sem.Release(1)
	return g.inner.FetchNextBatch(ctx, batchSize)
}

func (g *gatedGateway) MarkPublishedBatch(ctx context.Context, ids []int64, now time.Time) error {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer g.sem.Release(1)
	return g.inner.MarkPublishedBatch(ctx, ids, now)
}

func (g *gatedGateway) MarkReceivedBatch(ctx context.Context, ids []int64, now time.Time) error {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer g.sem.Release(1)
	return g.inner.MarkReceivedBatch(ctx, ids, now)
}

func (g *gatedGateway) MarkFailed(ctx context.Context, id int64, errorCode string) error {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer g.sem.Release(1)
	return g.inner.MarkFailed(ctx, id, errorCode)
}
