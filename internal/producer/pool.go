package producer

import (
	"context"
	"sync/atomic"

	"github.com/chris-alexander-pop/outbox-relay/pkg/concurrency"
	"github.com/chris-alexander-pop/outbox-relay/pkg/logger"

	"github.com/chris-alexander-pop/outbox-relay/internal/batch"
	"github.com/chris-alexander-pop/outbox-relay/internal/broker"
	"github.com/chris-alexander-pop/outbox-relay/internal/inflight"
	"github.com/chris-alexander-pop/outbox-relay/internal/outbox"
	"github.com/chris-alexander-pop/outbox-relay/internal/serializer"
	"github.com/chris-alexander-pop/outbox-relay/internal/store"
)

// Releaser releases a held key-mutex handle. Satisfied by both
// *keylock.Handle and *keylock.FencedHandle.
type Releaser interface {
	Release()
}

// KeyLocker mints per-routing-key mutual exclusion handles. Satisfied by
// both *keylock.Registry and *keylock.FencedRegistry, so the worker pool
// doesn't need to know whether distributed fencing is in play.
type KeyLocker interface {
	Acquire(ctx context.Context, key string) (Releaser, error)
}

// Pool is a fixed-size set of workers consuming the channel the poller
// feeds, each serializing and publishing one row at a time under that
// row's per-key mutex.
type Pool struct {
	in          <-chan outbox.Row
	keylock     KeyLocker
	serializer  *serializer.Serializer
	broker      *broker.Client
	store       store.Gateway
	publishMark *batch.Batcher
	tracker     *inflight.Tracker
	cfg         Config

	produced atomic.Int64
	failed   atomic.Int64
}

// NewPool builds a worker pool reading from in.
func NewPool(
	in <-chan outbox.Row,
	keylockRegistry KeyLocker,
	ser *serializer.Serializer,
	brokerClient *broker.Client,
	gw store.Gateway,
	publishMark *batch.Batcher,
	tracker *inflight.Tracker,
	cfg Config,
) *Pool {
	cfg.applyDefaults()
	return &Pool{
		in:          in,
		keylock:     keylockRegistry,
		serializer:  ser,
		broker:      brokerClient,
		store:       gw,
		publishMark: publishMark,
		tracker:     tracker,
		cfg:         cfg,
	}
}

// Run starts MaxConcurrentProducers workers consuming the channel. It
// returns once the channel is closed and every worker has drained it.
func (p *Pool) Run(ctx context.Context) {
	concurrency.FanOut(ctx, p.cfg.MaxConcurrentProducers, func(int) {
		p.workerLoop(ctx)
	})
}

// workerLoop drains p.in until it is closed, never on ctx.Done() alone:
// on shutdown the workers must drain the channel rather than abandon
// buffered rows, and the poller (the channel's sole writer) is what
// closes it once it stops. ctx is still threaded into handleRow so
// an individual row's mutex-acquire/serialize/publish can be interrupted,
// but losing the race against ctx.Done() here would drop rows still
// sitting in the channel instead of draining them.
func (p *Pool) workerLoop(ctx context.Context) {
	for row := range p.in {
		p.handleRow(ctx, row)
	}
}

// handleRow processes one row: acquire the per-key mutex, serialize,
// publish, and release the in-flight claim on every exit path.
func (p *Pool) handleRow(ctx context.Context, row outbox.Row) {
	handle, err := p.keylock.Acquire(ctx, row.RoutingKey)
	if err != nil {
		// Cancellation acquiring the mutex: treat as a failure so the row
		// is re-polled.
		p.tracker.Release(row.ID)
		p.failed.Add(1)
		logger.L().WarnContext(ctx, "mutex acquisition canceled", "id", row.ID, "routing_key", row.RoutingKey, "error", err)
		return
	}
	defer handle.Release()

	routingKey, headers, value, err := p.serializer.Serialize(ctx, row)
	if err != nil {
		// SerializationError: mark the row failed, do not re-enqueue.
		// Redelivery cannot fix a mapping violation.
		if markErr := p.store.MarkFailed(ctx, row.ID, "SERIALIZATION_ERROR"); markErr != nil {
			logger.L().ErrorContext(ctx, "failed to mark row failed after serialization error",
				"id", row.ID, "error", markErr)
		}
		p.tracker.Release(row.ID)
		p.failed.Add(1)
		logger.L().ErrorContext(ctx, "serialization failed", "id", row.ID, "error", err)
		return
	}

	_, err = p.broker.Publish(ctx, routingKey, value, headers)
	if err != nil {
		if broker.IsFatal(err) {
			if markErr := p.store.MarkFailed(ctx, row.ID, "PRODUCE_FATAL"); markErr != nil {
				logger.L().ErrorContext(ctx, "failed to mark row failed after fatal publish error",
					"id", row.ID, "error", markErr)
			}
		}
		// Transient (or cancellation during publish): release the claim so
		// the row is re-polled. MarkFailed is never called for transient
		// errors.
		p.tracker.Release(row.ID)
		p.failed.Add(1)
		logger.L().WarnContext(ctx, "publish failed", "id", row.ID, "routing_key", row.RoutingKey, "error", err)
		return
	}

	p.publishMark.Enqueue(row.ID)
	p.tracker.Release(row.ID)
	p.produced.Add(1)
}

// PoolStats is a snapshot of worker-pool counters.
type PoolStats struct {
	Produced int64
	Failed   int64
}

func (p *Pool) Stats() PoolStats {
	return PoolStats{Produced: p.produced.Load(), Failed: p.failed.Load()}
}
