// Package batch is the shared shape behind the publish-mark and
// receive-mark batchers: accumulate row ids under a single lock, then
// flush them to the store as one bulk update on a size or time
// threshold. Both batchers in this relay are this one parameterized type.
package batch

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"

	"github.com/chris-alexander-pop/outbox-relay/pkg/logger"
)

// Sink durably records a batch of ids. Implementations are
// store.Gateway.MarkPublishedBatch / MarkReceivedBatch bound to "now".
type Sink func(ctx context.Context, ids []int64, now time.Time) error

// Config controls size/time flush thresholds. Both batchers use this
// same struct with different values.
type Config struct {
	// BatchSize triggers an async flush once the buffer reaches this
	// length; it also caps how many ids survive a failed flush's
	// re-enqueue.
	BatchSize int

	// FlushInterval is the background flusher's cadence.
	FlushInterval time.Duration

	// Name identifies this batcher in logs ("publish-mark", "receive-mark").
	Name string
}

// Batcher accumulates ids under one lock and flushes them via Sink. All
// exported methods are safe for concurrent use by every producer/consumer
// worker.
type Batcher struct {
	cfg  Config
	sink Sink

	mu     sync.Mutex
	buffer []int64

	flushSignal chan struct{}

	flushedTotal atomic.Int64
	droppedTotal atomic.Int64
}

// New builds a Batcher. sink is called by Flush and by the background
// loop started with Run.
func New(cfg Config, sink Sink) *Batcher {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1000
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Second
	}
	return &Batcher{
		cfg:         cfg,
		sink:        sink,
		buffer:      make([]int64, 0, cfg.BatchSize),
		flushSignal: make(chan struct{}, 1),
	}
}

// Enqueue appends id to the buffer. If the buffer has reached BatchSize,
// a flush is signaled to the background loop asynchronously; Enqueue
// itself never blocks on I/O.
func (b *Batcher) Enqueue(id int64) {
	b.mu.Lock()
	b.buffer = append(b.buffer, id)
	full := len(b.buffer) >= b.cfg.BatchSize
	b.mu.Unlock()

	if full {
		b.wake()
	}
}

func (b *Batcher) wake() {
	select {
	case b.flushSignal <- struct{}{}:
	default:
	}
}

// Flush atomically takes the current buffer snapshot, replaces it with an
// empty buffer, and calls the sink. On failure, the snapshot is
// re-appended to the (now possibly non-empty) buffer, bounded by
// BatchSize; anything beyond that cap is dropped, logged, and counted.
// The row survives in the store as unpublished/unreceived, so it is
// re-delivered rather than lost.
func (b *Batcher) Flush(ctx context.Context, now time.Time) error {
	b.mu.Lock()
	if len(b.buffer) == 0 {
		b.mu.Unlock()
		return nil
	}
	snapshot := b.buffer
	b.buffer = make([]int64, 0, b.cfg.BatchSize)
	b.mu.Unlock()

	start := time.Now()
	err := b.sink(ctx, snapshot, now)
	if err == nil {
		b.flushedTotal.Add(int64(len(snapshot)))
		logger.L().InfoContext(ctx, "batch flushed",
			"batcher", b.cfg.Name, "count", len(snapshot), "elapsed", time.Since(start))
		return nil
	}

	logger.L().ErrorContext(ctx, "batch flush failed, re-enqueuing",
		"batcher", b.cfg.Name, "count", len(snapshot), "error", err)

	b.mu.Lock()
	room := b.cfg.BatchSize - len(b.buffer)
	if room < 0 {
		room = 0
	}
	keep := snapshot
	if len(keep) > room {
		dropped := len(keep) - room
		keep = keep[:room]
		b.droppedTotal.Add(int64(dropped))
		logger.L().WarnContext(ctx, "batch re-enqueue exceeded cap, dropping ids",
			"batcher", b.cfg.Name, "dropped", dropped)
	}
	b.buffer = append(b.buffer, keep...)
	b.mu.Unlock()

	if len(keep) < len(snapshot) {
		return multierr.Combine(err, errDroppedIDs(len(snapshot)-len(keep)))
	}
	return err
}

// Run drives the periodic flush on FlushInterval until ctx is canceled,
// then performs one final flush on a separate context that canceling ctx
// does not reach, bounded only by its own 30s timeout, so shutdown does
// not abandon ids already accepted into the buffer.
func (b *Batcher) Run(ctx context.Context) {
	ticker := time.NewTicker(b.cfg.FlushInterval)
	defer ticker.Stop()

	throughput := time.NewTicker(10 * time.Second)
	defer throughput.Stop()
	var lastFlushed int64

	for {
		select {
		case <-ctx.Done():
			finalCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			if err := b.Flush(finalCtx, time.Now()); err != nil {
				logger.L().ErrorContext(finalCtx, "final batch flush failed",
					"batcher", b.cfg.Name, "error", err)
			}
			cancel()
			return
		case <-ticker.C:
			if err := b.Flush(ctx, time.Now()); err != nil {
				logger.L().ErrorContext(ctx, "periodic batch flush failed",
					"batcher", b.cfg.Name, "error", err)
			}
		case <-b.flushSignal:
			if err := b.Flush(ctx, time.Now()); err != nil {
				logger.L().ErrorContext(ctx, "size-triggered batch flush failed",
					"batcher", b.cfg.Name, "error", err)
			}
		case <-throughput.C:
			total := b.flushedTotal.Load()
			if delta := total - lastFlushed; delta > 0 {
				logger.L().InfoContext(ctx, "batcher throughput",
					"batcher", b.cfg.Name, "flushed_last_10s", delta, "flushed_total", total)
			}
			lastFlushed = total
		}
	}
}

// Len reports the current buffer occupancy.
func (b *Batcher) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buffer)
}

// Stats reports cumulative flushed/dropped counts.
type Stats struct {
	Flushed int64
	Dropped int64
}

func (b *Batcher) Stats() Stats {
	return Stats{Flushed: b.flushedTotal.Load(), Dropped: b.droppedTotal.Load()}
}

type droppedIDsError struct{ n int }

func errDroppedIDs(n int) error { return &droppedIDsError{n: n} }

func (e *droppedIDsError) Error() string {
	if e.n == 1 {
		return "1 id dropped past re-enqueue cap"
	}
	return "ids dropped past re-enqueue cap"
}
