// Package producer is the poller, worker pool and manual trigger: the
// half of the relay that drains unpublished outbox rows, fans them out
// per routing key, and publishes them to the broker.
package producer

import (
	"context"
	"sync/atomic"
	"time"

	apperrors "github.com/chris-alexander-pop/outbox-relay/pkg/errors"
	"github.com/chris-alexander-pop/outbox-relay/pkg/logger"

	"github.com/chris-alexander-pop/outbox-relay/internal/inflight"
	"github.com/chris-alexander-pop/outbox-relay/internal/outbox"
	"github.com/chris-alexander-pop/outbox-relay/internal/store"
)

// Poller owns the bounded channel between itself and the
// worker pool, periodically pulling the oldest-per-key unpublished rows
// from the store gateway and claiming them via the in-flight tracker
// before handing them off.
type Poller struct {
	store   store.Gateway
	tracker *inflight.Tracker
	out     chan<- outbox.Row
	cfg     Config

	// currentDelay is the poller's present sleep interval in nanoseconds,
	// atomic because Stats snapshots it while Run mutates it.
	currentDelay atomic.Int64

	emptyPolls   atomic.Int64
	skippedTotal atomic.Int64
	enqueued     atomic.Int64
	manualCount  atomic.Int64
}

// New builds a Poller writing claimed rows into out.
func New(gw store.Gateway, tracker *inflight.Tracker, out chan<- outbox.Row, cfg Config) *Poller {
	cfg.applyDefaults()
	p := &Poller{
		store:   gw,
		tracker: tracker,
		out:     out,
		cfg:     cfg,
	}
	p.currentDelay.Store(int64(cfg.PollingInterval))
	return p
}

// Run is the poller's main loop. It returns when ctx is canceled; no new
// claims are made past that point. As the channel's sole writer, it
// closes out on exit so the worker pool can drain and stop.
func (p *Poller) Run(ctx context.Context) {
	defer close(p.out)
	for {
		if ctx.Err() != nil {
			return
		}

		// Backpressure. An unbuffered out channel reads as 0% full, so
		// it never takes this branch.
		if p.channelFillRatio() >= 0.8 {
			if !p.sleep(ctx, p.delay()) {
				return
			}
			continue
		}

		start := time.Now()
		rows, err := p.store.FetchNextBatch(ctx, p.cfg.BatchSize)
		elapsed := time.Since(start)

		if err != nil {
			// Store errors double the delay and loop; the poller performs
			// no further retry of its own.
			logger.L().ErrorContext(ctx, "poll failed", "error", err, "elapsed", elapsed)
			doubled := 2 * p.delay()
			if doubled > p.cfg.MaxPollingInterval {
				doubled = p.cfg.MaxPollingInterval
			}
			p.currentDelay.Store(int64(doubled))
			if !p.sleep(ctx, p.delay()) {
				return
			}
			continue
		}

		if len(rows) == 0 {
			p.emptyPolls.Add(1)
			if p.cfg.EnableAdaptiveBackoff {
				p.currentDelay.Store(int64(p.nextBackoff(p.delay())))
			}
			if !p.sleep(ctx, p.delay()) {
				return
			}
			continue
		}

		// Non-empty poll: reset delay and claim/enqueue every row.
		p.currentDelay.Store(int64(p.cfg.PollingInterval))
		added, err := p.claimAndEnqueue(ctx, rows)
		p.enqueued.Add(int64(added))
		if err != nil {
			return
		}
	}
}

// TriggerOnce is a synchronous single poll pass, without the
// channel-fullness check or any backoff bookkeeping. It returns how many
// rows were added to the channel.
func (p *Poller) TriggerOnce(ctx context.Context) (int, error) {
	p.manualCount.Add(1)

	rows, err := p.store.FetchNextBatch(ctx, p.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}

	added, err := p.claimAndEnqueue(ctx, rows)
	return added, err
}

// claimAndEnqueue runs TryClaim then a blocking channel send for every
// row, skipping (not erroring on) rows already in-flight.
func (p *Poller) claimAndEnqueue(ctx context.Context, rows []outbox.Row) (int, error) {
	added := 0
	for _, row := range rows {
		if !p.tracker.TryClaim(row.ID) {
			p.skippedTotal.Add(1)
			continue
		}

		select {
		case p.out <- row:
			added++
		case <-ctx.Done():
			// Abandon the claim so the row is eligible for the next poll
			// (or a re-poll after restart, if ctx is never reused).
			p.tracker.Release(row.ID)
			return added, ctx.Err()
		}
	}
	return added, nil
}

func (p *Poller) delay() time.Duration {
	return time.Duration(p.currentDelay.Load())
}

func (p *Poller) channelFillRatio() float64 {
	capacity := cap(p.out)
	if capacity == 0 {
		return 0
	}
	return float64(len(p.out)) / float64(capacity)
}

func (p *Poller) nextBackoff(current time.Duration) time.Duration {
	next := time.Duration(float64(current) * p.cfg.BackoffMultiplier)
	if next > p.cfg.MaxPollingInterval {
		next = p.cfg.MaxPollingInterval
	}
	if next <= 0 {
		next = p.cfg.PollingInterval
	}
	return next
}

func (p *Poller) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// PollerStats is a snapshot of poller counters, surfaced through the
// relay's statistics entry point.
type PollerStats struct {
	EmptyPolls        int64
	SkippedClaims     int64
	Enqueued          int64
	ManualTriggerRuns int64
	CurrentDelay      time.Duration
}

func (p *Poller) Stats() PollerStats {
	return PollerStats{
		EmptyPolls:        p.emptyPolls.Load(),
		SkippedClaims:     p.skippedTotal.Load(),
		Enqueued:          p.enqueued.Load(),
		ManualTriggerRuns: p.manualCount.Load(),
		CurrentDelay:      p.delay(),
	}
}

// IsTransientStoreError reports whether err is one of the store errors
// the poller treats as backoff-and-retry (StoreUnavailable, QueryTimeout)
// rather than a fatal condition for the poller itself.
func IsTransientStoreError(err error) bool {
	switch apperrors.CodeOf(err) {
	case store.CodeStoreUnavailable, store.CodeQueryTimeout:
		return true
	default:
		return false
	}
}
