// Package reaper is a periodic sweep reclaiming idle per-key mutexes and
// forcibly clearing in-flight claims that have outlived any plausible
// worker runtime, which implies a worker hang rather than normal load.
package reaper

import (
	"context"
	"time"

	"github.com/chris-alexander-pop/outbox-relay/pkg/logger"

	"github.com/chris-alexander-pop/outbox-relay/internal/inflight"
	"github.com/chris-alexander-pop/outbox-relay/internal/keylock"
)

// Config controls the reaper's interval and the two thresholds it enforces.
type Config struct {
	Interval time.Duration `env:"OUTBOX_REAPER_INTERVAL" env-default:"60s"`

	KeyLockIdleThreshold time.Duration `env:"OUTBOX_KEYLOCK_IDLE_THRESHOLD" env-default:"120s"`
	KeyLockMaxRetained   int           `env:"OUTBOX_KEYLOCK_MAX_RETAINED" env-default:"5000"`

	InFlightStuckThreshold time.Duration `env:"OUTBOX_INFLIGHT_STUCK_THRESHOLD" env-default:"30m"`
}

// DefaultConfig returns the standard sweep cadence and thresholds.
func DefaultConfig() Config {
	return Config{
		Interval:               60 * time.Second,
		KeyLockIdleThreshold:   120 * time.Second,
		KeyLockMaxRetained:     5000,
		InFlightStuckThreshold: 30 * time.Minute,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	if c.KeyLockIdleThreshold <= 0 {
		c.KeyLockIdleThreshold = d.KeyLockIdleThreshold
	}
	if c.KeyLockMaxRetained <= 0 {
		c.KeyLockMaxRetained = d.KeyLockMaxRetained
	}
	if c.InFlightStuckThreshold <= 0 {
		c.InFlightStuckThreshold = d.InFlightStuckThreshold
	}
}

// Reaper periodically evicts idle key-lock entries and sweeps stuck
// in-flight claims.
type Reaper struct {
	keylock *keylock.Registry
	tracker *inflight.Tracker
	cfg     Config
}

// New builds a Reaper over the given registry and tracker.
func New(keylockRegistry *keylock.Registry, tracker *inflight.Tracker, cfg Config) *Reaper {
	cfg.applyDefaults()
	return &Reaper{keylock: keylockRegistry, tracker: tracker, cfg: cfg}
}

// Run ticks every cfg.Interval until ctx is canceled, performing one sweep
// per tick. It does not sweep immediately on start; the first sweep
// happens after the first tick.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweepOnce(ctx)
		}
	}
}

func (r *Reaper) sweepOnce(ctx context.Context) {
	evicted := r.keylock.EvictIdle(r.cfg.KeyLockIdleThreshold.Nanoseconds(), r.cfg.KeyLockMaxRetained)
	if evicted > 0 {
		logger.L().InfoContext(ctx, "evicted idle key locks", "count", evicted)
	}

	stuck := r.tracker.Sweep(r.cfg.InFlightStuckThreshold.Nanoseconds())
	if stuck > 0 {
		logger.L().ErrorContext(ctx, "forcibly cleared stuck in-flight claims; a worker may be hung",
			"count", stuck, "threshold", r.cfg.InFlightStuckThreshold)
	}
}
