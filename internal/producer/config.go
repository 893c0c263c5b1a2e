package producer

import "time"

// Config controls the producer pipeline: poll batch size,
// adaptive-backoff knobs, worker-pool size and channel capacity.
type Config struct {
	BatchSize int `env:"OUTBOX_BATCH_SIZE" env-default:"100"`

	PollingInterval       time.Duration `env:"OUTBOX_POLLING_INTERVAL" env-default:"500ms"`
	MaxPollingInterval    time.Duration `env:"OUTBOX_MAX_POLLING_INTERVAL" env-default:"30s"`
	BackoffMultiplier     float64       `env:"OUTBOX_BACKOFF_MULTIPLIER" env-default:"2.0"`
	EnableAdaptiveBackoff bool          `env:"OUTBOX_ENABLE_ADAPTIVE_BACKOFF" env-default:"true"`

	MaxConcurrentProducers int `env:"OUTBOX_MAX_CONCURRENT_PRODUCERS" env-default:"8"`
	MaxProducerBuffer      int `env:"OUTBOX_MAX_PRODUCER_BUFFER" env-default:"1000"`
}

// DefaultConfig returns working defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:              100,
		PollingInterval:        500 * time.Millisecond,
		MaxPollingInterval:     30 * time.Second,
		BackoffMultiplier:      2.0,
		EnableAdaptiveBackoff:  true,
		MaxConcurrentProducers: 8,
		MaxProducerBuffer:      1000,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.PollingInterval <= 0 {
		c.PollingInterval = d.PollingInterval
	}
	if c.MaxPollingInterval <= 0 {
		c.MaxPollingInterval = d.MaxPollingInterval
	}
	if c.BackoffMultiplier <= 1 {
		c.BackoffMultiplier = d.BackoffMultiplier
	}
	if c.MaxConcurrentProducers <= 0 {
		c.MaxConcurrentProducers = d.MaxConcurrentProducers
	}
	if c.MaxProducerBuffer <= 0 {
		c.MaxProducerBuffer = d.MaxProducerBuffer
	}
}
