package consumer

import "time"

// Config controls the consumer pipeline: the receive-mark batcher's
// thresholds and how many fetcher instances to run.
type Config struct {
	ConsumerGroup string `env:"OUTBOX_CONSUMER_GROUP" env-default:"outbox-relay"`

	BatchSize     int           `env:"OUTBOX_CONSUMER_BATCH_SIZE" env-default:"10000"`
	FlushInterval time.Duration `env:"OUTBOX_CONSUMER_FLUSH_INTERVAL" env-default:"50ms"`

	InstanceCount int `env:"OUTBOX_CONSUMER_INSTANCE_COUNT" env-default:"1"`

	// ReconnectBackoff is how long the fetch loop pauses after a transport
	// error before calling Consume again.
	ReconnectBackoff time.Duration `env:"OUTBOX_CONSUMER_RECONNECT_BACKOFF" env-default:"1s"`
}

// DefaultConfig returns defaults tuned for reception volume: a much
// larger batch and faster flush than the producer side's publish-mark
// batcher, since one fetcher can outrun many workers.
func DefaultConfig() Config {
	return Config{
		ConsumerGroup:    "outbox-relay",
		BatchSize:        10000,
		FlushInterval:    50 * time.Millisecond,
		InstanceCount:    1,
		ReconnectBackoff: time.Second,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.ConsumerGroup == "" {
		c.ConsumerGroup = d.ConsumerGroup
	}
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = d.FlushInterval
	}
	if c.InstanceCount <= 0 {
		c.InstanceCount = d.InstanceCount
	}
	if c.ReconnectBackoff <= 0 {
		c.ReconnectBackoff = d.ReconnectBackoff
	}
}
