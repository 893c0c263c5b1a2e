// Package relay wires every pipeline component into a single runnable
// Service: the top-level assembly the rest of this module's packages
// only ever see in pieces.
package relay

import (
	"time"

	"github.com/chris-alexander-pop/outbox-relay/internal/consumer"
	"github.com/chris-alexander-pop/outbox-relay/internal/producer"
	"github.com/chris-alexander-pop/outbox-relay/internal/reaper"
	"github.com/chris-alexander-pop/outbox-relay/internal/store"
)

// Config is the relay's single configuration block, aggregating every
// sub-component's knobs plus the service-wide ones defined here.
type Config struct {
	TopicName string `env:"OUTBOX_TOPIC_NAME" env-default:"outbox-events"`

	// DatabaseConnectionPoolSize bounds how many concurrent store calls the
	// relay issues at once, regardless of how many goroutines the worker
	// pool or consumer fetchers run.
	DatabaseConnectionPoolSize int64 `env:"OUTBOX_DB_CONNECTION_POOL_SIZE" env-default:"20"`

	// EnableDistributedKeyLock layers internal/keylock.FencedRegistry over
	// a Redis-backed distlock.Locker for multi-instance deployments.
	// Off by default; single-instance deployments only need the
	// in-process per-key mutex.
	EnableDistributedKeyLock bool          `env:"OUTBOX_ENABLE_DISTRIBUTED_KEYLOCK" env-default:"false"`
	DistributedKeyLockTTL    time.Duration `env:"OUTBOX_DISTRIBUTED_KEYLOCK_TTL" env-default:"10s"`

	Store    store.Config
	Producer producer.Config
	Consumer consumer.Config
	Reaper   reaper.Config

	PublishBatchSize     int           `env:"OUTBOX_PUBLISH_BATCH_SIZE" env-default:"1000"`
	PublishFlushInterval time.Duration `env:"OUTBOX_PUBLISH_FLUSH_INTERVAL" env-default:"1s"`
}

// DefaultConfig returns working defaults for every sub-component.
func DefaultConfig() Config {
	return Config{
		TopicName:                  "outbox-events",
		DatabaseConnectionPoolSize: 20,
		EnableDistributedKeyLock:   false,
		DistributedKeyLockTTL:      10 * time.Second,
		Store:                      store.Config{},
		Producer:                   producer.DefaultConfig(),
		Consumer:                   consumer.DefaultConfig(),
		Reaper:                     reaper.DefaultConfig(),
		PublishBatchSize:           1000,
		PublishFlushInterval:       time.Second,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.TopicName == "" {
		c.TopicName = d.TopicName
	}
	if c.DatabaseConnectionPoolSize <= 0 {
		c.DatabaseConnectionPoolSize = d.DatabaseConnectionPoolSize
	}
	if c.DistributedKeyLockTTL <= 0 {
		c.DistributedKeyLockTTL = d.DistributedKeyLockTTL
	}
	if c.PublishBatchSize <= 0 {
		c.PublishBatchSize = d.PublishBatchSize
	}
	if c.PublishFlushInterval <= 0 {
		c.PublishFlushInterval = d.PublishFlushInterval
	}
}
