// Package consumer is the fetch side of the relay: one or more broker
// consumers, each extracting the row id from every message and
// enqueueing it for a batched MarkReceivedBatch call.
//
// pkg/messaging's Consumer contract is callback-based (Consume blocks and
// invokes a handler per message), so the fetcher needs no poll loop of its
// own: the handler callback already yields one message at a time.
package consumer

import (
	"context"
	"fmt"
	"time"

	"github.com/chris-alexander-pop/outbox-relay/pkg/logger"
	"github.com/chris-alexander-pop/outbox-relay/pkg/messaging"

	"github.com/chris-alexander-pop/outbox-relay/internal/batch"
	"github.com/chris-alexander-pop/outbox-relay/internal/broker"
	"github.com/chris-alexander-pop/outbox-relay/internal/serializer"
)

// Fetcher is a single consumer-group instance reading from the relay
// topic and feeding a receive-mark batcher.
type Fetcher struct {
	instanceID  string
	consumerFor func() (messaging.Consumer, error)
	receiveMark *batch.Batcher
	cfg         Config
}

// New builds a Fetcher identified by instanceID, opening consumers against
// brokerClient's topic under cfg.ConsumerGroup.
func New(instanceID string, brokerClient *broker.Client, receiveMark *batch.Batcher, cfg Config) *Fetcher {
	cfg.applyDefaults()
	return &Fetcher{
		instanceID:  instanceID,
		consumerFor: func() (messaging.Consumer, error) { return brokerClient.Consumer(cfg.ConsumerGroup) },
		receiveMark: receiveMark,
		cfg:         cfg,
	}
}

// Run opens a consumer and blocks on Consume until ctx is canceled. On any
// transport error it logs, sleeps for ReconnectBackoff, and reopens the
// consumer; it never returns early on a transient failure, only when ctx
// is done.
func (f *Fetcher) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		c, err := f.consumerFor()
		if err != nil {
			logger.L().ErrorContext(ctx, "failed to open consumer", "instance", f.instanceID, "error", err)
			if !f.sleep(ctx, f.cfg.ReconnectBackoff) {
				return
			}
			continue
		}

		err = c.Consume(ctx, f.handle)
		_ = c.Close()

		if ctx.Err() != nil {
			return
		}

		logger.L().WarnContext(ctx, "consumer stopped, reconnecting", "instance", f.instanceID, "error", err)
		if !f.sleep(ctx, f.cfg.ReconnectBackoff) {
			return
		}
	}
}

// handle is the per-message MessageHandler: extract the row id and append
// it to the receive-mark batcher. It never returns an
// error, since a malformed message cannot be corrected by redelivery; it is
// logged and dropped instead of blocking the consumer group.
func (f *Fetcher) handle(ctx context.Context, msg *messaging.Message) error {
	id, err := serializer.ExtractRowID(msg.Payload)
	if err != nil {
		logger.L().ErrorContext(ctx, "failed to extract row id from message, dropping",
			"instance", f.instanceID, "topic", msg.Topic, "error", err)
		return nil
	}

	f.receiveMark.Enqueue(id)
	return nil
}

// Instances builds cfg.InstanceCount fetchers, each with a distinct
// instance id, all sharing the same receive-mark batcher. Partition
// assignment between them is left to the broker's consumer-group
// coordination.
func Instances(brokerClient *broker.Client, receiveMark *batch.Batcher, cfg Config) []*Fetcher {
	cfg.applyDefaults()
	fetchers := make([]*Fetcher, cfg.InstanceCount)
	for i := range fetchers {
		fetchers[i] = New(fmt.Sprintf("consumer-%d", i), brokerClient, receiveMark, cfg)
	}
	return fetchers
}

func (f *Fetcher) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
