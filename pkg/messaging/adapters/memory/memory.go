// Package memory is an in-process messaging.Broker backed by buffered
// Go channels, one per topic. It has no durability and no real partition
// assignment; it exists for local development and for tests that want a
// real messaging.Broker without a Kafka cluster.
package memory

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/chris-alexander-pop/outbox-relay/pkg/messaging"
)

// Config configures the in-memory broker.
type Config struct {
	// BufferSize is the channel capacity for every topic. Publish returns
	// ErrQueueFull once a topic's buffer is saturated and nothing is
	// currently consuming it.
	BufferSize int `env:"MEMORY_BROKER_BUFFER_SIZE" env-default:"1000"`
}

// Broker is a single-process, channel-backed messaging.Broker.
type Broker struct {
	cfg Config

	mu     sync.Mutex
	topics map[string]chan *messaging.Message
	offset atomic.Int64
	closed bool
}

// New builds an empty in-memory broker.
func New(cfg Config) *Broker {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1000
	}
	return &Broker{cfg: cfg, topics: make(map[string]chan *messaging.Message)}
}

func (b *Broker) topicChan(topic string) chan *messaging.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.topics[topic]
	if !ok {
		ch = make(chan *messaging.Message, b.cfg.BufferSize)
		b.topics[topic] = ch
	}
	return ch
}

// Producer returns a producer bound to topic.
func (b *Broker) Producer(topic string) (messaging.Producer, error) {
	return &producer{broker: b, topic: topic}, nil
}

// Consumer returns a consumer over topic. group is accepted for interface
// compatibility but has no effect: every consumer of a topic competes for
// the same buffered channel, mirroring a single-partition queue.
func (b *Broker) Consumer(topic string, group string) (messaging.Consumer, error) {
	if group == "" {
		return nil, messaging.ErrInvalidConfig("memory consumer requires a non-empty group", nil)
	}
	return &consumer{ch: b.topicChan(topic)}, nil
}

// Close marks the broker closed. Open channels are left for any consumer
// still draining them; there is nothing else to release in-process.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

// Healthy reports true until Close is called: there is no remote
// connection to probe.
func (b *Broker) Healthy(ctx context.Context) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.closed
}

type producer struct {
	broker *Broker
	topic  string
}

func (p *producer) Publish(ctx context.Context, msg *messaging.Message) error {
	ch := p.broker.topicChan(p.topic)
	msg.Metadata.Offset = p.broker.offset.Add(1) - 1
	msg.Metadata.Partition = 0

	select {
	case ch <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return messaging.ErrQueueFull(nil)
	}
}

func (p *producer) PublishBatch(ctx context.Context, msgs []*messaging.Message) error {
	for _, msg := range msgs {
		if err := p.Publish(ctx, msg); err != nil {
			return err
		}
	}
	return nil
}

func (p *producer) Close() error { return nil }

type consumer struct {
	ch chan *messaging.Message
}

func (c *consumer) Consume(ctx context.Context, handler messaging.MessageHandler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-c.ch:
			if err := handler(ctx, msg); err != nil {
				continue
			}
		}
	}
}

func (c *consumer) Close() error { return nil }
