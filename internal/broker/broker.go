// Package broker adapts pkg/messaging into the narrow publish/consume
// contract the relay pipeline needs, classifying every publish
// failure as transient (caller should retry by re-polling) or fatal
// (caller must mark the row failed) per the error taxonomy.
package broker

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/chris-alexander-pop/outbox-relay/pkg/errors"
	"github.com/chris-alexander-pop/outbox-relay/pkg/messaging"
	"github.com/chris-alexander-pop/outbox-relay/pkg/resilience"
)

// DeliveryReport describes where a successfully published message landed.
type DeliveryReport struct {
	Topic     string
	Partition int32
	Offset    int64
}

// Client publishes row payloads to a single topic and opens consumers
// against it. It wraps a single long-lived messaging.Producer; Publish is
// safe for concurrent use by every pipeline worker.
type Client struct {
	broker          messaging.Broker
	producer        messaging.Producer
	topic           string
	publishDeadline time.Duration
}

// publishDeadlineDefault bounds every publish attempt; expiry is
// classified as transient.
const publishDeadlineDefault = 10 * time.Second

// New opens a producer for topic against broker. broker is expected to
// already be wrapped with messaging.NewResilientBroker by the caller, so
// Client itself only classifies outcomes rather than retrying them.
func New(b messaging.Broker, topic string) (*Client, error) {
	producer, err := b.Producer(topic)
	if err != nil {
		return nil, err
	}
	return &Client{broker: b, producer: producer, topic: topic, publishDeadline: publishDeadlineDefault}, nil
}

// Publish sends one row's wire payload under routingKey, returning a
// delivery report on success. Failure is always a *errors.AppError whose
// Code is CodeProduceTransient or CodeProduceFatal; callers should branch
// on IsTransient/IsFatal rather than inspecting the underlying cause.
func (c *Client) Publish(ctx context.Context, routingKey string, value []byte, headers map[string]string) (DeliveryReport, error) {
	ctx, cancel := context.WithTimeout(ctx, c.publishDeadline)
	defer cancel()

	msg := &messaging.Message{
		ID:        uuid.NewString(),
		Topic:     c.topic,
		Key:       []byte(routingKey),
		Payload:   value,
		Headers:   headers,
		Timestamp: time.Now(),
	}

	if err := c.producer.Publish(ctx, msg); err != nil {
		return DeliveryReport{}, classify(err)
	}

	return DeliveryReport{
		Topic:     c.topic,
		Partition: msg.Metadata.Partition,
		Offset:    msg.Metadata.Offset,
	}, nil
}

// Consumer opens a consumer-group consumer against the client's topic, for
// use by the fetch loop.
func (c *Client) Consumer(group string) (messaging.Consumer, error) {
	return c.broker.Consumer(c.topic, group)
}

// Close releases the underlying producer.
func (c *Client) Close() error {
	return c.producer.Close()
}

// classify maps an underlying pkg/messaging or broker-SDK error into the
// relay's ProduceTransient/ProduceFatal taxonomy. Anything not
// recognized as a structural rejection defaults to transient: the cost of
// an extra re-poll is far lower than the cost of silently abandoning a row
// that might have succeeded on retry.
func classify(err error) *apperrors.AppError {
	if err == nil {
		return nil
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ErrProduceTransient(err)
	}

	if errors.Is(err, resilience.ErrCircuitOpen) {
		return ErrProduceTransient(err)
	}

	switch apperrors.CodeOf(err) {
	case messaging.CodeTopicNotFound, messaging.CodeInvalidConfig, messaging.CodeSerializationFailed:
		return ErrProduceFatal(err)
	default:
		return ErrProduceTransient(err)
	}
}
