// Package tests holds a broker-agnostic conformance suite any
// messaging.Broker implementation can be run against.
package tests

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/chris-alexander-pop/outbox-relay/pkg/messaging"
)

// RunBrokerTests exercises publish/consume round-tripping and health
// reporting against any messaging.Broker implementation.
func RunBrokerTests(t *testing.T, broker messaging.Broker) {
	t.Helper()

	t.Run("PublishAndConsume", func(t *testing.T) {
		topic := "tests.publish-and-consume"
		producer, err := broker.Producer(topic)
		require.NoError(t, err)
		defer producer.Close()

		consumer, err := broker.Consumer(topic, "tests-group")
		require.NoError(t, err)
		defer consumer.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		var mu sync.Mutex
		var received *messaging.Message
		done := make(chan struct{})

		go func() {
			_ = consumer.Consume(ctx, func(_ context.Context, msg *messaging.Message) error {
				mu.Lock()
				if received == nil {
					received = msg
					close(done)
				}
				mu.Unlock()
				return nil
			})
		}()

		require.NoError(t, producer.Publish(ctx, &messaging.Message{
			Topic:   topic,
			Key:     []byte("key-1"),
			Payload: []byte("payload"),
			Headers: map[string]string{"event-type": "test"},
		}))

		select {
		case <-done:
		case <-ctx.Done():
			t.Fatal("timed out waiting for message")
		}

		mu.Lock()
		defer mu.Unlock()
		require.NotNil(t, received)
		require.Equal(t, []byte("payload"), received.Payload)
		require.Equal(t, "test", received.Headers["event-type"])
	})

	t.Run("Healthy", func(t *testing.T) {
		require.True(t, broker.Healthy(context.Background()))
	})
}
