package kafka

import (
	"context"

	"github.com/IBM/sarama"
	"github.com/chris-alexander-pop/outbox-relay/pkg/messaging"
)

// consumer is a Kafka consumer-group consumer implementation.
type consumer struct {
	broker  *Broker
	topic   string
	group   sarama.ConsumerGroup
	groupID string
}

func (c *consumer) Consume(ctx context.Context, handler messaging.MessageHandler) error {
	h := &groupHandler{handler: handler}

	for {
		if err := c.group.Consume(ctx, []string{c.topic}, h); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return messaging.ErrConsumeFailed(err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func (c *consumer) Close() error {
	return c.group.Close()
}

// groupHandler adapts sarama's ConsumerGroupHandler callbacks to a single
// messaging.MessageHandler invocation per claimed record.
type groupHandler struct {
	handler messaging.MessageHandler
}

func (h *groupHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (h *groupHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h *groupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}

			out := &messaging.Message{
				Topic:   msg.Topic,
				Key:     msg.Key,
				Payload: msg.Value,
				Headers: make(map[string]string, len(msg.Headers)),
				Metadata: messaging.MessageMetadata{
					Partition: msg.Partition,
					Offset:    msg.Offset,
					Raw:       msg,
				},
				Timestamp: msg.Timestamp,
			}
			for _, h := range msg.Headers {
				out.Headers[string(h.Key)] = string(h.Value)
			}
			if id, ok := out.Headers["message-id"]; ok {
				out.ID = id
			}

			if err := h.handler(session.Context(), out); err != nil {
				// Leave the message unmarked. Marking any later message in
				// this claim commits past it, so it is redelivered only if
				// the session ends before that happens.
				continue
			}
			session.MarkMessage(msg, "")

		case <-session.Context().Done():
			return nil
		}
	}
}
