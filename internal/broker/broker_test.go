package broker

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/chris-alexander-pop/outbox-relay/pkg/messaging"
)

type fakeProducer struct {
	publishErr error
	published  []*messaging.Message
}

func (p *fakeProducer) Publish(ctx context.Context, msg *messaging.Message) error {
	if p.publishErr != nil {
		return p.publishErr
	}
	msg.Metadata.Partition = 3
	msg.Metadata.Offset = 42
	p.published = append(p.published, msg)
	return nil
}

func (p *fakeProducer) PublishBatch(ctx context.Context, msgs []*messaging.Message) error {
	return nil
}

func (p *fakeProducer) Close() error { return nil }

type fakeBroker struct {
	producer *fakeProducer
}

func (b *fakeBroker) Producer(topic string) (messaging.Producer, error) { return b.producer, nil }
func (b *fakeBroker) Consumer(topic, group string) (messaging.Consumer, error) {
	return nil, nil
}
func (b *fakeBroker) Close() error                      { return nil }
func (b *fakeBroker) Healthy(ctx context.Context) bool { return true }

func TestPublish_Success(t *testing.T) {
	p := &fakeProducer{}
	c, err := New(&fakeBroker{producer: p}, "outbox-events")
	require.NoError(t, err)

	report, err := c.Publish(context.Background(), "order-1", []byte("value"), map[string]string{"event-type": "e"})
	require.NoError(t, err)
	require.Equal(t, "outbox-events", report.Topic)
	require.Equal(t, int32(3), report.Partition)
	require.Equal(t, int64(42), report.Offset)
	require.Len(t, p.published, 1)
	require.Equal(t, []byte("order-1"), p.published[0].Key)
}

func TestPublish_ClassifiesTopicNotFoundAsFatal(t *testing.T) {
	p := &fakeProducer{publishErr: messaging.ErrTopicNotFound("outbox-events", nil)}
	c, err := New(&fakeBroker{producer: p}, "outbox-events")
	require.NoError(t, err)

	_, err = c.Publish(context.Background(), "order-1", []byte("value"), nil)
	require.Error(t, err)
	require.True(t, IsFatal(err))
	require.False(t, IsTransient(err))
}

func TestPublish_ClassifiesConnectionFailedAsTransient(t *testing.T) {
	p := &fakeProducer{publishErr: messaging.ErrConnectionFailed(errors.New("dial tcp refused"))}
	c, err := New(&fakeBroker{producer: p}, "outbox-events")
	require.NoError(t, err)

	_, err = c.Publish(context.Background(), "order-1", []byte("value"), nil)
	require.Error(t, err)
	require.True(t, IsTransient(err))
	require.False(t, IsFatal(err))
}

func TestPublish_ClassifiesContextCancelAsTransient(t *testing.T) {
	p := &fakeProducer{publishErr: context.Canceled}
	c, err := New(&fakeBroker{producer: p}, "outbox-events")
	require.NoError(t, err)

	_, err = c.Publish(context.Background(), "order-1", []byte("value"), nil)
	require.True(t, IsTransient(err))
}
