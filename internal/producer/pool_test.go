package producer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/chris-alexander-pop/outbox-relay/internal/batch"
	"github.com/chris-alexander-pop/outbox-relay/internal/broker"
	"github.com/chris-alexander-pop/outbox-relay/internal/inflight"
	"github.com/chris-alexander-pop/outbox-relay/internal/keylock"
	"github.com/chris-alexander-pop/outbox-relay/internal/outbox"
	"github.com/chris-alexander-pop/outbox-relay/internal/serializer"
	"github.com/chris-alexander-pop/outbox-relay/pkg/messaging"
)

type fakeRegistry struct{ id int32 }

func (f fakeRegistry) SchemaID(ctx context.Context, subject string) (int32, error) {
	return f.id, nil
}

type fakeProducer struct {
	mu         sync.Mutex
	publishErr error
	published  []*messaging.Message
}

func (p *fakeProducer) Publish(ctx context.Context, msg *messaging.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.publishErr != nil {
		return p.publishErr
	}
	msg.Metadata.Partition = 0
	msg.Metadata.Offset = 1
	p.published = append(p.published, msg)
	return nil
}

func (p *fakeProducer) PublishBatch(ctx context.Context, msgs []*messaging.Message) error { return nil }
func (p *fakeProducer) Close() error                                                      { return nil }

type fakeBroker struct{ producer *fakeProducer }

func (b *fakeBroker) Producer(topic string) (messaging.Producer, error) { return b.producer, nil }
func (b *fakeBroker) Consumer(topic, group string) (messaging.Consumer, error) {
	return nil, nil
}
func (b *fakeBroker) Close() error                     { return nil }
func (b *fakeBroker) Healthy(ctx context.Context) bool { return true }

func newTestPool(t *testing.T, in <-chan outbox.Row, gw *fakeGateway, fp *fakeProducer) (*Pool, *inflight.Tracker) {
	t.Helper()
	ser := serializer.New(fakeRegistry{id: 7})
	brokerClient, err := broker.New(&fakeBroker{producer: fp}, "outbox-events")
	require.NoError(t, err)

	tracker := inflight.New(nil)
	publishMark := batch.New(batch.Config{BatchSize: 100, FlushInterval: time.Hour, Name: "test-publish"},
		func(ctx context.Context, ids []int64, now time.Time) error {
			return gw.MarkPublishedBatch(ctx, ids, now)
		})

	pool := NewPool(in, RegistryLocker{Registry: keylock.New(nil)}, ser, brokerClient, gw, publishMark, tracker, Config{MaxConcurrentProducers: 2})
	return pool, tracker
}

func TestHandleRow_SuccessPublishesAndMarksForBatch(t *testing.T) {
	gw := &fakeGateway{}
	fp := &fakeProducer{}
	in := make(chan outbox.Row, 1)
	pool, tracker := newTestPool(t, in, gw, fp)
	tracker.TryClaim(1)

	pool.handleRow(context.Background(), outbox.Row{ID: 1, RoutingKey: "order-1", Payload: []byte("x"), EventType: "e"})

	require.Equal(t, int64(1), pool.Stats().Produced)
	require.Equal(t, int64(0), pool.Stats().Failed)
	require.False(t, tracker.Contains(1))
	require.Len(t, fp.published, 1)
	require.Equal(t, 1, pool.publishMark.Len())
}

type failingRegistry struct{}

func (failingRegistry) SchemaID(ctx context.Context, subject string) (int32, error) {
	return 0, errors.New("schema registry unreachable")
}

func TestHandleRow_SerializationErrorMarksFailedAndDoesNotPublish(t *testing.T) {
	gw := &fakeGateway{}
	fp := &fakeProducer{}
	in := make(chan outbox.Row, 1)

	ser := serializer.New(failingRegistry{})
	brokerClient, err := broker.New(&fakeBroker{producer: fp}, "outbox-events")
	require.NoError(t, err)
	tracker := inflight.New(nil)
	publishMark := batch.New(batch.Config{BatchSize: 100, FlushInterval: time.Hour, Name: "test-publish"},
		func(ctx context.Context, ids []int64, now time.Time) error { return gw.MarkPublishedBatch(ctx, ids, now) })

	var markedID int64
	var markedCode string
	gwMark := &fakeGatewayWithMark{fakeGateway: gw, onMark: func(id int64, code string) {
		markedID, markedCode = id, code
	}}

	pool := NewPool(in, RegistryLocker{Registry: keylock.New(nil)}, ser, brokerClient, gwMark, publishMark, tracker, Config{MaxConcurrentProducers: 2})
	tracker.TryClaim(2)

	pool.handleRow(context.Background(), outbox.Row{ID: 2, RoutingKey: "order-2", Payload: []byte("x"), EventType: "e"})

	require.Equal(t, int64(0), pool.Stats().Produced)
	require.Equal(t, int64(1), pool.Stats().Failed)
	require.False(t, tracker.Contains(2))
	require.Empty(t, fp.published)
	require.Equal(t, int64(2), markedID)
	require.Equal(t, "SERIALIZATION_ERROR", markedCode)
}

func TestHandleRow_FatalPublishErrorMarksFailed(t *testing.T) {
	gw := &fakeGateway{}
	fp := &fakeProducer{publishErr: messaging.ErrTopicNotFound("outbox-events", nil)}
	in := make(chan outbox.Row, 1)
	pool, tracker := newTestPool(t, in, gw, fp)
	tracker.TryClaim(3)

	var markedID int64
	var markedCode string
	gwMark := &fakeGatewayWithMark{fakeGateway: gw, onMark: func(id int64, code string) {
		markedID, markedCode = id, code
	}}
	pool.store = gwMark

	pool.handleRow(context.Background(), outbox.Row{ID: 3, RoutingKey: "order-3", Payload: []byte("x"), EventType: "e"})

	require.Equal(t, int64(1), pool.Stats().Failed)
	require.False(t, tracker.Contains(3))
	require.Equal(t, int64(3), markedID)
	require.Equal(t, "PRODUCE_FATAL", markedCode)
	require.Empty(t, fp.published)
}

func TestHandleRow_TransientPublishErrorDoesNotMarkFailed(t *testing.T) {
	gw := &fakeGateway{}
	fp := &fakeProducer{publishErr: messaging.ErrConnectionFailed(errors.New("dial tcp refused"))}
	in := make(chan outbox.Row, 1)
	pool, tracker := newTestPool(t, in, gw, fp)
	tracker.TryClaim(4)

	var marked bool
	gwMark := &fakeGatewayWithMark{fakeGateway: gw, onMark: func(id int64, code string) { marked = true }}
	pool.store = gwMark

	pool.handleRow(context.Background(), outbox.Row{ID: 4, RoutingKey: "order-4", Payload: []byte("x"), EventType: "e"})

	require.Equal(t, int64(1), pool.Stats().Failed)
	require.False(t, tracker.Contains(4), "transient failure must release the claim so the row is re-polled")
	require.False(t, marked, "transient publish errors must not call MarkFailed")
}

func TestRun_DrainsEveryRowSharingOneRoutingKey(t *testing.T) {
	gw := &fakeGateway{}
	fp := &fakeProducer{}
	in := make(chan outbox.Row, 10)
	pool, tracker := newTestPool(t, in, gw, fp)

	for i := int64(1); i <= 5; i++ {
		tracker.TryClaim(i)
		in <- outbox.Row{ID: i, RoutingKey: "same-key", Payload: []byte("x"), EventType: "e"}
	}
	close(in)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	pool.Run(ctx)

	require.Equal(t, int64(5), pool.Stats().Produced)
	require.Len(t, fp.published, 5)
}

// fakeGatewayWithMark wraps fakeGateway to observe MarkFailed calls.
type fakeGatewayWithMark struct {
	*fakeGateway
	onMark func(id int64, errorCode string)
}

func (f *fakeGatewayWithMark) MarkFailed(ctx context.Context, id int64, errorCode string) error {
	f.onMark(id, errorCode)
	return nil
}
