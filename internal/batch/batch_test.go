package batch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEnqueue_TriggersSizeFlush(t *testing.T) {
	var mu sync.Mutex
	var calls [][]int64

	b := New(Config{BatchSize: 5, FlushInterval: 10 * time.Second, Name: "test"}, func(_ context.Context, ids []int64, _ time.Time) error {
		mu.Lock()
		defer mu.Unlock()
		cp := append([]int64(nil), ids...)
		calls = append(calls, cp)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { b.Run(ctx); close(done) }()

	for i := int64(1); i <= 5; i++ {
		b.Enqueue(i)
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(calls) == 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	require.Equal(t, []int64{1, 2, 3, 4, 5}, calls[0])
	mu.Unlock()

	cancel()
	<-done
}

func TestFlush_NoopOnEmptyBuffer(t *testing.T) {
	called := false
	b := New(Config{BatchSize: 5, FlushInterval: time.Second}, func(context.Context, []int64, time.Time) error {
		called = true
		return nil
	})
	require.NoError(t, b.Flush(context.Background(), time.Now()))
	require.False(t, called)
}

func TestFlush_ReenqueuesOnFailureWithinCap(t *testing.T) {
	attempt := 0
	b := New(Config{BatchSize: 5, FlushInterval: time.Second, Name: "test"}, func(_ context.Context, ids []int64, _ time.Time) error {
		attempt++
		if attempt == 1 {
			return errors.New("store unavailable")
		}
		return nil
	})

	b.Enqueue(1)
	b.Enqueue(2)

	err := b.Flush(context.Background(), time.Now())
	require.Error(t, err)
	require.Equal(t, 2, b.Len())

	require.NoError(t, b.Flush(context.Background(), time.Now()))
	require.Equal(t, 0, b.Len())
}

func TestFlush_DropsExcessBeyondCapOnReenqueue(t *testing.T) {
	var b *Batcher
	attempt := 0
	b = New(Config{BatchSize: 3, FlushInterval: time.Second, Name: "test"}, func(context.Context, []int64, time.Time) error {
		attempt++
		if attempt == 2 {
			// Workers keep enqueueing while this flush is in flight,
			// refilling the emptied buffer to capacity.
			b.Enqueue(4)
			b.Enqueue(5)
			b.Enqueue(6)
		}
		return errors.New("boom")
	})

	b.Enqueue(1)
	b.Enqueue(2)
	b.Enqueue(3)

	err := b.Flush(context.Background(), time.Now())
	require.Error(t, err)
	require.Equal(t, 3, b.Len())
	require.Equal(t, int64(0), b.Stats().Dropped)

	// A second failed flush re-appends its 3 ids onto a buffer that
	// concurrent enqueues have already refilled to capacity: the cap
	// leaves no room, so all 3 are dropped.
	err = b.Flush(context.Background(), time.Now())
	require.Error(t, err)
	require.Equal(t, 3, b.Len())
	require.Equal(t, int64(3), b.Stats().Dropped)
}

func TestRun_FinalFlushOnShutdown(t *testing.T) {
	flushed := make(chan []int64, 1)
	b := New(Config{BatchSize: 100, FlushInterval: time.Hour, Name: "test"}, func(_ context.Context, ids []int64, _ time.Time) error {
		flushed <- append([]int64(nil), ids...)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { b.Run(ctx); close(done) }()

	b.Enqueue(42)
	cancel()

	select {
	case ids := <-flushed:
		require.Equal(t, []int64{42}, ids)
	case <-time.After(time.Second):
		t.Fatal("final flush did not run")
	}
	<-done
}
