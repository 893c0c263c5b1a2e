package relay

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/chris-alexander-pop/outbox-relay/internal/outbox"
	"github.com/chris-alexander-pop/outbox-relay/internal/store"
	"github.com/chris-alexander-pop/outbox-relay/pkg/messaging/adapters/memory"
)

type sqliteSQL struct{ db *gorm.DB }

func (s sqliteSQL) Get(ctx context.Context) *gorm.DB { return s.db.WithContext(ctx) }
func (s sqliteSQL) GetShard(ctx context.Context, _ string) (*gorm.DB, error) {
	return s.db.WithContext(ctx), nil
}
func (s sqliteSQL) Close() error { return nil }

type fakeSchemaRegistry struct{}

func (fakeSchemaRegistry) SchemaID(ctx context.Context, subject string) (int32, error) {
	return 1, nil
}

func newTestService(t *testing.T) (*Service, sqliteSQL) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:?cache=shared"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&outbox.Row{}))
	sql := sqliteSQL{db: db}

	broker := memory.New(memory.Config{BufferSize: 100})

	cfg := DefaultConfig()
	cfg.Store = store.DefaultConfig()
	cfg.Producer.MaxConcurrentProducers = 2
	cfg.Producer.PollingInterval = 5 * time.Millisecond
	cfg.Consumer.ConsumerGroup = "test-group"
	cfg.Consumer.BatchSize = 10
	cfg.Consumer.FlushInterval = 20 * time.Millisecond
	cfg.PublishBatchSize = 10
	cfg.PublishFlushInterval = 20 * time.Millisecond
	cfg.Reaper.Interval = time.Hour

	svc, err := New(cfg, sql, broker, fakeSchemaRegistry{}, nil)
	require.NoError(t, err)
	return svc, sql
}

func TestTriggerOnce_DrainsRowsThroughToPublishMark(t *testing.T) {
	svc, sql := newTestService(t)
	gdb := sql.db
	require.NoError(t, gdb.Create(&outbox.Row{ID: 1, RoutingKey: "order-1", Payload: []byte("x"), EventType: "e"}).Error)
	require.NoError(t, gdb.Create(&outbox.Row{ID: 2, RoutingKey: "order-2", Payload: []byte("x"), EventType: "e"}).Error)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go svc.pool.Run(ctx)
	go svc.publishMark.Run(ctx)

	success, added, _ := svc.TriggerOnce(context.Background())
	require.True(t, success)
	require.Equal(t, 2, added)

	require.Eventually(t, func() bool {
		var rows []outbox.Row
		gdb.Order("id").Find(&rows)
		for _, r := range rows {
			if !r.PublishFlag {
				return false
			}
		}
		return len(rows) == 2
	}, time.Second, 5*time.Millisecond)
}

func TestStats_ReportsManualTriggerCount(t *testing.T) {
	svc, _ := newTestService(t)

	_, _, _ = svc.TriggerOnce(context.Background())
	_, _, _ = svc.TriggerOnce(context.Background())

	stats := svc.Stats()
	require.Equal(t, int64(2), stats.ManualTriggerCount)
	require.WithinDuration(t, time.Now(), stats.Now, time.Second)
}

func TestStartAndShutdown_StopsEveryBackgroundLoop(t *testing.T) {
	svc, sql := newTestService(t)
	gdb := sql.db
	require.NoError(t, gdb.Create(&outbox.Row{ID: 10, RoutingKey: "order-10", Payload: []byte("x"), EventType: "e"}).Error)

	ctx := context.Background()
	svc.Start(ctx)

	require.Eventually(t, func() bool {
		var row outbox.Row
		gdb.First(&row, 10)
		return row.PublishFlag
	}, time.Second, 5*time.Millisecond)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, svc.Shutdown(shutdownCtx))
}
