package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/chris-alexander-pop/outbox-relay/internal/outbox"
)

// sqliteSQL adapts a raw *gorm.DB to sql.SQL without pulling in the
// sqlite adapter package, keeping this test self-contained.
type sqliteSQL struct{ db *gorm.DB }

func (s sqliteSQL) Get(ctx context.Context) *gorm.DB { return s.db.WithContext(ctx) }
func (s sqliteSQL) GetShard(ctx context.Context, _ string) (*gorm.DB, error) {
	return s.db.WithContext(ctx), nil
}
func (s sqliteSQL) Close() error { return nil }

func newTestGateway(t *testing.T) *GormGateway {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:?cache=shared"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&outbox.Row{}))
	return New(sqliteSQL{db: db}, DefaultConfig())
}

func TestMarkPublishedBatch_SetsFlagAndTimestamp(t *testing.T) {
	gw := newTestGateway(t)
	ctx := context.Background()

	gdb := gw.db.Get(ctx)
	require.NoError(t, gdb.Create(&outbox.Row{ID: 1, RoutingKey: "A"}).Error)
	require.NoError(t, gdb.Create(&outbox.Row{ID: 2, RoutingKey: "A"}).Error)

	now := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, gw.MarkPublishedBatch(ctx, []int64{1, 2}, now))

	var rows []outbox.Row
	require.NoError(t, gdb.Order("id").Find(&rows).Error)
	require.Len(t, rows, 2)
	for _, r := range rows {
		require.True(t, r.PublishFlag)
		require.NotNil(t, r.ProducedAt)
	}
}

func TestMarkPublishedBatch_Idempotent(t *testing.T) {
	gw := newTestGateway(t)
	ctx := context.Background()
	gdb := gw.db.Get(ctx)
	require.NoError(t, gdb.Create(&outbox.Row{ID: 5, RoutingKey: "A"}).Error)

	now := time.Now()
	require.NoError(t, gw.MarkPublishedBatch(ctx, []int64{5}, now))
	require.NoError(t, gw.MarkPublishedBatch(ctx, []int64{5}, now))

	var row outbox.Row
	require.NoError(t, gdb.First(&row, 5).Error)
	require.True(t, row.PublishFlag)
}

func TestMarkFailed_IncrementsRetryCount(t *testing.T) {
	gw := newTestGateway(t)
	ctx := context.Background()
	gdb := gw.db.Get(ctx)
	require.NoError(t, gdb.Create(&outbox.Row{ID: 7, RoutingKey: "B"}).Error)

	require.NoError(t, gw.MarkFailed(ctx, 7, "produce_fatal"))

	var row outbox.Row
	require.NoError(t, gdb.First(&row, 7).Error)
	require.Equal(t, 1, row.RetryCount)
	require.NotNil(t, row.ErrorCode)
	require.Equal(t, "produce_fatal", *row.ErrorCode)
}

func TestMarkFailed_TerminalAfterMaxRetries(t *testing.T) {
	gw := newTestGateway(t)
	gw.cfg.MaxRetryCount = 2
	ctx := context.Background()
	gdb := gw.db.Get(ctx)
	require.NoError(t, gdb.Create(&outbox.Row{ID: 9, RoutingKey: "C"}).Error)

	for i := 0; i < 3; i++ {
		require.NoError(t, gw.MarkFailed(ctx, 9, "produce_fatal"))
	}

	var row outbox.Row
	require.NoError(t, gdb.First(&row, 9).Error)
	require.True(t, row.IsTerminal())
}

func TestMarkReceivedBatch_SetsTimestamp(t *testing.T) {
	gw := newTestGateway(t)
	ctx := context.Background()
	gdb := gw.db.Get(ctx)
	require.NoError(t, gdb.Create(&outbox.Row{ID: 11, RoutingKey: "D"}).Error)

	require.NoError(t, gw.MarkReceivedBatch(ctx, []int64{11}, time.Now()))

	var row outbox.Row
	require.NoError(t, gdb.First(&row, 11).Error)
	require.NotNil(t, row.ReceivedAt)
}

func TestMarkBatch_EmptyIDsIsNoop(t *testing.T) {
	gw := newTestGateway(t)
	require.NoError(t, gw.MarkPublishedBatch(context.Background(), nil, time.Now()))
}
