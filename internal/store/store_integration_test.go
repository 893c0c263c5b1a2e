package store_test

import (
	"context"
	"testing"
	"time"

	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	pggorm "gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/chris-alexander-pop/outbox-relay/internal/outbox"
	"github.com/chris-alexander-pop/outbox-relay/internal/store"
	pkgtest "github.com/chris-alexander-pop/outbox-relay/pkg/test"
)

type StoreSuite struct {
	pkgtest.Suite
	gw *store.GormGateway
	db *gorm.DB
}

func (s *StoreSuite) SetupSuite() {
	s.Suite.SetupTest()

	ctr, err := tcpostgres.Run(s.Ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("outbox"),
		tcpostgres.WithUsername("outbox"),
		tcpostgres.WithPassword("outbox"),
		tcpostgres.BasicWaitStrategies(),
	)
	s.Require().NoError(err)

	dsn, err := ctr.ConnectionString(s.Ctx, "sslmode=disable")
	s.Require().NoError(err)

	db, err := gorm.Open(pggorm.Open(dsn), &gorm.Config{})
	s.Require().NoError(err)
	s.Require().NoError(db.AutoMigrate(&outbox.Row{}))

	s.db = db
	s.gw = store.New(gormSQL{db: db}, store.DefaultConfig())
}

type gormSQL struct{ db *gorm.DB }

func (g gormSQL) Get(ctx context.Context) *gorm.DB { return g.db.WithContext(ctx) }
func (g gormSQL) GetShard(ctx context.Context, _ string) (*gorm.DB, error) {
	return g.db.WithContext(ctx), nil
}
func (g gormSQL) Close() error { return nil }

func (s *StoreSuite) SetupTest() {
	s.Suite.SetupTest()
	s.Require().NoError(s.db.Exec("TRUNCATE TABLE outbox").Error)
}

func (s *StoreSuite) TestFetchNextBatch_OldestPerKey() {
	rows := []outbox.Row{
		{ID: 1, RoutingKey: "A"},
		{ID: 2, RoutingKey: "A"},
		{ID: 3, RoutingKey: "B"},
	}
	for _, r := range rows {
		s.Require().NoError(s.db.Create(&r).Error)
	}

	batch, err := s.gw.FetchNextBatch(s.Ctx, 10)
	s.Require().NoError(err)
	s.Require().Len(batch, 2)
	s.Equal(int64(1), batch[0].ID)
	s.Equal("A", batch[0].RoutingKey)
	s.Equal(int64(3), batch[1].ID)
	s.Equal("B", batch[1].RoutingKey)

	s.Require().NoError(s.gw.MarkPublishedBatch(s.Ctx, []int64{1}, time.Now()))

	next, err := s.gw.FetchNextBatch(s.Ctx, 10)
	s.Require().NoError(err)
	s.Require().Len(next, 2)
	s.Equal(int64(2), next[0].ID)
}

func (s *StoreSuite) TestFetchNextBatch_ExcludesTerminalRows() {
	s.Require().NoError(s.db.Create(&outbox.Row{ID: 20, RoutingKey: "T", RetryCount: outbox.TerminalRetryCount}).Error)

	batch, err := s.gw.FetchNextBatch(s.Ctx, 10)
	s.Require().NoError(err)
	s.Empty(batch)
}

func TestStoreSuite(t *testing.T) {
	pkgtest.Run(t, new(StoreSuite))
}
