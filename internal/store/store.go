// Package store implements the outbox store gateway: the only part
// of the relay that talks to the relational table.
package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/chris-alexander-pop/outbox-relay/pkg/database/sql"
	apperrors "github.com/chris-alexander-pop/outbox-relay/pkg/errors"
	"github.com/chris-alexander-pop/outbox-relay/pkg/logger"

	"github.com/chris-alexander-pop/outbox-relay/internal/outbox"
)

// Gateway is the store boundary the rest of the relay depends on. It's an
// interface so tests can substitute an in-memory double; everywhere else
// the pipeline couples to concrete types.
type Gateway interface {
	FetchNextBatch(ctx context.Context, batchSize int) ([]outbox.Row, error)
	MarkPublishedBatch(ctx context.Context, ids []int64, now time.Time) error
	MarkReceivedBatch(ctx context.Context, ids []int64, now time.Time) error
	MarkFailed(ctx context.Context, id int64, errorCode string) error
}

// Config controls the gateway's behavior.
type Config struct {
	// RequireProcessedFlag gates FetchNextBatch on processed_flag=true.
	// Some deployments gate outbound publishing on upstream processing;
	// others publish regardless. This toggles between them.
	RequireProcessedFlag bool `env:"OUTBOX_REQUIRE_PROCESSED_FLAG" env-default:"false"`

	// MaxRetryCount is the retry budget before a row is moved to the
	// terminal failure state (outbox.TerminalRetryCount).
	MaxRetryCount int `env:"OUTBOX_MAX_RETRY_COUNT" env-default:"8"`

	// WriteDeadline bounds MarkPublishedBatch/MarkReceivedBatch/MarkFailed
	// calls.
	WriteDeadline time.Duration `env:"OUTBOX_WRITE_DEADLINE" env-default:"60s"`

	// ReadDeadline bounds FetchNextBatch.
	ReadDeadline time.Duration `env:"OUTBOX_READ_DEADLINE" env-default:"10s"`

	// StagingThreshold is the batch size above which MarkPublishedBatch/
	// MarkReceivedBatch switch from a single parameterized IN list to
	// chunked updates.
	StagingThreshold int `env:"OUTBOX_STAGING_THRESHOLD" env-default:"1000"`
}

// DefaultConfig returns working defaults.
func DefaultConfig() Config {
	return Config{
		MaxRetryCount:    8,
		WriteDeadline:    60 * time.Second,
		ReadDeadline:     10 * time.Second,
		StagingThreshold: 1000,
	}
}

// GormGateway is the GORM-backed Gateway implementation. It is portable
// across the sql.SQL adapters (postgres, mysql, sqlite, mssql): the
// chunked-IN strategy below works the same on all of them, while row
// locking (FOR UPDATE / SKIP LOCKED) is applied only on postgres and mysql,
// see rowLockingSupported; on sqlite and mssql the queries take no row locks.
type GormGateway struct {
	db  sql.SQL
	cfg Config
}

// New builds a GormGateway over the given connection.
func New(db sql.SQL, cfg Config) *GormGateway {
	if cfg.MaxRetryCount <= 0 {
		cfg.MaxRetryCount = 8
	}
	if cfg.WriteDeadline <= 0 {
		cfg.WriteDeadline = 60 * time.Second
	}
	if cfg.ReadDeadline <= 0 {
		cfg.ReadDeadline = 10 * time.Second
	}
	if cfg.StagingThreshold <= 0 {
		cfg.StagingThreshold = 1000
	}
	return &GormGateway{db: db, cfg: cfg}
}

// FetchNextBatch returns, for each distinct routing_key with at least one
// unpublished row, only the row with the smallest id; results are ordered
// by routing_key then id. SKIP LOCKED keeps concurrent pollers (and
// external writers) from blocking on rows another process already claimed.
func (g *GormGateway) FetchNextBatch(ctx context.Context, batchSize int) ([]outbox.Row, error) {
	ctx, cancel := context.WithTimeout(ctx, g.cfg.ReadDeadline)
	defer cancel()

	gdb := g.db.Get(ctx)

	oldestPerKey := gdb.Model(&outbox.Row{}).
		Select("MIN(id)").
		Where("publish_flag = ?", false).
		Where("retry_count != ?", outbox.TerminalRetryCount)
	if g.cfg.RequireProcessedFlag {
		oldestPerKey = oldestPerKey.Where("processed_flag = ?", true)
	}
	oldestPerKey = oldestPerKey.Group("routing_key")

	q := gdb.
		Where("id IN (?)", oldestPerKey).
		Order("routing_key, id").
		Limit(batchSize)
	if rowLockingSupported(gdb) {
		q = q.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
	}

	var rows []outbox.Row
	err := q.Find(&rows).Error

	if err != nil {
		return nil, g.classifyReadErr(ctx, err)
	}
	return rows, nil
}

// MarkPublishedBatch atomically sets publish_flag=true and produced_at for
// every id. Either all rows update or the call fails; the caller retries.
func (g *GormGateway) MarkPublishedBatch(ctx context.Context, ids []int64, now time.Time) error {
	return g.markBatch(ctx, ids, map[string]interface{}{
		"publish_flag": true,
		"produced_at":  now,
	})
}

// MarkReceivedBatch atomically sets received_at for every id.
func (g *GormGateway) MarkReceivedBatch(ctx context.Context, ids []int64, now time.Time) error {
	return g.markBatch(ctx, ids, map[string]interface{}{
		"received_at": now,
	})
}

func (g *GormGateway) markBatch(ctx context.Context, ids []int64, updates map[string]interface{}) error {
	if len(ids) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, g.cfg.WriteDeadline)
	defer cancel()

	gdb := g.db.Get(ctx)

	// Below the staging threshold a single parameterized IN list is cheap
	// enough; above it, chunk to avoid one oversized IN clause causing
	// lock escalation on some drivers. Both paths run in one transaction
	// so partial success is never observable.
	chunkSize := len(ids)
	if len(ids) > g.cfg.StagingThreshold {
		chunkSize = g.cfg.StagingThreshold
	}

	err := gdb.Transaction(func(tx *gorm.DB) error {
		for start := 0; start < len(ids); start += chunkSize {
			end := start + chunkSize
			if end > len(ids) {
				end = len(ids)
			}
			if err := tx.Model(&outbox.Row{}).
				Where("id IN ?", ids[start:end]).
				Updates(updates).Error; err != nil {
				return err
			}
		}
		return nil
	})

	if err != nil {
		return g.classifyWriteErr(ctx, err)
	}
	return nil
}

// MarkFailed increments the row's retry counter and records errorCode. Once
// the counter exceeds MaxRetryCount, the row moves to the terminal state
// (retry_count = TerminalRetryCount) so FetchNextBatch no longer selects it.
func (g *GormGateway) MarkFailed(ctx context.Context, id int64, errorCode string) error {
	ctx, cancel := context.WithTimeout(ctx, g.cfg.WriteDeadline)
	defer cancel()

	gdb := g.db.Get(ctx)

	err := gdb.Transaction(func(tx *gorm.DB) error {
		q := tx.Where("id = ?", id)
		if rowLockingSupported(tx) {
			q = q.Clauses(clause.Locking{Strength: "UPDATE"})
		}
		var row outbox.Row
		if err := q.First(&row).Error; err != nil {
			return err
		}

		nextCount := row.RetryCount + 1
		updates := map[string]interface{}{
			"retry_count": nextCount,
			"error_code":  errorCode,
		}
		if nextCount > g.cfg.MaxRetryCount {
			updates["retry_count"] = outbox.TerminalRetryCount
			logger.L().ErrorContext(ctx, "outbox row moved to terminal failure state",
				"id", id, "routing_key", row.RoutingKey, "error_code", errorCode)
		}

		return tx.Model(&outbox.Row{}).Where("id = ?", id).Updates(updates).Error
	})

	if err != nil {
		return g.classifyWriteErr(ctx, err)
	}
	return nil
}

// rowLockingSupported reports whether the connected dialect understands
// SELECT ... FOR UPDATE (and SKIP LOCKED). SQLite is single-writer and
// SQL Server expresses read-past as a table hint instead; both skip the
// clause rather than send syntax the engine rejects.
func rowLockingSupported(gdb *gorm.DB) bool {
	switch gdb.Dialector.Name() {
	case "postgres", "mysql":
		return true
	default:
		return false
	}
}

func (g *GormGateway) classifyReadErr(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ErrQueryTimeout(err)
	}
	return ErrStoreUnavailable(err)
}

func (g *GormGateway) classifyWriteErr(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ErrQueryTimeout(err)
	}
	return apperrors.Wrap(err, "outbox store write failed")
}
