// Package sql defines the portable relational-store contract the adapters
// in sql/adapters implement, so callers can swap drivers without touching
// business logic.
package sql

import (
	"context"

	"gorm.io/gorm"
)

// SQL is the handle store gateways depend on. It intentionally mirrors
// database.DB so an adapter satisfies both.
type SQL interface {
	Get(ctx context.Context) *gorm.DB
	GetShard(ctx context.Context, key string) (*gorm.DB, error)
	Close() error
}
