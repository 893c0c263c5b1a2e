package producer

import (
	"context"

	"github.com/chris-alexander-pop/outbox-relay/internal/keylock"
)

// RegistryLocker adapts *keylock.Registry to KeyLocker.
type RegistryLocker struct{ Registry *keylock.Registry }

// Acquire implements KeyLocker.
func (r RegistryLocker) Acquire(ctx context.Context, key string) (Releaser, error) {
	return r.Registry.Acquire(ctx, key)
}

// FencedRegistryLocker adapts *keylock.FencedRegistry to KeyLocker.
type FencedRegistryLocker struct{ Registry *keylock.FencedRegistry }

// Acquire implements KeyLocker.
func (r FencedRegistryLocker) Acquire(ctx context.Context, key string) (Releaser, error) {
	return r.Registry.Acquire(ctx, key)
}
