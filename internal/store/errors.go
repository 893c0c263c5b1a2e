package store

import "github.com/chris-alexander-pop/outbox-relay/pkg/errors"

// Error codes for the outbox store gateway, following pkg/messaging/errors.go's
// package-level Code*/Err* convention.
const (
	CodeStoreUnavailable = "STORE_UNAVAILABLE"
	CodeQueryTimeout     = "STORE_QUERY_TIMEOUT"
)

// ErrStoreUnavailable wraps a connection-level failure.
func ErrStoreUnavailable(err error) *errors.AppError {
	return errors.New(CodeStoreUnavailable, "outbox store unavailable", err)
}

// ErrQueryTimeout wraps a deadline-exceeded failure.
func ErrQueryTimeout(err error) *errors.AppError {
	return errors.New(CodeQueryTimeout, "outbox store query timed out", err)
}
