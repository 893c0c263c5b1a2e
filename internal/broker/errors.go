package broker

import "github.com/chris-alexander-pop/outbox-relay/pkg/errors"

// Error codes for the broker wrapper, following pkg/messaging/errors.go's
// package-level Code*/Err* convention.
const (
	CodeProduceTransient = "BROKER_PRODUCE_TRANSIENT"
	CodeProduceFatal     = "BROKER_PRODUCE_FATAL"
)

// ErrProduceTransient wraps a caller-retriable publish failure: the row's
// in-flight claim should be released so the next poll re-attempts it.
func ErrProduceTransient(err error) *errors.AppError {
	return errors.New(CodeProduceTransient, "publish failed transiently", err)
}

// ErrProduceFatal wraps a non-retriable publish failure: the caller must
// mark the row failed rather than re-attempt it.
func ErrProduceFatal(err error) *errors.AppError {
	return errors.New(CodeProduceFatal, "publish failed fatally", err)
}

// IsTransient reports whether err was classified as a ProduceTransient
// failure by Publish.
func IsTransient(err error) bool {
	return errors.CodeOf(err) == CodeProduceTransient
}

// IsFatal reports whether err was classified as a ProduceFatal failure by
// Publish.
func IsFatal(err error) bool {
	return errors.CodeOf(err) == CodeProduceFatal
}
