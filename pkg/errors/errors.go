package errors

import (
	"errors"
	"fmt"
)

// Standard error codes shared across packages. Individual packages define
// their own domain-specific codes (see pkg/messaging/errors.go for the
// pattern) but fall back to these for generic conditions.
const (
	CodeInvalidArgument  = "INVALID_ARGUMENT"
	CodeNotFound         = "NOT_FOUND"
	CodeAlreadyExists    = "ALREADY_EXISTS"
	CodeInternal         = "INTERNAL"
	CodeUnavailable      = "UNAVAILABLE"
	CodeTimeout          = "TIMEOUT"
	CodePermissionDenied = "PERMISSION_DENIED"
)

// AppError is a structured application error carrying a stable code, a
// human-readable message, and an optional wrapped cause.
type AppError struct {
	Code    string
	Message string
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates an AppError with the given code, message and optional cause.
func New(code, message string, cause error) *AppError {
	return &AppError{Code: code, Message: message, Err: cause}
}

// Wrap wraps err in an AppError with CodeInternal, preserving err as the
// cause. If err is already an *AppError, its code is preserved.
func Wrap(err error, message string) *AppError {
	if err == nil {
		return nil
	}
	code := CodeInternal
	var existing *AppError
	if As(err, &existing) {
		code = existing.Code
	}
	return &AppError{Code: code, Message: message, Err: err}
}

// InvalidArgument creates an AppError with CodeInvalidArgument.
func InvalidArgument(message string, cause error) *AppError {
	return New(CodeInvalidArgument, message, cause)
}

// NotFound creates an AppError with CodeNotFound.
func NotFound(message string, cause error) *AppError {
	return New(CodeNotFound, message, cause)
}

// Internal creates an AppError with CodeInternal.
func Internal(message string, cause error) *AppError {
	return New(CodeInternal, message, cause)
}

// Unavailable creates an AppError with CodeUnavailable.
func Unavailable(message string, cause error) *AppError {
	return New(CodeUnavailable, message, cause)
}

// Timeout creates an AppError with CodeTimeout.
func Timeout(message string, cause error) *AppError {
	return New(CodeTimeout, message, cause)
}

// CodeOf returns the code of err if it is (or wraps) an *AppError, and
// CodeInternal otherwise.
func CodeOf(err error) string {
	var ae *AppError
	if As(err, &ae) {
		return ae.Code
	}
	return CodeInternal
}

// Is passes through to the standard library so callers can match sentinel
// errors wrapped inside an AppError.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As passes through to the standard library so callers can unwrap an
// AppError (or anything it wraps) into a concrete type.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}
