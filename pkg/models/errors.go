package models

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies failures across component boundaries. Protocol
// surfaces translate kinds into HTTP statuses and JSON-RPC codes; nothing
// below the protocol layer deals in transport codes.
type ErrorKind string

const (
	ErrInvalidArgument     ErrorKind = "invalid_argument"
	ErrNotFound            ErrorKind = "not_found"
	ErrDenied              ErrorKind = "denied"
	ErrConflict            ErrorKind = "conflict"
	ErrOverloaded          ErrorKind = "overloaded"
	ErrTimedOut            ErrorKind = "timed_out"
	ErrCancelled           ErrorKind = "cancelled"
	ErrUpstreamUnavailable ErrorKind = "upstream_unavailable"
	ErrBudgetExhausted     ErrorKind = "budget_exhausted"
	ErrInternal            ErrorKind = "internal"
)

// Error is the typed error carried between components.
type Error struct {
	Kind    ErrorKind
	Message string
	// RetryAfter is a hint attached to overloaded errors.
	RetryAfter time.Duration
	cause      error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the underlying cause for errors.Is/As chains.
func (e *Error) Unwrap() error { return e.cause }

// NewError creates a typed error.
func NewError(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError attaches a cause to a typed error.
func WrapError(kind ErrorKind, cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), cause: cause}
}

// WithRetryAfter attaches a retry-after hint.
func (e *Error) WithRetryAfter(d time.Duration) *Error {
	e.RetryAfter = d
	return e
}

// KindOf extracts the error kind, defaulting to internal for untyped errors.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return ErrInternal
}

// RetryAfterOf extracts the retry-after hint, zero when absent.
func RetryAfterOf(err error) time.Duration {
	var te *Error
	if errors.As(err, &te) {
		return te.RetryAfter
	}
	return 0
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}

// Transient reports whether an error kind is worth retrying.
func Transient(kind ErrorKind) bool {
	switch kind {
	case ErrTimedOut, ErrUpstreamUnavailable, ErrOverloaded:
		return true
	}
	return false
}
