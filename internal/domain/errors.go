package domain

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind is the closed set of failure kinds surfaced to callers.
type ErrorKind string

// Error kinds. Codes are stable and part of the public API.
const (
	KindInvalidRequest    ErrorKind = "invalid_request"
	KindRateLimited       ErrorKind = "rate_limited"
	KindAlreadyRunning    ErrorKind = "already_running"
	KindCapacityExceeded  ErrorKind = "capacity_exceeded"
	KindFetchError        ErrorKind = "fetch_error"
	KindInvalidTransition ErrorKind = "invalid_transition"
	KindTimeout           ErrorKind = "timeout"
	KindWorkerFailure     ErrorKind = "worker_failure"
)

// Error is a typed failure carrying a stable kind and a user-safe message.
type Error struct {
	Kind       ErrorKind
	Message    string
	RetryAfter time.Duration
	Err        error
}

// Sentinels for errors.Is matching by kind.
var (
	ErrInvalidRequest    = &Error{Kind: KindInvalidRequest}
	ErrRateLimited       = &Error{Kind: KindRateLimited}
	ErrAlreadyRunning    = &Error{Kind: KindAlreadyRunning}
	ErrCapacityExceeded  = &Error{Kind: KindCapacityExceeded}
	ErrFetch             = &Error{Kind: KindFetchError}
	ErrInvalidTransition = &Error{Kind: KindInvalidTransition}
	ErrTimeout           = &Error{Kind: KindTimeout}
	ErrWorkerFailure     = &Error{Kind: KindWorkerFailure}
)

// NewError builds a typed error with a message.
func NewError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError builds a typed error around an underlying cause. The cause is
// kept for logs and never shown to clients.
func WrapError(kind ErrorKind, err error, message string) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Kind.DefaultMessage()
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// PublicMessage returns the message safe to show to clients.
func (e *Error) PublicMessage() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Kind.DefaultMessage()
}

// DefaultMessage returns the fallback human-readable text for the kind.
func (k ErrorKind) DefaultMessage() string {
	switch k {
	case KindInvalidRequest:
		return "request is invalid"
	case KindRateLimited:
		return "too many attempts, try again later"
	case KindAlreadyRunning:
		return "an automation run is already in progress for this user"
	case KindCapacityExceeded:
		return "system is busy, try again shortly"
	case KindFetchError:
		return "failed to fetch the daily solution"
	case KindInvalidTransition:
		return "automation reported an invalid progress transition"
	case KindTimeout:
		return "automation exceeded its maximum lifetime"
	case KindWorkerFailure:
		return "automation worker reported a failure"
	default:
		return "unknown error"
	}
}

// KindOf extracts the kind of a typed error. ok is false for untyped errors.
func KindOf(err error) (ErrorKind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}
