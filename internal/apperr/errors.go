// Package apperr defines the typed failures surfaced to callers of the
// presence, roster and chat operations. Every failure carries a Kind that the
// transports map onto protocol error codes and HTTP statuses.
package apperr

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies a failure.
type Kind string

const (
	KindAuthenticationRequired Kind = "authentication_required"
	KindInvalidArgument        Kind = "invalid_argument"
	KindConflict               Kind = "conflict"
	KindNotFound               Kind = "not_found"
	KindUnauthorized           Kind = "unauthorized"
	KindRateLimited            Kind = "rate_limited"
	KindBlocked                Kind = "blocked"
	KindInternal               Kind = "internal"
)

// Error is a typed failure. Two errors are equal under errors.Is when their
// kinds match, so callers can test against the package sentinels.
type Error struct {
	Kind       Kind
	Message    string
	RetryAfter time.Duration // only set for KindRateLimited
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Message
}

// Is reports whether target is an *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// Sentinels for errors.Is checks.
var (
	ErrAuthenticationRequired = &Error{Kind: KindAuthenticationRequired}
	ErrInvalidArgument        = &Error{Kind: KindInvalidArgument}
	ErrConflict               = &Error{Kind: KindConflict}
	ErrNotFound               = &Error{Kind: KindNotFound}
	ErrUnauthorized           = &Error{Kind: KindUnauthorized}
	ErrRateLimited            = &Error{Kind: KindRateLimited}
	ErrBlocked                = &Error{Kind: KindBlocked}
)

// New builds an error of the given kind with a formatted message.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func AuthenticationRequired() *Error {
	return &Error{Kind: KindAuthenticationRequired, Message: "authentication required"}
}

func InvalidArgument(format string, args ...interface{}) *Error {
	return New(KindInvalidArgument, format, args...)
}

func Conflict(format string, args ...interface{}) *Error {
	return New(KindConflict, format, args...)
}

func NotFound(format string, args ...interface{}) *Error {
	return New(KindNotFound, format, args...)
}

func Unauthorized(format string, args ...interface{}) *Error {
	return New(KindUnauthorized, format, args...)
}

func Blocked(format string, args ...interface{}) *Error {
	return New(KindBlocked, format, args...)
}

// RateLimited builds a rate-limit failure for action, telling the caller how
// long until the current window closes.
func RateLimited(action string, retryAfter time.Duration) *Error {
	return &Error{
		Kind:       KindRateLimited,
		Message:    fmt.Sprintf("rate limit exceeded for %s", action),
		RetryAfter: retryAfter,
	}
}

// KindOf returns the kind of err. Errors that are not *Error (storage
// failures, context cancellation) are reported as KindInternal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// RetryAfterOf extracts the retry hint from a rate-limit failure.
func RetryAfterOf(err error) time.Duration {
	var e *Error
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}

// PublicMessage returns the message safe to show a client. Internal errors
// are never echoed verbatim.
func PublicMessage(err error) string {
	var e *Error
	if errors.As(err, &e) {
		if e.Message != "" {
			return e.Message
		}
		return string(e.Kind)
	}
	return "internal error"
}
