// Package apperr defines the error taxonomy shared by every bridge component.
//
// Each failure carries a Kind that decides how callers react: Transient errors
// are retried, NotFound and Malformed surface immediately, Conflict is
// coalesced and never shown to the user, Fatal is permanent.
package apperr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Kind classifies a failure.
type Kind int

const (
	KindUnknown Kind = iota
	KindTransient
	KindNotFound
	KindMalformed
	KindConflict
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindNotFound:
		return "not_found"
	case KindMalformed:
		return "malformed"
	case KindConflict:
		return "conflict"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error is a classified failure of operation Op.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	case e.Err != nil:
		return e.Err.Error()
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	default:
		return e.Kind.String()
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the bare kind sentinels below, so errors.Is(err, ErrNotFound)
// holds for any NotFound error regardless of Op and cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Err == nil && t.Kind == e.Kind
}

// Kind sentinels for errors.Is.
var (
	ErrTransient = &Error{Kind: KindTransient}
	ErrNotFound  = &Error{Kind: KindNotFound}
	ErrMalformed = &Error{Kind: KindMalformed}
	ErrConflict  = &Error{Kind: KindConflict}
	ErrFatal     = &Error{Kind: KindFatal}
)

// ErrTimeout marks a transient failure caused by a deadline.
var ErrTimeout = errors.New("timeout")

// ErrRateLimited marks a transient failure caused by upstream throttling.
var ErrRateLimited = errors.New("rate limited")

// E builds a classified error.
func E(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Transient wraps err as retryable.
func Transient(op string, err error) error { return E(KindTransient, op, err) }

// NotFound reports an identifier absent upstream.
func NotFound(op string, format string, args ...any) error {
	return E(KindNotFound, op, fmt.Errorf(format, args...))
}

// Malformed reports a caller/input error detected locally.
func Malformed(op string, format string, args ...any) error {
	return E(KindMalformed, op, fmt.Errorf(format, args...))
}

// Fatal wraps err as permanent.
func Fatal(op string, err error) error { return E(KindFatal, op, err) }

// Timeout reports an attempt that ran out of time.
func Timeout(op string) error { return E(KindTransient, op, ErrTimeout) }

// KindOf returns the kind of the outermost classified error in err's chain.
// Unclassified timeouts (net.Error) are treated as transient.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return KindTransient
	}
	return KindUnknown
}

// IsRetryable reports whether err is worth another attempt.
func IsRetryable(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	return KindOf(err) == KindTransient
}

// Reason renders a short, user-facing failure reason.
func Reason(err error) string {
	if err == nil {
		return ""
	}
	switch {
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, ErrRateLimited):
		return "rate limited"
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return "timeout"
	}
	switch KindOf(err) {
	case KindNotFound:
		return "not found"
	case KindMalformed:
		return "malformed"
	case KindTransient:
		return "transient"
	default:
		return err.Error()
	}
}

// FromStatus classifies an HTTP response status from an upstream service.
func FromStatus(op string, status int, msg string) error {
	cause := fmt.Errorf("HTTP %d: %s", status, msg)
	switch {
	case status == http.StatusTooManyRequests:
		return E(KindTransient, op, fmt.Errorf("%w: %v", ErrRateLimited, cause))
	case status == http.StatusRequestTimeout, status == http.StatusGatewayTimeout:
		return E(KindTransient, op, fmt.Errorf("%w: %v", ErrTimeout, cause))
	case status >= 500:
		return E(KindTransient, op, cause)
	case status == http.StatusNotFound, status == http.StatusGone:
		return E(KindNotFound, op, cause)
	case status == http.StatusRequestEntityTooLarge:
		return E(KindFatal, op, cause)
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return E(KindFatal, op, cause)
	case status >= 400:
		return E(KindMalformed, op, cause)
	default:
		return E(KindUnknown, op, cause)
	}
}
