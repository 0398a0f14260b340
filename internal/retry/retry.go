// Package retry provides the bounded retry-with-backoff primitive wrapped
// around every network call in the bridge.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pendergraft/campusbridge/internal/apperr"
)

// Classifier reports whether an attempt error is worth retrying.
type Classifier func(error) bool

// IsTransient is the default classifier: only transient failures
// (timeouts, rate limiting, 5xx, transient RPC errors) are retried.
func IsTransient(err error) bool {
	return apperr.IsRetryable(err)
}

// Policy bounds a retried call.
type Policy struct {
	// MaxAttempts caps invocations of the attempt function. Values below 1 mean 1.
	MaxAttempts int
	// InitialDelay is the wait before the second attempt.
	InitialDelay time.Duration
	// MaxDelay caps the exponential delay.
	MaxDelay time.Duration
	// Multiplier grows the delay after each retry. Values below 1 mean 2.
	Multiplier float64
	// MaxElapsed, when set, stops scheduling retries that would end past it.
	MaxElapsed time.Duration
	// AttemptTimeout, when set, bounds a single attempt.
	AttemptTimeout time.Duration
	// Op names the call in errors and OnRetry.
	Op string
	// OnRetry is called before each wait.
	OnRetry func(op string, attempt int, err error, delay time.Duration)
}

// DefaultPolicy returns 5 attempts with delays of 250ms doubling up to 5s.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:  5,
		InitialDelay: 250 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2,
	}
}

// Named returns a copy of p labelled with op.
func (p Policy) Named(op string) Policy {
	p.Op = op
	return p
}

// WithAttempts returns a copy of p with a different attempt ceiling.
func (p Policy) WithAttempts(n int) Policy {
	p.MaxAttempts = n
	return p
}

// ExhaustedError is returned when every attempt failed with a retryable error.
type ExhaustedError struct {
	Op       string
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("%s: giving up after %d attempts: %v", e.Op, e.Attempts, e.Last)
	}
	return fmt.Sprintf("giving up after %d attempts: %v", e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error { return e.Last }

// Attempts reports how many invocations produced err, or 0 when err did not
// come from an exhausted retry loop.
func Attempts(err error) int {
	var ex *ExhaustedError
	if errors.As(err, &ex) {
		return ex.Attempts
	}
	return 0
}

// Do invokes attempt until it succeeds, fails with an error retryable rejects,
// or the policy runs out. It never exceeds p.MaxAttempts invocations.
func Do[T any](ctx context.Context, p Policy, retryable Classifier, attempt func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if retryable == nil {
		retryable = IsTransient
	}
	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	start := time.Now()
	delay := p.InitialDelay
	var lastErr error
	made := 0

	for i := 1; i <= maxAttempts; i++ {
		made = i
		v, err := runAttempt(ctx, p, attempt)
		if err == nil {
			return v, nil
		}
		lastErr = err

		if !retryable(err) {
			return zero, err
		}
		if i == maxAttempts {
			break
		}
		if p.MaxElapsed > 0 && time.Since(start)+delay > p.MaxElapsed {
			break
		}
		if p.OnRetry != nil {
			p.OnRetry(p.Op, i, err, delay)
		}
		if err := sleep(ctx, delay); err != nil {
			return zero, fmt.Errorf("%w (last error: %v)", err, lastErr)
		}
		delay = p.next(delay)
	}

	return zero, &ExhaustedError{Op: p.Op, Attempts: made, Last: lastErr}
}

func runAttempt[T any](ctx context.Context, p Policy, attempt func(ctx context.Context) (T, error)) (T, error) {
	if p.AttemptTimeout <= 0 {
		return attempt(ctx)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, p.AttemptTimeout)
	defer cancel()

	v, err := attempt(attemptCtx)
	if err != nil && ctx.Err() == nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
		// The attempt's own deadline fired, not the caller's.
		return v, apperr.E(apperr.KindTransient, p.Op, fmt.Errorf("%w: %v", apperr.ErrTimeout, err))
	}
	return v, err
}

func (p Policy) next(d time.Duration) time.Duration {
	m := p.Multiplier
	if m < 1 {
		m = 2
	}
	n := time.Duration(float64(d) * m)
	if p.MaxDelay > 0 && n > p.MaxDelay {
		n = p.MaxDelay
	}
	return n
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
