package executor

import (
	"context"
	"errors"
	"io"
	"math"
	"math/rand"
	"net"
	"syscall"
	"time"
)

var (
	// ErrTransient marks an error as a flaky dependency worth retrying.
	ErrTransient = errors.New("transient")
	// ErrSoftTimeLimit is the cause of an attempt that ran past its budget.
	ErrSoftTimeLimit = errors.New("soft time limit exceeded")
)

type transientError struct{ err error }

func (e transientError) Error() string   { return e.err.Error() }
func (e transientError) Unwrap() []error { return []error{e.err, ErrTransient} }

// Transient wraps err so IsTransient reports true.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return transientError{err: err}
}

// IsTransient reports whether err is a network timeout, a connection
// failure, or an error that declares itself retryable.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTransient) {
		return true
	}
	var r interface{ Retryable() bool }
	if errors.As(err, &r) {
		return r.Retryable()
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	var oe *net.OpError
	if errors.As(err, &oe) {
		return true
	}
	return errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, context.DeadlineExceeded)
}

// RetryPolicy is the per-step retry budget.
type RetryPolicy struct {
	// MaxRetries counts attempts after the first. Zero disables retry.
	MaxRetries  int
	BackoffBase time.Duration
	BackoffMax  time.Duration
	// Jitter in [0, 1] shortens each backoff by up to that fraction.
	Jitter float64
	// RetryIf selects retryable errors. Nil retries nothing.
	RetryIf func(error) bool
	// SoftTimeLimit bounds a single attempt. Zero means no limit.
	SoftTimeLimit time.Duration
}

// NoRetry fails on the first error.
func NoRetry(softLimit time.Duration) RetryPolicy {
	return RetryPolicy{SoftTimeLimit: softLimit}
}

// TransientRetry retries IsTransient errors with exponential backoff.
func TransientRetry(maxRetries int, base, maxBackoff time.Duration, jitter float64, softLimit time.Duration) RetryPolicy {
	return RetryPolicy{
		MaxRetries:    maxRetries,
		BackoffBase:   base,
		BackoffMax:    maxBackoff,
		Jitter:        jitter,
		RetryIf:       IsTransient,
		SoftTimeLimit: softLimit,
	}
}

func (p RetryPolicy) retryable(err error) bool {
	return p.MaxRetries > 0 && p.RetryIf != nil && p.RetryIf(err)
}

// Backoff returns the delay before retry n (1-based): base * 2^(n-1), capped
// at BackoffMax, then reduced by a random share of up to Jitter.
func (p RetryPolicy) Backoff(n int, rng *rand.Rand) time.Duration {
	if n < 1 {
		n = 1
	}
	d := float64(p.BackoffBase) * math.Pow(2, float64(n-1))
	if p.BackoffMax > 0 && d > float64(p.BackoffMax) {
		d = float64(p.BackoffMax)
	}
	if p.Jitter > 0 && rng != nil {
		d -= d * math.Min(p.Jitter, 1) * rng.Float64()
	}
	return time.Duration(d)
}
