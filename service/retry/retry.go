// Package retry holds the backoff policy shared by the provider clients and
// resolvers. Only errors marked transient are retried; everything else is
// returned to the caller on the first attempt.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrRateLimited is returned by provider clients when the remote side asks
// the caller to slow down.
var ErrRateLimited = errors.New("rate limited")

// transientError marks an error as safe to retry.
type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// Transient wraps err so that Policy.Do retries it.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// MaxRejoins bounds how many shared flights a caller joins before it keeps
// whatever error the last one returned.
const MaxRejoins = 3

// ForeignCancellation reports whether err is a cancellation or deadline error
// while ctx itself is still live. Callers joined on another caller's work see
// this when that caller went away, and should try again themselves.
func ForeignCancellation(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrRateLimited) {
		return true
	}
	var te *transientError
	return errors.As(err, &te)
}

// Policy is a fixed-interval retry policy.
// A zero MaxRetries and a zero MaxElapsed retry until the context is done.
type Policy struct {
	Interval   time.Duration
	MaxRetries int
	MaxElapsed time.Duration
}

// NoDelay retries immediately and forever. Intended for tests.
var NoDelay = Policy{}

// Notify is called before every backoff sleep.
type Notify func(err error, wait time.Duration)

// Do runs op until it succeeds, returns a non-transient error, the policy
// gives up, or ctx is done. When the policy gives up the last transient error
// is returned; when ctx is done ctx.Err() is returned.
func (p Policy) Do(ctx context.Context, op func(ctx context.Context) error, notify Notify) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return backoff.RetryNotify(func() error {
		err := op(ctx)
		if err == nil {
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return backoff.Permanent(ctxErr)
		}
		if IsTransient(err) {
			return err
		}
		return backoff.Permanent(err)
	}, p.backOff(ctx), backoff.Notify(notify))
}

func (p Policy) backOff(ctx context.Context) backoff.BackOff {
	var b backoff.BackOff
	if p.Interval <= 0 && p.MaxElapsed <= 0 {
		b = &backoff.ZeroBackOff{}
	} else {
		eb := &backoff.ExponentialBackOff{
			InitialInterval:     p.Interval,
			RandomizationFactor: 0,
			Multiplier:          1,
			MaxInterval:         p.Interval,
			MaxElapsedTime:      p.MaxElapsed,
			Stop:                backoff.Stop,
			Clock:               backoff.SystemClock,
		}
		eb.Reset()
		b = eb
	}
	if p.MaxRetries > 0 {
		b = backoff.WithMaxRetries(b, uint64(p.MaxRetries))
	}
	return backoff.WithContext(b, ctx)
}
