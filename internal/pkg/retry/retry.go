// Package retry runs an operation under a bounded exponential backoff policy.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"
)

// Policy describes how often and how patiently an operation is retried.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64

	// OnRetry, when set, is called before each wait with the attempt that just
	// failed (1-based), the delay about to be slept and the failure.
	OnRetry func(attempt int, delay time.Duration, err error)
}

type permanentError struct {
	err error
}

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying; Do returns it right away.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Delay returns the wait after the given failed attempt (1-based).
func (p Policy) Delay(attempt int) time.Duration {
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	return time.Duration(float64(p.BaseDelay) * math.Pow(mult, float64(attempt-1)))
}

// Do calls fn until it succeeds, returns a permanent error, the attempts run
// out or ctx is done. The context bounds the waits as well as the calls.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = fn(ctx)
		if err == nil {
			return nil
		}
		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		if attempt == attempts {
			break
		}

		delay := p.Delay(attempt)
		if p.OnRetry != nil {
			p.OnRetry(attempt, delay, err)
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("retry aborted after attempt %d: %w", attempt, errors.Join(ctx.Err(), err))
		case <-timer.C:
		}
	}
	return fmt.Errorf("giving up after %d attempts: %w", attempts, err)
}
