package resilience

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// ErrAttemptsExhausted wraps the last failure once every attempt has been used.
var ErrAttemptsExhausted = errors.New("resilience: attempts exhausted")

type permanentError struct{ err error }

func (p permanentError) Error() string { return p.err.Error() }
func (p permanentError) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying. Retrier.Do returns it unwrapped.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// Retrier runs an operation with a per-attempt timeout and exponential backoff,
// consulting the breaker before every attempt.
type Retrier struct {
	Breaker     *Breaker
	MaxAttempts int
	BaseBackoff time.Duration
	Jitter      float64
	Timeout     time.Duration
}

// Do calls fn until it succeeds, returns a permanent error, the breaker
// refuses, or MaxAttempts is reached. It reports the number of attempts made.
func (r Retrier) Do(ctx context.Context, fn func(context.Context) error) (int, error) {
	if fn == nil {
		return 0, errors.New("resilience: retry callback not provided")
	}
	maxAttempts := r.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	base := r.BaseBackoff
	if base <= 0 {
		base = 100 * time.Millisecond
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if r.Breaker != nil && !r.Breaker.Allow(ctx) {
			if lastErr != nil {
				return attempt - 1, errors.Join(ErrOpenCircuit, lastErr)
			}
			return attempt - 1, ErrOpenCircuit
		}
		err := r.once(ctx, fn)
		if err == nil {
			r.report(ctx, true)
			return attempt, nil
		}
		var perm permanentError
		if errors.As(err, &perm) {
			r.report(ctx, true)
			return attempt, perm.err
		}
		r.report(ctx, false)
		lastErr = err
		if ctx.Err() != nil {
			return attempt, ctx.Err()
		}
		if attempt == maxAttempts {
			break
		}
		timer := time.NewTimer(Backoff(base, attempt, r.Jitter))
		select {
		case <-ctx.Done():
			timer.Stop()
			return attempt, ctx.Err()
		case <-timer.C:
		}
	}
	return maxAttempts, errors.Join(ErrAttemptsExhausted, lastErr)
}

func (r Retrier) once(ctx context.Context, fn func(context.Context) error) error {
	if r.Timeout <= 0 {
		return fn(ctx)
	}
	callCtx, cancel := context.WithTimeout(ctx, r.Timeout)
	defer cancel()
	return fn(callCtx)
}

func (r Retrier) report(ctx context.Context, success bool) {
	if r.Breaker != nil {
		r.Breaker.Report(ctx, success)
	}
}

// Backoff doubles base for every attempt after the first and spreads the
// result by up to jitterPct in either direction.
func Backoff(base time.Duration, attempt int, jitterPct float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	d := base << (attempt - 1)
	if jitterPct <= 0 {
		return d
	}
	spread := float64(d) * jitterPct
	return d + time.Duration((rand.Float64()*2-1)*spread)
}
