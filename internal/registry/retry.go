package registry

import (
	"context"
	"fmt"
	"math/rand"
	"time"
)

// Defaults for the uniform retry policy applied to every registry call
// regardless of wire shape.
const (
	DefaultMaxAttempts = 5
	DefaultBaseDelay   = 1 * time.Second
	DefaultMaxDelay    = 60 * time.Second
	DefaultCallTimeout = 20 * time.Second

	// jitterFraction is the upper bound of random jitter added to each
	// backoff delay, as a fraction of the capped delay.
	jitterFraction = 0.1
)

// RetryPolicy implements capped exponential backoff with jitter. The zero
// value is not usable; construct with NewRetryPolicy and override fields
// as needed. Clock and jitter are injectable so tests are deterministic.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	CallTimeout time.Duration

	// Jitter returns a value in [0, 1). Defaults to math/rand.
	Jitter func() float64
	// Sleep waits for d or until ctx is done. Replaced in tests.
	Sleep func(ctx context.Context, d time.Duration) error
}

// NewRetryPolicy returns the default policy.
func NewRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: DefaultMaxAttempts,
		BaseDelay:   DefaultBaseDelay,
		MaxDelay:    DefaultMaxDelay,
		CallTimeout: DefaultCallTimeout,
		Jitter:      rand.Float64,
		Sleep:       sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Delay computes the backoff before the given attempt (1-based):
// min(base * 2^(attempt-1), max) plus up to 10% random jitter.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := p.BaseDelay << (attempt - 1)
	if delay > p.MaxDelay || delay <= 0 {
		delay = p.MaxDelay
	}
	jitter := time.Duration(float64(delay) * jitterFraction * p.Jitter())
	return delay + jitter
}

// Do runs op with the per-call timeout, retrying retryable failures with
// backoff. Terminal errors propagate immediately without consuming the
// remaining attempts.
func (p RetryPolicy) Do(ctx context.Context, op func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		callCtx := ctx
		var cancel context.CancelFunc
		if p.CallTimeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, p.CallTimeout)
		}
		err := op(callCtx)
		if cancel != nil {
			cancel()
		}
		if err == nil {
			return nil
		}
		if !IsRetryable(err) {
			return err
		}
		lastErr = err
		if attempt == p.MaxAttempts {
			break
		}
		if err := p.Sleep(ctx, p.Delay(attempt)); err != nil {
			return err
		}
	}
	return fmt.Errorf("exhausted %d attempts: %w", p.MaxAttempts, lastErr)
}
