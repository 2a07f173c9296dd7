package kv

import (
	"context"
	"fmt"
	"time"
)

// Backoff is the adapter's retry policy for failed writes.
// Delay doubles (by Multiplier) from Initial up to Max.
type Backoff struct {
	Initial     time.Duration
	Max         time.Duration
	Multiplier  float64
	MaxAttempts int
}

// DefaultBackoff returns the policy used when none is configured.
func DefaultBackoff() Backoff {
	return Backoff{
		Initial:     50 * time.Millisecond,
		Max:         5 * time.Second,
		Multiplier:  2,
		MaxAttempts: 5,
	}
}

// Delay returns the wait before retry number attempt (1-based).
// Formula: Initial * Multiplier^(attempt-1), capped at Max.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := b.Multiplier
	if mult < 1 {
		mult = 1
	}

	d := float64(b.Initial)
	for i := 1; i < attempt; i++ {
		d *= mult
		if b.Max > 0 && d >= float64(b.Max) {
			return b.Max
		}
	}
	if b.Max > 0 && time.Duration(d) > b.Max {
		return b.Max
	}
	return time.Duration(d)
}

// Retry runs fn until it succeeds, fails permanently, the attempts run out
// or ctx ends. The last error is returned.
func (b Backoff) Retry(ctx context.Context, fn func(ctx context.Context) error) error {
	attempts := b.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if !IsTransient(err) || attempt == attempts {
			break
		}

		timer := time.NewTimer(b.Delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%w (last error: %v)", ctx.Err(), err)
		case <-timer.C:
		}
	}
	return err
}
