// Package retry provides reconnect and retry strategies.
//
// A Policy is consulted after each failed attempt and answers how long to
// wait before the next one, or that no further attempt should be made.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrExhausted is returned by Do when the policy gives up.
var ErrExhausted = errors.New("retry: attempts exhausted")

// Policy decides whether and when to try again.
type Policy interface {
	// Next is called after failed attempt number attempt (1-based).
	// It returns the delay before the next attempt, or false to give up.
	Next(attempt int) (time.Duration, bool)
}

// Exponential is a bounded exponential backoff with capped attempts.
type Exponential struct {
	Initial     time.Duration // delay after the first failure
	Max         time.Duration // delay ceiling
	Multiplier  float64       // growth factor, values < 1 are treated as 1
	MaxAttempts int           // 0 means unlimited
}

// DefaultExponential returns 1s doubling to 30s, at most 10 attempts.
func DefaultExponential() Exponential {
	return Exponential{
		Initial:     time.Second,
		Max:         30 * time.Second,
		Multiplier:  2,
		MaxAttempts: 10,
	}
}

// Next implements Policy.
func (e Exponential) Next(attempt int) (time.Duration, bool) {
	if attempt < 1 {
		attempt = 1
	}
	if e.MaxAttempts > 0 && attempt >= e.MaxAttempts {
		return 0, false
	}

	mult := e.Multiplier
	if mult < 1 {
		mult = 1
	}

	delay := float64(e.Initial) * math.Pow(mult, float64(attempt-1))
	if e.Max > 0 && delay > float64(e.Max) {
		return e.Max, true
	}
	return time.Duration(delay), true
}

// Validate checks the policy parameters.
func (e Exponential) Validate() error {
	if e.Initial <= 0 {
		return fmt.Errorf("retry: initial delay must be positive")
	}
	if e.Max > 0 && e.Max < e.Initial {
		return fmt.Errorf("retry: max delay %v below initial %v", e.Max, e.Initial)
	}
	if e.MaxAttempts < 0 {
		return fmt.Errorf("retry: max attempts must not be negative")
	}
	return nil
}

// Never gives up immediately.
type Never struct{}

// Next implements Policy.
func (Never) Next(int) (time.Duration, bool) { return 0, false }

// Do runs fn until it succeeds, fn returns a permanent error, the policy
// gives up, or ctx ends. retryable decides which errors are worth retrying;
// nil retries every error.
func Do(ctx context.Context, p Policy, retryable func(error) bool, fn func(ctx context.Context) error) error {
	if p == nil {
		p = Never{}
	}

	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if retryable != nil && !retryable(err) {
			return err
		}

		delay, ok := p.Next(attempt)
		if !ok {
			if _, never := p.(Never); never {
				return err
			}
			return fmt.Errorf("%w after %d attempts: %w", ErrExhausted, attempt, err)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.Join(ctx.Err(), err)
		case <-timer.C:
		}
	}
}
