// Package retry bounds polling operations that can fail only because the
// service has not caught up yet.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	retrygo "github.com/avast/retry-go"
)

// DefaultMaxAttempts is the attempt ceiling for discovery polling.
const DefaultMaxAttempts = 10

var (
	// ErrNotYetVisible marks a failure that may succeed on a later attempt,
	// such as a search that does not yet index a freshly created user.
	ErrNotYetVisible = errors.New("not yet visible")

	// ErrExhausted is returned when every attempt failed with a retryable
	// error. It wraps the last attempt's error.
	ErrExhausted = errors.New("retry attempts exhausted")
)

// Policy retries qualifying failures immediately, with no backoff.
type Policy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int
	// Yield is an optional pause between attempts. Zero retries at once.
	Yield time.Duration
}

// New returns a Policy. Non-positive maxAttempts falls back to
// DefaultMaxAttempts and negative yields are treated as zero.
func New(maxAttempts int, yield time.Duration) Policy {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if yield < 0 {
		yield = 0
	}
	return Policy{MaxAttempts: maxAttempts, Yield: yield}
}

// Default returns the policy used when nothing is configured.
func Default() Policy {
	return New(DefaultMaxAttempts, 0)
}

// Op is one attempt. attempt is 1-based and remaining counts the attempts
// still allowed after this one.
type Op func(attempt, remaining int) error

// Do runs op until it succeeds, fails with a non-retryable error, the
// context ends, or MaxAttempts is reached. It returns how many attempts were
// made. Only errors matching ErrNotYetVisible are retried.
func (p Policy) Do(ctx context.Context, op Op) (int, error) {
	limit := p.MaxAttempts
	if limit <= 0 {
		limit = DefaultMaxAttempts
	}

	attempts := 0
	var last error

	err := retrygo.Do(
		func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			attempts++
			last = op(attempts, limit-attempts)
			return last
		},
		retrygo.Context(ctx),
		retrygo.Attempts(uint(limit)),
		retrygo.Delay(p.Yield),
		retrygo.DelayType(retrygo.FixedDelay),
		retrygo.RetryIf(Retryable),
		retrygo.LastErrorOnly(true),
	)
	if err == nil {
		return attempts, nil
	}

	if attempts >= limit && Retryable(last) {
		return attempts, fmt.Errorf("%w after %d attempts: %w", ErrExhausted, attempts, last)
	}
	return attempts, err
}

// Retryable reports whether err qualifies for another attempt.
func Retryable(err error) bool {
	return errors.Is(err, ErrNotYetVisible)
}
