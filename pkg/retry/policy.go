// Package retry implements the pure retry/dead-letter decision taken when a
// task attempt fails.
//
// The decision never touches a backend. The worker scheduler feeds it the
// failed task and the handler error, then asks the driver for the matching
// transition (Release or DeadLetter).
package retry

import (
	"errors"
	"time"

	"github.com/cmeadows/leaseq/pkg/core"
)

// Policy narrows retry eligibility for a handler. Both fields are optional.
//
// A policy can only narrow: when the default decision is dead-letter, no
// predicate or backoff brings the task back. MaxAttempts is a hard ceiling.
type Policy struct {
	// Predicate is consulted when the default decision would retry.
	// Returning false forces an immediate dead-letter, e.g. for a
	// validation error that cannot succeed on a second attempt.
	Predicate func(attempts int, err error) bool

	// Backoff overrides the fixed delay for the next attempt. attempts is
	// the count of attempts made so far, base is the task's configured
	// retry delay.
	Backoff func(attempts int, base time.Duration) time.Duration
}

// Decision is the outcome of a failed attempt.
type Decision struct {
	// Retry is true when the task should be released for another attempt.
	Retry bool

	// Delay is the visibility delay before the next attempt; meaningful
	// only when Retry is true.
	Delay time.Duration
}

// Decide computes the transition for a failed attempt.
//
// Default rule: retry iff Attempts < MaxAttempts, with the task's fixed
// configured delay. MaxAttempts = 0 means the first failure dead-letters.
// NoRetryError and SerializationError always dead-letter. RetryAfterError
// overrides the delay but never the ceiling. A policy predicate can veto a
// retry but never force one past the ceiling.
func Decide(task *core.Task, err error, policy *Policy) Decision {
	// Errors that can never succeed on a second attempt.
	var noRetry *core.NoRetryError
	if errors.As(err, &noRetry) {
		return Decision{}
	}
	var serr *core.SerializationError
	if errors.As(err, &serr) {
		return Decision{}
	}

	// Hard ceiling. Attempts was incremented by the lease that delivered
	// this attempt, so equality means the budget is spent.
	if task.Attempts >= task.MaxAttempts {
		return Decision{}
	}

	if policy != nil && policy.Predicate != nil && !policy.Predicate(task.Attempts, err) {
		return Decision{}
	}

	delay := task.RetryDelayDuration()

	var after *core.RetryAfterError
	if errors.As(err, &after) {
		delay = after.Delay
	} else if policy != nil && policy.Backoff != nil {
		delay = policy.Backoff(task.Attempts, delay)
	}

	if delay < 0 {
		delay = 0
	}

	return Decision{Retry: true, Delay: delay}
}

// ExponentialBackoff returns a Backoff growing by doubling from base,
// capped at max. A zero base falls back to one second so the growth is
// visible at all.
func ExponentialBackoff(max time.Duration) func(attempts int, base time.Duration) time.Duration {
	return func(attempts int, base time.Duration) time.Duration {
		if base <= 0 {
			base = time.Second
		}
		d := base
		for i := 1; i < attempts; i++ {
			d *= 2
			if d >= max {
				return max
			}
		}
		if d > max {
			d = max
		}
		return d
	}
}
