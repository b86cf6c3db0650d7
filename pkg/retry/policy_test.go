package retry

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/cmeadows/leaseq/pkg/core"
)

func task(attempts, max int, delaySec int64) *core.Task {
	return &core.Task{
		ID:          "t1",
		Queue:       "default",
		Attempts:    attempts,
		MaxAttempts: max,
		RetryDelay:  delaySec,
	}
}

func TestDecide_RetriesBelowCeiling(t *testing.T) {
	d := Decide(task(1, 3, 5), errors.New("boom"), nil)

	assert.True(t, d.Retry)
	assert.Equal(t, 5*time.Second, d.Delay)
}

func TestDecide_DeadLettersAtCeiling(t *testing.T) {
	d := Decide(task(3, 3, 5), errors.New("boom"), nil)

	assert.False(t, d.Retry)
}

func TestDecide_ZeroMaxAttemptsNeverRetries(t *testing.T) {
	d := Decide(task(1, 0, 5), errors.New("boom"), nil)

	assert.False(t, d.Retry)
}

func TestDecide_NoRetryErrorAlwaysDeadLetters(t *testing.T) {
	d := Decide(task(1, 10, 5), core.NoRetry(errors.New("bad input")), nil)

	assert.False(t, d.Retry)
}

func TestDecide_SerializationErrorAlwaysDeadLetters(t *testing.T) {
	err := &core.SerializationError{Err: errors.New("cycle")}
	d := Decide(task(1, 10, 5), err, nil)

	assert.False(t, d.Retry)
}

func TestDecide_RetryAfterOverridesDelay(t *testing.T) {
	d := Decide(task(1, 3, 5), core.RetryAfter(42*time.Second, errors.New("rate limited")), nil)

	assert.True(t, d.Retry)
	assert.Equal(t, 42*time.Second, d.Delay)
}

func TestDecide_RetryAfterCannotPassCeiling(t *testing.T) {
	d := Decide(task(3, 3, 5), core.RetryAfter(time.Second, errors.New("rate limited")), nil)

	assert.False(t, d.Retry)
}

func TestDecide_PredicateVetoesRetry(t *testing.T) {
	p := &Policy{Predicate: func(attempts int, err error) bool { return false }}
	d := Decide(task(1, 10, 5), errors.New("boom"), p)

	assert.False(t, d.Retry)
}

func TestDecide_PredicateCannotWidenPastCeiling(t *testing.T) {
	p := &Policy{Predicate: func(attempts int, err error) bool { return true }}
	d := Decide(task(5, 5, 5), errors.New("boom"), p)

	assert.False(t, d.Retry)
}

func TestDecide_PredicateSeesTimeoutKind(t *testing.T) {
	var sawTimeout bool
	p := &Policy{Predicate: func(attempts int, err error) bool {
		var te *core.TimeoutError
		sawTimeout = errors.As(err, &te)
		return !sawTimeout
	}}

	d := Decide(task(1, 3, 5), &core.TimeoutError{Limit: time.Second}, p)

	assert.True(t, sawTimeout)
	assert.False(t, d.Retry)
}

func TestDecide_CustomBackoff(t *testing.T) {
	p := &Policy{Backoff: ExponentialBackoff(time.Minute)}

	d1 := Decide(task(1, 10, 2), errors.New("boom"), p)
	d3 := Decide(task(3, 10, 2), errors.New("boom"), p)

	assert.Equal(t, 2*time.Second, d1.Delay)
	assert.Equal(t, 8*time.Second, d3.Delay)
}

func TestExponentialBackoff_Caps(t *testing.T) {
	b := ExponentialBackoff(10 * time.Second)

	assert.Equal(t, 10*time.Second, b(20, time.Second))
	assert.Equal(t, time.Second, b(0, time.Second))
	assert.Equal(t, time.Second, b(1, 0))
}

func TestDecide_NegativeDelayClamped(t *testing.T) {
	d := Decide(task(1, 3, 5), core.RetryAfter(-time.Second, errors.New("boom")), nil)

	assert.True(t, d.Retry)
	assert.Equal(t, time.Duration(0), d.Delay)
}
