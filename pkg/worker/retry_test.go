package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cmeadows/leaseq/pkg/core"
)

func quickRetry(attempts int) RetryConfig {
	return RetryConfig{
		MaxAttempts:       attempts,
		InitialBackoff:    time.Millisecond,
		MaxBackoff:        5 * time.Millisecond,
		BackoffMultiplier: 2.0,
		JitterFraction:    0.1,
	}
}

func TestRetryWithBackoffSucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	err := retryWithBackoff(context.Background(), quickRetry(5), func() error {
		calls++
		if calls < 3 {
			return core.Unavailable(errors.New("connection reset"))
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryWithBackoffExhaustsAttempts(t *testing.T) {
	calls := 0
	boom := core.Unavailable(errors.New("still down"))
	err := retryWithBackoff(context.Background(), quickRetry(3), func() error {
		calls++
		return boom
	})
	assert.Equal(t, boom, err)
	assert.Equal(t, 3, calls)
}

func TestRetryWithBackoffStopsOnLeaseLost(t *testing.T) {
	calls := 0
	err := retryWithBackoff(context.Background(), quickRetry(5), func() error {
		calls++
		return core.ErrLeaseLost
	})
	assert.ErrorIs(t, err, core.ErrLeaseLost)
	assert.Equal(t, 1, calls)
}

func TestRetryWithBackoffStopsOnNotFound(t *testing.T) {
	calls := 0
	err := retryWithBackoff(context.Background(), quickRetry(5), func() error {
		calls++
		return core.ErrNotFound
	})
	assert.ErrorIs(t, err, core.ErrNotFound)
	assert.Equal(t, 1, calls)
}

func TestRetryWithBackoffStopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := retryWithBackoff(ctx, quickRetry(5), func() error {
		calls++
		cancel()
		return core.Unavailable(errors.New("flap"))
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}
