package redisstore

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cmeadows/leaseq/pkg/core"
)

// Integration tests run against a live server when REDIS_TEST_URL is set,
// e.g. REDIS_TEST_URL=redis://localhost:6379/15. Each test uses a unique
// key prefix so runs are isolated without flushing the database.
func newDriver(t *testing.T) *Driver {
	t.Helper()
	url := os.Getenv("REDIS_TEST_URL")
	if url == "" {
		t.Skip("REDIS_TEST_URL not set; skipping redis driver tests")
	}
	opt, err := redis.ParseURL(url)
	require.NoError(t, err)

	client := redis.NewClient(opt)
	require.NoError(t, client.Ping(context.Background()).Err())
	t.Cleanup(func() { _ = client.Close() })

	return New(client, "leaseq-test-"+uuid.New().String()[:8])
}

func newTask(queue string) *core.Task {
	return &core.Task{
		Queue:       queue,
		Handler:     "noop",
		Payload:     []byte(`{"n":1}`),
		Mode:        core.ModeBlocking,
		MaxAttempts: 3,
	}
}

func TestRoundTrip(t *testing.T) {
	ctx := context.Background()
	d := newDriver(t)

	id, err := d.Enqueue(ctx, newTask("q1"), 0)
	require.NoError(t, err)

	leased, err := d.Lease(ctx, []string{"q1"}, time.Minute, 1)
	require.NoError(t, err)
	require.Len(t, leased, 1)
	assert.Equal(t, id, leased[0].ID)
	assert.Equal(t, 1, leased[0].Attempts)
	assert.Equal(t, core.StatusLeased, leased[0].Status)
	assert.Equal(t, []byte(`{"n":1}`), leased[0].Payload)

	require.NoError(t, d.Ack(ctx, id))
	assert.ErrorIs(t, d.Ack(ctx, id), core.ErrNotFound)
}

func TestDelayedEnqueueInvisible(t *testing.T) {
	ctx := context.Background()
	d := newDriver(t)

	_, err := d.Enqueue(ctx, newTask("q1"), time.Hour)
	require.NoError(t, err)

	leased, err := d.Lease(ctx, []string{"q1"}, time.Minute, 1)
	require.NoError(t, err)
	assert.Empty(t, leased)

	n, err := d.Size(ctx, "q1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestLeaseExclusivityAndRecovery(t *testing.T) {
	ctx := context.Background()
	d := newDriver(t)

	id, err := d.Enqueue(ctx, newTask("q1"), 0)
	require.NoError(t, err)

	// Claim with an already-expired deadline to simulate a crashed worker.
	first, err := d.Lease(ctx, []string{"q1"}, -time.Second, 1)
	require.NoError(t, err)
	require.Len(t, first, 1)

	second, err := d.Lease(ctx, []string{"q1"}, time.Minute, 1)
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Equal(t, id, second[0].ID)
	assert.Equal(t, 2, second[0].Attempts)

	// Now the lease is live; nobody else gets it.
	third, err := d.Lease(ctx, []string{"q1"}, time.Minute, 1)
	require.NoError(t, err)
	assert.Empty(t, third)
}

func TestReleaseAndRetry(t *testing.T) {
	ctx := context.Background()
	d := newDriver(t)

	id, err := d.Enqueue(ctx, newTask("q1"), 0)
	require.NoError(t, err)
	_, err = d.Lease(ctx, []string{"q1"}, time.Minute, 1)
	require.NoError(t, err)

	require.NoError(t, d.Release(ctx, id, 0))

	leased, err := d.Lease(ctx, []string{"q1"}, time.Minute, 1)
	require.NoError(t, err)
	require.Len(t, leased, 1)
	assert.Equal(t, 2, leased[0].Attempts, "attempts survive release")
}

func TestExtend(t *testing.T) {
	ctx := context.Background()
	d := newDriver(t)

	id, err := d.Enqueue(ctx, newTask("q1"), 0)
	require.NoError(t, err)
	_, err = d.Lease(ctx, []string{"q1"}, time.Minute, 1)
	require.NoError(t, err)

	require.NoError(t, d.Extend(ctx, id, time.Hour))
	assert.ErrorIs(t, d.Extend(ctx, "unknown-id", time.Hour), core.ErrNotFound)
}

func TestDeadLetter(t *testing.T) {
	ctx := context.Background()
	d := newDriver(t)

	id, err := d.Enqueue(ctx, newTask("q1"), 0)
	require.NoError(t, err)
	_, err = d.Lease(ctx, []string{"q1"}, time.Minute, 1)
	require.NoError(t, err)

	require.NoError(t, d.DeadLetter(ctx, id, "exhausted"))

	dead, err := d.DeadTasks(ctx, "q1", 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, id, dead[0].ID)
	assert.Equal(t, "exhausted", dead[0].FailureReason)

	leased, err := d.Lease(ctx, []string{"q1"}, time.Minute, 1)
	require.NoError(t, err)
	assert.Empty(t, leased)
}

func TestQueuePriority(t *testing.T) {
	ctx := context.Background()
	d := newDriver(t)

	_, err := d.Enqueue(ctx, newTask("bulk"), 0)
	require.NoError(t, err)
	urgent, err := d.Enqueue(ctx, newTask("urgent"), 0)
	require.NoError(t, err)

	leased, err := d.Lease(ctx, []string{"urgent", "bulk"}, time.Minute, 1)
	require.NoError(t, err)
	require.Len(t, leased, 1)
	assert.Equal(t, urgent, leased[0].ID)
}
