package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cmeadows/leaseq/pkg/core"
)

func newTask(queue string) *core.Task {
	return &core.Task{
		Queue:       queue,
		Handler:     "noop",
		Payload:     []byte(`{}`),
		Mode:        core.ModeCooperative,
		MaxAttempts: 3,
	}
}

func TestEnqueueLeaseAck(t *testing.T) {
	ctx := context.Background()
	d := New()

	id, err := d.Enqueue(ctx, newTask("q1"), 0)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	leased, err := d.Lease(ctx, []string{"q1"}, time.Minute, 1)
	require.NoError(t, err)
	require.Len(t, leased, 1)
	assert.Equal(t, id, leased[0].ID)
	assert.Equal(t, core.StatusLeased, leased[0].Status)
	assert.Equal(t, 1, leased[0].Attempts)
	require.NotNil(t, leased[0].VisibilityDeadline)

	require.NoError(t, d.Ack(ctx, id))

	snap, ok := d.Snapshot(id)
	require.True(t, ok)
	assert.Equal(t, core.StatusCompleted, snap.Status)
}

func TestLease_EmptyWhenNothingEligible(t *testing.T) {
	ctx := context.Background()
	d := New()

	leased, err := d.Lease(ctx, []string{"q1"}, time.Minute, 5)
	require.NoError(t, err)
	assert.Empty(t, leased)
}

func TestLease_DelayedTaskInvisibleUntilDue(t *testing.T) {
	ctx := context.Background()
	d := New()

	base := time.Now()
	clock := base
	var mu sync.Mutex
	d.SetClock(func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return clock
	})

	id, err := d.Enqueue(ctx, newTask("q1"), 5*time.Second)
	require.NoError(t, err)

	leased, err := d.Lease(ctx, []string{"q1"}, time.Minute, 1)
	require.NoError(t, err)
	assert.Empty(t, leased, "delayed task must not be leased before available_at")

	mu.Lock()
	clock = base.Add(5 * time.Second)
	mu.Unlock()

	leased, err = d.Lease(ctx, []string{"q1"}, time.Minute, 1)
	require.NoError(t, err)
	require.Len(t, leased, 1)
	assert.Equal(t, id, leased[0].ID)
}

func TestLease_ExclusivityUnderConcurrency(t *testing.T) {
	ctx := context.Background()
	d := New()

	const tasks = 50
	for i := 0; i < tasks; i++ {
		_, err := d.Enqueue(ctx, newTask("q1"), 0)
		require.NoError(t, err)
	}

	const leasers = 8
	var wg sync.WaitGroup
	results := make([][]*core.Task, leasers)
	for i := 0; i < leasers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for {
				got, err := d.Lease(ctx, []string{"q1"}, time.Minute, 3)
				if err != nil || len(got) == 0 {
					return
				}
				results[i] = append(results[i], got...)
			}
		}(i)
	}
	wg.Wait()

	seen := make(map[string]bool)
	total := 0
	for _, r := range results {
		for _, task := range r {
			assert.False(t, seen[task.ID], "task %s leased twice", task.ID)
			seen[task.ID] = true
			total++
		}
	}
	assert.Equal(t, tasks, total, "leases must partition the task set")
}

func TestLease_QueuePriorityOrder(t *testing.T) {
	ctx := context.Background()
	d := New()

	_, err := d.Enqueue(ctx, newTask("low"), 0)
	require.NoError(t, err)
	hiID, err := d.Enqueue(ctx, newTask("high"), 0)
	require.NoError(t, err)

	leased, err := d.Lease(ctx, []string{"high", "low"}, time.Minute, 1)
	require.NoError(t, err)
	require.Len(t, leased, 1)
	assert.Equal(t, hiID, leased[0].ID, "first queue in the list wins the slot")
}

func TestLease_ExpiredLeaseReclaimedExactlyOnce(t *testing.T) {
	ctx := context.Background()
	d := New()

	base := time.Now()
	clock := base
	var mu sync.Mutex
	d.SetClock(func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return clock
	})

	id, err := d.Enqueue(ctx, newTask("q1"), 0)
	require.NoError(t, err)

	leased, err := d.Lease(ctx, []string{"q1"}, 10*time.Second, 1)
	require.NoError(t, err)
	require.Len(t, leased, 1)

	// Not eligible again while the deadline is unexpired.
	again, err := d.Lease(ctx, []string{"q1"}, 10*time.Second, 1)
	require.NoError(t, err)
	assert.Empty(t, again)

	// Crash recovery: past the deadline the task reappears, attempts grows.
	mu.Lock()
	clock = base.Add(11 * time.Second)
	mu.Unlock()

	again, err = d.Lease(ctx, []string{"q1"}, 10*time.Second, 1)
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.Equal(t, id, again[0].ID)
	assert.Equal(t, 2, again[0].Attempts)
}

func TestAttemptsMonotonic(t *testing.T) {
	ctx := context.Background()
	d := New()

	id, err := d.Enqueue(ctx, newTask("q1"), 0)
	require.NoError(t, err)

	last := 0
	for i := 0; i < 3; i++ {
		leased, err := d.Lease(ctx, []string{"q1"}, time.Minute, 1)
		require.NoError(t, err)
		require.Len(t, leased, 1)
		assert.Greater(t, leased[0].Attempts, last)
		last = leased[0].Attempts
		require.NoError(t, d.Release(ctx, id, 0))
	}
	assert.Equal(t, 3, last)
}

func TestAck_IdempotentSecondCall(t *testing.T) {
	ctx := context.Background()
	d := New()

	id, err := d.Enqueue(ctx, newTask("q1"), 0)
	require.NoError(t, err)
	_, err = d.Lease(ctx, []string{"q1"}, time.Minute, 1)
	require.NoError(t, err)

	require.NoError(t, d.Ack(ctx, id))
	err = d.Ack(ctx, id)
	assert.ErrorIs(t, err, core.ErrLeaseLost)

	snap, ok := d.Snapshot(id)
	require.True(t, ok)
	assert.Equal(t, core.StatusCompleted, snap.Status, "second ack must not corrupt state")
}

func TestAck_UnknownID(t *testing.T) {
	d := New()
	assert.ErrorIs(t, d.Ack(context.Background(), "nope"), core.ErrNotFound)
}

func TestExtend_FailsAfterExpiry(t *testing.T) {
	ctx := context.Background()
	d := New()

	base := time.Now()
	clock := base
	var mu sync.Mutex
	d.SetClock(func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return clock
	})

	id, err := d.Enqueue(ctx, newTask("q1"), 0)
	require.NoError(t, err)
	_, err = d.Lease(ctx, []string{"q1"}, 5*time.Second, 1)
	require.NoError(t, err)

	require.NoError(t, d.Extend(ctx, id, 10*time.Second))

	mu.Lock()
	clock = base.Add(time.Minute)
	mu.Unlock()

	assert.ErrorIs(t, d.Extend(ctx, id, 10*time.Second), core.ErrLeaseLost)
}

func TestRelease_PreservesAttemptsAndDelays(t *testing.T) {
	ctx := context.Background()
	d := New()

	base := time.Now()
	clock := base
	var mu sync.Mutex
	d.SetClock(func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return clock
	})

	id, err := d.Enqueue(ctx, newTask("q1"), 0)
	require.NoError(t, err)
	_, err = d.Lease(ctx, []string{"q1"}, time.Minute, 1)
	require.NoError(t, err)

	require.NoError(t, d.Release(ctx, id, 30*time.Second))

	snap, ok := d.Snapshot(id)
	require.True(t, ok)
	assert.Equal(t, core.StatusPending, snap.Status)
	assert.Equal(t, 1, snap.Attempts)

	leased, err := d.Lease(ctx, []string{"q1"}, time.Minute, 1)
	require.NoError(t, err)
	assert.Empty(t, leased, "released task honors its delay")

	mu.Lock()
	clock = base.Add(31 * time.Second)
	mu.Unlock()

	leased, err = d.Lease(ctx, []string{"q1"}, time.Minute, 1)
	require.NoError(t, err)
	assert.Len(t, leased, 1)
}

func TestDeadLetter_TerminalAndInspectable(t *testing.T) {
	ctx := context.Background()
	d := New()

	id, err := d.Enqueue(ctx, newTask("q1"), 0)
	require.NoError(t, err)
	_, err = d.Lease(ctx, []string{"q1"}, time.Minute, 1)
	require.NoError(t, err)

	require.NoError(t, d.DeadLetter(ctx, id, "handler exploded"))

	snap, ok := d.Snapshot(id)
	require.True(t, ok)
	assert.Equal(t, core.StatusDeadLettered, snap.Status)

	dead, err := d.DeadTasks(ctx, "q1", 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, id, dead[0].ID)
	assert.Equal(t, "handler exploded", dead[0].FailureReason)
	assert.Equal(t, 1, dead[0].Attempts)

	// Terminal: no further transitions.
	assert.ErrorIs(t, d.Ack(ctx, id), core.ErrLeaseLost)
	leased, err := d.Lease(ctx, []string{"q1"}, time.Minute, 1)
	require.NoError(t, err)
	assert.Empty(t, leased)
}

func TestSize_CountsPendingOnly(t *testing.T) {
	ctx := context.Background()
	d := New()

	for i := 0; i < 3; i++ {
		_, err := d.Enqueue(ctx, newTask("q1"), 0)
		require.NoError(t, err)
	}
	_, err := d.Enqueue(ctx, newTask("q2"), 0)
	require.NoError(t, err)

	_, err = d.Lease(ctx, []string{"q1"}, time.Minute, 1)
	require.NoError(t, err)

	n, err := d.Size(ctx, "q1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}
