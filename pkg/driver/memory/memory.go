// Package memory provides the in-memory reference driver. It implements the
// full lease protocol under a single mutex and is the backend the worker
// tests run against.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cmeadows/leaseq/pkg/core"
	"github.com/cmeadows/leaseq/internal/guard"
)

// Driver is a mutex-guarded in-process task store.
type Driver struct {
	mu    sync.Mutex
	tasks map[string]*core.Task
	dead  map[string]*core.DeadTask

	// order preserves insertion order per queue so selection is FIFO by
	// AvailableAt with arrival as tiebreak.
	order []string

	now func() time.Time
}

// New creates an empty in-memory driver.
func New() *Driver {
	return &Driver{
		tasks: make(map[string]*core.Task),
		dead:  make(map[string]*core.DeadTask),
		now:   time.Now,
	}
}

// Setup is a no-op for the in-memory backend.
func (d *Driver) Setup(ctx context.Context) error { return nil }

// Close drops all state.
func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tasks = make(map[string]*core.Task)
	d.order = nil
	return nil
}

// Enqueue inserts a pending task.
func (d *Driver) Enqueue(ctx context.Context, task *core.Task, delay time.Duration) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	t := cloneTask(task)
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.Queue == "" {
		t.Queue = "default"
	}
	t.Status = core.StatusPending
	t.AvailableAt = now
	if delay > 0 {
		t.AvailableAt = now.Add(delay)
	}
	t.VisibilityDeadline = nil
	t.CreatedAt = now
	t.UpdatedAt = now

	d.tasks[t.ID] = t
	d.order = append(d.order, t.ID)
	return t.ID, nil
}

// Lease claims up to batch eligible tasks, scanning queues in priority
// order. Expired leases are reclaimed by the same eligibility check that
// admits pending tasks, under the same lock, so no two callers ever claim
// the same task.
func (d *Driver) Lease(ctx context.Context, queues []string, visibility time.Duration, batch int) ([]*core.Task, error) {
	if batch <= 0 {
		return nil, nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	deadline := now.Add(visibility)
	var leased []*core.Task

	for _, q := range queues {
		if len(leased) >= batch {
			break
		}
		for _, id := range d.order {
			if len(leased) >= batch {
				break
			}
			t := d.tasks[id]
			if t == nil || t.Queue != q || !t.Eligible(now) {
				continue
			}
			t.Status = core.StatusLeased
			t.Attempts++
			dl := deadline
			t.VisibilityDeadline = &dl
			t.UpdatedAt = now
			leased = append(leased, cloneTask(t))
		}
	}
	return leased, nil
}

// Extend refreshes the visibility deadline of a still-valid lease.
func (d *Driver) Extend(ctx context.Context, id string, visibility time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	t, ok := d.tasks[id]
	if !ok {
		return core.ErrNotFound
	}
	now := d.now()
	if t.Status != core.StatusLeased || t.VisibilityDeadline == nil || t.VisibilityDeadline.Before(now) {
		return core.ErrLeaseLost
	}
	dl := now.Add(visibility)
	t.VisibilityDeadline = &dl
	t.UpdatedAt = now
	return nil
}

// Ack marks the task completed and drops it from active consideration.
func (d *Driver) Ack(ctx context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	t, ok := d.tasks[id]
	if !ok {
		return core.ErrNotFound
	}
	if t.Status != core.StatusLeased {
		return core.ErrLeaseLost
	}
	t.Status = core.StatusCompleted
	t.VisibilityDeadline = nil
	t.UpdatedAt = d.now()
	return nil
}

// Release returns a leased task to pending, preserving its attempt count.
func (d *Driver) Release(ctx context.Context, id string, delay time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	t, ok := d.tasks[id]
	if !ok {
		return core.ErrNotFound
	}
	if t.Status != core.StatusLeased {
		return core.ErrLeaseLost
	}
	now := d.now()
	t.Status = core.StatusPending
	t.VisibilityDeadline = nil
	t.AvailableAt = now.Add(delay)
	t.UpdatedAt = now
	return nil
}

// DeadLetter moves the task to the terminal dead-letter store.
func (d *Driver) DeadLetter(ctx context.Context, id string, reason string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	t, ok := d.tasks[id]
	if !ok {
		return core.ErrNotFound
	}
	if t.Status != core.StatusLeased {
		return core.ErrLeaseLost
	}
	now := d.now()
	t.Status = core.StatusDeadLettered
	t.VisibilityDeadline = nil
	t.UpdatedAt = now
	d.dead[id] = core.NewDeadTask(t, guard.SanitizeFailureReason(reason), now)
	return nil
}

// Size counts tasks currently eligible or scheduled in a queue.
func (d *Driver) Size(ctx context.Context, queue string) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var n int64
	for _, t := range d.tasks {
		if t.Queue == queue && t.Status == core.StatusPending {
			n++
		}
	}
	return n, nil
}

// DeadTasks lists archived tasks for inspection, newest last.
func (d *Driver) DeadTasks(ctx context.Context, queue string, limit int) ([]*core.DeadTask, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var out []*core.DeadTask
	for _, id := range d.order {
		dt, ok := d.dead[id]
		if !ok {
			continue
		}
		if queue != "" && dt.Queue != queue {
			continue
		}
		out = append(out, dt)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// Snapshot returns a copy of a task's current state, for tests and
// inspection tooling.
func (d *Driver) Snapshot(id string) (*core.Task, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	t, ok := d.tasks[id]
	if !ok {
		return nil, false
	}
	return cloneTask(t), true
}

// SetClock replaces the time source, for tests.
func (d *Driver) SetClock(now func() time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.now = now
}

func cloneTask(t *core.Task) *core.Task {
	c := *t
	if t.VisibilityDeadline != nil {
		dl := *t.VisibilityDeadline
		c.VisibilityDeadline = &dl
	}
	if t.Payload != nil {
		c.Payload = append([]byte(nil), t.Payload...)
	}
	return &c
}
