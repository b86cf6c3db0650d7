package core

import (
	"context"
	"time"
)

// Starter is the interface for starting workers.
type Starter interface {
	Start(ctx context.Context) error
}

// Driver is the contract every queue backend satisfies to provide
// at-least-once delivery with mutual-exclusion leasing.
//
// Failure semantics shared by all operations: a transient backend fault is
// reported as an UnavailableError and the caller retries the protocol call
// itself; ErrNotFound and ErrLeaseLost mean the id is unknown or ownership
// already moved, and the caller abandons silently.
type Driver interface {
	// Setup prepares backend state (tables, streams, queue handles).
	Setup(ctx context.Context) error

	// Enqueue inserts a pending task. A positive delay pushes AvailableAt
	// into the future. Once Enqueue returns nil the task is never lost.
	Enqueue(ctx context.Context, task *Task, delay time.Duration) (string, error)

	// Lease atomically claims up to batch eligible tasks across queues,
	// honoring queue order as priority. Claimed tasks are marked leased,
	// their attempt counter is incremented and their visibility deadline is
	// set to now+visibility. A task whose previous lease expired is eligible
	// again; that reclamation must happen inside the same atomic selection.
	//
	// Two concurrent Lease calls never return the same task while its
	// deadline is unexpired. Lease returns an empty slice rather than
	// blocking; poll pacing is the caller's job.
	Lease(ctx context.Context, queues []string, visibility time.Duration, batch int) ([]*Task, error)

	// Extend refreshes the visibility deadline of a task the caller still
	// owns. Returns ErrLeaseLost when the deadline already expired.
	Extend(ctx context.Context, id string, visibility time.Duration) error

	// Ack marks the task completed. Acking twice reports ErrLeaseLost the
	// second time; state is not corrupted.
	Ack(ctx context.Context, id string) error

	// Release returns a leased task to pending with AvailableAt=now+delay,
	// preserving its attempt count.
	Release(ctx context.Context, id string, delay time.Duration) error

	// DeadLetter moves the task to the terminal dead-letter store with the
	// given failure reason. Dead-lettered tasks are never retried.
	DeadLetter(ctx context.Context, id string, reason string) error

	// Size reports a best-effort count of pending tasks in a queue.
	Size(ctx context.Context, queue string) (int64, error)

	// Close releases backend connections.
	Close() error
}

// DeadLetterReader is implemented by drivers whose dead-letter store can be
// inspected. Every terminal state must be reachable by inspection; drivers
// backed by stores we control expose it directly.
type DeadLetterReader interface {
	DeadTasks(ctx context.Context, queue string, limit int) ([]*DeadTask, error)
}
