package core

import "time"

// Event is the interface for all scheduler lifecycle events. Delivery is
// best-effort; emitters never block on slow consumers.
type Event interface {
	eventMarker()
}

// TaskDispatched is emitted when a leased task is handed to its execution
// strategy.
type TaskDispatched struct {
	Task      *Task
	Timestamp time.Time
}

func (*TaskDispatched) eventMarker() {}

// TaskCompleted is emitted when a task completes successfully.
type TaskCompleted struct {
	Task      *Task
	Duration  time.Duration
	Timestamp time.Time
}

func (*TaskCompleted) eventMarker() {}

// TaskRetried is emitted when a failed task is released for retry.
type TaskRetried struct {
	Task      *Task
	Attempt   int
	Error     error
	NextRunAt time.Time
	Timestamp time.Time
}

func (*TaskRetried) eventMarker() {}

// TaskDeadLettered is emitted when a task is moved to the dead-letter store.
type TaskDeadLettered struct {
	Task      *Task
	Error     error
	Timestamp time.Time
}

func (*TaskDeadLettered) eventMarker() {}
