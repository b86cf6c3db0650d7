// Package core provides the domain models and interfaces for the leaseq package.
package core

import (
	"time"
)

// TaskStatus represents the current state of a task.
type TaskStatus string

const (
	StatusPending      TaskStatus = "pending"
	StatusLeased       TaskStatus = "leased"
	StatusCompleted    TaskStatus = "completed"
	StatusDeadLettered TaskStatus = "dead_lettered"
)

// ExecMode declares the resource profile a task body needs.
//
// The set is closed: routers switch over it, nothing dispatches openly.
// The two process variants differ only in how the child invokes the body;
// both route to the process pool.
type ExecMode string

const (
	// ModeCooperative runs the body on the dispatch slot's own goroutine.
	// Cancellation is observed at the body's own blocking points.
	ModeCooperative ExecMode = "cooperative"

	// ModeBlocking submits the body to the shared bounded executor pool.
	ModeBlocking ExecMode = "blocking"

	// ModeProcess runs a blocking body in a worker subprocess.
	ModeProcess ExecMode = "process"

	// ModeProcessAsync runs a context-aware body in a worker subprocess.
	ModeProcessAsync ExecMode = "process_async"
)

// Valid reports whether m is one of the four known modes.
func (m ExecMode) Valid() bool {
	switch m {
	case ModeCooperative, ModeBlocking, ModeProcess, ModeProcessAsync:
		return true
	}
	return false
}

// OutOfLoop reports whether the mode executes away from the dispatch slot.
func (m ExecMode) OutOfLoop() bool {
	return m != ModeCooperative
}

// Task is the unit of work moved through the system.
//
// The driver backend is the sole mutator of Status, VisibilityDeadline and
// Attempts; schedulers request transitions through the Driver protocol and
// never write these fields directly.
type Task struct {
	ID            string     `gorm:"primaryKey;size:36" json:"id"`
	Queue         string     `gorm:"index:idx_tasks_lease,priority:1;size:255;default:'default'" json:"queue"`
	Handler       string     `gorm:"size:255;not null" json:"handler"`
	Payload       []byte     `gorm:"type:bytes" json:"payload"`
	Mode          ExecMode   `gorm:"size:20;default:'cooperative'" json:"mode"`
	MaxAttempts   int        `gorm:"default:3" json:"max_attempts"`
	Attempts      int        `gorm:"default:0" json:"attempts"`
	RetryDelay    int64      `gorm:"default:0" json:"retry_delay"` // seconds
	Timeout       int64      `gorm:"default:0" json:"timeout"`     // seconds, 0 = none
	Status        TaskStatus `gorm:"index:idx_tasks_lease,priority:2;size:20;default:'pending'" json:"status"`
	AvailableAt   time.Time  `gorm:"index:idx_tasks_lease,priority:3" json:"available_at"`
	VisibilityDeadline *time.Time `gorm:"index" json:"visibility_deadline,omitempty"`
	CorrelationID string     `gorm:"size:255" json:"correlation_id,omitempty"`
	LastError     string     `gorm:"type:text" json:"last_error,omitempty"`
	CreatedAt     time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// RetryDelayDuration returns the configured base retry delay.
func (t *Task) RetryDelayDuration() time.Duration {
	return time.Duration(t.RetryDelay) * time.Second
}

// TimeoutDuration returns the wall-clock budget, or 0 when unset.
func (t *Task) TimeoutDuration() time.Duration {
	return time.Duration(t.Timeout) * time.Second
}

// Eligible reports whether the task may be leased at the given instant:
// pending and available, or leased with an expired visibility deadline.
// An expired lease is indistinguishable from pending on purpose; that is
// the whole crash-recovery story.
func (t *Task) Eligible(now time.Time) bool {
	switch t.Status {
	case StatusPending:
		return !t.AvailableAt.After(now)
	case StatusLeased:
		return t.VisibilityDeadline != nil && t.VisibilityDeadline.Before(now)
	}
	return false
}

// Terminal reports whether the task accepts no further transitions.
func (t *Task) Terminal() bool {
	return t.Status == StatusCompleted || t.Status == StatusDeadLettered
}

// DeadTask is a task that exhausted its retries, archived in the
// dead-letter store with its failure metadata.
type DeadTask struct {
	ID            string    `gorm:"primaryKey;size:36" json:"id"`
	Queue         string    `gorm:"index;size:255" json:"queue"`
	Handler       string    `gorm:"size:255" json:"handler"`
	Payload       []byte    `gorm:"type:bytes" json:"payload"`
	Mode          ExecMode  `gorm:"size:20" json:"mode"`
	Attempts      int       `json:"attempts"`
	CorrelationID string    `gorm:"size:255" json:"correlation_id,omitempty"`
	FailureReason string    `gorm:"type:text" json:"failure_reason"`
	DeadLetteredAt time.Time `gorm:"index" json:"dead_lettered_at"`
}

// NewDeadTask archives t with the given sanitized reason.
func NewDeadTask(t *Task, reason string, at time.Time) *DeadTask {
	return &DeadTask{
		ID:             t.ID,
		Queue:          t.Queue,
		Handler:        t.Handler,
		Payload:        t.Payload,
		Mode:           t.Mode,
		Attempts:       t.Attempts,
		CorrelationID:  t.CorrelationID,
		FailureReason:  reason,
		DeadLetteredAt: at,
	}
}
