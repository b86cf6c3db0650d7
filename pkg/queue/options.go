// Package queue provides the Queue orchestrator for the leaseq package.
package queue

import (
	"time"

	"github.com/cmeadows/leaseq/pkg/core"
	"github.com/cmeadows/leaseq/internal/guard"
	"github.com/cmeadows/leaseq/pkg/retry"
)

// Default values applied when neither the handler registration nor the
// enqueue call says otherwise.
var (
	DefaultMaxAttempts = 3
	DefaultRetryDelay  = time.Duration(0)
)

// Options holds configuration for task registration and enqueueing.
type Options struct {
	Queue         string
	Mode          core.ExecMode
	MaxAttempts   int
	RetryDelay    time.Duration
	Timeout       time.Duration
	Delay         time.Duration
	RunAt         *time.Time
	CorrelationID string
	Policy        *retry.Policy
}

// NewOptions creates Options with defaults.
func NewOptions() *Options {
	return &Options{
		Queue:       "default",
		MaxAttempts: DefaultMaxAttempts,
		RetryDelay:  DefaultRetryDelay,
	}
}

// Option modifies Options.
type Option interface {
	Apply(*Options)
}

type optionFunc func(*Options)

func (f optionFunc) Apply(o *Options) { f(o) }

// QueueOpt sets the queue name.
func QueueOpt(name string) Option {
	return optionFunc(func(o *Options) {
		o.Queue = name
	})
}

// Mode sets the execution mode for the task body.
func Mode(m core.ExecMode) Option {
	return optionFunc(func(o *Options) {
		o.Mode = m
	})
}

// Attempts sets the maximum delivery attempts. Zero means the first failure
// dead-letters. Values are clamped to [0, MaxAttemptsCeiling].
func Attempts(n int) Option {
	return optionFunc(func(o *Options) {
		o.MaxAttempts = guard.ClampAttempts(n)
	})
}

// RetryDelay sets the fixed delay before a failed attempt runs again.
func RetryDelay(d time.Duration) Option {
	return optionFunc(func(o *Options) {
		o.RetryDelay = d
	})
}

// Timeout sets the wall-clock budget for one attempt. Zero means no budget.
func Timeout(d time.Duration) Option {
	return optionFunc(func(o *Options) {
		o.Timeout = d
	})
}

// Delay schedules the task to become available after a duration.
func Delay(d time.Duration) Option {
	return optionFunc(func(o *Options) {
		o.Delay = d
	})
}

// At schedules the task to become available at a specific time.
func At(t time.Time) Option {
	return optionFunc(func(o *Options) {
		o.RunAt = &t
	})
}

// Correlation tags the task with a caller-supplied tracing id.
func Correlation(id string) Option {
	return optionFunc(func(o *Options) {
		o.CorrelationID = id
	})
}

// WithPolicy attaches a retry policy to a handler registration. Policies
// narrow eligibility; they never extend the attempt ceiling.
func WithPolicy(p *retry.Policy) Option {
	return optionFunc(func(o *Options) {
		o.Policy = p
	})
}
