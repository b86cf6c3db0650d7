// Package worker provides the Worker task processor for the leaseq package.
package worker

import (
	"time"

	"github.com/cmeadows/leaseq/internal/guard"
)

// WorkerOption configures a Worker.
type WorkerOption interface {
	ApplyWorker(*WorkerConfig)
}

type workerOptionFunc func(*WorkerConfig)

func (f workerOptionFunc) ApplyWorker(c *WorkerConfig) { f(c) }

// WorkerConfig holds worker configuration.
type WorkerConfig struct {
	// Queues is the ordered list the worker drains. Earlier names win when
	// several queues have eligible work; the rotation keeps later names
	// from starving.
	Queues []string

	Concurrency  int
	BatchSize    int
	PollInterval time.Duration
	Visibility   time.Duration
	DrainTimeout time.Duration
	WorkerID     string

	EnableScheduler bool

	// ProcessCommand is the child command serving process-mode tasks. Empty
	// means process-mode tasks fail.
	ProcessCommand []string
	ProcessPool    int

	StorageRetry *RetryConfig
	LeaseRetry   *RetryConfig
}

// Queues sets the ordered list of queues to drain.
func Queues(names ...string) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		c.Queues = names
	})
}

// Concurrency sets the number of tasks processed at once.
// Values are clamped to [1, MaxConcurrency].
func Concurrency(n int) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		c.Concurrency = guard.ClampConcurrency(n)
	})
}

// Batch sets the maximum tasks claimed per poll.
func Batch(n int) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		if n > 0 {
			c.BatchSize = n
		}
	})
}

// PollInterval sets the pause between polls when no work was found.
func PollInterval(d time.Duration) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		if d > 0 {
			c.PollInterval = d
		}
	})
}

// Visibility sets the lease visibility timeout requested on each claim.
func Visibility(d time.Duration) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		if d > 0 {
			c.Visibility = d
		}
	})
}

// DrainTimeout sets how long shutdown waits for in-flight tasks before
// cancelling them.
func DrainTimeout(d time.Duration) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		if d >= 0 {
			c.DrainTimeout = d
		}
	})
}

// WithScheduler enables the recurring-task scheduler loop in the worker.
func WithScheduler(enabled bool) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		c.EnableScheduler = enabled
	})
}

// ProcessCommand sets the child command used for process-mode tasks.
func ProcessCommand(cmd ...string) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		c.ProcessCommand = cmd
	})
}

// ProcessPool sets the number of child processes kept for process-mode
// tasks.
func ProcessPool(n int) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		if n > 0 {
			c.ProcessPool = n
		}
	})
}

// WorkerID overrides the generated worker identifier used in logs.
func WorkerID(id string) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		c.WorkerID = id
	})
}
