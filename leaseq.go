// Package leaseq provides a backend-agnostic durable task queue built on
// lease-based at-least-once delivery.
//
// This is the main package users should import. It re-exports the public
// types from the pkg/ packages for a clean API surface.
//
// Basic usage:
//
//	// Create a driver and queue
//	db, _ := gorm.Open(sqlite.Open("tasks.db"), &gorm.Config{})
//	driver := leaseq.NewGormDriver(db)
//	driver.Setup(context.Background())
//	q := leaseq.New(driver)
//
//	// Register handler
//	q.Register("send-email", func(ctx context.Context, to string) error {
//	    return sendEmail(to)
//	})
//
//	// Enqueue task
//	q.Enqueue(ctx, "send-email", "user@example.com")
//
//	// Start worker
//	w := leaseq.NewWorker(q)
//	w.Start(ctx)
package leaseq

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/cmeadows/leaseq/pkg/config"
	"github.com/cmeadows/leaseq/pkg/core"
	"github.com/cmeadows/leaseq/pkg/driver/gormstore"
	"github.com/cmeadows/leaseq/pkg/driver/memory"
	"github.com/cmeadows/leaseq/pkg/driver/redisstore"
	"github.com/cmeadows/leaseq/pkg/driver/sqsstore"
	"github.com/cmeadows/leaseq/internal/guard"
	"github.com/cmeadows/leaseq/pkg/queue"
	"github.com/cmeadows/leaseq/pkg/retry"
	"github.com/cmeadows/leaseq/pkg/schedule"
	"github.com/cmeadows/leaseq/pkg/taskctx"
	"github.com/cmeadows/leaseq/pkg/worker"
)

func init() {
	// Register the worker factory to enable queue.NewWorker()
	queue.WorkerFactory = func(q *queue.Queue, opts ...any) core.Starter {
		workerOpts := make([]worker.WorkerOption, 0, len(opts))
		for _, opt := range opts {
			if wo, ok := opt.(worker.WorkerOption); ok {
				workerOpts = append(workerOpts, wo)
			}
		}
		return worker.NewWorker(q, workerOpts...)
	}
}

// Type aliases re-exported from the pkg/ packages.
type (
	// Task is the unit of work moved through the system.
	Task = core.Task

	// DeadTask is a task that exhausted its retries.
	DeadTask = core.DeadTask

	// TaskStatus represents the current state of a task.
	TaskStatus = core.TaskStatus

	// ExecMode declares the resource profile a task body needs.
	ExecMode = core.ExecMode

	// Driver is the contract every queue backend satisfies.
	Driver = core.Driver

	// DeadLetterReader is implemented by drivers whose dead-letter store
	// can be inspected.
	DeadLetterReader = core.DeadLetterReader

	// Event is the interface for all scheduler lifecycle events.
	Event = core.Event

	// TaskDispatched is emitted when a leased task is handed to its
	// execution strategy.
	TaskDispatched = core.TaskDispatched

	// TaskCompleted is emitted when a task completes successfully.
	TaskCompleted = core.TaskCompleted

	// TaskRetried is emitted when a failed task is released for retry.
	TaskRetried = core.TaskRetried

	// TaskDeadLettered is emitted when a task is moved to the dead-letter
	// store.
	TaskDeadLettered = core.TaskDeadLettered

	// UnavailableError reports a transient backend fault.
	UnavailableError = core.UnavailableError

	// NoRetryError indicates a handler error that should not be retried.
	NoRetryError = core.NoRetryError

	// RetryAfterError indicates a handler error retried after a specific
	// delay.
	RetryAfterError = core.RetryAfterError

	// TimeoutError reports that a task exceeded its wall-clock budget.
	TimeoutError = core.TimeoutError

	// SerializationError reports a payload or result that could not cross
	// a process boundary.
	SerializationError = core.SerializationError

	// Queue manages handler registration, task submission, and lifecycle
	// observation.
	Queue = queue.Queue

	// Option modifies Options.
	Option = queue.Option

	// Options holds configuration for task registration and enqueueing.
	Options = queue.Options

	// ScheduledTask holds configuration for a recurring task.
	ScheduledTask = queue.ScheduledTask

	// Policy narrows retry eligibility for a handler.
	Policy = retry.Policy

	// Worker leases tasks and runs them through the execution router.
	Worker = worker.Worker

	// WorkerOption configures a Worker.
	WorkerOption = worker.WorkerOption

	// WorkerConfig holds worker configuration.
	WorkerConfig = worker.WorkerConfig

	// Schedule computes the next enqueue time for a recurring task.
	Schedule = schedule.Schedule

	// Config holds the full scheduler configuration.
	Config = config.Config
)

// Status constants
const (
	StatusPending      = core.StatusPending
	StatusLeased       = core.StatusLeased
	StatusCompleted    = core.StatusCompleted
	StatusDeadLettered = core.StatusDeadLettered
)

// Execution mode constants
const (
	ModeCooperative  = core.ModeCooperative
	ModeBlocking     = core.ModeBlocking
	ModeProcess      = core.ModeProcess
	ModeProcessAsync = core.ModeProcessAsync
)

// Producer input limits
const (
	MaxHandlerNameLength   = guard.MaxHandlerNameLength
	MaxPayloadSize         = guard.MaxPayloadSize
	MaxAttemptsCeiling     = guard.MaxAttemptsCeiling
	MaxConcurrency         = guard.MaxConcurrency
	MaxFailureReasonLength = guard.MaxFailureReasonLength
	MaxQueueNameLength     = guard.MaxQueueNameLength
)

// Error variables
var (
	ErrNotFound           = core.ErrNotFound
	ErrLeaseLost          = core.ErrLeaseLost
	ErrInvalidHandlerName = core.ErrInvalidHandlerName
	ErrHandlerNameTooLong = core.ErrHandlerNameTooLong
	ErrInvalidQueueName   = core.ErrInvalidQueueName
	ErrQueueNameTooLong   = core.ErrQueueNameTooLong
	ErrPayloadTooLarge    = core.ErrPayloadTooLarge
	ErrInvalidMode        = core.ErrInvalidMode
)

// New creates a new Queue over the given driver.
func New(d Driver) *Queue {
	return queue.New(d)
}

// NewMemoryDriver creates the in-process driver, useful for tests and
// single-binary deployments that can afford to lose tasks on restart.
func NewMemoryDriver() *memory.Driver {
	return memory.New()
}

// NewGormDriver creates a relational driver over an existing GORM handle
// (SQLite or PostgreSQL).
func NewGormDriver(db *gorm.DB) *gormstore.Driver {
	return gormstore.New(db)
}

// NewRedisDriver creates a Redis driver over an existing client.
func NewRedisDriver(client *redis.Client, prefix string) *redisstore.Driver {
	return redisstore.New(client, prefix)
}

// NewSQSDriver creates an SQS driver over an existing SQS client.
func NewSQSDriver(client sqsstore.API) *sqsstore.Driver {
	return sqsstore.New(client)
}

// OpenDriver builds the driver named by the configuration.
func OpenDriver(ctx context.Context, cfg Config) (Driver, error) {
	switch cfg.Backend {
	case config.BackendMemory:
		return memory.New(), nil

	case config.BackendSQLite:
		dsn := cfg.DatabaseURL
		if dsn == "" {
			dsn = "leaseq.db"
		}
		db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
		if err != nil {
			return nil, fmt.Errorf("leaseq: open sqlite: %w", err)
		}
		return gormstore.New(db), nil

	case config.BackendPostgres:
		db, err := gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{})
		if err != nil {
			return nil, fmt.Errorf("leaseq: open postgres: %w", err)
		}
		return gormstore.NewWithPool(db)

	case config.BackendRedis:
		rcfg := redisstore.Config{
			ConnectionURL:  cfg.DatabaseURL,
			RetryAttempts:  3,
			RetryInterval:  5 * time.Second,
			ConnectTimeout: 30 * time.Second,
			KeyPrefix:      "leaseq",
		}
		return redisstore.Open(ctx, rcfg)

	case config.BackendSQS:
		return sqsstore.Open(ctx)

	default:
		return nil, fmt.Errorf("%w: %q", config.ErrUnknownBackend, cfg.Backend)
	}
}

// NewOptions creates Options with defaults.
func NewOptions() *Options {
	return queue.NewOptions()
}

// NewWorker creates a new worker for the given queue.
func NewWorker(q *Queue, opts ...WorkerOption) *Worker {
	return worker.NewWorker(q, opts...)
}

// NoRetry wraps a handler error to indicate it should not be retried.
func NoRetry(err error) error {
	return core.NoRetry(err)
}

// RetryAfter wraps a handler error to indicate it should be retried after d.
func RetryAfter(d time.Duration, err error) error {
	return core.RetryAfter(d, err)
}

// TaskFromContext returns the task a handler is currently executing, or nil
// outside a handler.
func TaskFromContext(ctx context.Context) *Task {
	return taskctx.TaskFromContext(ctx)
}

// TaskIDFromContext returns the executing task's id, or "" outside a handler.
func TaskIDFromContext(ctx context.Context) string {
	return taskctx.TaskIDFromContext(ctx)
}

// ValidateHandlerName validates a handler type name.
func ValidateHandlerName(name string) error {
	return guard.ValidateHandlerName(name)
}

// ValidateQueueName validates a queue name.
func ValidateQueueName(name string) error {
	return guard.ValidateQueueName(name)
}

// ExponentialBackoff returns a retry backoff growing by doubling, capped at
// max. Attach it to a handler via WithPolicy.
func ExponentialBackoff(max time.Duration) func(attempts int, base time.Duration) time.Duration {
	return retry.ExponentialBackoff(max)
}

// Task option functions

// QueueOpt sets the queue name.
func QueueOpt(name string) Option {
	return queue.QueueOpt(name)
}

// Mode sets the execution mode for the task body.
func Mode(m ExecMode) Option {
	return queue.Mode(m)
}

// Attempts sets the maximum delivery attempts.
func Attempts(n int) Option {
	return queue.Attempts(n)
}

// RetryDelay sets the fixed delay before a failed attempt runs again.
func RetryDelay(d time.Duration) Option {
	return queue.RetryDelay(d)
}

// Timeout sets the wall-clock budget for one attempt.
func Timeout(d time.Duration) Option {
	return queue.Timeout(d)
}

// Delay schedules the task to become available after a duration.
func Delay(d time.Duration) Option {
	return queue.Delay(d)
}

// At schedules the task to become available at a specific time.
func At(t time.Time) Option {
	return queue.At(t)
}

// Correlation tags the task with a caller-supplied tracing id.
func Correlation(id string) Option {
	return queue.Correlation(id)
}

// WithPolicy attaches a retry policy to a handler registration.
func WithPolicy(p *Policy) Option {
	return queue.WithPolicy(p)
}

// Worker option functions

// Queues sets the ordered list of queues a worker drains.
func Queues(names ...string) WorkerOption {
	return worker.Queues(names...)
}

// Concurrency sets the number of tasks processed at once.
func Concurrency(n int) WorkerOption {
	return worker.Concurrency(n)
}

// Batch sets the maximum tasks claimed per poll.
func Batch(n int) WorkerOption {
	return worker.Batch(n)
}

// PollInterval sets the pause between polls when no work was found.
func PollInterval(d time.Duration) WorkerOption {
	return worker.PollInterval(d)
}

// Visibility sets the lease visibility timeout requested on each claim.
func Visibility(d time.Duration) WorkerOption {
	return worker.Visibility(d)
}

// DrainTimeout sets how long shutdown waits for in-flight tasks.
func DrainTimeout(d time.Duration) WorkerOption {
	return worker.DrainTimeout(d)
}

// WithScheduler enables the recurring-task scheduler loop in the worker.
func WithScheduler(enabled bool) WorkerOption {
	return worker.WithScheduler(enabled)
}

// ProcessCommand sets the child command used for process-mode tasks.
func ProcessCommand(cmd ...string) WorkerOption {
	return worker.ProcessCommand(cmd...)
}

// Schedule functions

// Every creates a schedule that runs at fixed intervals.
func Every(d time.Duration) Schedule {
	return schedule.Every(d)
}

// Daily creates a schedule that runs at a specific time each day.
func Daily(hour, minute int) Schedule {
	return schedule.Daily(hour, minute)
}

// Weekly creates a schedule that runs at a specific day and time each week.
func Weekly(day time.Weekday, hour, minute int) Schedule {
	return schedule.Weekly(day, hour, minute)
}

// Cron creates a schedule from a standard five-field cron expression.
func Cron(expr string) Schedule {
	return schedule.Cron(expr)
}
