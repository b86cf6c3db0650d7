package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cmeadows/leaseq/pkg/core"
	"github.com/cmeadows/leaseq/internal/guard"
	"github.com/cmeadows/leaseq/internal/handler"
	"github.com/cmeadows/leaseq/pkg/schedule"
)

// Queue manages handler registration, task submission, and lifecycle
// observation over a single driver.
type Queue struct {
	driver    core.Driver
	handlers  map[string]*handler.Handler
	scheduled map[string]*ScheduledTask
	mu        sync.RWMutex

	// Hooks
	onStart    []func(context.Context, *core.Task)
	onComplete []func(context.Context, *core.Task)
	onFail     []func(context.Context, *core.Task, error)
	onRetry    []func(context.Context, *core.Task, int, error)

	// Event stream
	eventSubs []chan core.Event
}

// ScheduledTask holds configuration for a recurring task.
type ScheduledTask struct {
	Name     string
	Schedule schedule.Schedule
	Args     any
	Options  *Options
}

// New creates a new Queue over the given driver.
func New(d core.Driver) *Queue {
	return &Queue{
		driver:   d,
		handlers: make(map[string]*handler.Handler),
	}
}

// Register registers a task handler function.
// The function must have signature func(ctx context.Context, args T) error
// or func(ctx context.Context, args T) (T2, error). Handler names must be
// alphanumeric (starting with a letter), max 255 chars. Registration errors
// are programming errors, so Register panics.
func (q *Queue) Register(name string, fn any, opts ...Option) {
	if err := guard.ValidateHandlerName(name); err != nil {
		panic(fmt.Sprintf("leaseq: invalid handler name %q: %v", name, err))
	}

	h, err := handler.New(fn)
	if err != nil {
		panic(fmt.Sprintf("leaseq: handler for %q: %v", name, err))
	}

	o := NewOptions()
	for _, opt := range opts {
		opt.Apply(o)
	}
	if o.Mode != "" {
		if !o.Mode.Valid() {
			panic(fmt.Sprintf("leaseq: handler for %q: unknown mode %q", name, o.Mode))
		}
		h.Mode = o.Mode
	}
	h.Timeout = o.Timeout
	h.MaxAttempts = o.MaxAttempts
	h.RetryDelay = o.RetryDelay
	h.Policy = o.Policy

	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[name] = h
}

// HasHandler checks if a handler is registered.
func (q *Queue) HasHandler(name string) bool {
	_, ok := q.Lookup(name)
	return ok
}

// Lookup returns a handler by name.
func (q *Queue) Lookup(name string) (*handler.Handler, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	h, ok := q.handlers[name]
	return h, ok
}

// Enqueue submits a task for the named handler. Once it returns a task id,
// the task is durable in the backend and will be delivered at least once.
func (q *Queue) Enqueue(ctx context.Context, name string, args any, opts ...Option) (string, error) {
	h, ok := q.Lookup(name)
	if !ok {
		return "", fmt.Errorf("leaseq: no handler registered for %q", name)
	}

	// Handler registration supplies the defaults, enqueue options override.
	options := NewOptions()
	options.Mode = h.Mode
	options.Timeout = h.Timeout
	options.MaxAttempts = h.MaxAttempts
	options.RetryDelay = h.RetryDelay
	for _, opt := range opts {
		opt.Apply(options)
	}

	if err := guard.ValidateQueueName(options.Queue); err != nil {
		return "", err
	}
	if options.Mode != "" && !options.Mode.Valid() {
		return "", core.ErrInvalidMode
	}

	payload, err := json.Marshal(args)
	if err != nil {
		return "", &core.SerializationError{Err: fmt.Errorf("marshal args: %w", err)}
	}
	if len(payload) > guard.MaxPayloadSize {
		return "", core.ErrPayloadTooLarge
	}

	task := &core.Task{
		ID:            uuid.New().String(),
		Queue:         options.Queue,
		Handler:       name,
		Payload:       payload,
		Mode:          options.Mode,
		MaxAttempts:   guard.ClampAttempts(options.MaxAttempts),
		RetryDelay:    int64(options.RetryDelay / time.Second),
		Timeout:       int64(options.Timeout / time.Second),
		Status:        core.StatusPending,
		CorrelationID: options.CorrelationID,
	}

	delay := options.Delay
	if options.RunAt != nil {
		delay = time.Until(*options.RunAt)
	}
	if delay < 0 {
		delay = 0
	}

	id, err := q.driver.Enqueue(ctx, task, delay)
	if err != nil {
		return "", fmt.Errorf("leaseq: enqueue: %w", err)
	}
	return id, nil
}

// Schedule registers a recurring task. The worker's scheduler loop enqueues
// it per the schedule; nothing is persisted until each enqueue.
func (q *Queue) Schedule(name string, sched schedule.Schedule, args any, opts ...Option) {
	options := NewOptions()
	for _, opt := range opts {
		opt.Apply(options)
	}

	q.mu.Lock()
	if q.scheduled == nil {
		q.scheduled = make(map[string]*ScheduledTask)
	}
	q.scheduled[name] = &ScheduledTask{
		Name:     name,
		Schedule: sched,
		Args:     args,
		Options:  options,
	}
	q.mu.Unlock()
}

// ScheduledTasks returns the recurring task registry (for the worker
// scheduler).
func (q *Queue) ScheduledTasks() map[string]*ScheduledTask {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.scheduled
}

// Driver returns the underlying driver.
func (q *Queue) Driver() core.Driver {
	return q.driver
}

// Size reports the best-effort pending count for a queue.
func (q *Queue) Size(ctx context.Context, queueName string) (int64, error) {
	if err := guard.ValidateQueueName(queueName); err != nil {
		return 0, err
	}
	return q.driver.Size(ctx, queueName)
}

// DeadTasks lists dead-lettered tasks when the driver's store can be
// inspected.
func (q *Queue) DeadTasks(ctx context.Context, queueName string, limit int) ([]*core.DeadTask, error) {
	if err := guard.ValidateQueueName(queueName); err != nil {
		return nil, err
	}
	r, ok := q.driver.(core.DeadLetterReader)
	if !ok {
		return nil, fmt.Errorf("leaseq: driver does not expose its dead-letter store")
	}
	return r.DeadTasks(ctx, queueName, limit)
}

// OnTaskStart registers a callback for when a task attempt starts.
func (q *Queue) OnTaskStart(fn func(context.Context, *core.Task)) {
	q.mu.Lock()
	q.onStart = append(q.onStart, fn)
	q.mu.Unlock()
}

// OnTaskComplete registers a callback for when a task completes successfully.
func (q *Queue) OnTaskComplete(fn func(context.Context, *core.Task)) {
	q.mu.Lock()
	q.onComplete = append(q.onComplete, fn)
	q.mu.Unlock()
}

// OnTaskFail registers a callback for when a task is dead-lettered.
func (q *Queue) OnTaskFail(fn func(context.Context, *core.Task, error)) {
	q.mu.Lock()
	q.onFail = append(q.onFail, fn)
	q.mu.Unlock()
}

// OnTaskRetry registers a callback for when a failed task is released for
// another attempt.
func (q *Queue) OnTaskRetry(fn func(context.Context, *core.Task, int, error)) {
	q.mu.Lock()
	q.onRetry = append(q.onRetry, fn)
	q.mu.Unlock()
}

// Events returns a channel for receiving lifecycle events.
// The caller must call Unsubscribe when done to prevent resource leaks.
func (q *Queue) Events() <-chan core.Event {
	ch := make(chan core.Event, 100)
	q.mu.Lock()
	q.eventSubs = append(q.eventSubs, ch)
	q.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber channel created by Events().
// The channel is not closed; callers must stop reading before calling
// Unsubscribe. After it returns, no further events are sent to the channel.
func (q *Queue) Unsubscribe(ch <-chan core.Event) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, sub := range q.eventSubs {
		if sub == ch {
			q.eventSubs = append(q.eventSubs[:i], q.eventSubs[i+1:]...)
			return
		}
	}
}

// Emit delivers an event to all subscribers, dropping it for any subscriber
// whose buffer is full so a slow consumer never blocks the scheduler.
func (q *Queue) Emit(e core.Event) {
	q.mu.RLock()
	subs := make([]chan core.Event, len(q.eventSubs))
	copy(subs, q.eventSubs)
	q.mu.RUnlock()

	for _, ch := range subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// CallStartHooks calls all registered start hooks.
func (q *Queue) CallStartHooks(ctx context.Context, task *core.Task) {
	q.mu.RLock()
	hooks := make([]func(context.Context, *core.Task), len(q.onStart))
	copy(hooks, q.onStart)
	q.mu.RUnlock()

	for _, fn := range hooks {
		fn(ctx, task)
	}
}

// CallCompleteHooks calls all registered complete hooks.
func (q *Queue) CallCompleteHooks(ctx context.Context, task *core.Task) {
	q.mu.RLock()
	hooks := make([]func(context.Context, *core.Task), len(q.onComplete))
	copy(hooks, q.onComplete)
	q.mu.RUnlock()

	for _, fn := range hooks {
		fn(ctx, task)
	}
}

// CallFailHooks calls all registered fail hooks.
func (q *Queue) CallFailHooks(ctx context.Context, task *core.Task, err error) {
	q.mu.RLock()
	hooks := make([]func(context.Context, *core.Task, error), len(q.onFail))
	copy(hooks, q.onFail)
	q.mu.RUnlock()

	for _, fn := range hooks {
		fn(ctx, task, err)
	}
}

// CallRetryHooks calls all registered retry hooks.
func (q *Queue) CallRetryHooks(ctx context.Context, task *core.Task, attempt int, err error) {
	q.mu.RLock()
	hooks := make([]func(context.Context, *core.Task, int, error), len(q.onRetry))
	copy(hooks, q.onRetry)
	q.mu.RUnlock()

	for _, fn := range hooks {
		fn(ctx, task, attempt, err)
	}
}

// WorkerFactory is set by the root package to create workers.
// This avoids import cycles between the queue and worker packages.
var WorkerFactory func(q *Queue, opts ...any) core.Starter

// NewWorker creates a new worker for this queue.
// Options should be worker.WorkerOption values.
func (q *Queue) NewWorker(opts ...any) core.Starter {
	if WorkerFactory == nil {
		panic("leaseq: WorkerFactory not initialized - import github.com/cmeadows/leaseq to initialize")
	}
	return WorkerFactory(q, opts...)
}
