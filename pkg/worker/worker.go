package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cmeadows/leaseq/pkg/core"
	"github.com/cmeadows/leaseq/pkg/exec"
	"github.com/cmeadows/leaseq/internal/handler"
	"github.com/cmeadows/leaseq/pkg/queue"
	"github.com/cmeadows/leaseq/pkg/retry"
	"github.com/cmeadows/leaseq/pkg/taskctx"
)

// Worker leases tasks from the queue's driver and runs them through the
// execution router. At most Concurrency tasks are in flight at once.
type Worker struct {
	queue  *queue.Queue
	config WorkerConfig
	logger *slog.Logger

	router *exec.Router
	pool   *exec.Pool
	procs  *exec.ProcPool

	slots chan struct{}
	wg    sync.WaitGroup
}

// NewWorker creates a new worker for the given queue.
func NewWorker(q *queue.Queue, opts ...WorkerOption) *Worker {
	config := WorkerConfig{
		Concurrency:  10,
		BatchSize:    10,
		PollInterval: 100 * time.Millisecond,
		Visibility:   5 * time.Minute,
		DrainTimeout: 30 * time.Second,
		ProcessPool:  2,
		WorkerID:     uuid.New().String(),
	}

	for _, opt := range opts {
		opt.ApplyWorker(&config)
	}

	if len(config.Queues) == 0 {
		config.Queues = []string{"default"}
	}
	if config.StorageRetry == nil {
		defaultCfg := DefaultRetryConfig()
		config.StorageRetry = &defaultCfg
	}
	if config.LeaseRetry == nil {
		// Longer backoff for the lease path to avoid hammering the backend
		// during an outage.
		leaseCfg := RetryConfig{
			MaxAttempts:       3,
			InitialBackoff:    500 * time.Millisecond,
			MaxBackoff:        10 * time.Second,
			BackoffMultiplier: 2.0,
			JitterFraction:    0.2,
		}
		config.LeaseRetry = &leaseCfg
	}

	return &Worker{
		queue:  q,
		config: config,
		logger: slog.Default().With("worker_id", config.WorkerID),
	}
}

// Start begins processing tasks. Blocks until the context is cancelled,
// then drains: leasing stops immediately, in-flight tasks get up to
// DrainTimeout to finish, survivors are cancelled and go through the normal
// retry decision.
func (w *Worker) Start(ctx context.Context) error {
	w.slots = make(chan struct{}, w.config.Concurrency)
	w.pool = exec.NewPool(w.config.Concurrency)
	if len(w.config.ProcessCommand) > 0 {
		w.procs = exec.NewProcPool(w.config.ProcessPool, w.config.ProcessCommand...)
	}
	w.router = exec.NewRouter(w.pool, w.procs)

	// Task attempts run on their own context so a graceful drain can let
	// them finish after the worker context is cancelled.
	workCtx, cancelWork := context.WithCancel(context.Background())
	defer cancelWork()

	if w.config.EnableScheduler {
		go w.runScheduler(ctx)
	}

	w.logger.Info("worker started",
		"queues", w.config.Queues,
		"concurrency", w.config.Concurrency)

	rotation := 0
	for {
		select {
		case <-ctx.Done():
			w.drain(cancelWork)
			return ctx.Err()
		default:
		}

		free := w.config.Concurrency - len(w.slots)
		if free == 0 {
			w.pause(ctx)
			continue
		}
		batch := free
		if batch > w.config.BatchSize {
			batch = w.config.BatchSize
		}

		order := rotated(w.config.Queues, rotation)
		rotation++

		tasks, err := w.leaseWithRetry(ctx, order, batch)
		if err != nil {
			if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
				w.logger.Error("failed to lease after retries", "error", err)
			}
			w.pause(ctx)
			continue
		}
		if len(tasks) == 0 {
			w.pause(ctx)
			continue
		}

		for _, task := range tasks {
			w.slots <- struct{}{}
			w.wg.Add(1)
			go func(task *core.Task) {
				defer w.wg.Done()
				defer func() { <-w.slots }()
				w.processTask(workCtx, task)
			}(task)
		}
	}
}

// rotated returns queues starting at offset i, wrapping around. The lease
// call still prefers earlier entries of the rotated order, so rotation is
// what keeps a busy first queue from starving the rest.
func rotated(queues []string, i int) []string {
	n := len(queues)
	if n <= 1 {
		return queues
	}
	start := i % n
	out := make([]string, 0, n)
	out = append(out, queues[start:]...)
	out = append(out, queues[:start]...)
	return out
}

func (w *Worker) pause(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(w.config.PollInterval):
	}
}

func (w *Worker) drain(cancelWork context.CancelFunc) {
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	forced := false
	select {
	case <-done:
	case <-time.After(w.config.DrainTimeout):
		forced = true
		w.logger.Warn("drain timeout reached, cancelling in-flight tasks")
		cancelWork()
		<-done
	}

	if w.procs != nil {
		w.procs.Close()
	}
	// A forced stop leaves abandoned blocking bodies on the pool runners;
	// Close would wait on them.
	if !forced {
		w.pool.Close()
	}

	if err := w.queue.Driver().Close(); err != nil {
		w.logger.Error("failed to close driver", "error", err)
	}
	w.logger.Info("worker stopped")
}

// leaseWithRetry claims a batch of tasks with backoff on transient backend
// failure.
func (w *Worker) leaseWithRetry(ctx context.Context, queues []string, batch int) ([]*core.Task, error) {
	var tasks []*core.Task
	err := retryWithBackoff(ctx, *w.config.LeaseRetry, func() error {
		var leaseErr error
		tasks, leaseErr = w.queue.Driver().Lease(ctx, queues, w.config.Visibility, batch)
		return leaseErr
	})
	return tasks, err
}

func (w *Worker) processTask(ctx context.Context, task *core.Task) {
	start := time.Now()

	h, ok := w.queue.Lookup(task.Handler)
	if !ok {
		w.logger.Error("no handler for task", "handler", task.Handler, "task_id", task.ID)
		w.handleError(ctx, task, nil, core.NoRetry(fmt.Errorf("no handler registered for %q", task.Handler)))
		return
	}

	w.queue.CallStartHooks(ctx, task)
	w.queue.Emit(&core.TaskDispatched{Task: task, Timestamp: start})

	attemptCtx, cancelAttempt := context.WithCancel(taskctx.With(ctx, task))
	defer cancelAttempt()

	timeout := task.TimeoutDuration()
	if timeout > 0 {
		var cancelTimeout context.CancelFunc
		attemptCtx, cancelTimeout = context.WithDeadline(attemptCtx, start.Add(timeout))
		defer cancelTimeout()
	}

	// Heartbeat keeps the lease alive for bodies that outlive one
	// visibility window. It runs on the worker context, not the attempt
	// context, so a timed-out attempt still stops it explicitly below.
	heartbeatCtx, cancelHeartbeat := context.WithCancel(ctx)
	go w.runHeartbeat(heartbeatCtx, task, cancelAttempt)

	err := w.execute(attemptCtx, task, h)
	cancelHeartbeat()

	// A deadline on the attempt context is the task's own wall-clock
	// budget, not a caller cancellation.
	if err != nil && timeout > 0 &&
		errors.Is(err, context.DeadlineExceeded) &&
		errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
		err = &core.TimeoutError{Limit: timeout}
	}

	if err != nil {
		w.handleError(ctx, task, h, err)
		return
	}

	if ackErr := w.ackWithRetry(ctx, task.ID); ackErr != nil {
		if errors.Is(ackErr, core.ErrLeaseLost) || errors.Is(ackErr, core.ErrNotFound) {
			w.logger.Debug("lease lost before ack", "task_id", task.ID)
		} else {
			w.logger.Error("failed to ack task after retries", "task_id", task.ID, "error", ackErr)
		}
		return
	}

	w.queue.CallCompleteHooks(ctx, task)
	w.queue.Emit(&core.TaskCompleted{Task: task, Duration: time.Since(start), Timestamp: time.Now()})
}

func (w *Worker) execute(ctx context.Context, task *core.Task, h *handler.Handler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return w.router.Execute(ctx, task, h)
}

// handleError resolves a failed attempt into a Release or a DeadLetter.
func (w *Worker) handleError(ctx context.Context, task *core.Task, h *handler.Handler, err error) {
	var policy *retry.Policy
	if h != nil {
		policy = h.Policy
	}

	decision := retry.Decide(task, err, policy)
	if decision.Retry {
		if relErr := w.releaseWithRetry(ctx, task.ID, decision.Delay); relErr != nil {
			if errors.Is(relErr, core.ErrLeaseLost) || errors.Is(relErr, core.ErrNotFound) {
				w.logger.Debug("lease lost before release", "task_id", task.ID)
			} else {
				w.logger.Error("failed to release task after retries", "task_id", task.ID, "error", relErr)
			}
			return
		}
		w.queue.CallRetryHooks(ctx, task, task.Attempts, err)
		w.queue.Emit(&core.TaskRetried{
			Task:      task,
			Attempt:   task.Attempts,
			Error:     err,
			NextRunAt: time.Now().Add(decision.Delay),
			Timestamp: time.Now(),
		})
		return
	}

	if dlErr := w.deadLetterWithRetry(ctx, task.ID, err.Error()); dlErr != nil {
		if errors.Is(dlErr, core.ErrLeaseLost) || errors.Is(dlErr, core.ErrNotFound) {
			w.logger.Debug("lease lost before dead-letter", "task_id", task.ID)
		} else {
			w.logger.Error("failed to dead-letter task after retries", "task_id", task.ID, "error", dlErr)
		}
		return
	}
	w.logger.Warn("task dead-lettered",
		"task_id", task.ID,
		"handler", task.Handler,
		"attempts", task.Attempts,
		"error", err)
	w.queue.CallFailHooks(ctx, task, err)
	w.queue.Emit(&core.TaskDeadLettered{Task: task, Error: err, Timestamp: time.Now()})
}

// finalizeTimeout bounds the protocol call that reports an attempt's
// outcome. A forced drain cancels the attempt context before survivors get
// here, so the Ack/Release/DeadLetter call runs detached from it on its own
// deadline; otherwise the survivor would stay leased until its visibility
// window expired.
const finalizeTimeout = 30 * time.Second

func (w *Worker) ackWithRetry(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()
	return retryWithBackoff(ctx, *w.config.StorageRetry, func() error {
		return w.queue.Driver().Ack(ctx, id)
	})
}

func (w *Worker) releaseWithRetry(ctx context.Context, id string, delay time.Duration) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()
	return retryWithBackoff(ctx, *w.config.StorageRetry, func() error {
		return w.queue.Driver().Release(ctx, id, delay)
	})
}

func (w *Worker) deadLetterWithRetry(ctx context.Context, id string, reason string) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()
	return retryWithBackoff(ctx, *w.config.StorageRetry, func() error {
		return w.queue.Driver().DeadLetter(ctx, id, reason)
	})
}

// runHeartbeat periodically extends the task's lease while it executes.
// A lost lease cancels the attempt: some other worker already owns the
// task, so finishing here would double-execute it for nothing.
func (w *Worker) runHeartbeat(ctx context.Context, task *core.Task, cancelAttempt context.CancelFunc) {
	interval := w.config.Visibility / 3
	if interval < time.Second {
		interval = time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := retryWithBackoff(ctx, *w.config.StorageRetry, func() error {
				return w.queue.Driver().Extend(ctx, task.ID, w.config.Visibility)
			})
			switch {
			case err == nil:
				w.logger.Debug("lease extended", "task_id", task.ID)
			case errors.Is(err, core.ErrLeaseLost) || errors.Is(err, core.ErrNotFound):
				w.logger.Warn("lease lost mid-flight, cancelling attempt", "task_id", task.ID)
				cancelAttempt()
				return
			default:
				w.logger.Warn("heartbeat failed after retries", "task_id", task.ID, "error", err)
			}
		}
	}
}

// runScheduler enqueues recurring tasks when their schedule comes due.
func (w *Worker) runScheduler(ctx context.Context) {
	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	lastRun := make(map[string]time.Time)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			scheduled := w.queue.ScheduledTasks()
			if scheduled == nil {
				continue
			}

			now := time.Now()
			for name, st := range scheduled {
				nextRun := st.Schedule.Next(lastRun[name])
				if now.Before(nextRun) {
					continue
				}
				_, err := w.queue.Enqueue(ctx, st.Name, st.Args,
					queue.QueueOpt(st.Options.Queue))
				if err != nil {
					w.logger.Error("failed to enqueue scheduled task", "name", name, "error", err)
				} else {
					lastRun[name] = now
				}
			}
		}
	}
}
