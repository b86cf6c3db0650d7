package exec

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
)

// Pool is the bounded executor for blocking task bodies. A fixed set of
// goroutines drains a submission channel; callers wait on a per-task result
// channel so an abandoned task never blocks its runner.
type Pool struct {
	tasks chan poolTask
	wg    sync.WaitGroup

	closeOnce sync.Once
	logger    *slog.Logger
}

type poolTask struct {
	run  func() error
	done chan error
}

// NewPool starts a pool with n runners. n is clamped to at least 1.
func NewPool(n int) *Pool {
	if n < 1 {
		n = 1
	}
	p := &Pool{
		tasks:  make(chan poolTask),
		logger: slog.Default(),
	}
	for i := 0; i < n; i++ {
		p.wg.Add(1)
		go p.runner()
	}
	return p
}

func (p *Pool) runner() {
	defer p.wg.Done()
	for t := range p.tasks {
		t.done <- p.safeRun(t.run)
	}
}

func (p *Pool) safeRun(run func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("executor panic", "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return run()
}

// Submit hands run to the pool and waits for its result or for ctx.
//
// When ctx fires first the task is abandoned: the runner keeps going until
// the body returns and its result is discarded. That leaked runner time is
// the documented cost of cancelling blocking bodies; bound it with the
// task's own context awareness where possible.
func (p *Pool) Submit(ctx context.Context, run func() error) error {
	done := make(chan error, 1)

	select {
	case p.tasks <- poolTask{run: run, done: done}:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting work and waits for in-flight bodies to return.
func (p *Pool) Close() {
	p.closeOnce.Do(func() {
		close(p.tasks)
	})
	p.wg.Wait()
}
