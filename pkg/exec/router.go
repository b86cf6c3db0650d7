package exec

import (
	"context"
	"errors"

	"github.com/cmeadows/leaseq/pkg/core"
	"github.com/cmeadows/leaseq/internal/handler"
)

// Router dispatches a task body to the strategy its mode names. Cooperative
// bodies run inline on the calling goroutine, blocking bodies run on the
// bounded Pool, and both process modes run on the ProcPool.
type Router struct {
	pool  *Pool
	procs *ProcPool
}

// NewRouter wires the two pools. procs may be nil when no child command is
// configured; process-mode tasks then fail with ErrNoProcessPool.
func NewRouter(pool *Pool, procs *ProcPool) *Router {
	return &Router{pool: pool, procs: procs}
}

// Execute runs the handler against the task payload using the strategy for
// the task's mode. Errors come back exactly as the body (or the protocol)
// produced them so the retry decision sees the original type.
func (r *Router) Execute(ctx context.Context, task *core.Task, h *handler.Handler) error {
	mode := task.Mode
	if mode == "" {
		mode = h.Mode
	}

	switch mode {
	case core.ModeCooperative, "":
		return h.Execute(ctx, task.Payload)
	case core.ModeBlocking:
		return r.pool.Submit(ctx, func() error {
			return h.Execute(ctx, task.Payload)
		})
	case core.ModeProcess, core.ModeProcessAsync:
		if r.procs == nil {
			return ErrNoProcessPool
		}
		resp, err := r.procs.Execute(ctx, Request{
			TaskID:  task.ID,
			Handler: task.Handler,
			Payload: task.Payload,
			Async:   mode == core.ModeProcessAsync,
		})
		if err != nil {
			return err
		}
		return responseError(resp)
	default:
		return core.NoRetry(errors.New("unknown execution mode " + string(mode)))
	}
}

// responseError reconstructs the body's error from the wire response so
// callers can classify it the same way they would an in-process error.
func responseError(resp Response) error {
	if resp.OK {
		return nil
	}
	err := errors.New(resp.Error)
	switch resp.Kind {
	case KindNoRetry:
		return core.NoRetry(err)
	case KindSerialization:
		return &core.SerializationError{Err: err}
	default:
		return err
	}
}
