// Package taskctx exposes the executing task to handler code. Handlers use
// it for logging and tracing without widening their own signatures.
package taskctx

import (
	"context"

	"github.com/cmeadows/leaseq/pkg/core"
)

type ctxKey struct{}

// With attaches the task to the context. The worker calls this before
// dispatching a handler; handlers only read.
func With(ctx context.Context, task *core.Task) context.Context {
	return context.WithValue(ctx, ctxKey{}, task)
}

// TaskFromContext returns the current task, or nil outside a handler.
func TaskFromContext(ctx context.Context) *core.Task {
	task, _ := ctx.Value(ctxKey{}).(*core.Task)
	return task
}

// TaskIDFromContext returns the current task id, or "" outside a handler.
func TaskIDFromContext(ctx context.Context) string {
	if task := TaskFromContext(ctx); task != nil {
		return task.ID
	}
	return ""
}

// CorrelationIDFromContext returns the producer-supplied correlation id, or
// "" when the task carries none.
func CorrelationIDFromContext(ctx context.Context) string {
	if task := TaskFromContext(ctx); task != nil {
		return task.CorrelationID
	}
	return ""
}
