// Package procrunner implements the child side of the process execution
// protocol. A worker binary that registers handlers calls Run from a
// subcommand; the parent's process pool spawns it and exchanges framed
// requests over stdio.
package procrunner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/cmeadows/leaseq/pkg/core"
	"github.com/cmeadows/leaseq/pkg/exec"
	"github.com/cmeadows/leaseq/internal/handler"
	"github.com/cmeadows/leaseq/pkg/taskctx"
)

// Registry resolves handler names to registered handlers. The queue type
// satisfies this.
type Registry interface {
	Lookup(name string) (*handler.Handler, bool)
}

// Run serves framed requests from r until EOF, writing one response per
// request to w. It returns nil on clean EOF. Handler panics and errors are
// reported in the response; only transport faults abort the loop.
func Run(ctx context.Context, reg Registry, r io.Reader, w io.Writer) error {
	for {
		var req exec.Request
		if err := exec.ReadFrame(r, &req); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("read request: %w", err)
		}

		resp := serve(ctx, reg, &req)
		resp.Version = req.Version
		if err := exec.WriteFrame(w, &resp); err != nil {
			return fmt.Errorf("write response: %w", err)
		}
	}
}

// Main is the conventional entrypoint for a worker binary's child
// subcommand: serve stdin/stdout and exit nonzero on a transport fault.
func Main(reg Registry) {
	if err := Run(context.Background(), reg, os.Stdin, os.Stdout); err != nil {
		slog.Error("process runner exiting", "error", err)
		os.Exit(1)
	}
}

func serve(ctx context.Context, reg Registry, req *exec.Request) (resp exec.Response) {
	defer func() {
		if r := recover(); r != nil {
			resp = failure(fmt.Errorf("handler panic: %v", r))
		}
	}()

	h, ok := reg.Lookup(req.Handler)
	if !ok {
		return failure(core.NoRetry(fmt.Errorf("unknown handler %q", req.Handler)))
	}

	// The child only knows what crossed the wire, but that is enough for
	// taskctx lookups inside the body.
	ctx = taskctx.With(ctx, &core.Task{
		ID:      req.TaskID,
		Handler: req.Handler,
		Payload: req.Payload,
	})

	if req.Async {
		if err := h.Execute(ctx, req.Payload); err != nil {
			return failure(err)
		}
		return exec.Response{OK: true}
	}

	result, err := h.ExecuteResult(ctx, req.Payload)
	if err != nil {
		return failure(err)
	}
	return exec.Response{OK: true, Result: result}
}

// failure classifies err into a wire kind so the parent can rebuild an
// equivalent error type for its retry decision.
func failure(err error) exec.Response {
	resp := exec.Response{Error: err.Error()}
	var nre *core.NoRetryError
	var serr *core.SerializationError
	switch {
	case errors.As(err, &nre):
		resp.Kind = exec.KindNoRetry
	case errors.As(err, &serr):
		resp.Kind = exec.KindSerialization
	}
	return resp
}
