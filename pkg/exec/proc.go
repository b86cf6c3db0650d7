package exec

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"

	"github.com/cmeadows/leaseq/pkg/core"
)

// ErrNoProcessPool is returned when a process-mode task is dispatched but
// no child command was configured.
var ErrNoProcessPool = errors.New("leaseq: process pool not configured")

// ProcPool runs task bodies in long-lived child processes. Children are
// spawned lazily up to the pool size, each serving one request at a time
// over the framed stdin/stdout protocol. A cancelled task hard-terminates
// its child; the slot respawns on next use.
type ProcPool struct {
	command []string
	sem     chan struct{}
	logger  *slog.Logger

	mu     sync.Mutex
	idle   []*procWorker
	closed bool
}

type procWorker struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
}

// NewProcPool creates a pool of up to size children running command.
// The command is typically the worker binary itself with a subcommand that
// calls procrunner.Run; it must speak the frame protocol on stdio.
func NewProcPool(size int, command ...string) *ProcPool {
	if size < 1 {
		size = 1
	}
	return &ProcPool{
		command: command,
		sem:     make(chan struct{}, size),
		logger:  slog.Default(),
	}
}

// Execute sends one request to a child and waits for its response or ctx.
// On cancellation the child is killed so the body cannot outlive the task.
func (p *ProcPool) Execute(ctx context.Context, req Request) (Response, error) {
	if len(p.command) == 0 {
		return Response{}, ErrNoProcessPool
	}

	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return Response{}, ctx.Err()
	}
	defer func() { <-p.sem }()

	w, err := p.checkout()
	if err != nil {
		return Response{}, core.Unavailable(err)
	}

	req.Version = frameVersion
	if err := WriteFrame(w.stdin, &req); err != nil {
		w.kill()
		var serr *core.SerializationError
		if errors.As(err, &serr) {
			return Response{}, err
		}
		return Response{}, core.Unavailable(err)
	}

	type result struct {
		resp Response
		err  error
	}
	done := make(chan result, 1)
	go func() {
		var resp Response
		err := ReadFrame(w.stdout, &resp)
		done <- result{resp: resp, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			w.kill()
			var serr *core.SerializationError
			if errors.As(r.err, &serr) {
				return Response{}, r.err
			}
			return Response{}, core.Unavailable(r.err)
		}
		p.checkin(w)
		return r.resp, nil
	case <-ctx.Done():
		// Hard termination: unlike blocking bodies, process bodies never
		// outlive their cancellation.
		w.kill()
		return Response{}, ctx.Err()
	}
}

func (p *ProcPool) checkout() (*procWorker, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, errors.New("process pool closed")
	}
	if n := len(p.idle); n > 0 {
		w := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.mu.Unlock()
		return w, nil
	}
	p.mu.Unlock()
	return p.spawn()
}

func (p *ProcPool) checkin(w *procWorker) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		w.kill()
		return
	}
	p.idle = append(p.idle, w)
}

func (p *ProcPool) spawn() (*procWorker, error) {
	cmd := exec.Command(p.command[0], p.command[1:]...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn %s: %w", p.command[0], err)
	}
	p.logger.Debug("spawned process worker", "pid", cmd.Process.Pid)

	w := &procWorker{cmd: cmd, stdin: stdin, stdout: stdout}
	// Reap the child whenever it exits so kills don't leave zombies.
	go func() { _ = cmd.Wait() }()
	return w, nil
}

func (w *procWorker) kill() {
	_ = w.stdin.Close()
	if w.cmd.Process != nil {
		_ = w.cmd.Process.Kill()
	}
}

// Close terminates all idle children. In-flight children exit when their
// current request finishes and checkin finds the pool closed.
func (p *ProcPool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	for _, w := range p.idle {
		w.kill()
	}
	p.idle = nil
}
