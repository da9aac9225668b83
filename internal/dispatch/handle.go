package dispatch

import (
	"context"
	"time"

	"github.com/EternisAI/remote-control/internal/command"
)

// Handle is the promise side of ExecuteAsync. It resolves exactly once.
type Handle struct {
	done   chan struct{}
	result *command.Result
	err    error
}

func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the command resolves or ctx ends. Abandoning the wait
// does not cancel the command.
func (h *Handle) Wait(ctx context.Context) (*command.Result, error) {
	select {
	case <-h.done:
		return h.result, h.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Resolved reports whether the command has an outcome yet.
func (h *Handle) Resolved() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Result returns the outcome without blocking, nil and nil while pending.
func (h *Handle) Result() (*command.Result, error) {
	if !h.Resolved() {
		return nil, nil
	}
	return h.result, h.err
}

// ExecuteAsync starts Execute in the background. Cancelling ctx cancels the
// command.
func (d *Dispatcher) ExecuteAsync(ctx context.Context, endpoint command.Endpoint, kind command.Kind, args command.Args, timeout time.Duration, opts ...CallOption) *Handle {
	h := &Handle{done: make(chan struct{})}
	go func() {
		h.result, h.err = d.Execute(ctx, endpoint, kind, args, timeout, opts...)
		close(h.done)
	}()
	return h
}
