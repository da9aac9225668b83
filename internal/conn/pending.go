package conn

import (
	"context"
	"sync"

	"github.com/EternisAI/remote-control/internal/command"
)

// Pending is the caller's side of one in-flight request. It resolves at most
// once, either with the agent's result or with a connection error.
type Pending struct {
	Request command.Request

	once   sync.Once
	done   chan struct{}
	result *command.Result
	err    error
}

func newPending(req command.Request) *Pending {
	return &Pending{Request: req, done: make(chan struct{})}
}

// resolve reports whether this call was the one that resolved p.
func (p *Pending) resolve(result *command.Result, err error) bool {
	resolved := false
	p.once.Do(func() {
		p.result = result
		p.err = err
		close(p.done)
		resolved = true
	})
	return resolved
}

func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until p resolves or ctx ends. On ctx expiry the request is still
// outstanding; the caller decides whether to Forget it.
func (p *Pending) Wait(ctx context.Context) (*command.Result, error) {
	select {
	case <-p.done:
		return p.result, p.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
