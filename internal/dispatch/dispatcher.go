package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/EternisAI/remote-control/internal/audit"
	"github.com/EternisAI/remote-control/internal/auth"
	"github.com/EternisAI/remote-control/internal/command"
	"github.com/EternisAI/remote-control/internal/conn"
	"github.com/EternisAI/remote-control/internal/metrics"
)

const DefaultTimeout = 10 * time.Second

// Connections is the part of the connection manager the dispatcher needs.
type Connections interface {
	Get(endpoint command.Endpoint) (*conn.Connection, bool)
	Connect(ctx context.Context, endpoint command.Endpoint, creds auth.Credentials) (*conn.Connection, error)
	Disconnect(endpoint command.Endpoint) bool
}

// Recorder receives one entry per dispatched command.
type Recorder interface {
	Record(e audit.Entry)
}

type Options struct {
	DefaultTimeout time.Duration
	// RetryOnConnectionLost re-sends idempotent commands once after
	// reconnecting with the credentials of the last Connect.
	RetryOnConnectionLost bool
}

// Dispatcher turns UI intent into requests on established connections and
// resolves their outcomes. It never opens a connection on its own except to
// retry an idempotent command.
type Dispatcher struct {
	conns    Connections
	recorder Recorder
	opts     Options

	mu    sync.Mutex
	creds map[command.Endpoint]auth.Credentials
}

func NewDispatcher(conns Connections, recorder Recorder, opts Options) *Dispatcher {
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = DefaultTimeout
	}
	return &Dispatcher{
		conns:    conns,
		recorder: recorder,
		opts:     opts,
		creds:    make(map[command.Endpoint]auth.Credentials),
	}
}

// Connect establishes the connection to endpoint and remembers creds for
// retries.
func (d *Dispatcher) Connect(ctx context.Context, endpoint command.Endpoint, creds auth.Credentials) (*conn.Connection, error) {
	c, err := d.conns.Connect(ctx, endpoint, creds)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.creds[endpoint] = creds
	d.mu.Unlock()
	return c, nil
}

// Disconnect closes the connection to endpoint and forgets its credentials.
func (d *Dispatcher) Disconnect(endpoint command.Endpoint) bool {
	d.mu.Lock()
	delete(d.creds, endpoint)
	d.mu.Unlock()
	return d.conns.Disconnect(endpoint)
}

type callOptions struct {
	retry *bool
}

type CallOption func(*callOptions)

// WithRetry overrides Options.RetryOnConnectionLost for one call.
func WithRetry(retry bool) CallOption {
	return func(o *callOptions) { o.retry = &retry }
}

// Execute runs one command and waits for its outcome. An agent-side failure
// is a result with StatusFailed and a nil error. A local timeout returns a
// StatusTimedOut result together with command.ErrTimedOut. Every other
// failure is an error tagged by command.Tag.
func (d *Dispatcher) Execute(ctx context.Context, endpoint command.Endpoint, kind command.Kind, args command.Args, timeout time.Duration, opts ...CallOption) (*command.Result, error) {
	var co callOptions
	for _, opt := range opts {
		opt(&co)
	}
	if timeout <= 0 {
		timeout = d.opts.DefaultTimeout
	}
	retry := d.opts.RetryOnConnectionLost
	if co.retry != nil {
		retry = *co.retry
	}

	start := time.Now()
	var (
		requestID uint32
		result    *command.Result
		err       error
	)
	defer func() {
		d.finish(endpoint, kind, requestID, result, err, time.Since(start))
	}()

	if !kind.Valid() {
		err = fmt.Errorf("%w: unknown command kind %s", command.ErrValidationFailed, kind)
		return nil, err
	}
	if err = args.Validate(kind); err != nil {
		return nil, err
	}

	c, ok := d.conns.Get(endpoint)
	if !ok {
		err = fmt.Errorf("%w: %s", command.ErrNotConnected, endpoint)
		return nil, err
	}

	deadline := start.Add(timeout)
	requestID, result, err = d.attempt(ctx, c, kind, args, deadline)

	if errors.Is(err, command.ErrConnectionLost) && retry && kind.Idempotent() {
		if next, rerr := d.reconnect(ctx, endpoint, deadline); rerr == nil {
			metrics.CommandRetries.WithLabelValues(kind.String()).Inc()
			slog.Info("Retrying command after lost connection", "endpoint", endpoint.String(), "kind", kind.String(), "previous_request_id", requestID)
			requestID, result, err = d.attempt(ctx, next, kind, args, deadline)
		} else {
			slog.Warn("Retry reconnect failed", "endpoint", endpoint.String(), "kind", kind.String(), "error", rerr)
		}
	}
	return result, err
}

func (d *Dispatcher) attempt(ctx context.Context, c *conn.Connection, kind command.Kind, args command.Args, deadline time.Time) (uint32, *command.Result, error) {
	req := c.NewRequest(kind, args)

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	sendCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()
	p, err := c.Send(sendCtx, req)
	if err != nil {
		if errors.Is(err, command.ErrCancelled) && ctx.Err() == nil {
			return req.ID, timedOut(req), command.ErrTimedOut
		}
		return req.ID, nil, err
	}

	select {
	case <-p.Done():
		res, err := p.Wait(context.Background())
		return req.ID, res, err
	case <-timer.C:
		c.Forget(req.ID)
		return req.ID, timedOut(req), command.ErrTimedOut
	case <-ctx.Done():
		c.Forget(req.ID)
		return req.ID, nil, fmt.Errorf("%w: %v", command.ErrCancelled, ctx.Err())
	}
}

func (d *Dispatcher) reconnect(ctx context.Context, endpoint command.Endpoint, deadline time.Time) (*conn.Connection, error) {
	d.mu.Lock()
	creds, ok := d.creds[endpoint]
	d.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: no credentials remembered for %s", command.ErrNotConnected, endpoint)
	}
	connectCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()
	return d.conns.Connect(connectCtx, endpoint, creds)
}

func timedOut(req command.Request) *command.Result {
	return &command.Result{
		RequestID:   req.ID,
		Kind:        req.Kind,
		Status:      command.StatusTimedOut,
		CompletedAt: time.Now().UTC(),
	}
}

// finish records the outcome in metrics and the audit trail.
func (d *Dispatcher) finish(endpoint command.Endpoint, kind command.Kind, requestID uint32, result *command.Result, err error, elapsed time.Duration) {
	entry := audit.Entry{
		RequestID: requestID,
		Endpoint:  endpoint.String(),
		Kind:      kind,
		Timestamp: time.Now().UTC(),
	}

	var outcome string
	switch {
	case result != nil && result.Status == command.StatusTimedOut:
		entry.Status = command.StatusTimedOut
		entry.Reason = command.Tag(err)
		outcome = "timed_out"
	case err != nil:
		entry.Status = command.StatusFailed
		entry.Reason = err.Error()
		outcome = command.Tag(err)
	case result.Status == command.StatusFailed && result.Error != nil:
		entry.Status = command.StatusFailed
		entry.Reason = result.Error.Error()
		outcome = result.Error.Code.String()
	default:
		entry.Status = result.Status
		outcome = result.Status.String()
	}

	metrics.CommandsTotal.WithLabelValues(kind.String(), outcome).Inc()
	metrics.CommandDuration.WithLabelValues(kind.String()).Observe(elapsed.Seconds())

	if err != nil {
		slog.Warn("Command failed", "endpoint", entry.Endpoint, "kind", kind.String(), "request_id", requestID, "outcome", outcome, "error", err)
	} else {
		slog.Info("Command completed", "endpoint", entry.Endpoint, "kind", kind.String(), "request_id", requestID, "outcome", outcome, "duration", elapsed)
	}

	d.record(entry)
}

// Reject records a command refused before it could be dispatched, such as a
// request naming an unknown kind or an endpoint that does not parse. target
// is whatever the caller asked for, possibly empty.
func (d *Dispatcher) Reject(target string, kind command.Kind, err error) {
	metrics.CommandsTotal.WithLabelValues(kind.String(), command.Tag(err)).Inc()
	slog.Warn("Command rejected", "endpoint", target, "kind", kind.String(), "error", err)
	d.record(audit.Entry{
		Endpoint:  target,
		Kind:      kind,
		Status:    command.StatusFailed,
		Reason:    err.Error(),
		Timestamp: time.Now().UTC(),
	})
}

func (d *Dispatcher) record(entry audit.Entry) {
	if d.recorder != nil {
		d.recorder.Record(entry)
	}
}
