package conn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/EternisAI/remote-control/internal/command"
	"github.com/EternisAI/remote-control/internal/protocol"
)

const (
	sendChannelBuffer = 64
	writeTimeout      = 10 * time.Second
	missedAckLimit    = 2
)

// Connection is one authenticated channel to an agent. A single goroutine
// writes frames; a single goroutine reads them and resolves pending requests
// by request id.
type Connection struct {
	endpoint  command.Endpoint
	sessionID string
	agentName string
	conn      net.Conn
	reader    *protocol.Reader

	sendCh chan protocol.Message
	done   chan struct{}

	heartbeatInterval time.Duration
	onClose           func(*Connection)

	mu           sync.Mutex
	state        State
	pending      map[uint32]*Pending
	nextID       uint32
	connectedAt  time.Time
	lastActivity time.Time
	lastReceived time.Time
	closeErr     error
	ackSeq       uint32
	awaitingAck  uint32
	missedAcks   int
}

// Info is a point-in-time view of a connection.
type Info struct {
	Endpoint     command.Endpoint `json:"endpoint"`
	State        State            `json:"state"`
	SessionID    string           `json:"session_id"`
	AgentName    string           `json:"agent_name"`
	ConnectedAt  time.Time        `json:"connected_at"`
	LastActivity time.Time        `json:"last_activity"`
	Pending      int              `json:"pending"`
}

func newConnection(endpoint command.Endpoint, nc net.Conn, reader *protocol.Reader, ok *protocol.AuthOK, heartbeat time.Duration) *Connection {
	now := time.Now()
	return &Connection{
		endpoint:          endpoint,
		sessionID:         ok.SessionID,
		agentName:         ok.AgentName,
		conn:              nc,
		reader:            reader,
		sendCh:            make(chan protocol.Message, sendChannelBuffer),
		done:              make(chan struct{}),
		heartbeatInterval: heartbeat,
		state:             StateAuthenticated,
		pending:           make(map[uint32]*Pending),
		connectedAt:       now,
		lastActivity:      now,
		lastReceived:      now,
	}
}

func (c *Connection) start() {
	go c.sendLoop()
	go c.receiveLoop()
	if c.heartbeatInterval > 0 {
		go c.heartbeatLoop()
	}
}

func (c *Connection) Endpoint() command.Endpoint { return c.endpoint }

func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Done is closed once the connection has stopped serving requests.
func (c *Connection) Done() <-chan struct{} { return c.done }

// Err is the reason the connection stopped, nil while it is authenticated.
func (c *Connection) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeErr
}

func (c *Connection) Info() Info {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Info{
		Endpoint:     c.endpoint,
		State:        c.state,
		SessionID:    c.sessionID,
		AgentName:    c.agentName,
		ConnectedAt:  c.connectedAt,
		LastActivity: c.lastActivity,
		Pending:      len(c.pending),
	}
}

// NewRequest builds a request carrying an id not currently in flight on c.
func (c *Connection) NewRequest(kind command.Kind, args command.Args) command.Request {
	c.mu.Lock()
	defer c.mu.Unlock()

	for {
		c.nextID++
		if c.nextID == 0 {
			continue
		}
		if _, taken := c.pending[c.nextID]; !taken {
			break
		}
	}
	return command.Request{
		ID:       c.nextID,
		Kind:     kind,
		Args:     args.Compact(),
		IssuedAt: time.Now().UTC(),
	}
}

// Send queues req for the agent and returns the handle its result will
// arrive on. It fails with command.ErrNotConnected unless the connection is
// authenticated.
func (c *Connection) Send(ctx context.Context, req command.Request) (*Pending, error) {
	p := newPending(req)

	c.mu.Lock()
	if c.state != StateAuthenticated {
		c.mu.Unlock()
		return nil, command.ErrNotConnected
	}
	if _, taken := c.pending[req.ID]; taken {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: request id %d already in flight", command.ErrValidationFailed, req.ID)
	}
	c.pending[req.ID] = p
	c.lastActivity = time.Now()
	c.mu.Unlock()

	select {
	case c.sendCh <- &protocol.CommandRequest{Request: req}:
		slog.Debug("Request queued", "endpoint", c.endpoint.String(), "request_id", req.ID, "kind", req.Kind.String())
		return p, nil
	case <-c.done:
		c.Forget(req.ID)
		if err := c.Err(); err != nil {
			return nil, err
		}
		return nil, command.ErrConnectionLost
	case <-ctx.Done():
		c.Forget(req.ID)
		return nil, fmt.Errorf("%w: %v", command.ErrCancelled, ctx.Err())
	}
}

// Forget drops interest in id. A result arriving for it later is discarded.
func (c *Connection) Forget(id uint32) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.pending[id]; !ok {
		return false
	}
	delete(c.pending, id)
	return true
}

// Close shuts the connection down. Pending requests resolve with
// command.ErrCancelled. Calling Close again has no effect.
func (c *Connection) Close() {
	c.mu.Lock()
	if c.state == StateAuthenticated {
		c.state = StateClosing
	}
	c.mu.Unlock()
	c.fail(command.ErrCancelled)
}

// markLost is used when something outside the connection knows the link is
// gone, such as the network status collaborator.
func (c *Connection) markLost(reason string) {
	c.fail(fmt.Errorf("%w: %s", command.ErrConnectionLost, reason))
}

func (c *Connection) fail(err error) {
	c.mu.Lock()
	if c.state == StateDisconnected {
		c.mu.Unlock()
		return
	}
	c.state = StateDisconnected
	c.closeErr = err
	pending := c.pending
	c.pending = make(map[uint32]*Pending)
	c.mu.Unlock()

	close(c.done)
	c.conn.Close()

	for _, p := range pending {
		p.resolve(nil, err)
	}

	if errors.Is(err, command.ErrCancelled) {
		slog.Info("Connection closed", "endpoint", c.endpoint.String(), "failed_pending", len(pending))
	} else {
		slog.Warn("Connection lost", "endpoint", c.endpoint.String(), "error", err, "failed_pending", len(pending))
	}

	if c.onClose != nil {
		c.onClose(c)
	}
}

func (c *Connection) sendLoop() {
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.sendCh:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
				c.fail(fmt.Errorf("%w: %v", command.ErrConnectionLost, err))
				return
			}
			if err := protocol.WriteMessage(c.conn, msg); err != nil {
				c.fail(fmt.Errorf("%w: write: %v", command.ErrConnectionLost, err))
				return
			}
		}
	}
}

func (c *Connection) receiveLoop() {
	for {
		msg, err := c.reader.ReadMessage()
		if err != nil {
			if errors.Is(err, io.EOF) {
				c.fail(fmt.Errorf("%w: agent closed the connection", command.ErrConnectionLost))
			} else {
				c.fail(fmt.Errorf("%w: %v", command.ErrConnectionLost, err))
			}
			return
		}

		c.mu.Lock()
		c.lastReceived = time.Now()
		c.mu.Unlock()

		switch m := msg.(type) {
		case *protocol.CommandResult:
			c.deliver(m.Result)
		case *protocol.HeartbeatAck:
			c.ack(m.Seq)
		case *protocol.Heartbeat:
			c.enqueue(&protocol.HeartbeatAck{Seq: m.Seq})
		default:
			c.fail(fmt.Errorf("%w: unexpected %s frame", command.ErrConnectionLost, msg.Type()))
			return
		}
	}
}

func (c *Connection) deliver(result command.Result) {
	c.mu.Lock()
	p, ok := c.pending[result.RequestID]
	if ok {
		delete(c.pending, result.RequestID)
		c.lastActivity = time.Now()
	}
	c.mu.Unlock()

	if !ok {
		slog.Debug("Discarding result for unknown request", "endpoint", c.endpoint.String(), "request_id", result.RequestID)
		return
	}
	p.resolve(&result, nil)
}

func (c *Connection) ack(seq uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if seq == c.awaitingAck {
		c.awaitingAck = 0
		c.missedAcks = 0
	}
}

func (c *Connection) enqueue(msg protocol.Message) {
	select {
	case c.sendCh <- msg:
	case <-c.done:
	}
}

// heartbeatLoop pings the agent after an interval without inbound frames.
// Two consecutive unanswered heartbeats mean the link is gone.
func (c *Connection) heartbeatLoop() {
	ticker := time.NewTicker(c.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
		}

		c.mu.Lock()
		if c.awaitingAck != 0 {
			c.missedAcks++
			if c.missedAcks >= missedAckLimit {
				missed := c.missedAcks
				c.mu.Unlock()
				c.fail(fmt.Errorf("%w: %d heartbeats unanswered", command.ErrConnectionLost, missed))
				return
			}
		} else if time.Since(c.lastReceived) < c.heartbeatInterval {
			c.mu.Unlock()
			continue
		}
		c.ackSeq++
		if c.ackSeq == 0 {
			c.ackSeq = 1
		}
		seq := c.ackSeq
		c.awaitingAck = seq
		c.mu.Unlock()

		slog.Debug("Heartbeat sent", "endpoint", c.endpoint.String(), "seq", seq)
		select {
		case c.sendCh <- &protocol.Heartbeat{Seq: seq}:
		case <-c.done:
			return
		default:
			slog.Warn("Send queue full, heartbeat skipped", "endpoint", c.endpoint.String())
		}
	}
}

func (c *Connection) idleFor(now time.Time) (time.Duration, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return now.Sub(c.lastActivity), len(c.pending)
}
