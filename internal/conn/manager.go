package conn

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/EternisAI/remote-control/internal/auth"
	"github.com/EternisAI/remote-control/internal/command"
	"github.com/EternisAI/remote-control/internal/metrics"
	"github.com/EternisAI/remote-control/internal/protocol"
)

const (
	DefaultConnectTimeout    = 5 * time.Second
	DefaultHeartbeatInterval = 15 * time.Second
	DefaultIdleTimeout       = 10 * time.Minute
	DefaultNetworkPoll       = time.Second
)

type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

type Options struct {
	ConnectTimeout    time.Duration
	HeartbeatInterval time.Duration
	// IdleTimeout closes connections without command traffic. Zero disables it.
	IdleTimeout  time.Duration
	NetworkPoll  time.Duration
	Network      NetworkStatus
	TLS          *tls.Config
	Dial         DialFunc
	CleanupEvery time.Duration
}

func (o *Options) withDefaults() {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if o.NetworkPoll <= 0 {
		o.NetworkPoll = DefaultNetworkPoll
	}
	if o.Network == nil {
		o.Network = AlwaysAvailable
	}
	if o.Dial == nil {
		d := &net.Dialer{KeepAlive: 30 * time.Second}
		o.Dial = d.DialContext
	}
	if o.CleanupEvery <= 0 {
		o.CleanupEvery = 30 * time.Second
	}
}

// Manager owns at most one connection per endpoint. It never reconnects on
// its own; lost connections are removed and callers decide what to do.
type Manager struct {
	opts Options

	mu          sync.RWMutex
	connections map[string]*Connection
	group       singleflight.Group

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewManager(opts Options) *Manager {
	opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		opts:        opts,
		connections: make(map[string]*Connection),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Start runs the idle cleanup and network watch loops until Stop.
func (m *Manager) Start() {
	m.wg.Add(2)
	go func() {
		defer m.wg.Done()
		m.cleanupIdleConnections()
	}()
	go func() {
		defer m.wg.Done()
		m.watchNetwork()
	}()
}

func (m *Manager) Stop() {
	slog.Info("Stopping connection manager")
	m.cancel()

	m.mu.RLock()
	conns := make([]*Connection, 0, len(m.connections))
	for _, c := range m.connections {
		conns = append(conns, c)
	}
	m.mu.RUnlock()

	for _, c := range conns {
		c.Close()
	}
	m.wg.Wait()
	slog.Info("Connection manager stopped")
}

// Connect returns the authenticated connection to endpoint, establishing it
// first if needed. Concurrent calls for one endpoint share a single attempt.
func (m *Manager) Connect(ctx context.Context, endpoint command.Endpoint, creds auth.Credentials) (*Connection, error) {
	if c, ok := m.Get(endpoint); ok {
		return c, nil
	}
	if !m.opts.Network.IsNetworkAvailable() {
		metrics.ConnectAttempts.WithLabelValues("connect_refused").Inc()
		return nil, fmt.Errorf("%w: network unavailable", command.ErrConnectRefused)
	}

	key := endpoint.String()
	ch := m.group.DoChan(key, func() (interface{}, error) {
		attemptCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.opts.ConnectTimeout)
		defer cancel()
		return m.establish(attemptCtx, endpoint, creds)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			metrics.ConnectAttempts.WithLabelValues(command.Tag(res.Err)).Inc()
			return nil, res.Err
		}
		metrics.ConnectAttempts.WithLabelValues("ok").Inc()
		return res.Val.(*Connection), nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", command.ErrConnectTimeout, ctx.Err())
	}
}

func (m *Manager) establish(ctx context.Context, endpoint command.Endpoint, creds auth.Credentials) (*Connection, error) {
	if c, ok := m.Get(endpoint); ok {
		return c, nil
	}

	addr := endpoint.String()
	slog.Info("Connecting to agent", "endpoint", addr)

	nc, err := m.opts.Dial(ctx, "tcp", addr)
	if err != nil {
		return nil, classifyDialError(err)
	}

	if m.opts.TLS != nil {
		cfg := m.opts.TLS.Clone()
		if cfg.ServerName == "" {
			cfg.ServerName = endpoint.Host
		}
		tc := tls.Client(nc, cfg)
		if err := tc.HandshakeContext(ctx); err != nil {
			nc.Close()
			slog.Warn("TLS handshake failed", "endpoint", addr, "error", err)
			return nil, fmt.Errorf("%w: tls handshake", command.ErrAuthFailed)
		}
		nc = tc
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = nc.SetDeadline(deadline)
	}

	reader := protocol.NewReader(nc)
	ok, err := handshake(reader, nc, endpoint, creds)
	if err != nil {
		nc.Close()
		return nil, err
	}
	_ = nc.SetDeadline(time.Time{})

	c := newConnection(endpoint, nc, reader, ok, m.opts.HeartbeatInterval)
	c.onClose = m.remove

	m.mu.Lock()
	if old, exists := m.connections[addr]; exists && old.State() == StateAuthenticated {
		m.mu.Unlock()
		nc.Close()
		return old, nil
	} else if exists {
		metrics.ConnectionsOpen.Dec()
	}
	m.connections[addr] = c
	m.mu.Unlock()

	metrics.ConnectionsOpen.Inc()
	c.start()

	slog.Info("Connected to agent", "endpoint", addr, "agent_name", ok.AgentName, "session_id", ok.SessionID)
	return c, nil
}

// handshake answers the agent's challenge. Any rejection surfaces as
// command.ErrAuthFailed, whatever the agent disliked.
func handshake(reader *protocol.Reader, w io.Writer, endpoint command.Endpoint, creds auth.Credentials) (*protocol.AuthOK, error) {
	msg, err := reader.ReadMessage()
	if err != nil {
		return nil, classifyHandshakeError(err)
	}
	hello, ok := msg.(*protocol.Hello)
	if !ok {
		return nil, fmt.Errorf("%w: expected hello, got %s", command.ErrAuthFailed, msg.Type())
	}

	token, err := auth.IssueToken(creds.Secret, creds.ClientID, endpoint.Host, hello.Nonce, time.Now())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", command.ErrAuthFailed, err)
	}
	if err := protocol.WriteMessage(w, &protocol.Auth{ClientID: creds.ClientID, Token: token}); err != nil {
		return nil, classifyHandshakeError(err)
	}

	msg, err = reader.ReadMessage()
	if err != nil {
		return nil, classifyHandshakeError(err)
	}
	authOK, ok := msg.(*protocol.AuthOK)
	if !ok {
		return nil, fmt.Errorf("%w: expected auth ok, got %s", command.ErrAuthFailed, msg.Type())
	}
	return authOK, nil
}

func classifyDialError(err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("%w: %v", command.ErrConnectTimeout, err)
	}
	return fmt.Errorf("%w: %v", command.ErrConnectRefused, err)
}

func classifyHandshakeError(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: handshake: %v", command.ErrConnectTimeout, err)
	}
	return command.ErrAuthFailed
}

func (m *Manager) remove(c *Connection) {
	key := c.endpoint.String()
	m.mu.Lock()
	if m.connections[key] == c {
		delete(m.connections, key)
		metrics.ConnectionsOpen.Dec()
	}
	m.mu.Unlock()
}

// Get returns the authenticated connection to endpoint, if any.
func (m *Manager) Get(endpoint command.Endpoint) (*Connection, bool) {
	m.mu.RLock()
	c, ok := m.connections[endpoint.String()]
	m.mu.RUnlock()
	if !ok || c.State() != StateAuthenticated {
		return nil, false
	}
	return c, true
}

// Disconnect closes the connection to endpoint and reports whether one existed.
func (m *Manager) Disconnect(endpoint command.Endpoint) bool {
	m.mu.RLock()
	c, ok := m.connections[endpoint.String()]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	c.Close()
	return true
}

func (m *Manager) List() []Info {
	m.mu.RLock()
	infos := make([]Info, 0, len(m.connections))
	for _, c := range m.connections {
		infos = append(infos, c.Info())
	}
	m.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Endpoint.String() < infos[j].Endpoint.String()
	})
	return infos
}

func (m *Manager) NetworkAvailable() bool {
	return m.opts.Network.IsNetworkAvailable()
}

func (m *Manager) cleanupIdleConnections() {
	if m.opts.IdleTimeout <= 0 {
		return
	}
	ticker := time.NewTicker(m.opts.CleanupEvery)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.closeIdle(time.Now())
		}
	}
}

func (m *Manager) closeIdle(now time.Time) {
	m.mu.RLock()
	var idle []*Connection
	for _, c := range m.connections {
		if d, pending := c.idleFor(now); pending == 0 && d > m.opts.IdleTimeout {
			idle = append(idle, c)
		}
	}
	m.mu.RUnlock()

	for _, c := range idle {
		slog.Info("Closing idle connection", "endpoint", c.endpoint.String(), "idle_timeout", m.opts.IdleTimeout)
		c.Close()
	}
}

// watchNetwork polls the network status collaborator and drops every
// connection when the network goes away, instead of waiting for a write to fail.
func (m *Manager) watchNetwork() {
	ticker := time.NewTicker(m.opts.NetworkPoll)
	defer ticker.Stop()

	available := m.opts.Network.IsNetworkAvailable()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
		}

		now := m.opts.Network.IsNetworkAvailable()
		if now == available {
			continue
		}
		available = now
		if available {
			slog.Info("Network available")
			continue
		}

		slog.Warn("Network unavailable, dropping connections")
		m.mu.RLock()
		conns := make([]*Connection, 0, len(m.connections))
		for _, c := range m.connections {
			conns = append(conns, c)
		}
		m.mu.RUnlock()
		for _, c := range conns {
			c.markLost("network unavailable")
		}
	}
}
