package agent

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/EternisAI/remote-control/internal/auth"
	"github.com/EternisAI/remote-control/internal/command"
	"github.com/EternisAI/remote-control/internal/metrics"
)

const (
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultStaleTimeout     = 2 * time.Minute
)

type Options struct {
	// Name is announced in the challenge. Tokens must be addressed to Name
	// or one of Aliases.
	Name    string
	Aliases []string
	Secret  []byte

	HandshakeTimeout time.Duration
	// HandshakeRate limits handshakes per remote IP. Zero disables limiting.
	HandshakeRate  rate.Limit
	HandshakeBurst int
	StaleTimeout   time.Duration

	// AllowedKinds is the command whitelist. Empty allows every known kind.
	AllowedKinds []command.Kind
	Executor     Executor
	TLS          *tls.Config
}

// Server accepts controller connections and executes their commands.
type Server struct {
	opts     Options
	sessions *SessionRegistry
	nonces   *auth.NonceStore
	verifier *auth.Verifier
	limiter  *ipLimiter
	executor Executor

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	closing  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewServer(opts Options) (*Server, error) {
	if len(opts.Secret) == 0 {
		return nil, auth.ErrNoSecret
	}
	if opts.Executor == nil {
		return nil, errors.New("executor is required")
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if opts.StaleTimeout == 0 {
		opts.StaleTimeout = DefaultStaleTimeout
	}
	limit := opts.HandshakeRate
	if limit <= 0 {
		limit = rate.Inf
	}
	burst := opts.HandshakeBurst
	if burst <= 0 {
		burst = 5
	}

	nonces := auth.NewNonceStore(opts.HandshakeTimeout)
	audiences := append([]string{opts.Name}, opts.Aliases...)
	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		opts:     opts,
		sessions: NewSessionRegistry(opts.StaleTimeout),
		nonces:   nonces,
		verifier: auth.NewVerifier(opts.Secret, audiences, nonces),
		limiter:  newIPLimiter(limit, burst),
		executor: opts.Executor,
		conns:    make(map[net.Conn]struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Listen binds addr and serves until Shutdown. It blocks.
func (s *Server) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until Shutdown. It returns nil after a
// clean shutdown.
func (s *Server) Serve(ln net.Listener) error {
	if s.opts.TLS != nil {
		ln = tls.NewListener(ln, s.opts.TLS)
	}

	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		ln.Close()
		return nil
	}
	s.listener = ln
	s.mu.Unlock()

	go s.nonces.StartCleanup(s.ctx, time.Minute)
	go s.pruneLimiter()

	slog.Info("Agent listening", "address", ln.Addr().String(), "name", s.opts.Name, "tls", s.opts.TLS != nil)

	for {
		nc, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			closing := s.closing
			s.mu.Unlock()
			if closing {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				slog.Warn("Temporary accept error", "error", err)
				time.Sleep(50 * time.Millisecond)
				continue
			}
			return fmt.Errorf("accept failed: %w", err)
		}

		if !s.track(nc) {
			nc.Close()
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.untrack(nc)
			s.handleConn(nc)
		}()
	}
}

// Addr returns the listening address once Serve has started.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) Sessions() []SessionInfo {
	return s.sessions.List()
}

// Shutdown stops accepting, closes every connection and waits for handlers
// to return or ctx to end.
func (s *Server) Shutdown(ctx context.Context) error {
	slog.Info("Stopping agent server")

	s.mu.Lock()
	s.closing = true
	if s.listener != nil {
		s.listener.Close()
	}
	for nc := range s.conns {
		nc.Close()
	}
	s.mu.Unlock()

	s.cancel()
	s.sessions.Stop()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("Agent server stopped")
		return nil
	case <-ctx.Done():
		slog.Warn("Agent server stop timeout")
		return ctx.Err()
	}
}

func (s *Server) track(nc net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.conns[nc] = struct{}{}
	return true
}

func (s *Server) untrack(nc net.Conn) {
	s.mu.Lock()
	delete(s.conns, nc)
	s.mu.Unlock()
}

func (s *Server) pruneLimiter() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case now := <-ticker.C:
			s.limiter.prune(now)
		}
	}
}

func (s *Server) allowed(kind command.Kind) bool {
	if !kind.Valid() {
		return false
	}
	return len(s.opts.AllowedKinds) == 0 || slices.Contains(s.opts.AllowedKinds, kind)
}

func recordHandshake(result string) {
	metrics.AgentHandshakes.WithLabelValues(result).Inc()
}
