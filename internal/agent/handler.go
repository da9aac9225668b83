package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/EternisAI/remote-control/internal/command"
	"github.com/EternisAI/remote-control/internal/metrics"
	"github.com/EternisAI/remote-control/internal/protocol"
)

// ConnState is the lifecycle of one inbound connection.
type ConnState int

const (
	ConnListening ConnState = iota
	ConnHandshaking
	ConnAuthenticated
	ConnServing
	ConnClosed
)

func (s ConnState) String() string {
	switch s {
	case ConnListening:
		return "listening"
	case ConnHandshaking:
		return "handshaking"
	case ConnAuthenticated:
		return "authenticated"
	case ConnServing:
		return "serving"
	case ConnClosed:
		return "closed"
	default:
		return "unknown"
	}
}

var errRejected = errors.New("handshake rejected")

type inbound struct {
	nc     net.Conn
	remote string
	state  ConnState
}

func (in *inbound) transition(next ConnState) {
	slog.Debug("Connection state changed", "remote", in.remote, "from", in.state.String(), "to", next.String())
	in.state = next
}

func (s *Server) handleConn(nc net.Conn) {
	in := &inbound{nc: nc, remote: nc.RemoteAddr().String(), state: ConnListening}
	defer func() {
		nc.Close()
		in.transition(ConnClosed)
	}()

	host, _, err := net.SplitHostPort(in.remote)
	if err != nil {
		host = in.remote
	}
	if !s.limiter.Allow(host) {
		recordHandshake("rate_limited")
		slog.Warn("Handshake rate limit exceeded", "remote", in.remote)
		return
	}

	in.transition(ConnHandshaking)
	_ = nc.SetDeadline(time.Now().Add(s.opts.HandshakeTimeout))

	reader := protocol.NewReader(nc)
	clientID, err := s.handshake(nc, reader, in.remote)
	if err != nil {
		recordHandshake("rejected")
		slog.Warn("Handshake rejected", "remote", in.remote, "reason", err)
		return
	}
	_ = nc.SetDeadline(time.Time{})

	in.transition(ConnAuthenticated)
	recordHandshake("accepted")

	sess := s.sessions.Register(s.ctx, clientID, in.remote)
	defer s.sessions.Deregister(sess.ID)

	if err := protocol.WriteMessage(nc, &protocol.AuthOK{SessionID: sess.ID, AgentName: s.opts.Name}); err != nil {
		slog.Error("Failed to send auth ok", "session_id", sess.ID, "error", err)
		return
	}

	in.transition(ConnServing)
	if err := s.serve(sess, nc, reader); err != nil {
		slog.Warn("Closing session", "session_id", sess.ID, "client_id", sess.ClientID, "reason", err)
	} else {
		slog.Info("Session ended", "session_id", sess.ID, "client_id", sess.ClientID)
	}
}

// handshake issues a challenge and verifies the answer. Failures carry a
// reason for the log only; the peer sees the socket close and nothing else.
func (s *Server) handshake(nc net.Conn, reader *protocol.Reader, remote string) (string, error) {
	challenge, err := s.nonces.Issue(remote)
	if err != nil {
		return "", err
	}
	defer s.nonces.Discard(challenge.Nonce)

	hello := &protocol.Hello{Nonce: challenge.Nonce, AgentName: s.opts.Name, ServerTime: time.Now().UTC()}
	if err := protocol.WriteMessage(nc, hello); err != nil {
		return "", fmt.Errorf("send hello: %w", err)
	}

	msg, err := reader.ReadMessage()
	if err != nil {
		return "", fmt.Errorf("read auth: %w", err)
	}
	authMsg, ok := msg.(*protocol.Auth)
	if !ok {
		return "", fmt.Errorf("%w: expected auth, got %s", errRejected, msg.Type())
	}

	claims, err := s.verifier.Verify(authMsg.Token, challenge.Nonce)
	if err != nil {
		return "", fmt.Errorf("%w: %v", errRejected, err)
	}
	if claims.Subject != authMsg.ClientID {
		return "", fmt.Errorf("%w: client id does not match token subject", errRejected)
	}
	return authMsg.ClientID, nil
}

// serve runs the session until the peer leaves, sends something it should
// not, or the session is cancelled.
func (s *Server) serve(sess *Session, nc net.Conn, reader *protocol.Reader) error {
	done := make(chan struct{})
	errChan := make(chan error, 2)
	var inflight sync.WaitGroup

	go s.receiveLoop(sess, reader, &inflight, errChan)
	go s.sendLoop(sess, nc, done, errChan)

	var err error
	select {
	case err = <-errChan:
	case <-sess.ctx.Done():
		err = sess.ctx.Err()
	}
	close(done)
	nc.Close()
	sess.cancel()
	inflight.Wait()

	if errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) || errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func (s *Server) receiveLoop(sess *Session, reader *protocol.Reader, inflight *sync.WaitGroup, errChan chan<- error) {
	for {
		msg, err := reader.ReadMessage()
		if err != nil {
			errChan <- err
			return
		}
		s.sessions.UpdateLastSeen(sess.ID)

		switch m := msg.(type) {
		case *protocol.Heartbeat:
			if err := s.sessions.Send(sess.ID, &protocol.HeartbeatAck{Seq: m.Seq}); err != nil {
				errChan <- err
				return
			}
		case *protocol.HeartbeatAck:
		case *protocol.CommandRequest:
			req := m.Request
			slog.Debug("Request received", "session_id", sess.ID, "request_id", req.ID, "kind", req.Kind.String())
			inflight.Add(1)
			go func() {
				defer inflight.Done()
				res := fitFrame(req, s.execute(sess.ctx, req))
				metrics.AgentCommands.WithLabelValues(req.Kind.String(), res.Status.String()).Inc()
				if err := s.sessions.Send(sess.ID, &protocol.CommandResult{Result: res}); err != nil {
					slog.Warn("Dropping result", "session_id", sess.ID, "request_id", req.ID, "error", err)
				}
			}()
		default:
			errChan <- fmt.Errorf("unexpected %s frame after handshake", msg.Type())
			return
		}
	}
}

func (s *Server) sendLoop(sess *Session, nc net.Conn, done <-chan struct{}, errChan chan<- error) {
	for {
		select {
		case <-done:
			return
		case msg := <-sess.SendCh:
			if err := protocol.WriteMessage(nc, msg); err != nil {
				if errors.Is(err, protocol.ErrFrameTooLarge) {
					// Nothing was written; the stream is still in sync.
					slog.Error("Dropping oversized message", "session_id", sess.ID, "type", msg.Type().String(), "error", err)
					continue
				}
				slog.Error("Error sending message", "session_id", sess.ID, "error", err)
				errChan <- err
				return
			}
		}
	}
}

// execute runs one command. It never panics and always yields a result for req.
func (s *Server) execute(ctx context.Context, req command.Request) (res command.Result) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Command panicked", "request_id", req.ID, "kind", req.Kind.String(), "panic", r, "stack", string(debug.Stack()))
			res = command.Failed(req, command.CodeExecutionFailed, fmt.Sprintf("internal error: %v", r))
		}
	}()

	if !s.allowed(req.Kind) {
		slog.Warn("Rejected command outside whitelist", "request_id", req.ID, "kind", req.Kind.String())
		return command.Failed(req, command.CodeUnknownCommand, fmt.Sprintf("command %s is not supported", req.Kind))
	}
	if err := req.Args.Validate(req.Kind); err != nil {
		return command.Failed(req, command.CodeInvalidArgument, err.Error())
	}

	res = command.Result{RequestID: req.ID, Kind: req.Kind, Status: command.StatusOk}
	var err error
	switch req.Kind {
	case command.KindOpenApp:
		res.Launch, err = s.executor.OpenApp(ctx, req.Args.App, req.Args.AppArgs)
	case command.KindListDirectory:
		res.Listing, err = s.executor.ListDirectory(ctx, req.Args.Path)
	case command.KindShutdown:
		res.Shutdown, err = s.executor.ScheduleShutdown(ctx, req.Args.DelaySeconds)
	}
	if err != nil {
		var detail *command.ErrorDetail
		if errors.As(err, &detail) {
			return command.Failed(req, detail.Code, detail.Message)
		}
		slog.Warn("Command failed", "request_id", req.ID, "kind", req.Kind.String(), "error", err)
		return command.Failed(req, command.CodeExecutionFailed, err.Error())
	}

	res.CompletedAt = time.Now().UTC()
	slog.Info("Command executed", "request_id", req.ID, "kind", req.Kind.String())
	return res
}

// fitFrame keeps res within a single frame. An oversized listing is cut to the
// longest prefix that fits and marked truncated; any other oversized result
// becomes a failure for that request alone.
func fitFrame(req command.Request, res command.Result) command.Result {
	if resultFits(res) {
		return res
	}

	if res.Listing != nil {
		listing := *res.Listing
		entries := listing.Entries
		n := sort.Search(len(entries)+1, func(n int) bool {
			listing.Entries = entries[:n]
			return !resultFits(command.Result{RequestID: res.RequestID, Kind: res.Kind, Status: res.Status, CompletedAt: res.CompletedAt, Listing: &listing})
		}) - 1
		if n >= 0 {
			listing.Entries = entries[:n]
			if n == 0 {
				listing.Entries = nil
			}
			listing.Truncated = true
			res.Listing = &listing
			slog.Warn("Listing cut to fit frame", "request_id", req.ID, "entries", len(entries), "sent", n)
			return res
		}
	}

	slog.Warn("Result exceeds frame limit", "request_id", req.ID, "kind", req.Kind.String())
	return command.Failed(req, command.CodeExecutionFailed, "result exceeds frame limit")
}

func resultFits(res command.Result) bool {
	_, err := protocol.Encode(&protocol.CommandResult{Result: res})
	return !errors.Is(err, protocol.ErrFrameTooLarge)
}
