package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/EternisAI/remote-control/internal/metrics"
	"github.com/EternisAI/remote-control/internal/protocol"
)

const (
	sendChannelBuffer = 100
	sendTimeout       = 5 * time.Second
	cleanupInterval   = 30 * time.Second
)

// Session is an authenticated controller connection.
type Session struct {
	ID          string
	ClientID    string
	Remote      string
	SendCh      chan protocol.Message
	ConnectedAt time.Time
	LastSeen    time.Time
	ctx         context.Context
	cancel      context.CancelFunc
}

type SessionInfo struct {
	ID          string    `json:"id"`
	ClientID    string    `json:"client_id"`
	Remote      string    `json:"remote"`
	ConnectedAt time.Time `json:"connected_at"`
	LastSeen    time.Time `json:"last_seen"`
}

// SessionRegistry tracks live sessions and evicts the ones that go quiet.
type SessionRegistry struct {
	sessions     map[string]*Session
	mu           sync.RWMutex
	stopCh       chan struct{}
	stopOnce     sync.Once
	staleTimeout time.Duration
}

func NewSessionRegistry(staleTimeout time.Duration) *SessionRegistry {
	sr := &SessionRegistry{
		sessions:     make(map[string]*Session),
		stopCh:       make(chan struct{}),
		staleTimeout: staleTimeout,
	}
	if staleTimeout > 0 {
		go sr.cleanupStaleSessions()
	}
	return sr
}

func (sr *SessionRegistry) Register(parent context.Context, clientID, remote string) *Session {
	ctx, cancel := context.WithCancel(parent)
	now := time.Now()
	sess := &Session{
		ID:          uuid.New().String(),
		ClientID:    clientID,
		Remote:      remote,
		SendCh:      make(chan protocol.Message, sendChannelBuffer),
		ConnectedAt: now,
		LastSeen:    now,
		ctx:         ctx,
		cancel:      cancel,
	}

	sr.mu.Lock()
	sr.sessions[sess.ID] = sess
	total := len(sr.sessions)
	sr.mu.Unlock()

	metrics.AgentSessions.Inc()
	slog.Info("Session registered", "session_id", sess.ID, "client_id", clientID, "remote", remote, "total_sessions", total)
	return sess
}

func (sr *SessionRegistry) Deregister(sessionID string) {
	sr.mu.Lock()
	sess, ok := sr.sessions[sessionID]
	if ok {
		delete(sr.sessions, sessionID)
	}
	total := len(sr.sessions)
	sr.mu.Unlock()

	if !ok {
		return
	}
	sess.cancel()
	metrics.AgentSessions.Dec()
	slog.Info("Session deregistered", "session_id", sessionID, "client_id", sess.ClientID, "total_sessions", total)
}

// Send queues msg on the session's single writer.
func (sr *SessionRegistry) Send(sessionID string, msg protocol.Message) error {
	sr.mu.RLock()
	sess, ok := sr.sessions[sessionID]
	sr.mu.RUnlock()

	if !ok {
		return fmt.Errorf("session not found: %s", sessionID)
	}

	timer := time.NewTimer(sendTimeout)
	defer timer.Stop()

	select {
	case sess.SendCh <- msg:
		return nil
	case <-timer.C:
		return fmt.Errorf("timeout queueing %s for session %s", msg.Type(), sessionID)
	case <-sess.ctx.Done():
		return fmt.Errorf("session closed: %s", sessionID)
	}
}

func (sr *SessionRegistry) UpdateLastSeen(sessionID string) {
	sr.mu.Lock()
	if sess, ok := sr.sessions[sessionID]; ok {
		sess.LastSeen = time.Now()
	}
	sr.mu.Unlock()
}

func (sr *SessionRegistry) Get(sessionID string) (*Session, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()
	sess, ok := sr.sessions[sessionID]
	return sess, ok
}

func (sr *SessionRegistry) List() []SessionInfo {
	sr.mu.RLock()
	infos := make([]SessionInfo, 0, len(sr.sessions))
	for _, sess := range sr.sessions {
		infos = append(infos, SessionInfo{
			ID:          sess.ID,
			ClientID:    sess.ClientID,
			Remote:      sess.Remote,
			ConnectedAt: sess.ConnectedAt,
			LastSeen:    sess.LastSeen,
		})
	}
	sr.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool { return infos[i].ConnectedAt.Before(infos[j].ConnectedAt) })
	return infos
}

// Stop ends every session and the cleanup loop.
func (sr *SessionRegistry) Stop() {
	sr.stopOnce.Do(func() { close(sr.stopCh) })

	sr.mu.Lock()
	sessions := sr.sessions
	sr.sessions = make(map[string]*Session)
	sr.mu.Unlock()

	for _, sess := range sessions {
		sess.cancel()
		metrics.AgentSessions.Dec()
	}
}

func (sr *SessionRegistry) cleanupStaleSessions() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			sr.removeStaleSessions(time.Now())
		case <-sr.stopCh:
			return
		}
	}
}

func (sr *SessionRegistry) removeStaleSessions(now time.Time) {
	sr.mu.Lock()
	var stale []*Session
	for id, sess := range sr.sessions {
		if now.Sub(sess.LastSeen) > sr.staleTimeout {
			stale = append(stale, sess)
			delete(sr.sessions, id)
		}
	}
	sr.mu.Unlock()

	for _, sess := range stale {
		slog.Warn("Removing stale session", "session_id", sess.ID, "client_id", sess.ClientID, "last_seen", sess.LastSeen)
		sess.cancel()
		metrics.AgentSessions.Dec()
	}
}
