package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

var (
	ErrNonceNotFound = errors.New("nonce not found")
	ErrNonceExpired  = errors.New("nonce has expired")
	ErrNonceUsed     = errors.New("nonce has already been used")
)

type Challenge struct {
	Nonce     string
	Remote    string
	CreatedAt time.Time
	ExpiresAt time.Time
	Used      bool
}

// NonceStore hands out single-use handshake challenges.
type NonceStore struct {
	mu         sync.RWMutex
	challenges map[string]*Challenge
	ttl        time.Duration
}

func NewNonceStore(ttl time.Duration) *NonceStore {
	return &NonceStore{
		challenges: make(map[string]*Challenge),
		ttl:        ttl,
	}
}

func (ns *NonceStore) Issue(remote string) (*Challenge, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	now := time.Now()
	c := &Challenge{
		Nonce:     hex.EncodeToString(b),
		Remote:    remote,
		CreatedAt: now,
		ExpiresAt: now.Add(ns.ttl),
	}

	ns.mu.Lock()
	ns.challenges[c.Nonce] = c
	ns.mu.Unlock()

	slog.Debug("Handshake challenge issued", "remote", remote, "expires_at", c.ExpiresAt)
	return c, nil
}

// Redeem validates nonce and marks it used in one step.
func (ns *NonceStore) Redeem(nonce string) error {
	ns.mu.Lock()
	defer ns.mu.Unlock()

	c, exists := ns.challenges[nonce]
	if !exists {
		return ErrNonceNotFound
	}
	if c.Used {
		return ErrNonceUsed
	}
	if time.Now().After(c.ExpiresAt) {
		return ErrNonceExpired
	}
	c.Used = true
	return nil
}

// Discard forgets a challenge whose connection went away.
func (ns *NonceStore) Discard(nonce string) {
	ns.mu.Lock()
	delete(ns.challenges, nonce)
	ns.mu.Unlock()
}

// Outstanding counts challenges that can still be redeemed.
func (ns *NonceStore) Outstanding() int {
	ns.mu.RLock()
	defer ns.mu.RUnlock()

	now := time.Now()
	count := 0
	for _, c := range ns.challenges {
		if !c.Used && !now.After(c.ExpiresAt) {
			count++
		}
	}
	return count
}

func (ns *NonceStore) StartCleanup(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ns.cleanup()
		}
	}
}

func (ns *NonceStore) cleanup() {
	ns.mu.Lock()
	defer ns.mu.Unlock()

	now := time.Now()
	removed := 0
	for nonce, c := range ns.challenges {
		if c.Used || now.After(c.ExpiresAt) {
			delete(ns.challenges, nonce)
			removed++
		}
	}
	if removed > 0 {
		slog.Debug("Cleaned up handshake challenges", "removed", removed)
	}
}
