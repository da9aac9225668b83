package audit

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/EternisAI/remote-control/internal/command"
)

// Entry records one issued command and how it ended. Entries are never
// mutated once recorded.
type Entry struct {
	ID        uuid.UUID      `json:"id"`
	RequestID uint32         `json:"request_id"`
	Endpoint  string         `json:"endpoint"`
	Kind      command.Kind   `json:"kind"`
	Status    command.Status `json:"status"`
	Reason    string         `json:"reason,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Store persists entries. Implementations must be safe for concurrent use.
type Store interface {
	Append(ctx context.Context, e Entry) error
	// List returns up to limit entries, most recent first.
	List(ctx context.Context, limit int) ([]Entry, error)
	Close() error
}

// Publisher mirrors entries to an external sink.
type Publisher interface {
	Publish(ctx context.Context, e Entry) error
	Close() error
}
