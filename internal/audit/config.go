package audit

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/EternisAI/remote-control/internal/db"
)

const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

type Config struct {
	Backend     string    `mapstructure:"backend"`
	Buffer      int       `mapstructure:"buffer"`
	Capacity    int       `mapstructure:"capacity"`
	DB          db.Config `mapstructure:",squash"`
	SQLitePath  string    `mapstructure:"sqlite_path"`
	NATSURL     string    `mapstructure:"nats_url"`
	NATSSubject string    `mapstructure:"nats_subject"`
}

// Open builds the store named by cfg.Backend and starts a Log on it. The
// NATS publisher is attached only when a URL is configured.
func Open(ctx context.Context, cfg Config) (*Log, error) {
	store, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	var publishers []Publisher
	if cfg.NATSURL != "" {
		pub, err := NewNATSPublisher(NATSConfig{
			URL:            cfg.NATSURL,
			Subject:        cfg.NATSSubject,
			ConnectTimeout: 5 * time.Second,
		})
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		publishers = append(publishers, pub)
		slog.Info("Audit entries mirrored to NATS", "url", cfg.NATSURL, "subject", pub.subject)
	}

	return NewLog(store, Options{Buffer: cfg.Buffer, Publishers: publishers}), nil
}

func openStore(ctx context.Context, cfg Config) (Store, error) {
	switch strings.ToLower(cfg.Backend) {
	case "", BackendMemory:
		capacity := cfg.Capacity
		if capacity <= 0 {
			capacity = DefaultCapacity
		}
		slog.Info("Using in-memory audit store", "capacity", capacity)
		return NewMemoryStore(capacity), nil
	case BackendSQLite:
		if cfg.SQLitePath == "" {
			return nil, fmt.Errorf("audit.sqlite_path is required for the sqlite backend")
		}
		slog.Info("Using SQLite audit store", "path", cfg.SQLitePath)
		return OpenSQLiteStore(cfg.SQLitePath)
	case BackendPostgres:
		if cfg.DB.Url == "" {
			return nil, fmt.Errorf("audit.database_url is required for the postgres backend")
		}
		slog.Info("Using Postgres audit store", "schema", cfg.DB.Schema)
		return OpenPostgresStore(ctx, cfg.DB.Url, cfg.DB.Schema)
	default:
		return nil, fmt.Errorf("unknown audit backend %q", cfg.Backend)
	}
}
