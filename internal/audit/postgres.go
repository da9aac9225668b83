package audit

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/EternisAI/remote-control/internal/command"
	"github.com/EternisAI/remote-control/internal/db"
)

// PostgresStore keeps the audit trail in a shared Postgres database.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// OpenPostgresStore migrates schema and connects a pool to it.
func OpenPostgresStore(ctx context.Context, url, schema string) (*PostgresStore, error) {
	if err := db.RunMigrations(url, schema); err != nil {
		return nil, fmt.Errorf("failed to migrate audit schema: %w", err)
	}
	pool, err := db.InitDB(ctx, url, schema)
	if err != nil {
		return nil, err
	}
	return NewPostgresStore(pool), nil
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) Append(ctx context.Context, e Entry) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO audit_entries (id, request_id, endpoint, kind, status, reason, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.ID, int64(e.RequestID), e.Endpoint, int16(e.Kind), int16(e.Status), e.Reason, e.Timestamp)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

func (s *PostgresStore) List(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = DefaultCapacity
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, request_id, endpoint, kind, status, reason, created_at
		 FROM audit_entries ORDER BY seq DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit entries: %w", err)
	}

	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Entry, error) {
		var (
			e         Entry
			requestID int64
			kind      int16
			status    int16
		)
		if err := row.Scan(&e.ID, &requestID, &e.Endpoint, &kind, &status, &e.Reason, &e.Timestamp); err != nil {
			return Entry{}, err
		}
		e.RequestID = uint32(requestID)
		e.Kind = command.Kind(kind)
		e.Status = command.Status(status)
		e.Timestamp = e.Timestamp.UTC()
		return e, nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan audit entries: %w", err)
	}
	return entries, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
