package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/EternisAI/remote-control/internal/command"
	"github.com/EternisAI/remote-control/internal/db"
)

// SQLiteStore keeps the audit trail on the controlling device.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore opens path (":memory:" works) and applies migrations.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	conn, err := db.OpenSQLite(path)
	if err != nil {
		return nil, err
	}
	if err := db.RunSQLiteMigrations(conn); err != nil {
		conn.Close()
		return nil, err
	}
	return &SQLiteStore{db: conn}, nil
}

func (s *SQLiteStore) Append(ctx context.Context, e Entry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_entries (id, request_id, endpoint, kind, status, reason, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID.String(), int64(e.RequestID), e.Endpoint, int(e.Kind), int(e.Status), e.Reason, e.Timestamp.UnixNano())
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

func (s *SQLiteStore) List(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = DefaultCapacity
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, request_id, endpoint, kind, status, reason, created_at
		 FROM audit_entries ORDER BY seq DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit entries: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e         Entry
			id        string
			requestID int64
			kind      int
			status    int
			created   int64
		)
		if err := rows.Scan(&id, &requestID, &e.Endpoint, &kind, &status, &e.Reason, &created); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		if e.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("parse audit entry id: %w", err)
		}
		e.RequestID = uint32(requestID)
		e.Kind = command.Kind(kind)
		e.Status = command.Status(status)
		e.Timestamp = time.Unix(0, created).UTC()
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
