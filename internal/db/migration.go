package db

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/postgres/*.sql migrations/sqlite/*.sql
var embedMigrations embed.FS

// goose keeps its dialect and filesystem in package globals.
var gooseMu sync.Mutex

// RunMigrations applies the Postgres migrations inside schema.
func RunMigrations(dbURL string, schema string) error {
	slog.Info("Running database migrations...")

	if schema == "" {
		schema = "public"
	}

	connConfig, err := pgx.ParseConfig(dbURL)
	if err != nil {
		return fmt.Errorf("unable to parse database config: %w", err)
	}
	db := stdlib.OpenDB(*connConfig)
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("unable to connect to database: %w", err)
	}

	if _, err := db.ExecContext(ctx, "CREATE SCHEMA IF NOT EXISTS "+pgx.Identifier{schema}.Sanitize()); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	slog.Info("Schema is ready", "schema", schema)

	// Every pooled connection must see the schema, not just the first one.
	connConfig.RuntimeParams["search_path"] = schema
	scoped := stdlib.OpenDB(*connConfig)
	defer scoped.Close()

	if err := up(scoped, "postgres", "migrations/postgres"); err != nil {
		return err
	}
	slog.Info("Database migrations completed successfully", "schema", schema)
	return nil
}

// RunSQLiteMigrations applies the SQLite migrations to an open database.
func RunSQLiteMigrations(db *sql.DB) error {
	if err := up(db, "sqlite3", "migrations/sqlite"); err != nil {
		return err
	}
	slog.Debug("SQLite migrations completed")
	return nil
}

func up(db *sql.DB, dialect, dir string) error {
	gooseMu.Lock()
	defer gooseMu.Unlock()

	goose.SetBaseFS(embedMigrations)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect(dialect); err != nil {
		return err
	}
	if err := goose.Up(db, dir); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}
