// Package sqlite owns the relational store holding query clusters and golden
// answers, the only durable state the engine depends on.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Config holds sqlite connection settings.
type Config struct {
	// Path is the database file; ":memory:" and file: URIs are accepted.
	Path string
	// BusyTimeout bounds how long a writer waits on the database lock.
	BusyTimeout time.Duration
}

// Store wraps the sqlite database handle.
type Store struct {
	db *sql.DB
}

// NewStore opens the database and applies migrations.
func NewStore(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = 5 * time.Second
	}

	dsn := fmt.Sprintf("%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)",
		cfg.Path, cfg.BusyTimeout.Milliseconds())

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return s, nil
}

// Conn checks a dedicated connection out of the driver. Used as the factory
// for the engine's bounded connection pool.
func (s *Store) Conn(ctx context.Context) (*sql.Conn, error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire sqlite connection: %w", err)
	}
	return conn, nil
}

// Ping checks database availability.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping sqlite: %w", err)
	}
	return nil
}

// Close shuts down the database handle.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close sqlite: %w", err)
	}
	return nil
}

// migrate applies the schema. Statements are idempotent so restarts are safe.
func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS clusters (
			id                 TEXT PRIMARY KEY,
			canonical_question TEXT NOT NULL,
			usage_count        INTEGER NOT NULL DEFAULT 0,
			success_rate       REAL NOT NULL DEFAULT 0,
			created_at         TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at         TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		// A query hash belongs to at most one cluster: enforced by the
		// primary key on query_hash.
		`CREATE TABLE IF NOT EXISTS cluster_members (
			query_hash TEXT PRIMARY KEY,
			cluster_id TEXT NOT NULL REFERENCES clusters(id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_cluster_members_cluster
			ON cluster_members(cluster_id)`,
		`CREATE TABLE IF NOT EXISTS golden_answers (
			cluster_id         TEXT PRIMARY KEY REFERENCES clusters(id),
			canonical_question TEXT NOT NULL,
			answer             TEXT NOT NULL,
			source_collections TEXT NOT NULL DEFAULT '[]',
			routing_hints      TEXT NOT NULL DEFAULT '{}',
			usage_count        INTEGER NOT NULL DEFAULT 0,
			feedback_count     INTEGER NOT NULL DEFAULT 0,
			confirmed_count    INTEGER NOT NULL DEFAULT 0,
			success_rate       REAL NOT NULL DEFAULT 0,
			created_at         TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at         TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}
	return nil
}
