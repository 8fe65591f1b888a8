// Package store wraps the embedded sqlite database that backs the Cortex
// queues, history, and extraction state.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

// Store owns the single writer connection to the sqlite database.
// All mutating queue operations run inside Transaction so their invariants
// hold across crashes.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and applies the schema.
// An empty path opens an in-memory database, used by tests.
func Open(path string) (*Store, error) {
	dsn := ":memory:"
	if path != "" {
		dsn = "file:" + path
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Single writer connection: sqlite serializes writes anyway, and a pool of
	// one keeps :memory: databases coherent across calls.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := s.db.Exec(pragma); err != nil {
			return fmt.Errorf("apply pragma: %w", err)
		}
	}

	statements := []string{
		`CREATE TABLE IF NOT EXISTS inbox_messages (
			id TEXT PRIMARY KEY,
			source TEXT NOT NULL,
			external_message_id TEXT NOT NULL,
			idempotency_key TEXT NOT NULL DEFAULT '',
			topic_key TEXT NOT NULL,
			user_id TEXT NOT NULL,
			text TEXT NOT NULL,
			occurred_at INTEGER NOT NULL,
			metadata TEXT,
			status TEXT NOT NULL DEFAULT 'pending',
			attempts INTEGER NOT NULL DEFAULT 0,
			error TEXT,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			UNIQUE(source, external_message_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_inbox_status_created ON inbox_messages(status, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_inbox_topic_status ON inbox_messages(topic_key, status)`,

		`CREATE TABLE IF NOT EXISTS outbox_messages (
			id TEXT PRIMARY KEY,
			source TEXT NOT NULL,
			topic_key TEXT NOT NULL,
			text TEXT NOT NULL,
			payload TEXT,
			status TEXT NOT NULL DEFAULT 'pending',
			attempts INTEGER NOT NULL DEFAULT 0,
			next_attempt_at INTEGER NOT NULL,
			lease_token TEXT,
			lease_expires_at INTEGER,
			last_error TEXT,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_outbox_source_status_next ON outbox_messages(source, status, next_attempt_at)`,

		`CREATE TABLE IF NOT EXISTS turns (
			id TEXT PRIMARY KEY,
			topic_key TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL DEFAULT '',
			tool_calls TEXT,
			tool_call_id TEXT,
			name TEXT,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_turns_topic ON turns(topic_key)`,

		`CREATE TABLE IF NOT EXISTS extraction_cursors (
			topic_key TEXT PRIMARY KEY,
			last_extracted_rowid INTEGER NOT NULL DEFAULT 0,
			turns_since_extraction INTEGER NOT NULL DEFAULT 0
		)`,

		`CREATE TABLE IF NOT EXISTS topic_summaries (
			topic_key TEXT PRIMARY KEY,
			summary TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}
	return nil
}

// DB exposes the underlying handle for read paths and tests.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Transaction runs fn inside a transaction, rolling back on error.
func (s *Store) Transaction(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			_ = err
		}
	}()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Purge deletes every inbox and outbox row. Conversation history survives.
func (s *Store) Purge(ctx context.Context) error {
	return s.Transaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM inbox_messages`); err != nil {
			return fmt.Errorf("purge inbox: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM outbox_messages`); err != nil {
			return fmt.Errorf("purge outbox: %w", err)
		}
		return nil
	})
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// NowMillis is the clock used for every stored timestamp.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}
