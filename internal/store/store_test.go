package store

import (
	"context"
	"database/sql"
	"errors"
	"testing"
)

func TestOpenCreatesSchema(t *testing.T) {
	s, err := Open("")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	tables := []string{"inbox_messages", "outbox_messages", "turns", "extraction_cursors", "topic_summaries"}
	for _, table := range tables {
		var name string
		err := s.DB().QueryRow(
			`SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?`, table,
		).Scan(&name)
		if err != nil {
			t.Errorf("table %s missing: %v", table, err)
		}
	}
}

func TestOpenIsIdempotent(t *testing.T) {
	path := t.TempDir() + "/cortex.db"

	s1, err := Open(path)
	if err != nil {
		t.Fatalf("first Open: %v", err)
	}
	if err := s1.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s2, err := Open(path)
	if err != nil {
		t.Fatalf("second Open: %v", err)
	}
	defer s2.Close()
}

func TestTransactionRollsBackOnError(t *testing.T) {
	s, err := Open("")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	ctx := context.Background()
	sentinel := errors.New("boom")

	err = s.Transaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO topic_summaries (topic_key, summary, updated_at) VALUES ('t', 'x', 0)`)
		if err != nil {
			return err
		}
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("Transaction error = %v, want %v", err, sentinel)
	}

	var count int
	if err := s.DB().QueryRow(`SELECT COUNT(*) FROM topic_summaries`).Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 0 {
		t.Errorf("rows after rollback = %d, want 0", count)
	}
}

func TestPurgeClearsQueuesKeepsHistory(t *testing.T) {
	s, err := Open("")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	ctx := context.Background()
	_, err = s.DB().ExecContext(ctx,
		`INSERT INTO inbox_messages
			(id, source, external_message_id, topic_key, user_id, text, occurred_at, created_at, updated_at)
		 VALUES ('evt_1', 'telegram', 'ext-1', 'topic', 'u1', 'hi', 0, 0, 0)`)
	if err != nil {
		t.Fatalf("insert inbox: %v", err)
	}
	_, err = s.DB().ExecContext(ctx,
		`INSERT INTO topic_summaries (topic_key, summary, updated_at) VALUES ('topic', 'x', 0)`)
	if err != nil {
		t.Fatalf("insert summary: %v", err)
	}

	if err := s.Purge(ctx); err != nil {
		t.Fatalf("Purge: %v", err)
	}

	var count int
	if err := s.DB().QueryRow(`SELECT COUNT(*) FROM inbox_messages`).Scan(&count); err != nil {
		t.Fatalf("count inbox: %v", err)
	}
	if count != 0 {
		t.Errorf("inbox rows after purge = %d, want 0", count)
	}
	if err := s.DB().QueryRow(`SELECT COUNT(*) FROM topic_summaries`).Scan(&count); err != nil {
		t.Fatalf("count summaries: %v", err)
	}
	if count != 1 {
		t.Errorf("summary rows after purge = %d, want 1", count)
	}
}
