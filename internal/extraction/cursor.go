// Package extraction implements the per-topic fact/summary extraction
// machinery: the incremental cursor and the drain pipeline that feeds the
// memory service.
package extraction

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/haasonsaas/cortex/internal/store"
	"github.com/haasonsaas/cortex/pkg/models"
)

// Cursor is the extraction high-water mark for one topic.
type Cursor struct {
	TopicKey             string
	LastExtractedRowid   int64
	TurnsSinceExtraction int
}

// TurnRow is a stored turn paired with its rowid, the unit the drain loop
// advances over.
type TurnRow struct {
	Rowid   int64
	Message models.ChatMessage
}

// CursorStore reads and writes extraction cursors.
type CursorStore struct {
	store *store.Store
}

// NewCursorStore creates a cursor store over the given database.
func NewCursorStore(s *store.Store) *CursorStore {
	return &CursorStore{store: s}
}

// Get returns the cursor for a topic, or nil when none exists yet.
func (c *CursorStore) Get(ctx context.Context, topicKey string) (*Cursor, error) {
	var cursor Cursor
	err := c.store.DB().QueryRowContext(ctx,
		`SELECT topic_key, last_extracted_rowid, turns_since_extraction
		 FROM extraction_cursors WHERE topic_key = ?`, topicKey,
	).Scan(&cursor.TopicKey, &cursor.LastExtractedRowid, &cursor.TurnsSinceExtraction)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get cursor: %w", err)
	}
	return &cursor, nil
}

// Increment bumps the pending-turns counter, creating the cursor lazily.
func (c *CursorStore) Increment(ctx context.Context, topicKey string) error {
	err := c.store.Transaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO extraction_cursors (topic_key, last_extracted_rowid, turns_since_extraction)
			 VALUES (?, 0, 1)
			 ON CONFLICT(topic_key) DO UPDATE SET turns_since_extraction = turns_since_extraction + 1`,
			topicKey,
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("increment cursor: %w", err)
	}
	return nil
}

// Advance moves the high-water rowid forward (never backward) and clears the
// pending-turns counter.
func (c *CursorStore) Advance(ctx context.Context, topicKey string, lastRowid int64) error {
	err := c.store.Transaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO extraction_cursors (topic_key, last_extracted_rowid, turns_since_extraction)
			 VALUES (?, ?, 0)
			 ON CONFLICT(topic_key) DO UPDATE SET
				last_extracted_rowid = MAX(last_extracted_rowid, excluded.last_extracted_rowid),
				turns_since_extraction = 0`,
			topicKey, lastRowid,
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("advance cursor: %w", err)
	}
	return nil
}

// LoadTurnsSince returns turns with rowid > afterRowid in ascending rowid
// order, capped at limit (0 means no cap).
func (c *CursorStore) LoadTurnsSince(ctx context.Context, topicKey string, afterRowid int64, limit int) ([]TurnRow, error) {
	query := `SELECT rowid, role, content, tool_calls, tool_call_id, name
		FROM turns WHERE topic_key = ? AND rowid > ?
		ORDER BY rowid ASC`
	args := []any{topicKey, afterRowid}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := c.store.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("load turns since: %w", err)
	}
	defer rows.Close()

	var result []TurnRow
	for rows.Next() {
		var tr TurnRow
		var toolCalls, toolCallID, name sql.NullString
		if err := rows.Scan(&tr.Rowid, &tr.Message.Role, &tr.Message.Content, &toolCalls, &toolCallID, &name); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		if toolCalls.Valid && toolCalls.String != "" {
			if err := json.Unmarshal([]byte(toolCalls.String), &tr.Message.ToolCalls); err != nil {
				tr.Message.ToolCalls = nil
			}
		}
		tr.Message.ToolCallID = toolCallID.String
		tr.Message.Name = name.String
		result = append(result, tr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load turns since: %w", err)
	}
	return result, nil
}
