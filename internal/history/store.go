// Package history persists the per-topic conversation log and rolling topic
// summaries. Turns are append-only; relative order is the sqlite rowid.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/haasonsaas/cortex/internal/store"
	"github.com/haasonsaas/cortex/pkg/models"
)

// DefaultUserGroupLimit is how many user-message groups LoadRecent returns
// when the caller does not say otherwise.
const DefaultUserGroupLimit = 8

// rowsPerGroup over-reads raw rows so tool-heavy topics still cover the
// requested number of user groups.
const rowsPerGroup = 8

// Store reads and writes conversation turns and topic summaries.
type Store struct {
	store *store.Store
}

// NewStore creates a history store over the given database.
func NewStore(s *store.Store) *Store {
	return &Store{store: s}
}

// SaveTurn appends a single turn to a topic's history.
func (h *Store) SaveTurn(ctx context.Context, topicKey string, msg models.ChatMessage) error {
	return h.store.Transaction(ctx, func(tx *sql.Tx) error {
		return insertTurn(ctx, tx, topicKey, msg)
	})
}

// SaveTurnPair appends the user message and the assistant reply atomically.
// This is the non-tool chat path.
func (h *Store) SaveTurnPair(ctx context.Context, topicKey, userText, reply string) error {
	return h.store.Transaction(ctx, func(tx *sql.Tx) error {
		if err := insertTurn(ctx, tx, topicKey, models.UserMessage(userText)); err != nil {
			return err
		}
		return insertTurn(ctx, tx, topicKey, models.AssistantMessage(reply))
	})
}

// SaveAgentHistory appends a full agent round atomically so a crash mid-loop
// never leaves a partial round visible.
func (h *Store) SaveAgentHistory(ctx context.Context, topicKey string, turns []models.ChatMessage) error {
	return h.store.Transaction(ctx, func(tx *sql.Tx) error {
		for _, msg := range turns {
			if err := insertTurn(ctx, tx, topicKey, msg); err != nil {
				return err
			}
		}
		return nil
	})
}

func insertTurn(ctx context.Context, tx *sql.Tx, topicKey string, msg models.ChatMessage) error {
	var toolCallsValue any
	if len(msg.ToolCalls) > 0 {
		data, err := json.Marshal(msg.ToolCalls)
		if err != nil {
			return fmt.Errorf("encode tool calls: %w", err)
		}
		toolCallsValue = string(data)
	}

	_, err := tx.ExecContext(ctx,
		`INSERT INTO turns (id, topic_key, role, content, tool_calls, tool_call_id, name, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		models.NewTurnID(), topicKey, msg.Role, msg.Content, toolCallsValue,
		nullableString(msg.ToolCallID), nullableString(msg.Name), store.NowMillis(),
	)
	if err != nil {
		return fmt.Errorf("insert turn: %w", err)
	}
	return nil
}

// LoadRecent returns the last userGroupLimit user-message groups for a topic,
// flattened oldest-first. A group is a user turn plus every following
// assistant/tool turn until the next user turn. Turns with malformed
// tool_calls JSON lose those calls but keep their content.
func (h *Store) LoadRecent(ctx context.Context, topicKey string, userGroupLimit int) ([]models.ChatMessage, error) {
	if userGroupLimit <= 0 {
		userGroupLimit = DefaultUserGroupLimit
	}

	rows, err := h.store.DB().QueryContext(ctx,
		`SELECT role, content, tool_calls, tool_call_id, name
		 FROM turns WHERE topic_key = ?
		 ORDER BY rowid DESC LIMIT ?`,
		topicKey, userGroupLimit*rowsPerGroup,
	)
	if err != nil {
		return nil, fmt.Errorf("load recent turns: %w", err)
	}
	defer rows.Close()

	var newestFirst []models.ChatMessage
	for rows.Next() {
		msg, err := scanTurnMessage(rows)
		if err != nil {
			return nil, err
		}
		newestFirst = append(newestFirst, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load recent turns: %w", err)
	}

	// Reverse into chronological order before grouping.
	turns := make([]models.ChatMessage, len(newestFirst))
	for i, msg := range newestFirst {
		turns[len(newestFirst)-1-i] = msg
	}

	var groups [][]models.ChatMessage
	for _, msg := range turns {
		if msg.Role == models.RoleUser || len(groups) == 0 {
			groups = append(groups, nil)
		}
		groups[len(groups)-1] = append(groups[len(groups)-1], msg)
	}
	// A leading group cut off from its user turn at the window edge is
	// dropped so the limit counts whole user groups.
	if len(groups) > 1 && groups[0][0].Role != models.RoleUser {
		groups = groups[1:]
	}
	if len(groups) > userGroupLimit {
		groups = groups[len(groups)-userGroupLimit:]
	}

	var flattened []models.ChatMessage
	for _, group := range groups {
		flattened = append(flattened, group...)
	}
	return flattened, nil
}

func scanTurnMessage(rows *sql.Rows) (models.ChatMessage, error) {
	var msg models.ChatMessage
	var toolCalls, toolCallID, name sql.NullString
	if err := rows.Scan(&msg.Role, &msg.Content, &toolCalls, &toolCallID, &name); err != nil {
		return msg, fmt.Errorf("scan turn: %w", err)
	}
	if toolCalls.Valid && toolCalls.String != "" {
		if err := json.Unmarshal([]byte(toolCalls.String), &msg.ToolCalls); err != nil {
			msg.ToolCalls = nil
		}
	}
	msg.ToolCallID = toolCallID.String
	msg.Name = name.String
	return msg, nil
}

// GetSummary returns the rolling summary for a topic, or "" when none exists.
func (h *Store) GetSummary(ctx context.Context, topicKey string) (string, error) {
	var summary string
	err := h.store.DB().QueryRowContext(ctx,
		`SELECT summary FROM topic_summaries WHERE topic_key = ?`, topicKey,
	).Scan(&summary)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get topic summary: %w", err)
	}
	return summary, nil
}

// UpsertSummary replaces the rolling summary for a topic.
func (h *Store) UpsertSummary(ctx context.Context, topicKey, summary string) error {
	err := h.store.Transaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO topic_summaries (topic_key, summary, updated_at) VALUES (?, ?, ?)
			 ON CONFLICT(topic_key) DO UPDATE SET summary = excluded.summary, updated_at = excluded.updated_at`,
			topicKey, summary, store.NowMillis(),
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("upsert topic summary: %w", err)
	}
	return nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
