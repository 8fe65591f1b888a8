// Package inbox implements the durable at-least-once inbound event queue.
package inbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/haasonsaas/cortex/internal/store"
	"github.com/haasonsaas/cortex/pkg/models"
)

// EnqueueInput carries a validated inbound event.
type EnqueueInput struct {
	Source            string
	ExternalMessageID string
	IdempotencyKey    string
	TopicKey          string
	UserID            string
	Text              string
	OccurredAt        int64
	Metadata          map[string]any
}

// EnqueueResult reports the stored id and whether the event was a dedup hit.
type EnqueueResult struct {
	ID        string
	Duplicate bool
}

// Queue persists inbound events with (source, external_message_id) dedup.
type Queue struct {
	store *store.Store
}

// NewQueue creates an inbox queue over the given store.
func NewQueue(s *store.Store) *Queue {
	return &Queue{store: s}
}

// FindDuplicate returns the id of an existing event with the same dedup key,
// or "" when none exists.
func (q *Queue) FindDuplicate(ctx context.Context, source, externalMessageID string) (string, error) {
	var id string
	err := q.store.DB().QueryRowContext(ctx,
		`SELECT id FROM inbox_messages WHERE source = ? AND external_message_id = ?`,
		source, externalMessageID,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("find duplicate: %w", err)
	}
	return id, nil
}

// Enqueue inserts a new pending event. The optimistic lookup keeps the hot
// path off the UNIQUE conflict; a racing insert is still resolved by
// re-reading the surviving row.
func (q *Queue) Enqueue(ctx context.Context, input EnqueueInput) (EnqueueResult, error) {
	if existing, err := q.FindDuplicate(ctx, input.Source, input.ExternalMessageID); err != nil {
		return EnqueueResult{}, err
	} else if existing != "" {
		return EnqueueResult{ID: existing, Duplicate: true}, nil
	}

	id := models.NewEventID()
	now := store.NowMillis()

	err := q.store.Transaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO inbox_messages
				(id, source, external_message_id, idempotency_key, topic_key, user_id, text,
				 occurred_at, metadata, status, attempts, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)`,
			id, input.Source, input.ExternalMessageID, input.IdempotencyKey,
			input.TopicKey, input.UserID, input.Text, input.OccurredAt,
			nullableString(models.MetadataJSON(input.Metadata)), models.InboxPending, now, now,
		)
		return err
	})
	if err != nil {
		if isUniqueViolation(err) {
			existing, lookupErr := q.FindDuplicate(ctx, input.Source, input.ExternalMessageID)
			if lookupErr != nil {
				return EnqueueResult{}, lookupErr
			}
			return EnqueueResult{ID: existing, Duplicate: true}, nil
		}
		return EnqueueResult{}, fmt.Errorf("enqueue inbox: %w", err)
	}

	return EnqueueResult{ID: id}, nil
}

// ClaimNext atomically flips the oldest pending event to processing and
// returns it. A nil message means the queue is empty.
func (q *Queue) ClaimNext(ctx context.Context) (*models.InboxMessage, error) {
	var msg *models.InboxMessage

	err := q.store.Transaction(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			`UPDATE inbox_messages
			 SET status = ?, attempts = attempts + 1, updated_at = ?
			 WHERE id = (
				SELECT id FROM inbox_messages
				WHERE status = ?
				ORDER BY created_at ASC, rowid ASC
				LIMIT 1
			 )
			 RETURNING id, source, external_message_id, idempotency_key, topic_key,
			           user_id, text, occurred_at, metadata, status, attempts,
			           COALESCE(error, ''), created_at, updated_at`,
			models.InboxProcessing, store.NowMillis(), models.InboxPending,
		)

		m, err := scanInboxRow(row)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		msg = m
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("claim next: %w", err)
	}
	return msg, nil
}

// Complete moves a claimed event to its terminal state: done when errMsg is
// empty, failed otherwise.
func (q *Queue) Complete(ctx context.Context, id, errMsg string) error {
	status := models.InboxDone
	var errValue any
	if errMsg != "" {
		status = models.InboxFailed
		errValue = errMsg
	}

	err := q.store.Transaction(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx,
			`UPDATE inbox_messages SET status = ?, error = ?, updated_at = ? WHERE id = ?`,
			status, errValue, store.NowMillis(), id,
		)
		if err != nil {
			return err
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return fmt.Errorf("inbox message %s not found", id)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("complete inbox: %w", err)
	}
	return nil
}

// RequeueStale flips processing rows last touched before the cutoff back to
// pending. Run once at startup to recover from a crash mid-processing.
func (q *Queue) RequeueStale(ctx context.Context, olderThanMs int64) (int64, error) {
	cutoff := store.NowMillis() - olderThanMs
	var requeued int64

	err := q.store.Transaction(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx,
			`UPDATE inbox_messages SET status = ?, updated_at = ?
			 WHERE status = ? AND updated_at < ?`,
			models.InboxPending, store.NowMillis(), models.InboxProcessing, cutoff,
		)
		if err != nil {
			return err
		}
		requeued, err = result.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("requeue stale: %w", err)
	}
	return requeued, nil
}

// Get returns a message by id, or nil when absent.
func (q *Queue) Get(ctx context.Context, id string) (*models.InboxMessage, error) {
	row := q.store.DB().QueryRowContext(ctx,
		`SELECT id, source, external_message_id, idempotency_key, topic_key,
		        user_id, text, occurred_at, metadata, status, attempts,
		        COALESCE(error, ''), created_at, updated_at
		 FROM inbox_messages WHERE id = ?`, id)

	msg, err := scanInboxRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get inbox message: %w", err)
	}
	return msg, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInboxRow(row rowScanner) (*models.InboxMessage, error) {
	var m models.InboxMessage
	var metadata sql.NullString
	err := row.Scan(
		&m.ID, &m.Source, &m.ExternalMessageID, &m.IdempotencyKey, &m.TopicKey,
		&m.UserID, &m.Text, &m.OccurredAt, &metadata, &m.Status, &m.Attempts,
		&m.Error, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &m.Metadata); err != nil {
			m.Metadata = nil
		}
	}
	return &m, nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
