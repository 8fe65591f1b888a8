// Package outbox implements the leased outbound reply queue. Connectors claim
// replies through Poll and confirm delivery through Ack; rows that exhaust
// their attempts are dead-lettered and never handed out again.
package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"

	"github.com/haasonsaas/cortex/internal/backoff"
	"github.com/haasonsaas/cortex/internal/observability"
	"github.com/haasonsaas/cortex/internal/store"
	"github.com/haasonsaas/cortex/pkg/models"
)

// maxAttemptsExceeded is the terminal error recorded on dead-lettered rows.
const maxAttemptsExceeded = "max attempts exceeded"

// PollResult is one leased message handed to a connector.
type PollResult struct {
	MessageID  string         `json:"messageId"`
	LeaseToken string         `json:"leaseToken"`
	TopicKey   string         `json:"topicKey"`
	Text       string         `json:"text"`
	Payload    map[string]any `json:"payload"`
}

// AckStatus is the outcome of an Ack call.
type AckStatus string

const (
	AckDelivered        AckStatus = "delivered"
	AckAlreadyDelivered AckStatus = "already_delivered"
	AckLeaseConflict    AckStatus = "lease_conflict"
	AckNotFound         AckStatus = "not_found"
)

// Queue persists outbound replies and mediates leased delivery.
type Queue struct {
	store   *store.Store
	policy  backoff.Policy
	metrics *observability.Metrics

	// jitter supplies the uniform random value for backoff spread;
	// overridden in tests for determinism.
	jitter func() float64
}

// NewQueue creates an outbox queue over the given store.
func NewQueue(s *store.Store) *Queue {
	return &Queue{
		store:  s,
		policy: backoff.OutboxPolicy(),
		jitter: rand.Float64, // #nosec G404 -- scheduling jitter, not security material
	}
}

// WithMetrics attaches the runtime metrics sink and returns the queue.
func (q *Queue) WithMetrics(m *observability.Metrics) *Queue {
	q.metrics = m
	return q
}

// Enqueue inserts a pending reply eligible for immediate delivery.
func (q *Queue) Enqueue(ctx context.Context, source, topicKey, text string, payload map[string]any) (string, error) {
	id := models.NewOutboxID()
	now := store.NowMillis()

	var payloadValue any
	if len(payload) > 0 {
		data, err := json.Marshal(payload)
		if err != nil {
			return "", fmt.Errorf("encode payload: %w", err)
		}
		payloadValue = string(data)
	}

	err := q.store.Transaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO outbox_messages
				(id, source, topic_key, text, payload, status, attempts, next_attempt_at, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?, ?)`,
			id, source, topicKey, text, payloadValue, models.OutboxPending, now, now, now,
		)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("enqueue outbox: %w", err)
	}
	return id, nil
}

// Poll leases up to max eligible messages for source. Eligible rows are
// pending, or leased with an expired lease, with next_attempt_at due. Rows
// whose incremented attempt count exceeds maxAttempts are dead-lettered and
// omitted from the result.
func (q *Queue) Poll(ctx context.Context, source string, max, leaseSeconds, maxAttempts int, topicKey string) ([]PollResult, error) {
	now := store.NowMillis()
	results := make([]PollResult, 0, max)

	err := q.store.Transaction(ctx, func(tx *sql.Tx) error {
		query := `SELECT id, topic_key, text, payload, attempts
			FROM outbox_messages
			WHERE source = ?
			  AND next_attempt_at <= ?
			  AND (status = ? OR (status = ? AND lease_expires_at <= ?))`
		args := []any{source, now, models.OutboxPending, models.OutboxLeased, now}
		if topicKey != "" {
			query += ` AND topic_key = ?`
			args = append(args, topicKey)
		}
		query += ` ORDER BY next_attempt_at ASC, created_at ASC LIMIT ?`
		args = append(args, max)

		rows, err := tx.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}

		type candidate struct {
			id       string
			topicKey string
			text     string
			payload  sql.NullString
			attempts int
		}
		var candidates []candidate
		for rows.Next() {
			var c candidate
			if err := rows.Scan(&c.id, &c.topicKey, &c.text, &c.payload, &c.attempts); err != nil {
				rows.Close()
				return err
			}
			candidates = append(candidates, c)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, c := range candidates {
			attempts := c.attempts + 1

			if attempts > maxAttempts {
				_, err := tx.ExecContext(ctx,
					`UPDATE outbox_messages
					 SET status = ?, attempts = ?, last_error = ?, lease_token = NULL,
					     lease_expires_at = NULL, updated_at = ?
					 WHERE id = ?`,
					models.OutboxDead, attempts, maxAttemptsExceeded, now, c.id,
				)
				if err != nil {
					return err
				}
				if q.metrics != nil {
					q.metrics.OutboxDeadLettered.WithLabelValues(source).Inc()
				}
				continue
			}

			token := models.NewLeaseToken()
			leaseExpires := now + int64(leaseSeconds)*1000
			nextAttempt := now + backoff.ComputeWithRand(q.policy, attempts, q.jitter()).Milliseconds()

			_, err := tx.ExecContext(ctx,
				`UPDATE outbox_messages
				 SET status = ?, attempts = ?, lease_token = ?, lease_expires_at = ?,
				     next_attempt_at = ?, updated_at = ?
				 WHERE id = ?`,
				models.OutboxLeased, attempts, token, leaseExpires, nextAttempt, now, c.id,
			)
			if err != nil {
				return err
			}

			result := PollResult{
				MessageID:  c.id,
				LeaseToken: token,
				TopicKey:   c.topicKey,
				Text:       c.text,
			}
			if c.payload.Valid && c.payload.String != "" {
				if err := json.Unmarshal([]byte(c.payload.String), &result.Payload); err != nil {
					result.Payload = nil
				}
			}
			results = append(results, result)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("poll outbox: %w", err)
	}
	return results, nil
}

// Ack confirms delivery of a leased message. Re-acks with the delivering
// token are idempotent; everything else that does not match an active lease
// is a conflict.
func (q *Queue) Ack(ctx context.Context, messageID, leaseToken string) (AckStatus, error) {
	now := store.NowMillis()
	status := AckNotFound

	err := q.store.Transaction(ctx, func(tx *sql.Tx) error {
		var rowStatus models.OutboxStatus
		var rowToken sql.NullString
		var leaseExpires sql.NullInt64

		err := tx.QueryRowContext(ctx,
			`SELECT status, lease_token, lease_expires_at FROM outbox_messages WHERE id = ?`,
			messageID,
		).Scan(&rowStatus, &rowToken, &leaseExpires)
		if errors.Is(err, sql.ErrNoRows) {
			status = AckNotFound
			return nil
		}
		if err != nil {
			return err
		}

		if rowStatus == models.OutboxDelivered && rowToken.Valid && rowToken.String == leaseToken {
			status = AckAlreadyDelivered
			return nil
		}
		if rowStatus != models.OutboxLeased ||
			!rowToken.Valid || rowToken.String != leaseToken ||
			!leaseExpires.Valid || leaseExpires.Int64 <= now {
			status = AckLeaseConflict
			return nil
		}

		// Conditional update defends against a racing poll re-leasing the row.
		result, err := tx.ExecContext(ctx,
			`UPDATE outbox_messages SET status = ?, updated_at = ?
			 WHERE id = ? AND status = ? AND lease_token = ?`,
			models.OutboxDelivered, now, messageID, models.OutboxLeased, leaseToken,
		)
		if err != nil {
			return err
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			status = AckLeaseConflict
			return nil
		}
		status = AckDelivered
		return nil
	})
	if err != nil {
		return AckNotFound, fmt.Errorf("ack outbox: %w", err)
	}
	return status, nil
}

// Get returns a message by id, or nil when absent. Read path for tests and
// operational tooling.
func (q *Queue) Get(ctx context.Context, id string) (*models.OutboxMessage, error) {
	row := q.store.DB().QueryRowContext(ctx,
		`SELECT id, source, topic_key, text, payload, status, attempts, next_attempt_at,
		        COALESCE(lease_token, ''), COALESCE(lease_expires_at, 0),
		        COALESCE(last_error, ''), created_at, updated_at
		 FROM outbox_messages WHERE id = ?`, id)

	var m models.OutboxMessage
	var payload sql.NullString
	err := row.Scan(
		&m.ID, &m.Source, &m.TopicKey, &m.Text, &payload, &m.Status, &m.Attempts,
		&m.NextAttemptAt, &m.LeaseToken, &m.LeaseExpiresAt, &m.LastError,
		&m.CreatedAt, &m.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get outbox message: %w", err)
	}
	if payload.Valid && payload.String != "" {
		if err := json.Unmarshal([]byte(payload.String), &m.Payload); err != nil {
			m.Payload = nil
		}
	}
	return &m, nil
}
