package outbox

import (
	"context"
	"testing"

	"github.com/haasonsaas/cortex/internal/store"
	"github.com/haasonsaas/cortex/pkg/models"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	s, err := store.Open("")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	q := NewQueue(s)
	q.jitter = func() float64 { return 0.5 } // midpoint, no spread
	return q
}

func TestPollLeasesPendingMessage(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, "telegram", "telegram:42", "hi there", map[string]any{"chat_id": "42"})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	results, err := q.Poll(ctx, "telegram", 10, 30, 10, "")
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("polled %d messages, want 1", len(results))
	}
	got := results[0]
	if got.MessageID != id {
		t.Errorf("message id = %q, want %q", got.MessageID, id)
	}
	if got.LeaseToken == "" {
		t.Error("lease token empty")
	}
	if got.Text != "hi there" || got.TopicKey != "telegram:42" {
		t.Errorf("payload fields mismatch: %+v", got)
	}
	if got.Payload["chat_id"] != "42" {
		t.Errorf("payload = %v, want chat_id 42", got.Payload)
	}

	msg, err := q.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if msg.Status != models.OutboxLeased {
		t.Errorf("status = %q, want leased", msg.Status)
	}
	if msg.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", msg.Attempts)
	}
}

func TestPollDoesNotReturnActiveLease(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, "telegram", "t", "msg", nil); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := q.Poll(ctx, "telegram", 10, 30, 10, ""); err != nil {
		t.Fatalf("first Poll: %v", err)
	}

	results, err := q.Poll(ctx, "telegram", 10, 30, 10, "")
	if err != nil {
		t.Fatalf("second Poll: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("second poll returned %d messages, want 0", len(results))
	}
}

func TestPollReleasesExpiredLease(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, "telegram", "t", "msg", nil)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	first, err := q.Poll(ctx, "telegram", 10, 30, 10, "")
	if err != nil {
		t.Fatalf("first Poll: %v", err)
	}

	// Expire the lease and make the row due again.
	_, err = q.store.DB().ExecContext(ctx,
		`UPDATE outbox_messages SET lease_expires_at = 0, next_attempt_at = 0 WHERE id = ?`, id)
	if err != nil {
		t.Fatalf("expire lease: %v", err)
	}

	second, err := q.Poll(ctx, "telegram", 10, 30, 10, "")
	if err != nil {
		t.Fatalf("second Poll: %v", err)
	}
	if len(second) != 1 {
		t.Fatalf("re-poll returned %d messages, want 1", len(second))
	}
	if second[0].LeaseToken == first[0].LeaseToken {
		t.Error("re-poll reused the old lease token")
	}

	// The stale token can no longer acknowledge.
	status, err := q.Ack(ctx, id, first[0].LeaseToken)
	if err != nil {
		t.Fatalf("Ack with stale token: %v", err)
	}
	if status != AckLeaseConflict {
		t.Errorf("stale ack status = %q, want lease_conflict", status)
	}
}

func TestPollDeadLettersExhaustedRows(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, "telegram", "t", "msg", nil)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	// Row already at the attempt ceiling; the next poll pushes it over.
	_, err = q.store.DB().ExecContext(ctx,
		`UPDATE outbox_messages SET attempts = 3, next_attempt_at = 0 WHERE id = ?`, id)
	if err != nil {
		t.Fatalf("set attempts: %v", err)
	}

	results, err := q.Poll(ctx, "telegram", 10, 30, 3, "")
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("poll returned %d dead-lettered messages, want 0", len(results))
	}

	msg, err := q.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if msg.Status != models.OutboxDead {
		t.Errorf("status = %q, want dead", msg.Status)
	}
	if msg.LastError != "max attempts exceeded" {
		t.Errorf("last error = %q, want max attempts exceeded", msg.LastError)
	}

	// Dead rows never come back.
	again, err := q.Poll(ctx, "telegram", 10, 30, 3, "")
	if err != nil {
		t.Fatalf("second Poll: %v", err)
	}
	if len(again) != 0 {
		t.Errorf("dead row returned by poll: %+v", again)
	}
}

func TestPollFiltersBySourceAndTopic(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, "telegram", "topic-a", "a", nil); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := q.Enqueue(ctx, "telegram", "topic-b", "b", nil); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := q.Enqueue(ctx, "discord", "topic-a", "c", nil); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	results, err := q.Poll(ctx, "telegram", 10, 30, 10, "topic-b")
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if len(results) != 1 || results[0].Text != "b" {
		t.Fatalf("topic-filtered poll = %+v, want single topic-b message", results)
	}
}

func TestAckLifecycle(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, "telegram", "t", "msg", nil)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	results, err := q.Poll(ctx, "telegram", 10, 30, 10, "")
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	token := results[0].LeaseToken

	status, err := q.Ack(ctx, id, "lease_wrong")
	if err != nil {
		t.Fatalf("Ack wrong token: %v", err)
	}
	if status != AckLeaseConflict {
		t.Errorf("wrong-token ack = %q, want lease_conflict", status)
	}

	status, err = q.Ack(ctx, id, token)
	if err != nil {
		t.Fatalf("Ack: %v", err)
	}
	if status != AckDelivered {
		t.Errorf("first ack = %q, want delivered", status)
	}

	status, err = q.Ack(ctx, id, token)
	if err != nil {
		t.Fatalf("re-Ack: %v", err)
	}
	if status != AckAlreadyDelivered {
		t.Errorf("repeat ack = %q, want already_delivered", status)
	}

	status, err = q.Ack(ctx, "out_missing", token)
	if err != nil {
		t.Fatalf("Ack unknown id: %v", err)
	}
	if status != AckNotFound {
		t.Errorf("unknown-id ack = %q, want not_found", status)
	}

	// Delivered rows are out of the poll set.
	again, err := q.Poll(ctx, "telegram", 10, 30, 10, "")
	if err != nil {
		t.Fatalf("Poll after ack: %v", err)
	}
	if len(again) != 0 {
		t.Errorf("delivered row returned by poll: %+v", again)
	}
}
