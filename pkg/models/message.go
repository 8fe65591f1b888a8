// Package models contains the shared domain types for Cortex: queue rows,
// conversation turns, chat messages, and tool descriptors.
package models

import (
	"encoding/json"

	"github.com/google/uuid"
)

// Role indicates the author of a conversational turn.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// InboxStatus is the lifecycle state of an inbound event.
type InboxStatus string

const (
	InboxPending    InboxStatus = "pending"
	InboxProcessing InboxStatus = "processing"
	InboxDone       InboxStatus = "done"
	InboxFailed     InboxStatus = "failed"
)

// OutboxStatus is the lifecycle state of an outbound reply.
type OutboxStatus string

const (
	OutboxPending   OutboxStatus = "pending"
	OutboxLeased    OutboxStatus = "leased"
	OutboxDelivered OutboxStatus = "delivered"
	OutboxDead      OutboxStatus = "dead"
)

// InboxMessage is one inbound event awaiting (or done) processing.
// The pair (Source, ExternalMessageID) is the dedup identity across retries.
type InboxMessage struct {
	ID                string         `json:"id"`
	Source            string         `json:"source"`
	ExternalMessageID string         `json:"external_message_id"`
	IdempotencyKey    string         `json:"idempotency_key"`
	TopicKey          string         `json:"topic_key"`
	UserID            string         `json:"user_id"`
	Text              string         `json:"text"`
	OccurredAt        int64          `json:"occurred_at"` // ms since epoch
	Metadata          map[string]any `json:"metadata,omitempty"`
	Status            InboxStatus    `json:"status"`
	Attempts          int            `json:"attempts"`
	Error             string         `json:"error,omitempty"`
	CreatedAt         int64          `json:"created_at"`
	UpdatedAt         int64          `json:"updated_at"`
}

// OutboxMessage is one outbound reply awaiting leased delivery.
type OutboxMessage struct {
	ID             string         `json:"id"`
	Source         string         `json:"source"`
	TopicKey       string         `json:"topic_key"`
	Text           string         `json:"text"`
	Payload        map[string]any `json:"payload,omitempty"`
	Status         OutboxStatus   `json:"status"`
	Attempts       int            `json:"attempts"`
	NextAttemptAt  int64          `json:"next_attempt_at"`
	LeaseToken     string         `json:"lease_token,omitempty"`
	LeaseExpiresAt int64          `json:"lease_expires_at,omitempty"`
	LastError      string         `json:"last_error,omitempty"`
	CreatedAt      int64          `json:"created_at"`
	UpdatedAt      int64          `json:"updated_at"`
}

// Turn is one conversational message in a topic's append-only history.
// Relative order is carried by the sqlite rowid, not CreatedAt.
type Turn struct {
	ID         string     `json:"id"`
	TopicKey   string     `json:"topic_key"`
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Name       string     `json:"name,omitempty"`
	CreatedAt  int64      `json:"created_at"`
}

// Memory is a durable fact recalled from the memory service.
type Memory struct {
	ID        string  `json:"id"`
	Content   string  `json:"content"`
	Category  string  `json:"category,omitempty"`
	Strength  float64 `json:"strength,omitempty"`
	Relevance float64 `json:"relevance,omitempty"`
}

// MetadataJSON renders metadata as a JSON string for storage, or "" when empty.
func MetadataJSON(m map[string]any) string {
	if len(m) == 0 {
		return ""
	}
	data, err := json.Marshal(m)
	if err != nil {
		return ""
	}
	return string(data)
}

// NewEventID mints an inbox message id.
func NewEventID() string { return "evt_" + uuid.NewString() }

// NewOutboxID mints an outbox message id.
func NewOutboxID() string { return "out_" + uuid.NewString() }

// NewTurnID mints a turn id.
func NewTurnID() string { return "turn_" + uuid.NewString() }

// NewLeaseToken mints an opaque outbox lease token.
func NewLeaseToken() string { return "lease_" + uuid.NewString() }
