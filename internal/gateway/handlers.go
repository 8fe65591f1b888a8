package gateway

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/haasonsaas/cortex/internal/inbox"
	"github.com/haasonsaas/cortex/internal/outbox"
)

type ingestRequest struct {
	Source            string         `json:"source"`
	ExternalMessageID string         `json:"externalMessageId"`
	IdempotencyKey    string         `json:"idempotencyKey"`
	TopicKey          string         `json:"topicKey"`
	UserID            string         `json:"userId"`
	Text              string         `json:"text"`
	OccurredAt        string         `json:"occurredAt"`
	Metadata          map[string]any `json:"metadata"`
}

type pollRequest struct {
	Source       string `json:"source"`
	TopicKey     string `json:"topicKey"`
	Max          *int   `json:"max"`
	LeaseSeconds *int   `json:"leaseSeconds"`
}

type ackRequest struct {
	MessageID  string `json:"messageId"`
	LeaseToken string `json:"leaseToken"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "healthy",
		"version": s.version,
		"uptime":  int64(time.Since(s.startTime).Seconds()),
	})
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeValidationError(w, []string{"body must be a JSON object"})
		return
	}

	var details []string
	requireField(&details, "source", req.Source)
	requireField(&details, "externalMessageId", req.ExternalMessageID)
	requireField(&details, "idempotencyKey", req.IdempotencyKey)
	requireField(&details, "topicKey", req.TopicKey)
	requireField(&details, "userId", req.UserID)
	requireField(&details, "text", req.Text)

	var occurredAt time.Time
	if req.OccurredAt == "" {
		details = append(details, "occurredAt is required")
	} else {
		parsed, err := time.Parse(time.RFC3339, req.OccurredAt)
		if err != nil {
			details = append(details, "occurredAt must be an ISO-8601 timestamp")
		} else {
			occurredAt = parsed
		}
	}

	if len(details) > 0 {
		writeValidationError(w, details)
		return
	}

	result, err := s.inbox.Enqueue(r.Context(), inbox.EnqueueInput{
		Source:            req.Source,
		ExternalMessageID: req.ExternalMessageID,
		IdempotencyKey:    req.IdempotencyKey,
		TopicKey:          req.TopicKey,
		UserID:            req.UserID,
		Text:              req.Text,
		OccurredAt:        occurredAt.UnixMilli(),
		Metadata:          req.Metadata,
	})
	if err != nil {
		s.serverError(w, r, "ingest enqueue failed", err)
		return
	}

	if s.metrics != nil {
		status := "queued"
		if result.Duplicate {
			status = "duplicate"
		}
		s.metrics.IngestCounter.WithLabelValues(req.Source, status).Inc()
	}

	if result.Duplicate {
		writeJSON(w, http.StatusOK, map[string]any{"eventId": result.ID, "status": "duplicate_ignored"})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"eventId": result.ID, "status": "queued"})
}

func (s *Server) handleOutboxPoll(w http.ResponseWriter, r *http.Request) {
	var req pollRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeValidationError(w, []string{"body must be a JSON object"})
		return
	}

	var details []string
	requireField(&details, "source", req.Source)

	max := s.cfg.Outbox.PollDefaultBatch
	if req.Max != nil {
		if *req.Max < 1 || *req.Max > 100 {
			details = append(details, "max must be between 1 and 100")
		} else {
			max = *req.Max
		}
	}

	leaseSeconds := s.cfg.Outbox.LeaseSeconds
	if req.LeaseSeconds != nil {
		if *req.LeaseSeconds < 10 || *req.LeaseSeconds > 300 {
			details = append(details, "leaseSeconds must be between 10 and 300")
		} else {
			leaseSeconds = *req.LeaseSeconds
		}
	}

	if len(details) > 0 {
		writeValidationError(w, details)
		return
	}

	messages, err := s.outbox.Poll(r.Context(), req.Source, max, leaseSeconds, s.cfg.Outbox.MaxAttempts, req.TopicKey)
	if err != nil {
		s.serverError(w, r, "outbox poll failed", err)
		return
	}

	if s.metrics != nil {
		s.metrics.OutboxPolled.WithLabelValues(req.Source).Add(float64(len(messages)))
	}
	if messages == nil {
		messages = []outbox.PollResult{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": messages})
}

func (s *Server) handleOutboxAck(w http.ResponseWriter, r *http.Request) {
	var req ackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeValidationError(w, []string{"body must be a JSON object"})
		return
	}

	var details []string
	requireField(&details, "messageId", req.MessageID)
	requireField(&details, "leaseToken", req.LeaseToken)
	if len(details) > 0 {
		writeValidationError(w, details)
		return
	}

	status, err := s.outbox.Ack(r.Context(), req.MessageID, req.LeaseToken)
	if err != nil {
		s.serverError(w, r, "outbox ack failed", err)
		return
	}

	if s.metrics != nil {
		s.metrics.OutboxAcked.WithLabelValues(string(status)).Inc()
	}

	switch status {
	case outbox.AckDelivered, outbox.AckAlreadyDelivered:
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "status": string(status)})
	case outbox.AckLeaseConflict:
		writeJSON(w, http.StatusConflict, map[string]any{"error": "lease_conflict"})
	default:
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "not_found"})
	}
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusNotFound, map[string]any{"error": "not_found"})
}

func (s *Server) serverError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	if s.logger != nil {
		s.logger.Error(r.Context(), msg, "error", err)
	}
	writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal_error"})
}

func requireField(details *[]string, name, value string) {
	if value == "" {
		*details = append(*details, name+" is required")
	}
}

func writeValidationError(w http.ResponseWriter, details []string) {
	writeJSON(w, http.StatusBadRequest, map[string]any{
		"error":   "invalid_request",
		"details": details,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
