package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
)

func newCaptureLogger(level string) (*Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: level, Format: "json", Output: &buf})
	return logger, &buf
}

func TestLoggerLevels(t *testing.T) {
	logger, buf := newCaptureLogger("warn")
	ctx := context.Background()

	logger.Info(ctx, "below threshold")
	if buf.Len() != 0 {
		t.Errorf("info logged at warn level: %s", buf.String())
	}

	logger.Warn(ctx, "at threshold")
	if !strings.Contains(buf.String(), "at threshold") {
		t.Errorf("warn not logged: %s", buf.String())
	}
}

func TestLoggerRedactsSecrets(t *testing.T) {
	logger, buf := newCaptureLogger("info")
	ctx := context.Background()

	logger.Info(ctx, "request failed",
		"detail", "api_key: sk-aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa rejected")

	out := buf.String()
	if strings.Contains(out, "sk-aaaa") {
		t.Errorf("secret leaked: %s", out)
	}
	if !strings.Contains(out, "[REDACTED]") {
		t.Errorf("no redaction marker: %s", out)
	}
}

func TestLoggerContextCorrelation(t *testing.T) {
	logger, buf := newCaptureLogger("info")

	ctx := context.WithValue(context.Background(), TopicKey, "telegram:42")
	ctx = context.WithValue(ctx, MessageIDKey, "evt_abc")
	logger.Info(ctx, "processing")

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("log line not json: %v", err)
	}
	if record["topic_key"] != "telegram:42" {
		t.Errorf("topic_key = %v", record["topic_key"])
	}
	if record["message_id"] != "evt_abc" {
		t.Errorf("message_id = %v", record["message_id"])
	}
}

func TestLoggerWithoutCorrelation(t *testing.T) {
	logger, buf := newCaptureLogger("info")

	logger.Info(context.Background(), "no correlation", "k", "v")
	if !strings.Contains(buf.String(), "no correlation") {
		t.Errorf("message missing: %s", buf.String())
	}
}
