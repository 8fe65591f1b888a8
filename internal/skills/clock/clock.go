// Package clock is a built-in skill exposing wall-clock tools, so a default
// deployment has a working tool path without any external skill modules.
package clock

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/haasonsaas/cortex/internal/skills"
	"github.com/haasonsaas/cortex/pkg/models"
)

// Skill provides the "clock" tools.
type Skill struct {
	now func() time.Time
}

// New creates the clock skill.
func New() *Skill {
	return &Skill{now: time.Now}
}

// NewWithClock creates the skill with an injected clock for tests.
func NewWithClock(now func() time.Time) *Skill {
	return &Skill{now: now}
}

func (s *Skill) Name() string { return "clock" }

func (s *Skill) APIVersion() string { return skills.RuntimeAPIVersion }

func (s *Skill) ListTools() []models.ToolDefinition {
	return []models.ToolDefinition{
		{
			Name:        "now",
			Description: "Returns the current date and time. Optional IANA timezone, defaults to UTC.",
			InputSchema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"timezone": {"type": "string", "description": "IANA timezone name, e.g. Europe/Berlin"}
				}
			}`),
		},
		{
			Name:        "elapsed",
			Description: "Returns the duration elapsed since an RFC 3339 timestamp.",
			InputSchema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"since": {"type": "string", "description": "RFC 3339 timestamp"}
				},
				"required": ["since"]
			}`),
		},
	}
}

func (s *Skill) Execute(ctx context.Context, call skills.Invocation, tctx *skills.ToolContext) (*models.ToolResult, error) {
	switch call.Tool {
	case "now":
		return s.executeNow(call.Arguments)
	case "elapsed":
		return s.executeElapsed(call.Arguments)
	default:
		return nil, fmt.Errorf("unknown tool %q", call.Tool)
	}
}

func (s *Skill) executeNow(args json.RawMessage) (*models.ToolResult, error) {
	var input struct {
		Timezone string `json:"timezone"`
	}
	if len(args) > 0 {
		if err := json.Unmarshal(args, &input); err != nil {
			return nil, fmt.Errorf("parse arguments: %w", err)
		}
	}

	loc := time.UTC
	if input.Timezone != "" {
		parsed, err := time.LoadLocation(input.Timezone)
		if err != nil {
			return nil, fmt.Errorf("unknown timezone %q", input.Timezone)
		}
		loc = parsed
	}

	return &models.ToolResult{
		Content:  s.now().In(loc).Format(time.RFC3339),
		Metadata: map[string]any{"timezone": loc.String()},
	}, nil
}

func (s *Skill) executeElapsed(args json.RawMessage) (*models.ToolResult, error) {
	var input struct {
		Since string `json:"since"`
	}
	if err := json.Unmarshal(args, &input); err != nil {
		return nil, fmt.Errorf("parse arguments: %w", err)
	}

	since, err := time.Parse(time.RFC3339, input.Since)
	if err != nil {
		return nil, fmt.Errorf("parse since: %w", err)
	}

	return &models.ToolResult{
		Content: s.now().Sub(since).Round(time.Second).String(),
	}, nil
}
