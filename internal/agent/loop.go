// Package agent runs the bounded tool-calling loop: call the LLM, fan out any
// requested tool executions in parallel, feed the results back, repeat until
// the model answers in text or the round budget is spent.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/haasonsaas/cortex/internal/llm"
	"github.com/haasonsaas/cortex/internal/observability"
	"github.com/haasonsaas/cortex/pkg/models"
)

// fallbackReply is returned when the round budget runs out and the model
// produced no usable text.
const fallbackReply = "I was unable to complete the task within the allowed number of tool calls."

// ChatClient is the LLM dependency; satisfied by *llm.Client.
type ChatClient interface {
	Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResult, error)
}

// ToolExecutor is the registry dependency; satisfied by *skills.Registry.
type ToolExecutor interface {
	Execute(ctx context.Context, qualifiedName string, arguments json.RawMessage) (*models.ToolResult, error)
}

// Config bounds a loop run.
type Config struct {
	Model         string
	SynapseURL    string
	ToolTimeout   time.Duration
	MaxToolRounds int
}

// Result is a finished loop: the reply text and every turn added along the
// way, in order, for the caller to persist.
type Result struct {
	Response string
	NewTurns []models.ChatMessage
}

// Loop drives the tool-calling conversation.
type Loop struct {
	client   ChatClient
	executor ToolExecutor
	metrics  *observability.Metrics
	logger   *observability.Logger
}

// NewLoop creates an agent loop. metrics and logger may be nil in tests.
func NewLoop(client ChatClient, executor ToolExecutor, metrics *observability.Metrics, logger *observability.Logger) *Loop {
	return &Loop{client: client, executor: executor, metrics: metrics, logger: logger}
}

// Run executes the loop. messages is the full prompt; tools the catalog
// offered to the model. An LLM error aborts immediately; tool failures are
// folded back into the conversation as error results.
func (l *Loop) Run(ctx context.Context, messages []models.ChatMessage, tools []models.ToolDefinition, cfg Config) (*Result, error) {
	var newTurns []models.ChatMessage
	lastContent := ""

	for round := 0; round < cfg.MaxToolRounds; round++ {
		reply, err := l.client.Chat(ctx, llm.ChatRequest{
			Endpoint: cfg.SynapseURL,
			Model:    cfg.Model,
			Messages: messages,
			Tools:    tools,
		})
		if err != nil {
			return nil, err
		}

		if len(reply.ToolCalls) == 0 {
			newTurns = append(newTurns, models.AssistantMessage(reply.Content))
			return &Result{Response: reply.Content, NewTurns: newTurns}, nil
		}

		if reply.Content != "" {
			lastContent = reply.Content
		}

		assistant := models.AssistantMessage(reply.Content, reply.ToolCalls...)
		messages = append(messages, assistant)
		newTurns = append(newTurns, assistant)

		results := l.executeAll(ctx, reply.ToolCalls, cfg.ToolTimeout)
		messages = append(messages, results...)
		newTurns = append(newTurns, results...)
	}

	response := lastContent
	if response == "" {
		response = fallbackReply
	}
	final := models.AssistantMessage(response)
	newTurns = append(newTurns, final)
	return &Result{Response: response, NewTurns: newTurns}, nil
}

// executeAll runs every tool call of one round in parallel and returns the
// tool messages in call order.
func (l *Loop) executeAll(ctx context.Context, calls []models.ToolCall, timeout time.Duration) []models.ChatMessage {
	results := make([]models.ChatMessage, len(calls))
	var wg sync.WaitGroup

	for i, call := range calls {
		wg.Add(1)
		go func(idx int, tc models.ToolCall) {
			defer wg.Done()
			results[idx] = l.executeOne(ctx, tc, timeout)
		}(i, call)
	}

	wg.Wait()
	return results
}

func (l *Loop) executeOne(ctx context.Context, call models.ToolCall, timeout time.Duration) models.ChatMessage {
	name := call.Function.Name
	start := time.Now()

	content, status := l.runTool(ctx, call, timeout)

	if l.metrics != nil {
		l.metrics.ToolExecutionCounter.WithLabelValues(name, status).Inc()
		l.metrics.ToolExecutionDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
	}
	if status != "success" && l.logger != nil {
		l.logger.Warn(ctx, "tool execution failed", "tool", name, "status", status, "result", content)
	}

	return models.ToolMessage(content, call.ID, name)
}

// runTool validates the arguments and races the execution against the wall
// clock. On timeout the tool goroutine is abandoned; its late result is
// discarded.
func (l *Loop) runTool(ctx context.Context, call models.ToolCall, timeout time.Duration) (content, status string) {
	args := call.Function.Arguments
	if !json.Valid([]byte(args)) {
		return fmt.Sprintf("Error: Invalid JSON in tool arguments: %s", snippet(args)), "error"
	}

	type execResult struct {
		result *models.ToolResult
		err    error
	}
	resultChan := make(chan execResult, 1)

	toolCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	go func() {
		result, err := l.executor.Execute(toolCtx, call.Function.Name, json.RawMessage(args))
		select {
		case resultChan <- execResult{result: result, err: err}:
		default:
			// Timed out before completion; the slot already holds the timeout result.
		}
	}()

	select {
	case <-toolCtx.Done():
		// The parent context going away is cancellation, not a tool timeout.
		if err := ctx.Err(); err != nil {
			return "Error: " + err.Error(), "error"
		}
		return fmt.Sprintf("Error: Tool execution timed out after %ds", int(timeout.Seconds())), "timeout"
	case res := <-resultChan:
		if res.err != nil {
			return "Error: " + res.err.Error(), "error"
		}
		return res.result.Content, "success"
	}
}

func snippet(s string) string {
	const maxLen = 120
	if len(s) > maxLen {
		return s[:maxLen]
	}
	return s
}
