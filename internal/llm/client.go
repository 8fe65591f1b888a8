// Package llm is the non-streaming chat-completion client for the synapse
// proxy. The proxy speaks the OpenAI chat API, so the transport rides on the
// go-openai SDK pointed at {endpoint}/v1.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/cortex/internal/observability"
	"github.com/haasonsaas/cortex/pkg/models"
)

// RequestTimeout is the hard per-call timeout against the proxy.
const RequestTimeout = 30 * time.Second

// ErrorKind classifies chat failures for the processor's error policy.
type ErrorKind string

const (
	KindConnection      ErrorKind = "connection"
	KindTimeout         ErrorKind = "timeout"
	KindHTTP            ErrorKind = "http"
	KindInvalidResponse ErrorKind = "invalid_response"
)

// Error is a typed chat failure. StatusCode and Snippet are set for KindHTTP.
type Error struct {
	Kind       ErrorKind
	StatusCode int
	Snippet    string
	Err        error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindHTTP:
		return fmt.Sprintf("llm: http %d: %s", e.StatusCode, e.Snippet)
	default:
		return fmt.Sprintf("llm: %s: %v", e.Kind, e.Err)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// ChatRequest is one chat-completion call.
type ChatRequest struct {
	Endpoint string
	Model    string
	Messages []models.ChatMessage
	Tools    []models.ToolDefinition
}

// ChatResult is the parsed first choice of a completion.
type ChatResult struct {
	Content      string
	FinishReason string
	ToolCalls    []models.ToolCall
}

// Client issues chat completions. Safe for concurrent use; per-endpoint SDK
// clients are cached.
type Client struct {
	metrics *observability.Metrics

	mu      sync.Mutex
	clients map[string]*openai.Client
}

// NewClient creates an LLM client. metrics may be nil in tests.
func NewClient(metrics *observability.Metrics) *Client {
	return &Client{
		metrics: metrics,
		clients: make(map[string]*openai.Client),
	}
}

func (c *Client) clientFor(endpoint string) *openai.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	if client, ok := c.clients[endpoint]; ok {
		return client
	}
	config := openai.DefaultConfig("")
	config.BaseURL = strings.TrimSuffix(endpoint, "/") + "/v1"
	config.HTTPClient = &http.Client{Timeout: RequestTimeout}
	client := openai.NewClientWithConfig(config)
	c.clients[endpoint] = client
	return client
}

// Chat runs one non-streaming completion. Every failure mode maps to a typed
// *Error so the caller can apply the per-kind policy.
func (c *Client) Chat(ctx context.Context, req ChatRequest) (*ChatResult, error) {
	start := time.Now()
	result, err := c.chat(ctx, req)
	if c.metrics != nil {
		c.metrics.LLMRequestDuration.WithLabelValues(req.Model).Observe(time.Since(start).Seconds())
		status := "success"
		if err != nil {
			status = "error"
		}
		c.metrics.LLMRequestCounter.WithLabelValues(req.Model, status).Inc()
	}
	return result, err
}

func (c *Client) chat(ctx context.Context, req ChatRequest) (*ChatResult, error) {
	completionReq := openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: toOpenAIMessages(req.Messages),
		Stream:   false,
	}
	for _, tool := range req.Tools {
		completionReq.Tools = append(completionReq.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  json.RawMessage(tool.InputSchema),
			},
		})
	}

	resp, err := c.clientFor(req.Endpoint).CreateChatCompletion(ctx, completionReq)
	if err != nil {
		return nil, classifyError(err)
	}

	if len(resp.Choices) == 0 {
		return nil, &Error{Kind: KindInvalidResponse, Err: errors.New("response has no choices")}
	}

	choice := resp.Choices[0]
	result := &ChatResult{
		Content:      choice.Message.Content,
		FinishReason: string(choice.FinishReason),
	}

	if len(choice.Message.ToolCalls) > 0 {
		for _, tc := range choice.Message.ToolCalls {
			result.ToolCalls = append(result.ToolCalls, models.ToolCall{
				ID:   tc.ID,
				Type: string(tc.Type),
				Function: models.FunctionCall{
					Name:      tc.Function.Name,
					Arguments: tc.Function.Arguments,
				},
			})
		}
		return result, nil
	}

	if result.Content == "" {
		return nil, &Error{Kind: KindInvalidResponse, Err: errors.New("response has no content and no tool calls")}
	}
	return result, nil
}

func classifyError(err error) *Error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &Error{
			Kind:       KindHTTP,
			StatusCode: apiErr.HTTPStatusCode,
			Snippet:    snippet(apiErr.Message),
			Err:        err,
		}
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return &Error{
			Kind:       KindHTTP,
			StatusCode: reqErr.HTTPStatusCode,
			Snippet:    snippet(reqErr.Error()),
			Err:        err,
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindTimeout, Err: err}
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		if urlErr.Timeout() {
			return &Error{Kind: KindTimeout, Err: err}
		}
		return &Error{Kind: KindConnection, Err: err}
	}

	var jsonErr *json.SyntaxError
	if errors.As(err, &jsonErr) {
		return &Error{Kind: KindInvalidResponse, Err: err}
	}

	return &Error{Kind: KindConnection, Err: err}
}

func snippet(s string) string {
	const maxLen = 200
	if len(s) > maxLen {
		return s[:maxLen]
	}
	return s
}

func toOpenAIMessages(messages []models.ChatMessage) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, msg := range messages {
		converted := openai.ChatCompletionMessage{
			Role:       string(msg.Role),
			Content:    msg.Content,
			ToolCallID: msg.ToolCallID,
			Name:       msg.Name,
		}
		for _, tc := range msg.ToolCalls {
			converted.ToolCalls = append(converted.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolType(tc.Type),
				Function: openai.FunctionCall{
					Name:      tc.Function.Name,
					Arguments: tc.Function.Arguments,
				},
			})
		}
		out = append(out, converted)
	}
	return out
}
