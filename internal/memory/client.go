// Package memory is the client for the external engram memory service.
// Recall and remember are best-effort: the service being down degrades the
// assistant, it never fails message processing.
package memory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/cortex/internal/observability"
	"github.com/haasonsaas/cortex/pkg/models"
)

// RequestTimeout bounds every call to the memory service.
const RequestTimeout = 3 * time.Second

const (
	// dualRecallPerScopeLimit caps each side of a dual recall.
	dualRecallPerScopeLimit = 4

	// dualRecallTotalLimit caps the merged dual-recall result.
	dualRecallTotalLimit = 8
)

// RecallOptions tune a single recall call.
type RecallOptions struct {
	Limit   int
	ScopeID string
}

// RememberRequest writes one memory.
type RememberRequest struct {
	Content        string `json:"content"`
	Category       string `json:"category,omitempty"`
	ScopeID        string `json:"scope_id,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
	Upsert         bool   `json:"upsert,omitempty"`
}

// RememberResult reports the stored memory id and whether it was created or
// updated.
type RememberResult struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// Client talks to the engram service.
type Client struct {
	http   *http.Client
	logger *observability.Logger
}

// NewClient creates a memory client. logger may be nil in tests.
func NewClient(logger *observability.Logger) *Client {
	return &Client{
		http:   &http.Client{Timeout: RequestTimeout},
		logger: logger,
	}
}

// Recall queries memories matching query. Errors are returned so callers can
// decide; most callers treat them as an empty result.
func (c *Client) Recall(ctx context.Context, endpoint, query string, opts RecallOptions) ([]models.Memory, error) {
	body := map[string]any{"query": query}
	if opts.Limit > 0 {
		body["limit"] = opts.Limit
	}
	if opts.ScopeID != "" {
		body["scope_id"] = opts.ScopeID
	}

	var response struct {
		Memories     []models.Memory `json:"memories"`
		FallbackMode bool            `json:"fallback_mode"`
	}
	if err := c.post(ctx, endpoint, "/recall", body, &response); err != nil {
		return nil, err
	}
	return response.Memories, nil
}

// RecallDual runs a topic-scoped and a global recall in parallel, each capped
// at 4, unions them by memory id (the topic-scoped hit wins), and truncates
// to 8. A failing side contributes nothing.
func (c *Client) RecallDual(ctx context.Context, endpoint, query, topicKey string) []models.Memory {
	var scoped, global []models.Memory
	var wg sync.WaitGroup

	wg.Add(2)
	go func() {
		defer wg.Done()
		result, err := c.Recall(ctx, endpoint, query, RecallOptions{Limit: dualRecallPerScopeLimit, ScopeID: topicKey})
		if err != nil {
			c.logDegraded(ctx, "scoped recall failed", err)
			return
		}
		scoped = result
	}()
	go func() {
		defer wg.Done()
		result, err := c.Recall(ctx, endpoint, query, RecallOptions{Limit: dualRecallPerScopeLimit})
		if err != nil {
			c.logDegraded(ctx, "global recall failed", err)
			return
		}
		global = result
	}()
	wg.Wait()

	seen := make(map[string]bool, len(scoped)+len(global))
	merged := make([]models.Memory, 0, dualRecallTotalLimit)
	for _, mem := range append(scoped, global...) {
		if seen[mem.ID] {
			continue
		}
		seen[mem.ID] = true
		merged = append(merged, mem)
		if len(merged) == dualRecallTotalLimit {
			break
		}
	}
	return merged
}

// Remember writes one memory. Callers log failures and continue; a lost
// remember is degraded recall later, not a processing error.
func (c *Client) Remember(ctx context.Context, endpoint string, req RememberRequest) (*RememberResult, error) {
	var result RememberResult
	if err := c.post(ctx, endpoint, "/remember", req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) post(ctx context.Context, endpoint, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	url := strings.TrimSuffix(endpoint, "/") + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("memory service request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 200))
		return fmt.Errorf("memory service %s: status %d: %s", path, resp.StatusCode, string(snippet))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) logDegraded(ctx context.Context, msg string, err error) {
	if c.logger != nil {
		c.logger.Warn(ctx, msg, "error", err)
	}
}
