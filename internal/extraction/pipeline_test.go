package extraction

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/haasonsaas/cortex/internal/history"
	"github.com/haasonsaas/cortex/internal/llm"
	"github.com/haasonsaas/cortex/internal/memory"
	"github.com/haasonsaas/cortex/internal/store"
	"github.com/haasonsaas/cortex/pkg/models"
)

func TestParseItems(t *testing.T) {
	tests := []struct {
		name      string
		content   string
		wantCount int
		wantOK    bool
	}{
		{
			name:      "direct array",
			content:   `[{"content":"likes coffee","category":"preference"}]`,
			wantCount: 1,
			wantOK:    true,
		},
		{
			name:      "empty array",
			content:   `[]`,
			wantCount: 0,
			wantOK:    true,
		},
		{
			name:      "array after preamble",
			content:   "Here are the facts:\n[{\"content\":\"works at Acme\",\"category\":\"fact\"}]",
			wantCount: 1,
			wantOK:    true,
		},
		{
			name:      "last array wins",
			content:   `ignore [1,2] but use [{"content":"prefers tea","category":"preference"}]`,
			wantCount: 1,
			wantOK:    true,
		},
		{
			name:    "no array at all",
			content: "I could not find anything to extract.",
			wantOK:  false,
		},
		{
			name:    "null literal",
			content: "null",
			wantOK:  false,
		},
		{
			name:    "object not array",
			content: `{"content":"x","category":"fact"}`,
			wantOK:  false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			items, ok := parseItems(tt.content)
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if ok && len(items) != tt.wantCount {
				t.Errorf("parsed %d items, want %d", len(items), tt.wantCount)
			}
		})
	}
}

func TestFilterExtractable(t *testing.T) {
	call := models.ToolCall{ID: "call_1", Type: "function", Function: models.FunctionCall{Name: "clock.now", Arguments: "{}"}}
	batch := []TurnRow{
		{Rowid: 1, Message: models.UserMessage("what time is it?")},
		{Rowid: 2, Message: models.AssistantMessage("", call)},
		{Rowid: 3, Message: models.ToolMessage("10:00", "call_1", "clock.now")},
		{Rowid: 4, Message: models.AssistantMessage("It is 10:00.")},
	}

	got := filterExtractable(batch)
	if len(got) != 2 {
		t.Fatalf("filtered to %d turns, want 2", len(got))
	}
	if got[0].Role != models.RoleUser || got[1].Content != "It is 10:00." {
		t.Errorf("filtered turns = %+v", got)
	}
}

func TestTrimToBudget(t *testing.T) {
	turns := []models.ChatMessage{
		models.UserMessage(strings.Repeat("a", 40)),
		models.AssistantMessage(strings.Repeat("b", 40)),
		models.UserMessage(strings.Repeat("c", 40)),
	}

	trimmed := trimToBudget(turns, 90)
	if len(trimmed) != 2 {
		t.Fatalf("trimmed to %d turns, want 2", len(trimmed))
	}
	if trimmed[0].Content[0] != 'b' {
		t.Errorf("oldest kept turn starts with %q, want b", trimmed[0].Content[0])
	}

	// The newest turn survives even when it alone exceeds the budget.
	trimmed = trimToBudget(turns, 10)
	if len(trimmed) != 1 || trimmed[0].Content[0] != 'c' {
		t.Errorf("over-budget trim = %+v, want only the newest turn", trimmed)
	}
}

func TestExtractionKey(t *testing.T) {
	key := extractionKey("topic", "likes coffee", "preference")
	if !strings.HasPrefix(key, "cortex:extract:") {
		t.Errorf("key prefix wrong: %q", key)
	}
	if len(key) != len("cortex:extract:")+16 {
		t.Errorf("key length = %d, want prefix plus 16 hex chars", len(key))
	}
	if key != extractionKey("topic", "likes coffee", "preference") {
		t.Error("key not deterministic")
	}
	if key == extractionKey("topic", "likes coffee", "fact") {
		t.Error("category not part of the key")
	}
}

// fakeEngram records remember calls and serves empty recalls.
type fakeEngram struct {
	mu        sync.Mutex
	remembers []memory.RememberRequest
}

func (f *fakeEngram) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/recall", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"memories": []any{}})
	})
	mux.HandleFunc("/remember", func(w http.ResponseWriter, r *http.Request) {
		var req memory.RememberRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		f.mu.Lock()
		f.remembers = append(f.remembers, req)
		f.mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]any{"id": "mem_1", "status": "created"})
	})
	return mux
}

func (f *fakeEngram) recorded() []memory.RememberRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]memory.RememberRequest, len(f.remembers))
	copy(out, f.remembers)
	return out
}

// chatCompletion writes an OpenAI-shaped completion with the given content.
func chatCompletion(w http.ResponseWriter, content string) {
	_ = json.NewEncoder(w).Encode(map[string]any{
		"choices": []map[string]any{
			{"message": map[string]any{"role": "assistant", "content": content}, "finish_reason": "stop"},
		},
	})
}

func TestPipelineRunExtractsAndSummarizes(t *testing.T) {
	s, err := store.Open("")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer s.Close()

	hist := history.NewStore(s)
	cursors := NewCursorStore(s)
	ctx := context.Background()

	if err := hist.SaveTurnPair(ctx, "topic", "I moved to Lisbon last month", "Nice, how do you like it?"); err != nil {
		t.Fatalf("SaveTurnPair: %v", err)
	}
	if err := cursors.Increment(ctx, "topic"); err != nil {
		t.Fatalf("Increment: %v", err)
	}

	llmServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		system := req.Messages[0].Content
		if strings.Contains(system, "summarize what this conversation") {
			chatCompletion(w, "User recently moved to Lisbon.")
			return
		}
		chatCompletion(w, `[{"content":"User lives in Lisbon","category":"fact"},{"content":"x","category":"fact"},{"content":"long enough","category":"bogus"}]`)
	}))
	defer llmServer.Close()

	engram := &fakeEngram{}
	engramServer := httptest.NewServer(engram.handler())
	defer engramServer.Close()

	pipeline := NewPipeline(cursors, hist, llm.NewClient(nil), memory.NewClient(nil), nil, nil)
	pipeline.Run(ctx, "topic", Config{
		SynapseURL: llmServer.URL,
		EngramURL:  engramServer.URL,
		Model:      "extract-model",
		Interval:   1,
	})

	remembers := engram.recorded()
	var facts, summaries []memory.RememberRequest
	for _, r := range remembers {
		if r.Category == "summary" {
			summaries = append(summaries, r)
		} else {
			facts = append(facts, r)
		}
	}

	// Short content and unknown categories are dropped.
	if len(facts) != 1 {
		t.Fatalf("remembered %d facts, want 1: %+v", len(facts), facts)
	}
	if facts[0].Content != "User lives in Lisbon" || facts[0].ScopeID != "topic" || !facts[0].Upsert {
		t.Errorf("fact remember = %+v", facts[0])
	}
	if !strings.HasPrefix(facts[0].IdempotencyKey, "cortex:extract:") {
		t.Errorf("fact idempotency key = %q", facts[0].IdempotencyKey)
	}

	if len(summaries) != 1 {
		t.Fatalf("remembered %d summaries, want 1", len(summaries))
	}
	if summaries[0].IdempotencyKey != "topic-summary:topic" {
		t.Errorf("summary idempotency key = %q", summaries[0].IdempotencyKey)
	}

	stored, err := hist.GetSummary(ctx, "topic")
	if err != nil {
		t.Fatalf("GetSummary: %v", err)
	}
	if stored != "User recently moved to Lisbon." {
		t.Errorf("stored summary = %q", stored)
	}

	cursor, err := cursors.Get(ctx, "topic")
	if err != nil {
		t.Fatalf("Get cursor: %v", err)
	}
	if cursor.LastExtractedRowid == 0 {
		t.Error("cursor did not advance")
	}
	if cursor.TurnsSinceExtraction != 0 {
		t.Errorf("counter after run = %d, want 0", cursor.TurnsSinceExtraction)
	}
}

func TestPipelineAdvancesPastToolOnlyBatch(t *testing.T) {
	s, err := store.Open("")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer s.Close()

	hist := history.NewStore(s)
	cursors := NewCursorStore(s)
	ctx := context.Background()

	// A full batch of tool results, with one extractable user turn behind it.
	for i := 0; i < batchLimit; i++ {
		if err := hist.SaveTurn(ctx, "topic", models.ToolMessage("ok", "call_1", "clock.now")); err != nil {
			t.Fatalf("SaveTurn: %v", err)
		}
	}
	if err := hist.SaveTurn(ctx, "topic", models.UserMessage("I use metric units")); err != nil {
		t.Fatalf("SaveTurn: %v", err)
	}
	if err := cursors.Increment(ctx, "topic"); err != nil {
		t.Fatalf("Increment: %v", err)
	}

	var mu sync.Mutex
	var transcripts []string
	llmServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Messages []struct {
				Content string `json:"content"`
			} `json:"messages"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		mu.Lock()
		transcripts = append(transcripts, req.Messages[len(req.Messages)-1].Content)
		mu.Unlock()
		chatCompletion(w, "[]")
	}))
	defer llmServer.Close()

	engram := &fakeEngram{}
	engramServer := httptest.NewServer(engram.handler())
	defer engramServer.Close()

	pipeline := NewPipeline(cursors, hist, llm.NewClient(nil), memory.NewClient(nil), nil, nil)
	pipeline.Run(ctx, "topic", Config{
		SynapseURL: llmServer.URL,
		EngramURL:  engramServer.URL,
		Model:      "m",
		Interval:   1,
	})

	cursor, err := cursors.Get(ctx, "topic")
	if err != nil {
		t.Fatalf("Get cursor: %v", err)
	}
	remaining, err := cursors.LoadTurnsSince(ctx, "topic", cursor.LastExtractedRowid, 0)
	if err != nil {
		t.Fatalf("LoadTurnsSince: %v", err)
	}
	if len(remaining) != 0 {
		t.Errorf("%d turns left behind the cursor, want 0", len(remaining))
	}

	mu.Lock()
	defer mu.Unlock()
	sawUser := false
	for _, tr := range transcripts {
		if strings.Contains(tr, "metric units") {
			sawUser = true
		}
	}
	if !sawUser {
		t.Error("user turn behind the tool batch never reached the extractor")
	}
}

func TestPipelineRunBelowInterval(t *testing.T) {
	s, err := store.Open("")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer s.Close()

	hist := history.NewStore(s)
	cursors := NewCursorStore(s)
	ctx := context.Background()

	if err := cursors.Increment(ctx, "topic"); err != nil {
		t.Fatalf("Increment: %v", err)
	}

	llmCalls := 0
	llmServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		llmCalls++
		chatCompletion(w, "[]")
	}))
	defer llmServer.Close()

	pipeline := NewPipeline(cursors, hist, llm.NewClient(nil), memory.NewClient(nil), nil, nil)
	pipeline.Run(ctx, "topic", Config{SynapseURL: llmServer.URL, Model: "m", Interval: 6})

	if llmCalls != 0 {
		t.Errorf("LLM called %d times below the interval, want 0", llmCalls)
	}
}

func TestPipelineFailedCallKeepsCursor(t *testing.T) {
	s, err := store.Open("")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer s.Close()

	hist := history.NewStore(s)
	cursors := NewCursorStore(s)
	ctx := context.Background()

	if err := hist.SaveTurnPair(ctx, "topic", "hello", "hi"); err != nil {
		t.Fatalf("SaveTurnPair: %v", err)
	}
	if err := cursors.Increment(ctx, "topic"); err != nil {
		t.Fatalf("Increment: %v", err)
	}

	llmServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream unavailable", http.StatusBadGateway)
	}))
	defer llmServer.Close()

	engram := &fakeEngram{}
	engramServer := httptest.NewServer(engram.handler())
	defer engramServer.Close()

	pipeline := NewPipeline(cursors, hist, llm.NewClient(nil), memory.NewClient(nil), nil, nil)
	pipeline.Run(ctx, "topic", Config{
		SynapseURL: llmServer.URL,
		EngramURL:  engramServer.URL,
		Model:      "m",
		Interval:   1,
	})

	cursor, err := cursors.Get(ctx, "topic")
	if err != nil {
		t.Fatalf("Get cursor: %v", err)
	}
	if cursor.LastExtractedRowid != 0 {
		t.Errorf("cursor advanced to %d after a failed call, want 0", cursor.LastExtractedRowid)
	}
	if len(engram.recorded()) != 0 {
		t.Errorf("memories written after a failed call: %+v", engram.recorded())
	}
}

func TestTrySpawnGuardsPerTopic(t *testing.T) {
	s, err := store.Open("")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer s.Close()

	pipeline := NewPipeline(NewCursorStore(s), history.NewStore(s), llm.NewClient(nil), memory.NewClient(nil), nil, nil)

	// Mark the topic in flight by hand; TrySpawn must refuse.
	pipeline.mu.Lock()
	pipeline.inFlight["topic"] = true
	pipeline.mu.Unlock()

	if pipeline.TrySpawn("topic", Config{Interval: 1}) {
		t.Error("TrySpawn started a second run for an in-flight topic")
	}
	if !pipeline.TrySpawn("other", Config{Interval: 1}) {
		t.Error("TrySpawn refused a different topic")
	}
}
