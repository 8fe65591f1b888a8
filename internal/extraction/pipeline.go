package extraction

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/haasonsaas/cortex/internal/history"
	"github.com/haasonsaas/cortex/internal/llm"
	"github.com/haasonsaas/cortex/internal/memory"
	"github.com/haasonsaas/cortex/internal/observability"
	"github.com/haasonsaas/cortex/pkg/models"
)

const (
	// batchLimit caps turns loaded per drain iteration.
	batchLimit = 100

	// charBudget caps the total content characters of one extraction prompt.
	charBudget = 50_000

	// maxItemsPerBatch caps memories written per batch.
	maxItemsPerBatch = 10

	// dedupeRecallLimit caps the "do not repeat" list injected into the prompt.
	dedupeRecallLimit = 10
)

var validCategories = map[string]bool{
	"fact":       true,
	"preference": true,
	"decision":   true,
}

// Config parameterizes one pipeline run.
type Config struct {
	SynapseURL string
	EngramURL  string
	Model      string
	Interval   int
}

// extractedItem is one parsed line of the extraction response.
type extractedItem struct {
	Content  string `json:"content"`
	Category string `json:"category"`
}

// Pipeline drains unextracted turns into durable memories and keeps the
// rolling topic summary current. At most one run per topic is in flight.
type Pipeline struct {
	cursors *CursorStore
	history *history.Store
	llm     *llm.Client
	memory  *memory.Client
	metrics *observability.Metrics
	logger  *observability.Logger

	mu       sync.Mutex
	inFlight map[string]bool
}

// NewPipeline creates an extraction pipeline. metrics and logger may be nil
// in tests.
func NewPipeline(cursors *CursorStore, hist *history.Store, llmClient *llm.Client, memClient *memory.Client, metrics *observability.Metrics, logger *observability.Logger) *Pipeline {
	return &Pipeline{
		cursors:  cursors,
		history:  hist,
		llm:      llmClient,
		memory:   memClient,
		metrics:  metrics,
		logger:   logger,
		inFlight: make(map[string]bool),
	}
}

// TrySpawn starts a run for topicKey unless one is already in flight. It
// returns true when a goroutine was started. The caller increments the turn
// counter regardless; a skipped trigger just leaves the debt for the next one.
func (p *Pipeline) TrySpawn(topicKey string, cfg Config) bool {
	p.mu.Lock()
	if p.inFlight[topicKey] {
		p.mu.Unlock()
		return false
	}
	p.inFlight[topicKey] = true
	p.mu.Unlock()

	go func() {
		defer func() {
			p.mu.Lock()
			delete(p.inFlight, topicKey)
			p.mu.Unlock()
		}()
		p.Run(context.Background(), topicKey, cfg)
	}()
	return true
}

// Run executes one extraction pass for a topic. Failures never propagate to
// message processing; they are logged and the cursor is left where retry is
// safe.
func (p *Pipeline) Run(ctx context.Context, topicKey string, cfg Config) {
	cursor, err := p.cursors.Get(ctx, topicKey)
	if err != nil {
		p.logError(ctx, topicKey, "read cursor", err)
		return
	}
	if cursor == nil || cursor.TurnsSinceExtraction < cfg.Interval {
		return
	}

	produced, err := p.drain(ctx, topicKey, cursor.LastExtractedRowid, cfg)
	if err != nil {
		p.logError(ctx, topicKey, "drain", err)
		p.countBatch("error")
		return
	}
	if produced {
		p.summarize(ctx, topicKey, cfg)
	}
}

// drain loops over unextracted turns in batches, writing memories and
// advancing the cursor per batch. It reports whether any batch produced
// content worth summarizing.
func (p *Pipeline) drain(ctx context.Context, topicKey string, afterRowid int64, cfg Config) (bool, error) {
	produced := false

	for {
		batch, err := p.cursors.LoadTurnsSince(ctx, topicKey, afterRowid, batchLimit)
		if err != nil {
			return produced, err
		}

		extractable := filterExtractable(batch)
		if len(extractable) == 0 {
			if len(batch) == 0 {
				if err := p.cursors.Advance(ctx, topicKey, afterRowid); err != nil {
					return produced, err
				}
				return produced, nil
			}
			// Filtered-out rows still move the cursor, or an all-tool batch
			// would reload forever.
			lastRowid := batch[len(batch)-1].Rowid
			if err := p.cursors.Advance(ctx, topicKey, lastRowid); err != nil {
				return produced, err
			}
			afterRowid = lastRowid
			if len(batch) < batchLimit {
				return produced, nil
			}
			continue
		}

		prompt := trimToBudget(extractable, charBudget)
		known := p.recallKnown(ctx, topicKey, cfg)

		items, err := p.extract(ctx, prompt, known, cfg)
		if err != nil {
			// Cursor stays put so the same turns are retried next trigger.
			return produced, err
		}

		stored := p.storeItems(ctx, topicKey, items, cfg)
		if stored > 0 {
			produced = true
		}
		p.countBatch("success")
		if p.metrics != nil {
			p.metrics.ExtractionItems.Add(float64(stored))
		}

		lastRowid := batch[len(batch)-1].Rowid
		if err := p.cursors.Advance(ctx, topicKey, lastRowid); err != nil {
			return produced, err
		}
		afterRowid = lastRowid

		if len(batch) < batchLimit {
			return produced, nil
		}
	}
}

// filterExtractable drops turns the extraction model should not see: tool
// results and assistant turns that only carry tool calls.
func filterExtractable(batch []TurnRow) []models.ChatMessage {
	var out []models.ChatMessage
	for _, tr := range batch {
		msg := tr.Message
		if msg.Role == models.RoleTool {
			continue
		}
		if msg.Role == models.RoleAssistant && msg.Content == "" && len(msg.ToolCalls) > 0 {
			continue
		}
		out = append(out, msg)
	}
	return out
}

// trimToBudget drops oldest turns until total content fits the character
// budget, always keeping at least the newest turn.
func trimToBudget(turns []models.ChatMessage, budget int) []models.ChatMessage {
	total := 0
	for _, t := range turns {
		total += len(t.Content)
	}
	start := 0
	for total > budget && start < len(turns)-1 {
		total -= len(turns[start].Content)
		start++
	}
	return turns[start:]
}

func (p *Pipeline) recallKnown(ctx context.Context, topicKey string, cfg Config) []models.Memory {
	known, err := p.memory.Recall(ctx, cfg.EngramURL, "facts about this conversation", memory.RecallOptions{
		Limit:   dedupeRecallLimit,
		ScopeID: topicKey,
	})
	if err != nil {
		p.logDegraded(ctx, topicKey, "dedupe recall failed", err)
		return nil
	}
	return known
}

// extract runs the LLM call and parses its response into validated items.
func (p *Pipeline) extract(ctx context.Context, turns []models.ChatMessage, known []models.Memory, cfg Config) ([]extractedItem, error) {
	reply, err := p.llm.Chat(ctx, llm.ChatRequest{
		Endpoint: cfg.SynapseURL,
		Model:    cfg.Model,
		Messages: []models.ChatMessage{
			{Role: models.RoleSystem, Content: extractionSystemPrompt(known)},
			models.UserMessage(renderTranscript(turns)),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("extraction call: %w", err)
	}

	items, ok := parseItems(reply.Content)
	if !ok {
		return nil, fmt.Errorf("extraction response has no valid item array")
	}
	return items, nil
}

func extractionSystemPrompt(known []models.Memory) string {
	var b strings.Builder
	b.WriteString("Extract durable facts, preferences, and decisions from the conversation. ")
	b.WriteString(`Respond with a JSON array of objects {"content": string, "category": "fact"|"preference"|"decision"}. `)
	b.WriteString("Only include information worth remembering across conversations. Respond with [] when there is nothing new.")
	if len(known) > 0 {
		b.WriteString("\n\nAlready known, do not repeat:\n")
		for _, mem := range known {
			b.WriteString("- ")
			b.WriteString(mem.Content)
			b.WriteString("\n")
		}
	}
	return b.String()
}

func renderTranscript(turns []models.ChatMessage) string {
	var b strings.Builder
	for _, t := range turns {
		b.WriteString(string(t.Role))
		b.WriteString(": ")
		b.WriteString(t.Content)
		b.WriteString("\n")
	}
	return b.String()
}

// parseItems parses the model output as a JSON array of items. When the whole
// response is not valid JSON, every [...] substring is tried from last to
// first; models tend to put the real array after their preamble.
func parseItems(content string) ([]extractedItem, bool) {
	if items, ok := tryParseArray(content); ok {
		return items, true
	}

	var candidates []string
	for i := 0; i < len(content); i++ {
		if content[i] != '[' {
			continue
		}
		depth := 0
		for j := i; j < len(content); j++ {
			switch content[j] {
			case '[':
				depth++
			case ']':
				depth--
				if depth == 0 {
					candidates = append(candidates, content[i:j+1])
					j = len(content)
				}
			}
		}
	}
	for i := len(candidates) - 1; i >= 0; i-- {
		if items, ok := tryParseArray(candidates[i]); ok {
			return items, true
		}
	}
	return nil, false
}

func tryParseArray(s string) ([]extractedItem, bool) {
	s = strings.TrimSpace(s)
	// json.Unmarshal accepts "null" into a slice; only a literal array counts.
	if !strings.HasPrefix(s, "[") {
		return nil, false
	}
	var items []extractedItem
	if err := json.Unmarshal([]byte(s), &items); err != nil {
		return nil, false
	}
	return items, true
}

// storeItems writes validated items to the memory service and returns how
// many survived validation. Individual write failures are logged, not fatal;
// the upsert key makes re-extraction idempotent.
func (p *Pipeline) storeItems(ctx context.Context, topicKey string, items []extractedItem, cfg Config) int {
	stored := 0
	for _, item := range items {
		if stored == maxItemsPerBatch {
			break
		}
		if !validCategories[item.Category] || len(item.Content) < 5 {
			continue
		}
		stored++

		_, err := p.memory.Remember(ctx, cfg.EngramURL, memory.RememberRequest{
			Content:        item.Content,
			Category:       item.Category,
			ScopeID:        topicKey,
			IdempotencyKey: extractionKey(topicKey, item.Content, item.Category),
			Upsert:         true,
		})
		if err != nil {
			p.logDegraded(ctx, topicKey, "remember failed", err)
		}
	}
	return stored
}

// extractionKey derives a stable idempotency key from the topic and the
// item's identity fields.
func extractionKey(topicKey, content, category string) string {
	sum := sha256.Sum256([]byte(topicKey + "\x00" + content + "\x00" + category))
	return "cortex:extract:" + hex.EncodeToString(sum[:])[:16]
}

// summarize refreshes the rolling topic summary after a productive drain.
// Failure here never undoes the extraction work.
func (p *Pipeline) summarize(ctx context.Context, topicKey string, cfg Config) {
	previous, err := p.history.GetSummary(ctx, topicKey)
	if err != nil {
		p.logDegraded(ctx, topicKey, "load previous summary failed", err)
		previous = ""
	}

	system := "Briefly summarize what this conversation is about and what has been decided so far. Respond with the summary text only."
	if previous != "" {
		system += "\n\nPrevious summary, update it rather than starting over:\n" + previous
	}

	turns, err := p.cursors.LoadTurnsSince(ctx, topicKey, 0, 0)
	if err != nil {
		p.logDegraded(ctx, topicKey, "load turns for summary failed", err)
		return
	}
	transcript := trimToBudget(filterExtractable(turns), charBudget)

	reply, err := p.llm.Chat(ctx, llm.ChatRequest{
		Endpoint: cfg.SynapseURL,
		Model:    cfg.Model,
		Messages: []models.ChatMessage{
			{Role: models.RoleSystem, Content: system},
			models.UserMessage(renderTranscript(transcript)),
		},
	})
	if err != nil {
		p.logDegraded(ctx, topicKey, "summary call failed", err)
		return
	}
	summary := strings.TrimSpace(reply.Content)
	if summary == "" {
		return
	}

	if err := p.history.UpsertSummary(ctx, topicKey, summary); err != nil {
		p.logDegraded(ctx, topicKey, "upsert summary failed", err)
	}
	_, err = p.memory.Remember(ctx, cfg.EngramURL, memory.RememberRequest{
		Content:        summary,
		Category:       "summary",
		ScopeID:        topicKey,
		IdempotencyKey: "topic-summary:" + topicKey,
		Upsert:         true,
	})
	if err != nil {
		p.logDegraded(ctx, topicKey, "remember summary failed", err)
	}
}

func (p *Pipeline) countBatch(status string) {
	if p.metrics != nil {
		p.metrics.ExtractionBatches.WithLabelValues(status).Inc()
	}
}

func (p *Pipeline) logError(ctx context.Context, topicKey, stage string, err error) {
	if p.logger != nil {
		p.logger.Error(ctx, "extraction failed", "topic_key", topicKey, "stage", stage, "error", err)
	}
}

func (p *Pipeline) logDegraded(ctx context.Context, topicKey, msg string, err error) {
	if p.logger != nil {
		p.logger.Warn(ctx, msg, "topic_key", topicKey, "error", err)
	}
}
