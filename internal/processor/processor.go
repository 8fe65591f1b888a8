// Package processor is the single-consumer driver: it claims inbox messages
// one at a time and runs each through recall, prompt assembly, the LLM (or
// the agent loop when tools exist), history persistence, extraction trigger,
// and the outbound reply.
package processor

import (
	"context"
	"sync"
	"time"

	"github.com/haasonsaas/cortex/internal/agent"
	"github.com/haasonsaas/cortex/internal/config"
	"github.com/haasonsaas/cortex/internal/extraction"
	"github.com/haasonsaas/cortex/internal/history"
	"github.com/haasonsaas/cortex/internal/inbox"
	"github.com/haasonsaas/cortex/internal/llm"
	"github.com/haasonsaas/cortex/internal/memory"
	"github.com/haasonsaas/cortex/internal/observability"
	"github.com/haasonsaas/cortex/internal/outbox"
	"github.com/haasonsaas/cortex/internal/prompt"
	"github.com/haasonsaas/cortex/internal/skills"
	"github.com/haasonsaas/cortex/pkg/models"
)

// Processor consumes the inbox in arrival order, exactly one message in
// flight at a time.
type Processor struct {
	cfg      *config.Config
	inbox    *inbox.Queue
	outbox   *outbox.Queue
	history  *history.Store
	cursors  *extraction.CursorStore
	pipeline *extraction.Pipeline
	registry *skills.Registry
	llm      *llm.Client
	memory   *memory.Client
	metrics  *observability.Metrics
	logger   *observability.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// Deps collects the processor's collaborators.
type Deps struct {
	Inbox    *inbox.Queue
	Outbox   *outbox.Queue
	History  *history.Store
	Cursors  *extraction.CursorStore
	Pipeline *extraction.Pipeline
	Registry *skills.Registry
	LLM      *llm.Client
	Memory   *memory.Client
	Metrics  *observability.Metrics
	Logger   *observability.Logger
}

// New creates a processor. Metrics and Logger may be nil in tests.
func New(cfg *config.Config, deps Deps) *Processor {
	return &Processor{
		cfg:      cfg,
		inbox:    deps.Inbox,
		outbox:   deps.Outbox,
		history:  deps.History,
		cursors:  deps.Cursors,
		pipeline: deps.Pipeline,
		registry: deps.Registry,
		llm:      deps.LLM,
		memory:   deps.Memory,
		metrics:  deps.Metrics,
		logger:   deps.Logger,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Run polls until Stop is called. The busy interval applies after a message
// was processed, the idle interval after an empty claim.
func (p *Processor) Run(ctx context.Context) {
	defer close(p.doneCh)

	busy := time.Duration(p.cfg.Processor.PollBusyMs) * time.Millisecond
	idle := time.Duration(p.cfg.Processor.PollIdleMs) * time.Millisecond

	for {
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		processed := p.tick(ctx)

		wait := idle
		if processed {
			wait = busy
		}
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// Stop signals the loop and blocks until the current message, if any, has
// completed. In-flight extractions are not awaited.
func (p *Processor) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	<-p.doneCh
}

// tick claims and processes at most one message. It reports whether one was
// claimed.
func (p *Processor) tick(ctx context.Context) bool {
	msg, err := p.inbox.ClaimNext(ctx)
	if err != nil {
		p.logError(ctx, "claim next failed", err)
		return false
	}
	if msg == nil {
		return false
	}

	start := time.Now()
	procErr := p.process(ctx, msg)

	status := "done"
	errMsg := ""
	if procErr != nil {
		status = "failed"
		errMsg = procErr.Error()
		p.logError(ctx, "message processing failed", procErr, "message_id", msg.ID, "topic_key", msg.TopicKey)
	}
	if err := p.inbox.Complete(ctx, msg.ID, errMsg); err != nil {
		p.logError(ctx, "complete failed", err, "message_id", msg.ID)
	}
	if p.metrics != nil {
		p.metrics.InboxCompleted.WithLabelValues(status).Inc()
	}
	if p.logger != nil && procErr == nil {
		p.logger.Info(ctx, "message processed",
			"message_id", msg.ID, "topic_key", msg.TopicKey, "duration_ms", time.Since(start).Milliseconds())
	}
	return true
}

// process runs one claimed message to its reply. Any returned error marks the
// message failed; nothing else is written in that case.
func (p *Processor) process(ctx context.Context, msg *models.InboxMessage) error {
	memories, turns, summary := p.gatherContext(ctx, msg)

	tools := p.registry.Tools()
	toolNames := make([]string, len(tools))
	for i, t := range tools {
		toolNames[i] = t.Name
	}

	messages := prompt.Build(prompt.Input{
		Memories:     memories,
		TopicSummary: summary,
		Turns:        turns,
		UserText:     msg.Text,
		ToolNames:    toolNames,
	})

	var reply string
	var newTurns []models.ChatMessage

	if len(tools) > 0 {
		loop := agent.NewLoop(p.llm, p.registry, p.metrics, p.logger)
		result, err := loop.Run(ctx, messages, tools, agent.Config{
			Model:         p.cfg.LLM.Model,
			SynapseURL:    p.cfg.LLM.SynapseURL,
			ToolTimeout:   time.Duration(p.cfg.Agent.ToolTimeoutMs) * time.Millisecond,
			MaxToolRounds: p.cfg.Agent.MaxToolRounds,
		})
		if err != nil {
			return err
		}
		reply = result.Response
		newTurns = result.NewTurns
	} else {
		result, err := p.llm.Chat(ctx, llm.ChatRequest{
			Endpoint: p.cfg.LLM.SynapseURL,
			Model:    p.cfg.LLM.Model,
			Messages: messages,
		})
		if err != nil {
			return err
		}
		reply = result.Content
	}

	if len(tools) > 0 {
		all := append([]models.ChatMessage{models.UserMessage(msg.Text)}, newTurns...)
		if err := p.history.SaveAgentHistory(ctx, msg.TopicKey, all); err != nil {
			return err
		}
	} else {
		if err := p.history.SaveTurnPair(ctx, msg.TopicKey, msg.Text, reply); err != nil {
			return err
		}
	}

	p.triggerExtraction(ctx, msg.TopicKey)

	if _, err := p.outbox.Enqueue(ctx, msg.Source, msg.TopicKey, reply, nil); err != nil {
		return err
	}
	return nil
}

// gatherContext fans out recall, recent history, and the topic summary in
// parallel. Memory-service failures degrade to empty context, never fail the
// message.
func (p *Processor) gatherContext(ctx context.Context, msg *models.InboxMessage) ([]models.Memory, []models.ChatMessage, string) {
	var memories []models.Memory
	var turns []models.ChatMessage
	var summary string

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		if p.cfg.Memory.EngramURL == "" {
			return
		}
		memories = p.memory.RecallDual(ctx, p.cfg.Memory.EngramURL, msg.Text, msg.TopicKey)
	}()
	go func() {
		defer wg.Done()
		loaded, err := p.history.LoadRecent(ctx, msg.TopicKey, history.DefaultUserGroupLimit)
		if err != nil {
			p.logError(ctx, "load history failed", err, "topic_key", msg.TopicKey)
			return
		}
		turns = loaded
	}()
	go func() {
		defer wg.Done()
		loaded, err := p.history.GetSummary(ctx, msg.TopicKey)
		if err != nil {
			p.logError(ctx, "load summary failed", err, "topic_key", msg.TopicKey)
			return
		}
		summary = loaded
	}()
	wg.Wait()

	return memories, turns, summary
}

// triggerExtraction increments the turn counter unconditionally and spawns
// the pipeline unless a run for this topic is already in flight.
func (p *Processor) triggerExtraction(ctx context.Context, topicKey string) {
	if p.cfg.Extraction.Model == "" {
		return
	}
	if err := p.cursors.Increment(ctx, topicKey); err != nil {
		p.logError(ctx, "increment cursor failed", err, "topic_key", topicKey)
		return
	}
	p.pipeline.TrySpawn(topicKey, extraction.Config{
		SynapseURL: p.cfg.LLM.SynapseURL,
		EngramURL:  p.cfg.Memory.EngramURL,
		Model:      p.cfg.Extraction.Model,
		Interval:   p.cfg.Extraction.Interval,
	})
}

func (p *Processor) logError(ctx context.Context, msg string, err error, args ...any) {
	if p.logger != nil {
		p.logger.Error(ctx, msg, append([]any{"error", err}, args...)...)
	}
}
