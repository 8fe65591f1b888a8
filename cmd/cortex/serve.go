package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/haasonsaas/cortex/internal/config"
	"github.com/haasonsaas/cortex/internal/extraction"
	"github.com/haasonsaas/cortex/internal/gateway"
	"github.com/haasonsaas/cortex/internal/history"
	"github.com/haasonsaas/cortex/internal/inbox"
	"github.com/haasonsaas/cortex/internal/llm"
	"github.com/haasonsaas/cortex/internal/memory"
	"github.com/haasonsaas/cortex/internal/observability"
	"github.com/haasonsaas/cortex/internal/outbox"
	"github.com/haasonsaas/cortex/internal/processor"
	"github.com/haasonsaas/cortex/internal/skills"
	"github.com/haasonsaas/cortex/internal/skills/clock"
	"github.com/haasonsaas/cortex/internal/store"
)

// staleClaimAge is how long a processing inbox row may sit before startup
// recovery flips it back to pending. Covers crashes mid-message.
const staleClaimAge = 5 * time.Minute

const shutdownTimeout = 10 * time.Second

func runServe(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)

	db, err := store.Open(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer db.Close()

	inboxQueue := inbox.NewQueue(db)
	outboxQueue := outbox.NewQueue(db).WithMetrics(metrics)
	historyStore := history.NewStore(db)
	cursors := extraction.NewCursorStore(db)

	skillRegistry, err := skills.NewRegistry([]skills.Skill{clock.New()}, nil)
	if err != nil {
		return fmt.Errorf("build skill registry: %w", err)
	}

	llmClient := llm.NewClient(metrics)
	memoryClient := memory.NewClient(logger)
	pipeline := extraction.NewPipeline(cursors, historyStore, llmClient, memoryClient, metrics, logger)

	// Messages claimed by a previous process that died go back to pending.
	requeued, err := inboxQueue.RequeueStale(ctx, staleClaimAge.Milliseconds())
	if err != nil {
		return fmt.Errorf("requeue stale claims: %w", err)
	}
	if requeued > 0 {
		logger.Info(ctx, "requeued stale inbox claims", "count", requeued)
	}

	proc := processor.New(cfg, processor.Deps{
		Inbox:    inboxQueue,
		Outbox:   outboxQueue,
		History:  historyStore,
		Cursors:  cursors,
		Pipeline: pipeline,
		Registry: skillRegistry,
		LLM:      llmClient,
		Memory:   memoryClient,
		Metrics:  metrics,
		Logger:   logger,
	})

	server := gateway.NewServer(cfg, inboxQueue, outboxQueue, metrics, logger, version)
	if err := server.Start(registry); err != nil {
		return err
	}

	procCtx, cancelProc := context.WithCancel(context.Background())
	defer cancelProc()
	go proc.Run(procCtx)

	logger.Info(ctx, "cortex started", "version", version, "addr", server.Addr())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info(ctx, "shutting down", "signal", sig.String())
	case <-ctx.Done():
		logger.Info(ctx, "shutting down", "reason", "context cancelled")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	server.Shutdown(shutdownCtx)
	proc.Stop()

	logger.Info(ctx, "shutdown complete")
	return nil
}
