// Package gateway is the HTTP boundary: ingest for channel adapters, leased
// outbox polling and acknowledgement for connectors, plus health and metrics.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haasonsaas/cortex/internal/config"
	"github.com/haasonsaas/cortex/internal/inbox"
	"github.com/haasonsaas/cortex/internal/observability"
	"github.com/haasonsaas/cortex/internal/outbox"
)

// Server serves the Cortex HTTP API.
type Server struct {
	cfg     *config.Config
	inbox   *inbox.Queue
	outbox  *outbox.Queue
	metrics *observability.Metrics
	logger  *observability.Logger
	version string

	startTime time.Time

	httpServer *http.Server
	listener   net.Listener
}

// NewServer wires the HTTP boundary. registry may be nil to skip the
// /metrics route; logger may be nil in tests.
func NewServer(cfg *config.Config, inboxQueue *inbox.Queue, outboxQueue *outbox.Queue, metrics *observability.Metrics, logger *observability.Logger, version string) *Server {
	return &Server{
		cfg:       cfg,
		inbox:     inboxQueue,
		outbox:    outboxQueue,
		metrics:   metrics,
		logger:    logger,
		version:   version,
		startTime: time.Now(),
	}
}

// Handler builds the full route table with middleware applied. Exposed so
// tests can drive it through httptest without a listener.
func (s *Server) Handler(registry *prometheus.Registry) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	if registry != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	}
	mux.Handle("POST /ingest", s.requireAuth(http.HandlerFunc(s.handleIngest)))
	mux.Handle("POST /outbox/poll", s.requireAuth(http.HandlerFunc(s.handleOutboxPoll)))
	mux.Handle("POST /outbox/ack", s.requireAuth(http.HandlerFunc(s.handleOutboxAck)))
	mux.HandleFunc("/", s.handleNotFound)

	return s.recoverPanics(s.observe(mux))
}

// Start binds the listener and serves in the background.
func (s *Server) Start(registry *prometheus.Registry) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)

	server := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(registry),
		ReadHeaderTimeout: 5 * time.Second,
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}

	s.httpServer = server
	s.listener = listener

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			if s.logger != nil {
				s.logger.Error(context.Background(), "http server error", "error", err)
			}
		}
	}()

	if s.logger != nil {
		s.logger.Info(context.Background(), "http server listening", "addr", addr)
	}
	return nil
}

// Addr returns the bound address, useful when the configured port is 0.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown drains in-flight requests within the context deadline.
func (s *Server) Shutdown(ctx context.Context) {
	if s.httpServer == nil {
		return
	}
	if err := s.httpServer.Shutdown(ctx); err != nil && s.logger != nil {
		s.logger.Warn(ctx, "http server shutdown error", "error", err)
	}
	s.httpServer = nil
	s.listener = nil
}
