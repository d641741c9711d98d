// Package api provides HTTP handlers and the main API server logic for AssistBot.
//
// It exposes RESTful endpoints for starting chatbot conversations, recording
// responses, reading conversation history, and the admin surface. The API
// integrates with the flow engine and store modules.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/rentline/assistbot/internal/flow"
	"github.com/rentline/assistbot/internal/store"
)

// DefaultAddr is the listen address used when none is configured.
const DefaultAddr = ":8080"

// Server holds the dependencies shared by all HTTP handlers.
type Server struct {
	engine *flow.Engine
	st     store.Store
	addr   string
}

// Opts holds configuration options for the API server.
type Opts struct {
	Addr string
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// NewServer creates an API server around the flow engine and store.
func NewServer(engine *flow.Engine, st store.Store, opts ...Option) *Server {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	return &Server{
		engine: engine,
		st:     st,
		addr:   cfg.Addr,
	}
}

// Handler builds the routing table. Method-qualified patterns give us 405
// handling for free.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /chat/start", s.startChatHandler)
	mux.HandleFunc("POST /chat/respond", s.respondHandler)
	mux.HandleFunc("GET /chat/{id}/history", s.historyHandler)
	mux.HandleFunc("GET /admin/conversations", s.listConversationsHandler)
	mux.HandleFunc("POST /admin/conversations/{id}/abandon", s.abandonHandler)
	mux.HandleFunc("GET /health", s.healthHandler)
	return mux
}

// Run starts the HTTP server and blocks until the context is cancelled,
// then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.addr,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("AssistBot API running", "addr", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		slog.Info("Server.Run: shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server.Run: listen failed", "error", err)
			return err
		}
		return nil
	}
}
