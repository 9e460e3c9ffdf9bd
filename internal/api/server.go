package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/parleyhq/parley/internal/log"
)

// ServerConfig wires the server's collaborators.
type ServerConfig struct {
	Addr      string
	Store     SessionStore // required
	Generator Generator    // required
	Evictor   Evictor      // required
	Pool      *pgxpool.Pool // optional, enables readiness DB ping
	Logger    log.Logger

	// Session defaults applied when a create request omits fields.
	DefaultModel        string
	DefaultSystemPrompt string
	DefaultTemperature  float64
	DefaultMaxTokens    int
}

// Server is the HTTP server for the chat and session API.
type Server struct {
	addr    string
	handler http.Handler
	logger  log.Logger
}

// NewServer configures all routes and the middleware stack. Health probes
// bypass the middleware so they stay fast.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Store == nil {
		return nil, errors.New("session store is required")
	}
	if cfg.Generator == nil {
		return nil, errors.New("generator is required")
	}
	if cfg.Evictor == nil {
		return nil, errors.New("evictor is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = log.NewNop()
	}

	d := defaults{
		ModelName:    cfg.DefaultModel,
		SystemPrompt: cfg.DefaultSystemPrompt,
		Temperature:  cfg.DefaultTemperature,
		MaxTokens:    cfg.DefaultMaxTokens,
	}

	sh := newSessionHandler(cfg.Store, cfg.Evictor, d, logger)
	ch := newChatHandler(cfg.Store, cfg.Generator, d, logger)

	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/v1/sessions", sh.create)
	mux.HandleFunc("GET /api/v1/sessions", sh.list)
	mux.HandleFunc("GET /api/v1/sessions/search", sh.search)
	mux.HandleFunc("GET /api/v1/sessions/{id}", sh.get)
	mux.HandleFunc("PUT /api/v1/sessions/{id}", sh.update)
	mux.HandleFunc("DELETE /api/v1/sessions/{id}", sh.delete)
	mux.HandleFunc("GET /api/v1/sessions/{id}/messages", sh.listMessages)
	mux.HandleFunc("DELETE /api/v1/sessions/{id}/messages", sh.clearMessages)

	mux.HandleFunc("POST /api/v1/chat", ch.send)
	mux.HandleFunc("POST /api/v1/chat/stream", ch.stream)

	// Middleware stack, outermost first: Recovery → Logging → Routes.
	var handler http.Handler = mux
	handler = loggingMiddleware(logger)(handler)
	handler = recoveryMiddleware(logger)(handler)

	topMux := http.NewServeMux()
	topMux.HandleFunc("GET /health", health(logger))
	topMux.HandleFunc("GET /ready", readiness(cfg.Pool, logger))
	topMux.Handle("/", handler)

	return &Server{addr: cfg.Addr, handler: topMux, logger: logger}, nil
}

// Handler returns the server as an http.Handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Run serves until ctx is canceled, then shuts down gracefully. The write
// timeout is left unset: SSE streams stay open for the length of a
// generation.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	s.logger.Info("server listening", "addr", s.addr)

	select {
	case err := <-errCh:
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	s.logger.Info("server stopped")
	return nil
}
