package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/tidybot/publisher/internal/forge"
	"github.com/tidybot/publisher/internal/publish"
	"github.com/tidybot/publisher/internal/storage"
)

// Server is the publisher HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a
// Server. Optional fields (nil-safe): Broker, Forge, SSHKeys, PGPKeys.
type ServerConfig struct {
	DB         *storage.DB
	Executor   *publish.Executor
	Reconciler *publish.Reconciler
	Scanner    *publish.Scanner
	Forge      forge.Client
	Broker     *Broker
	Logger     *slog.Logger

	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	Version      string

	// Public key material served on /credentials.
	SSHKeys []string
	PGPKeys []string
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		DB:         cfg.DB,
		Executor:   cfg.Executor,
		Reconciler: cfg.Reconciler,
		Scanner:    cfg.Scanner,
		Forge:      cfg.Forge,
		Broker:     cfg.Broker,
		Logger:     cfg.Logger,
		Version:    cfg.Version,
		SSHKeys:    cfg.SSHKeys,
		PGPKeys:    cfg.PGPKeys,
	})

	mux := http.NewServeMux()

	// Operational actions.
	mux.HandleFunc("POST /{suite}/{package}/publish", h.HandlePublish)
	mux.HandleFunc("POST /check-proposal", h.HandleCheckProposal)
	mux.HandleFunc("POST /refresh-status", h.HandleRefreshStatus)
	mux.HandleFunc("POST /scan", h.HandleScan)
	mux.HandleFunc("POST /autopublish", h.HandleAutopublish)

	// Introspection.
	mux.HandleFunc("GET /credentials", h.HandleCredentials)
	mux.HandleFunc("GET /health", h.HandleHealth)

	// Event streams (long-lived connections, no write timeout).
	mux.HandleFunc("GET /ws/publish", h.HandleSubscribePublish)
	mux.HandleFunc("GET /ws/merge-proposal", h.HandleSubscribeMergeProposal)

	// Middleware chain (outermost executes first):
	// request ID → tracing → logging → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler:  handler,
		handlers: h,
		logger:   cfg.Logger,
	}
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
