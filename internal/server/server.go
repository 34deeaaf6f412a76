package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/hibiki/internal/auth"
	"github.com/ashita-ai/hibiki/internal/engine"
	"github.com/ashita-ai/hibiki/internal/ratelimit"
)

// Server wraps the HTTP server with all dependencies.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// Handler returns the fully-wrapped HTTP handler. Useful for tests that
// want to exercise the middleware chain via httptest.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and settings for creating a Server.
type ServerConfig struct {
	Engine *engine.Engine
	Store  Store
	JWTMgr *auth.JWTManager
	Broker *Broker
	Logger *slog.Logger

	// HookLimiter throttles POST /hooks/{rule_id} per rule and client IP.
	// Nil disables throttling.
	HookLimiter ratelimit.Limiter
	MCPServer   *mcpserver.MCPServer

	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	StorageKind         string
	MaxRequestBodyBytes int64
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		Engine:              cfg.Engine,
		Store:               cfg.Store,
		Broker:              cfg.Broker,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		StorageKind:         cfg.StorageKind,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	reqIDFunc := func(r *http.Request) string {
		return RequestIDFromContext(r.Context())
	}
	hookRL := ratelimit.Middleware(cfg.HookLimiter, ratelimit.HookKeyFunc, reqIDFunc, cfg.Logger)

	mux := http.NewServeMux()

	// Tenant API (api-scoped tokens).
	api := requireScope(auth.ScopeAPI)
	mux.Handle("POST /v1/events", api(http.HandlerFunc(h.HandleAppendEvent)))
	mux.Handle("GET /v1/runs", api(http.HandlerFunc(h.HandleListRuns)))
	mux.Handle("GET /v1/runs/stream", api(http.HandlerFunc(h.HandleSubscribe)))
	mux.Handle("GET /v1/runs/{run_id}", api(http.HandlerFunc(h.HandleGetRun)))
	mux.Handle("POST /v1/rules/{rule_id}/trigger", api(http.HandlerFunc(h.HandleTriggerRule)))

	// Agent runner callback: its per-task token or any api token of the tenant.
	taskOrAPI := requireScope(auth.ScopeAPI, auth.ScopeTask)
	mux.Handle("POST /v1/tasks/{task_id}/complete", taskOrAPI(http.HandlerFunc(h.HandleCompleteTask)))

	// Inbound webhook triggers (no bearer auth; signed per rule).
	mux.Handle("POST /hooks/{rule_id}", hookRL(http.HandlerFunc(h.HandleInboundHook)))

	// MCP StreamableHTTP transport (auth via existing middleware chain).
	if cfg.MCPServer != nil {
		mcpHTTP := mcpserver.NewStreamableHTTPServer(cfg.MCPServer)
		mux.Handle("/mcp", api(mcpHTTP))
	}

	mux.HandleFunc("GET /health", h.HandleHealth)

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → auth → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = authMiddleware(cfg.JWTMgr, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           handler,
			ReadTimeout:       cfg.ReadTimeout,
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      cfg.WriteTimeout,
		},
		handler:  handler,
		handlers: h,
		logger:   cfg.Logger,
	}
}

// Start begins listening for HTTP requests. Blocks until the server stops.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully drains HTTP connections.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
