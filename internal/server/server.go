package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/bunseki/internal/catalog"
	"github.com/ashita-ai/bunseki/internal/model"
	"github.com/ashita-ai/bunseki/internal/ratelimit"
	"github.com/ashita-ai/bunseki/internal/stream"
)

// Executions is the orchestrator surface the HTTP handlers drive.
type Executions interface {
	Start(ctx context.Context, req model.StartExecutionRequest) (model.AgentExecution, error)
	Cancel(id uuid.UUID) bool
	IsActive(id uuid.UUID) bool
	Active() int
	Detail(ctx context.Context, id uuid.UUID) (model.ExecutionDetail, error)
	Snapshot(ctx context.Context, id uuid.UUID) (model.ContextSnapshot, error)
}

// Pinger reports store connectivity for /health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server is the Bunseki HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// ServerConfig holds all dependencies and configuration for creating a Server.
// Optional fields (nil-safe): Limiter, MCPServer, Middlewares.
type ServerConfig struct {
	// Required dependencies.
	Executions Executions
	Catalog    *catalog.Catalog
	Hub        *stream.Hub
	Store      Pinger
	Logger     *slog.Logger

	// Optional dependencies (nil = disabled).
	Limiter   ratelimit.Limiter
	MCPServer *mcpserver.MCPServer

	// Middlewares wrap the whole handler, outermost first. They see every
	// request including /health.
	Middlewares []func(http.Handler) http.Handler

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	StoreName           string
	MaxRequestBodyBytes int64
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		Executions:          cfg.Executions,
		Catalog:             cfg.Catalog,
		Hub:                 cfg.Hub,
		Store:               cfg.Store,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		StoreName:           cfg.StoreName,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	// Starting a run is the only expensive write; limit it per organization.
	startRL := ratelimit.Middleware(cfg.Limiter, ratelimit.HeaderKeyFunc("X-Org-ID"), rejectRateLimited, cfg.Logger)

	mux := http.NewServeMux()

	// Tool catalog.
	mux.HandleFunc("GET /v1/tools", h.HandleListTools)
	mux.HandleFunc("GET /v1/tools/catalog", h.HandleToolCatalog)

	// Executions.
	mux.Handle("POST /v1/executions", startRL(http.HandlerFunc(h.HandleStartExecution)))
	mux.HandleFunc("GET /v1/executions/{id}", h.HandleGetExecution)
	mux.HandleFunc("POST /v1/executions/{id}/cancel", h.HandleCancelExecution)
	mux.HandleFunc("GET /v1/snapshots/{id}", h.HandleGetSnapshot)

	// Event stream (no rate limit, long-lived connection).
	mux.HandleFunc("GET /v1/executions/{id}/events", h.HandleExecutionEvents)

	// MCP StreamableHTTP transport.
	if cfg.MCPServer != nil {
		mux.Handle("/mcp", mcpserver.NewStreamableHTTPServer(cfg.MCPServer))
	}

	mux.HandleFunc("GET /health", h.HandleHealth)

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(newHTTPMetrics(), handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)
	for i := len(cfg.Middlewares) - 1; i >= 0; i-- {
		handler = cfg.Middlewares[i](handler)
	}

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler: handler,
		logger:  cfg.Logger,
	}
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
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

func rejectRateLimited(w http.ResponseWriter, r *http.Request) {
	writeError(w, r, http.StatusTooManyRequests, model.ErrCodeRateLimited, "rate limit exceeded")
}
