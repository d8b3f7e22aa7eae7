// Package bunseki is the public API for embedding the Bunseki agent
// orchestration server.
//
// Consumers import this package to construct and extend the server without
// forking it:
//
//	app, err := bunseki.New(ctx,
//	    bunseki.WithVersion(version),
//	    bunseki.WithLogger(logger),
//	    bunseki.WithTool(myWarehouseTool{}),
//	    bunseki.WithExecutionHook(myAuditHook{}),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The import graph enforces a strict no-cycle rule: bunseki (root) imports
// internal/*, but internal/* never imports bunseki (root). Public types
// (Execution, ToolDescriptor, etc.) are standalone structs with no internal
// imports; conversion helpers live here because this is the only file that
// sees both sides of the boundary.
package bunseki

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/bunseki/internal/catalog"
	"github.com/ashita-ai/bunseki/internal/config"
	"github.com/ashita-ai/bunseki/internal/mcp"
	"github.com/ashita-ai/bunseki/internal/model"
	"github.com/ashita-ai/bunseki/internal/planner"
	"github.com/ashita-ai/bunseki/internal/ratelimit"
	"github.com/ashita-ai/bunseki/internal/server"
	"github.com/ashita-ai/bunseki/internal/service/execution"
	"github.com/ashita-ai/bunseki/internal/service/orchestrator"
	"github.com/ashita-ai/bunseki/internal/storage"
	"github.com/ashita-ai/bunseki/internal/storage/sqlite"
	"github.com/ashita-ai/bunseki/internal/stream"
	"github.com/ashita-ai/bunseki/internal/telemetry"
	"github.com/ashita-ai/bunseki/internal/toolbox"
	"github.com/ashita-ai/bunseki/internal/toolbox/mcptool"
	"github.com/ashita-ai/bunseki/migrations"
)

// Shutdown phase budgets.
const (
	shutdownHTTPTimeout       = 15 * time.Second
	shutdownExecutionsTimeout = 30 * time.Second
	hookTimeout               = 10 * time.Second
)

// App is the Bunseki server lifecycle. Construct with New(), run with Run().
// App has no public fields; use New() options to configure it.
type App struct {
	cfg          config.Config
	closeStore   func()
	orch         *orchestrator.Orchestrator
	reaper       *orchestrator.Reaper
	srv          *server.Server
	limiter      ratelimit.Limiter
	toolClient   *mcptool.Client // nil when no remote tools are configured
	executions   *hookedExecutions
	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
	version      string

	shutdownOnce sync.Once
	shutdownErr  error
}

// New initialises the Bunseki server. It opens the store, applies the
// schema, builds the tool catalog and wires all subsystems, returning a
// ready-to-run App. It does NOT start any goroutines or accept HTTP
// connections; call Run().
func New(ctx context.Context, opts ...Option) (_ *App, err error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	applyOverrides(&cfg, o)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("bunseki starting", "version", version, "port", cfg.Port, "store", cfg.Store)

	// Undo everything opened so far if a later step fails.
	var cleanups []func()
	defer func() {
		if err != nil {
			for _, c := range slices.Backward(cleanups) {
				c()
			}
		}
	}()

	otelShutdown, err := telemetry.Init(ctx, telemetry.Config{
		Endpoint:    cfg.OTELEndpoint,
		ServiceName: cfg.ServiceName,
		Version:     version,
		Insecure:    cfg.OTELInsecure,
	})
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	cleanups = append(cleanups, func() { _ = otelShutdown(context.Background()) })

	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	cleanups = append(cleanups, closeStore)

	cat, toolClient, err := buildCatalog(ctx, cfg, o.tools, logger, version)
	if err != nil {
		return nil, err
	}
	if toolClient != nil {
		cleanups = append(cleanups, func() { _ = toolClient.Close() })
	}

	hub := stream.NewHub(logger)
	hub.RegisterMetrics()

	plannerClient := planner.New(cfg.PlannerURL,
		planner.WithToken(cfg.PlannerToken),
		planner.WithTimeout(cfg.PlannerTimeout),
	)
	orch := orchestrator.New(store, cat, plannerClient, hub, logger, orchestrator.Options{
		ResearchLoopCap:    cfg.ResearchLoopCap,
		MaxLoopIterations:  cfg.MaxLoopIterations,
		DefaultToolTimeout: cfg.DefaultToolTimeout,
		ToolRetryDelay:     cfg.ToolRetryDelay,
		Text: stream.TextOptions{
			MinInterval:      cfg.StreamMinInterval,
			MinChars:         cfg.StreamMinChars,
			SnapshotInterval: cfg.StreamSnapshotInterval,
			ChunkSize:        cfg.StreamChunkSize,
		},
	})

	var limiter ratelimit.Limiter
	if cfg.StartRateLimit > 0 {
		limiter = ratelimit.NewMemoryLimiter(cfg.StartRateLimit, cfg.StartRateBurst)
		logger.Info("rate limiting: memory (in-process token bucket)",
			"rps", cfg.StartRateLimit, "burst", cfg.StartRateBurst)
	} else {
		limiter = ratelimit.NoopLimiter{}
		logger.Info("rate limiting: disabled")
	}

	executions := &hookedExecutions{Orchestrator: orch, hooks: o.hooks, logger: logger}
	mcpSrv := mcp.New(cat, orch, logger, version)

	middlewares := make([]func(http.Handler) http.Handler, 0, len(o.middlewares))
	for _, mw := range o.middlewares {
		middlewares = append(middlewares, mw)
	}

	srv := server.New(server.ServerConfig{
		Executions:          executions,
		Catalog:             cat,
		Hub:                 hub,
		Store:               store,
		Logger:              logger,
		Limiter:             limiter,
		MCPServer:           mcpSrv.MCPServer(),
		Middlewares:         middlewares,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		StoreName:           cfg.Store,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	return &App{
		cfg:          cfg,
		closeStore:   closeStore,
		orch:         orch,
		reaper:       orch.NewReaper(cfg.StaleExecutionTimeout, cfg.ReaperInterval),
		srv:          srv,
		limiter:      limiter,
		toolClient:   toolClient,
		executions:   executions,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}, nil
}

// Handler returns the root HTTP handler, for tests and for embedding in
// another server.
func (a *App) Handler() http.Handler {
	return a.srv.Handler()
}

// Run starts the stale-run reaper and the HTTP server, then blocks until
// ctx is cancelled or a fatal server error occurs. On return, Shutdown has
// been called; callers should not call Shutdown separately.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return a.reaper.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		return a.Shutdown(context.Background())
	})

	return g.Wait()
}

// Shutdown performs a two-phase graceful shutdown:
// (1) stop accepting HTTP requests and drain in-flight ones,
// (2) cancel active executions and wait for their terminal rows.
// It then closes the tool client, the store and the OTEL provider.
// Shutdown is idempotent.
func (a *App) Shutdown(ctx context.Context) error {
	a.shutdownOnce.Do(func() {
		a.shutdownErr = a.shutdown(ctx)
	})
	return a.shutdownErr
}

func (a *App) shutdown(ctx context.Context) error {
	a.logger.Info("bunseki shutting down")
	var errs []error

	// Phase 1: HTTP drain.
	httpCtx, httpCancel := context.WithTimeout(ctx, shutdownHTTPTimeout)
	if err := a.srv.Shutdown(httpCtx); err != nil {
		a.logger.Error("http shutdown error", "error", err)
		errs = append(errs, err)
	}
	httpCancel()

	// Phase 2: executions. Cancelled runs still record their terminal state.
	execCtx, execCancel := context.WithTimeout(ctx, shutdownExecutionsTimeout)
	if err := a.orch.Shutdown(execCtx); err != nil {
		a.logger.Error("executions did not finish before shutdown deadline",
			"error", err, "active", a.orch.Active())
		errs = append(errs, err)
	}
	execCancel()
	a.executions.wait()

	// Cleanup.
	_ = a.limiter.Close()
	if a.toolClient != nil {
		if err := a.toolClient.Close(); err != nil {
			a.logger.Warn("mcp tool client close", "error", err)
		}
	}
	a.closeStore()
	_ = a.otelShutdown(context.Background())

	a.logger.Info("bunseki stopped")
	return errors.Join(errs...)
}

func applyOverrides(cfg *config.Config, o resolvedOptions) {
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.store != "" {
		cfg.Store = o.store
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	if o.sqlitePath != "" {
		cfg.SQLitePath = o.sqlitePath
	}
	if o.plannerURL != "" {
		cfg.PlannerURL = o.plannerURL
	}
}

// openStore connects the configured backend and brings its schema up to date.
func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (execution.Store, func(), error) {
	switch cfg.Store {
	case config.StoreSQLite:
		s, err := sqlite.Open(ctx, cfg.SQLitePath, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("storage: %w", err)
		}
		logger.Info("storage: sqlite", "path", cfg.SQLitePath)
		return s, func() { _ = s.Close() }, nil
	default:
		db, err := storage.New(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("storage: %w", err)
		}
		if err := db.RunMigrations(ctx, migrations.FS); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("migrations: %w", err)
		}
		db.RegisterPoolMetrics()
		logger.Info("storage: postgres")
		return db, db.Close, nil
	}
}

// buildCatalog registers the builtins, embedder tools and, when configured,
// the descriptors bound to the remote MCP tool server.
func buildCatalog(ctx context.Context, cfg config.Config, extra []Tool, logger *slog.Logger, version string) (*catalog.Catalog, *mcptool.Client, error) {
	cat := catalog.New()
	for _, t := range toolbox.Builtins() {
		if err := cat.Register(t); err != nil {
			return nil, nil, fmt.Errorf("catalog: %w", err)
		}
	}
	for _, t := range extra {
		if err := cat.Register(&publicTool{t: t, desc: fromPublicDescriptor(t.Descriptor())}); err != nil {
			return nil, nil, fmt.Errorf("catalog: %w", err)
		}
	}

	if cfg.ToolsFile == "" {
		logger.Info("remote tools: disabled (no BUNSEKI_TOOLS_FILE)", "tools", cat.Len())
		return cat, nil, nil
	}

	descs, err := toolbox.LoadDescriptors(cfg.ToolsFile)
	if err != nil {
		return nil, nil, err
	}
	client, err := mcptool.Dial(ctx, cfg.ToolsMCPURL, logger, mcptool.Options{Version: version})
	if err != nil {
		return nil, nil, err
	}
	remote, err := client.RemoteTools(ctx)
	if err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	for _, d := range descs {
		if !slices.Contains(remote, d.Name) {
			logger.Warn("remote tools: descriptor has no matching tool on the server", "tool", d.Name)
		}
		if err := cat.Register(client.Bind(d)); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("catalog: %w", err)
		}
	}
	logger.Info("remote tools: enabled", "url", cfg.ToolsMCPURL, "descriptors", len(descs), "tools", cat.Len())
	return cat, client, nil
}

// hookedExecutions fires ExecutionHooks once each run started through it
// finishes.
type hookedExecutions struct {
	*orchestrator.Orchestrator
	hooks  []ExecutionHook
	logger *slog.Logger
	wg     sync.WaitGroup
}

func (h *hookedExecutions) Start(ctx context.Context, req model.StartExecutionRequest) (model.AgentExecution, error) {
	e, err := h.Orchestrator.Start(ctx, req)
	if err != nil || len(h.hooks) == 0 {
		return e, err
	}
	// A nil channel means the run already finished.
	done := h.Done(e.ID)
	h.wg.Go(func() {
		if done != nil {
			<-done
		}
		h.notify(e.ID)
	})
	return e, nil
}

func (h *hookedExecutions) notify(id uuid.UUID) {
	ctx, cancel := context.WithTimeout(context.Background(), hookTimeout)
	defer cancel()
	detail, err := h.Detail(ctx, id)
	if err != nil {
		h.logger.Warn("execution hook: load execution failed", "execution_id", id, "error", err)
		return
	}
	pub := toPublicExecution(detail.Execution)
	for _, hook := range h.hooks {
		if err := hook.OnExecutionFinished(ctx, pub); err != nil {
			h.logger.Warn("execution hook OnExecutionFinished failed", "execution_id", id, "error", err)
		}
	}
}

func (h *hookedExecutions) wait() {
	h.wg.Wait()
}

// ── Adapters (defined here because this file imports both sides) ───────────────

// publicTool wraps a bunseki.Tool to satisfy catalog.Tool.
type publicTool struct {
	t    Tool
	desc catalog.Descriptor
}

func (p *publicTool) Descriptor() catalog.Descriptor { return p.desc }

func (p *publicTool) Run(ctx context.Context, inv catalog.Invocation) (catalog.Result, error) {
	res, err := p.t.Run(ctx, ToolInvocation{
		ExecutionID:    inv.ExecutionID,
		DecisionID:     inv.DecisionID,
		Attempt:        inv.Attempt,
		IdempotencyKey: inv.IdempotencyKey,
		Arguments:      inv.Arguments,
		OrgID:          inv.Runtime.OrgID,
		UserID:         inv.Runtime.UserID,
		RequestID:      inv.Runtime.RequestID,
	})
	if err != nil {
		return catalog.Result{}, err
	}
	return catalog.Result{
		Output: res.Output,
		Observation: catalog.Observation{
			Summary:          res.Summary,
			Artifacts:        res.Artifacts,
			AnalysisComplete: res.AnalysisComplete,
			FinalAnswer:      res.FinalAnswer,
			Trigger:          res.Trigger,
		},
	}, nil
}

func fromPublicDescriptor(d ToolDescriptor) catalog.Descriptor {
	policy := catalog.ObservationPolicy(d.ObservationPolicy)
	if policy == "" {
		policy = catalog.ObserveAlways
	}
	return catalog.Descriptor{
		Name:                d.Name,
		Description:         d.Description,
		Category:            catalog.Category(d.Category),
		Version:             d.Version,
		InputSchema:         d.InputSchema,
		MaxRetries:          d.MaxRetries,
		TimeoutSeconds:      d.TimeoutSeconds,
		Tags:                d.Tags,
		RequiredPermissions: d.RequiredPermissions,
		EnabledForOrgs:      d.EnabledForOrgs,
		IsActive:            true,
		Idempotent:          d.Idempotent,
		ObservationPolicy:   policy,
	}
}

func toPublicExecution(e model.AgentExecution) Execution {
	out := Execution{
		ID:              e.ID,
		RequestID:       e.RequestID,
		ReportID:        e.ReportID,
		OrgID:           e.OrgID,
		UserID:          e.UserID,
		Status:          ExecutionStatus(e.Status),
		StartedAt:       e.StartedAt,
		CompletedAt:     e.CompletedAt,
		TotalDurationMs: e.TotalDurationMs,
		LatestSeq:       e.LatestSeq,
		TokenUsage: TokenUsage{
			PromptTokens:     e.TokenUsage.PromptTokens,
			CompletionTokens: e.TokenUsage.CompletionTokens,
			TotalTokens:      e.TokenUsage.TotalTokens,
		},
	}
	if e.Error != nil {
		out.ErrorKind = string(e.Error.Kind)
		out.ErrorMessage = e.Error.Message
	}
	return out
}
