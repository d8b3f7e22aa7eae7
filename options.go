package bunseki

import (
	"log/slog"
)

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported; callers use the With* functions.
type resolvedOptions struct {
	port        int
	store       string
	databaseURL string
	sqlitePath  string
	plannerURL  string
	logger      *slog.Logger
	version     string
	tools       []Tool
	hooks       []ExecutionHook
	middlewares []Middleware
}

// WithPort overrides the TCP port from config (BUNSEKI_PORT env var).
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = port }
}

// WithStore selects the storage backend, "postgres" or "sqlite", overriding
// BUNSEKI_STORE.
func WithStore(kind string) Option {
	return func(o *resolvedOptions) { o.store = kind }
}

// WithDatabaseURL overrides the database connection string from config (DATABASE_URL env var).
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = url }
}

// WithSQLitePath overrides the SQLite database file (BUNSEKI_SQLITE_PATH env var).
func WithSQLitePath(path string) Option {
	return func(o *resolvedOptions) { o.sqlitePath = path }
}

// WithPlannerURL overrides the planner endpoint (BUNSEKI_PLANNER_URL env var).
func WithPlannerURL(url string) Option {
	return func(o *resolvedOptions) { o.plannerURL = url }
}

// WithLogger sets the structured logger for the App.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in the health endpoint and logs.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithTool registers an in-process tool alongside the builtins.
// Names must be unique across builtins, file descriptors and other WithTool calls.
func WithTool(t Tool) Option {
	return func(o *resolvedOptions) { o.tools = append(o.tools, t) }
}

// WithExecutionHook registers a hook notified when executions finish.
// Multiple hooks may be registered; all registered hooks receive every event.
func WithExecutionHook(hook ExecutionHook) Option {
	return func(o *resolvedOptions) { o.hooks = append(o.hooks, hook) }
}

// WithMiddleware registers an outermost HTTP middleware.
// Multiple middlewares may be registered. Applied in registration order:
// the first-registered middleware is outermost (called first by every request).
func WithMiddleware(mw Middleware) Option {
	return func(o *resolvedOptions) { o.middlewares = append(o.middlewares, mw) }
}
