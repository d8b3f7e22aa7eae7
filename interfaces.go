package bunseki

import (
	"context"
	"net/http"
)

// Tool is an embedder-provided tool registered via WithTool.
// Run must honour ctx: the orchestrator cancels it on timeout and when the
// execution is cancelled.
type Tool interface {
	Descriptor() ToolDescriptor
	Run(ctx context.Context, inv ToolInvocation) (ToolResult, error)
}

// ExecutionHook receives async notifications when an execution started over
// HTTP reaches a terminal state.
// Multiple hooks may be registered via multiple WithExecutionHook calls.
// Hook methods run in goroutines and must not block indefinitely.
// Failures are logged and never affect the execution.
type ExecutionHook interface {
	OnExecutionFinished(ctx context.Context, execution Execution) error
}

// Middleware wraps the root HTTP handler.
// Applied outermost (before routing), so it sees all requests including /health.
// Multiple middlewares are applied in registration order (first-registered = outermost).
type Middleware func(http.Handler) http.Handler
