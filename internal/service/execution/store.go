// Package execution owns the persisted state of an agent execution: the run
// lifecycle, its sequence counter, and the trackers that record plan
// decisions, tool executions and context snapshots.
//
// Both the orchestrator and the HTTP/MCP surfaces go through this package so
// that terminal transitions, seq assignment and artifact dedupe behave the
// same regardless of caller.
package execution

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/bunseki/internal/model"
)

// Store is the persistence contract shared by the Postgres and SQLite
// backends.
type Store interface {
	CreateExecution(ctx context.Context, e model.AgentExecution) error
	GetExecution(ctx context.Context, id uuid.UUID) (model.AgentExecution, error)
	NextSeq(ctx context.Context, id uuid.UUID) (int64, error)
	FinishExecution(ctx context.Context, e model.AgentExecution) error
	ListStaleExecutions(ctx context.Context, cutoff time.Time, limit int) ([]model.AgentExecution, error)
	CountActiveExecutions(ctx context.Context) (int, error)

	CreateDecision(ctx context.Context, d model.PlanDecision) error
	ListDecisions(ctx context.Context, executionID uuid.UUID) ([]model.PlanDecision, error)

	CreateToolExecution(ctx context.Context, te model.ToolExecution) error
	FinishToolExecution(ctx context.Context, te model.ToolExecution) error
	GetToolExecution(ctx context.Context, id uuid.UUID) (model.ToolExecution, error)
	ListToolExecutions(ctx context.Context, executionID uuid.UUID) ([]model.ToolExecution, error)
	ListActiveToolExecutions(ctx context.Context, executionID uuid.UUID) ([]model.ToolExecution, error)
	ListDecisionArtifacts(ctx context.Context, decisionID uuid.UUID) ([]string, error)

	CreateSnapshot(ctx context.Context, s model.ContextSnapshot) error
	GetSnapshot(ctx context.Context, id uuid.UUID) (model.ContextSnapshot, error)

	Ping(ctx context.Context) error
}

// Clock returns the current time. Tests substitute a fixed clock.
type Clock func() time.Time

// now truncates to microseconds, the resolution Postgres keeps, so that
// durations computed here match what a reader recomputes from stored rows.
func (c Clock) now() time.Time {
	if c == nil {
		return time.Now().UTC().Truncate(time.Microsecond)
	}
	return c().UTC().Truncate(time.Microsecond)
}
