package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/bunseki/internal/model"
)

const toolExecutionColumns = `id, agent_execution_id, plan_decision_id, seq, tool_name, tool_action, arguments,
	idempotency_key, status, success, attempt_number, max_retries, started_at, completed_at, duration_ms,
	result_summary, result_payload, artifact_refs, error_message`

// CreateToolExecution inserts an in_progress attempt.
func (db *DB) CreateToolExecution(ctx context.Context, te model.ToolExecution) error {
	if te.Arguments == nil {
		te.Arguments = map[string]any{}
	}
	if te.ArtifactRefs == nil {
		te.ArtifactRefs = []string{}
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO tool_executions (id, agent_execution_id, plan_decision_id, seq, tool_name, tool_action,
		 arguments, idempotency_key, status, success, attempt_number, max_retries, started_at, artifact_refs)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		te.ID, te.ExecutionID, te.DecisionID, te.Seq, te.ToolName, te.ToolAction,
		te.Arguments, te.IdempotencyKey, string(te.Status), te.Success, te.AttemptNumber, te.MaxRetries,
		te.StartedAt, te.ArtifactRefs,
	)
	if err != nil {
		return fmt.Errorf("storage: create tool execution: %w", err)
	}
	return nil
}

// FinishToolExecution writes the outcome of an in_progress attempt.
// A finished attempt is never rewritten; ErrNotInProgress is returned instead.
func (db *DB) FinishToolExecution(ctx context.Context, te model.ToolExecution) error {
	if te.ArtifactRefs == nil {
		te.ArtifactRefs = []string{}
	}
	tag, err := db.pool.Exec(ctx,
		`UPDATE tool_executions
		 SET status = $1, success = $2, completed_at = $3, duration_ms = $4, result_summary = $5,
		     result_payload = $6, artifact_refs = $7, error_message = $8
		 WHERE id = $9 AND status = 'in_progress'`,
		string(te.Status), te.Success, te.CompletedAt, te.DurationMs, te.ResultSummary,
		te.ResultPayload, te.ArtifactRefs, te.ErrorMessage, te.ID,
	)
	if err != nil {
		return fmt.Errorf("storage: finish tool execution: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := db.GetToolExecution(ctx, te.ID); err != nil {
			return err
		}
		return fmt.Errorf("%w: tool execution %s", ErrNotInProgress, te.ID)
	}
	return nil
}

// GetToolExecution retrieves one attempt by ID.
func (db *DB) GetToolExecution(ctx context.Context, id uuid.UUID) (model.ToolExecution, error) {
	rows, err := db.pool.Query(ctx, `SELECT `+toolExecutionColumns+` FROM tool_executions WHERE id = $1`, id)
	if err != nil {
		return model.ToolExecution{}, fmt.Errorf("storage: get tool execution: %w", err)
	}
	te, err := pgx.CollectExactlyOneRow(rows, scanToolExecution)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.ToolExecution{}, fmt.Errorf("%w: tool execution %s", ErrNotFound, id)
		}
		return model.ToolExecution{}, fmt.Errorf("storage: get tool execution: %w", err)
	}
	return te, nil
}

// ListToolExecutions returns every attempt of an execution ordered by seq.
func (db *DB) ListToolExecutions(ctx context.Context, executionID uuid.UUID) ([]model.ToolExecution, error) {
	return db.queryToolExecutions(ctx,
		`SELECT `+toolExecutionColumns+` FROM tool_executions WHERE agent_execution_id = $1 ORDER BY seq`,
		executionID)
}

// ListActiveToolExecutions returns the in_progress attempts of an execution.
func (db *DB) ListActiveToolExecutions(ctx context.Context, executionID uuid.UUID) ([]model.ToolExecution, error) {
	return db.queryToolExecutions(ctx,
		`SELECT `+toolExecutionColumns+` FROM tool_executions
		 WHERE agent_execution_id = $1 AND status = 'in_progress' ORDER BY seq`,
		executionID)
}

// ListDecisionArtifacts returns the artifact refs already recorded by earlier
// attempts of a decision.
func (db *DB) ListDecisionArtifacts(ctx context.Context, decisionID uuid.UUID) ([]string, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT DISTINCT unnest(artifact_refs) FROM tool_executions WHERE plan_decision_id = $1`, decisionID)
	if err != nil {
		return nil, fmt.Errorf("storage: list decision artifacts: %w", err)
	}
	refs, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("storage: scan decision artifacts: %w", err)
	}
	return refs, nil
}

func (db *DB) queryToolExecutions(ctx context.Context, sql string, args ...any) ([]model.ToolExecution, error) {
	rows, err := db.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: list tool executions: %w", err)
	}
	out, err := pgx.CollectRows(rows, scanToolExecution)
	if err != nil {
		return nil, fmt.Errorf("storage: scan tool executions: %w", err)
	}
	return out, nil
}

func scanToolExecution(row pgx.CollectableRow) (model.ToolExecution, error) {
	var (
		te     model.ToolExecution
		status string
	)
	err := row.Scan(
		&te.ID, &te.ExecutionID, &te.DecisionID, &te.Seq, &te.ToolName, &te.ToolAction, &te.Arguments,
		&te.IdempotencyKey, &status, &te.Success, &te.AttemptNumber, &te.MaxRetries, &te.StartedAt,
		&te.CompletedAt, &te.DurationMs, &te.ResultSummary, &te.ResultPayload, &te.ArtifactRefs, &te.ErrorMessage,
	)
	if err != nil {
		return model.ToolExecution{}, err
	}
	te.Status = model.ToolStatus(status)
	te.StartedAt = te.StartedAt.UTC()
	if te.CompletedAt != nil {
		t := te.CompletedAt.UTC()
		te.CompletedAt = &t
	}
	return te, nil
}
