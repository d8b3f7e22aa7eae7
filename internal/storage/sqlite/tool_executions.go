package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/ashita-ai/bunseki/internal/model"
	"github.com/ashita-ai/bunseki/internal/storage"
)

const toolExecutionColumns = `id, agent_execution_id, plan_decision_id, seq, tool_name, tool_action, arguments,
	idempotency_key, status, success, attempt_number, max_retries, started_at, completed_at, duration_ms,
	result_summary, result_payload, artifact_refs, error_message`

// CreateToolExecution inserts an in_progress attempt.
func (s *Store) CreateToolExecution(ctx context.Context, te model.ToolExecution) error {
	if te.Arguments == nil {
		te.Arguments = map[string]any{}
	}
	args, err := encodeJSON(te.Arguments)
	if err != nil {
		return fmt.Errorf("sqlite: encode arguments: %w", err)
	}
	refs, err := encodeJSON(nonNil(te.ArtifactRefs))
	if err != nil {
		return fmt.Errorf("sqlite: encode artifact refs: %w", err)
	}
	var decisionID any
	if te.DecisionID != nil {
		decisionID = te.DecisionID.String()
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tool_executions (id, agent_execution_id, plan_decision_id, seq, tool_name, tool_action,
		 arguments, idempotency_key, status, success, attempt_number, max_retries, started_at, artifact_refs)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		te.ID.String(), te.ExecutionID.String(), decisionID, te.Seq, te.ToolName, te.ToolAction,
		args, te.IdempotencyKey, string(te.Status), te.Success, te.AttemptNumber, te.MaxRetries,
		formatTime(te.StartedAt), refs,
	)
	if err != nil {
		return fmt.Errorf("sqlite: create tool execution: %w", err)
	}
	return nil
}

// FinishToolExecution writes the outcome of an in_progress attempt.
func (s *Store) FinishToolExecution(ctx context.Context, te model.ToolExecution) error {
	refs, err := encodeJSON(nonNil(te.ArtifactRefs))
	if err != nil {
		return fmt.Errorf("sqlite: encode artifact refs: %w", err)
	}
	var payload any
	if te.ResultPayload != nil {
		p, err := encodeJSON(te.ResultPayload)
		if err != nil {
			return fmt.Errorf("sqlite: encode result payload: %w", err)
		}
		payload = p
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE tool_executions
		 SET status = ?, success = ?, completed_at = ?, duration_ms = ?, result_summary = ?,
		     result_payload = ?, artifact_refs = ?, error_message = ?
		 WHERE id = ? AND status = 'in_progress'`,
		string(te.Status), te.Success, formatTimePtr(te.CompletedAt), te.DurationMs, te.ResultSummary,
		payload, refs, te.ErrorMessage, te.ID.String(),
	)
	if err != nil {
		return fmt.Errorf("sqlite: finish tool execution: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: finish tool execution: %w", err)
	}
	if n == 0 {
		if _, err := s.GetToolExecution(ctx, te.ID); err != nil {
			return err
		}
		return fmt.Errorf("%w: tool execution %s", storage.ErrNotInProgress, te.ID)
	}
	return nil
}

// GetToolExecution retrieves one attempt by ID.
func (s *Store) GetToolExecution(ctx context.Context, id uuid.UUID) (model.ToolExecution, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+toolExecutionColumns+` FROM tool_executions WHERE id = ?`, id.String())
	te, err := scanToolExecution(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.ToolExecution{}, fmt.Errorf("%w: tool execution %s", storage.ErrNotFound, id)
		}
		return model.ToolExecution{}, fmt.Errorf("sqlite: get tool execution: %w", err)
	}
	return te, nil
}

// ListToolExecutions returns every attempt of an execution ordered by seq.
func (s *Store) ListToolExecutions(ctx context.Context, executionID uuid.UUID) ([]model.ToolExecution, error) {
	return s.queryToolExecutions(ctx,
		`SELECT `+toolExecutionColumns+` FROM tool_executions WHERE agent_execution_id = ? ORDER BY seq`,
		executionID.String())
}

// ListActiveToolExecutions returns the in_progress attempts of an execution.
func (s *Store) ListActiveToolExecutions(ctx context.Context, executionID uuid.UUID) ([]model.ToolExecution, error) {
	return s.queryToolExecutions(ctx,
		`SELECT `+toolExecutionColumns+` FROM tool_executions
		 WHERE agent_execution_id = ? AND status = 'in_progress' ORDER BY seq`,
		executionID.String())
}

// ListDecisionArtifacts returns the artifact refs already recorded by
// attempts of a decision.
func (s *Store) ListDecisionArtifacts(ctx context.Context, decisionID uuid.UUID) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT j.value FROM tool_executions t, json_each(t.artifact_refs) j
		 WHERE t.plan_decision_id = ?`, decisionID.String())
	if err != nil {
		return nil, fmt.Errorf("sqlite: list decision artifacts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var refs []string
	for rows.Next() {
		var ref string
		if err := rows.Scan(&ref); err != nil {
			return nil, fmt.Errorf("sqlite: scan artifact ref: %w", err)
		}
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}

func (s *Store) queryToolExecutions(ctx context.Context, query string, args ...any) ([]model.ToolExecution, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list tool executions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.ToolExecution
	for rows.Next() {
		te, err := scanToolExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan tool execution: %w", err)
		}
		out = append(out, te)
	}
	return out, rows.Err()
}

func scanToolExecution(row scanner) (model.ToolExecution, error) {
	var (
		te                    model.ToolExecution
		id, execID, status    string
		args, started, refs   string
		decisionID, completed sql.NullString
		payload               sql.NullString
		duration              sql.NullInt64
	)
	if err := row.Scan(&id, &execID, &decisionID, &te.Seq, &te.ToolName, &te.ToolAction, &args,
		&te.IdempotencyKey, &status, &te.Success, &te.AttemptNumber, &te.MaxRetries, &started,
		&completed, &duration, &te.ResultSummary, &payload, &refs, &te.ErrorMessage); err != nil {
		return model.ToolExecution{}, err
	}

	var err error
	if te.ID, err = uuid.Parse(id); err != nil {
		return model.ToolExecution{}, err
	}
	if te.ExecutionID, err = uuid.Parse(execID); err != nil {
		return model.ToolExecution{}, err
	}
	if decisionID.Valid {
		did, err := uuid.Parse(decisionID.String)
		if err != nil {
			return model.ToolExecution{}, err
		}
		te.DecisionID = &did
	}
	if te.StartedAt, err = parseTime(started); err != nil {
		return model.ToolExecution{}, err
	}
	if te.CompletedAt, err = parseTimePtr(completed); err != nil {
		return model.ToolExecution{}, err
	}
	if duration.Valid {
		d := duration.Int64
		te.DurationMs = &d
	}
	if err := json.Unmarshal([]byte(args), &te.Arguments); err != nil {
		return model.ToolExecution{}, err
	}
	if payload.Valid {
		if err := json.Unmarshal([]byte(payload.String), &te.ResultPayload); err != nil {
			return model.ToolExecution{}, err
		}
	}
	if err := json.Unmarshal([]byte(refs), &te.ArtifactRefs); err != nil {
		return model.ToolExecution{}, err
	}
	te.Status = model.ToolStatus(status)
	return te, nil
}

func nonNil(refs []string) []string {
	if refs == nil {
		return []string{}
	}
	return refs
}
