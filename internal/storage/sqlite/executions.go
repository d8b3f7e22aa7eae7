package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/bunseki/internal/model"
	"github.com/ashita-ai/bunseki/internal/storage"
)

const executionColumns = `id, request_id, report_id, org_id, user_id, status, started_at, completed_at,
	total_duration_ms, latest_seq, token_usage, error_kind, error_message, config`

// CreateExecution inserts a new in_progress execution.
func (s *Store) CreateExecution(ctx context.Context, e model.AgentExecution) error {
	if e.Config == nil {
		e.Config = map[string]any{}
	}
	usage, err := encodeJSON(e.TokenUsage)
	if err != nil {
		return fmt.Errorf("sqlite: encode token usage: %w", err)
	}
	cfg, err := encodeJSON(e.Config)
	if err != nil {
		return fmt.Errorf("sqlite: encode config: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO agent_executions (id, request_id, report_id, org_id, user_id, status, started_at, latest_seq, token_usage, config)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID.String(), e.RequestID, nullString(e.ReportID), e.OrgID, e.UserID, string(e.Status),
		formatTime(e.StartedAt), e.LatestSeq, usage, cfg,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", storage.ErrActiveExecution, e.RequestID)
		}
		return fmt.Errorf("sqlite: create execution: %w", err)
	}
	return nil
}

// GetExecution retrieves an execution by ID.
func (s *Store) GetExecution(ctx context.Context, id uuid.UUID) (model.AgentExecution, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM agent_executions WHERE id = ?`, id.String())
	e, err := scanExecution(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.AgentExecution{}, fmt.Errorf("%w: execution %s", storage.ErrNotFound, id)
		}
		return model.AgentExecution{}, fmt.Errorf("sqlite: get execution: %w", err)
	}
	return e, nil
}

// NextSeq atomically increments and returns the execution's latest_seq.
func (s *Store) NextSeq(ctx context.Context, id uuid.UUID) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx,
		`UPDATE agent_executions SET latest_seq = latest_seq + 1
		 WHERE id = ? AND status = 'in_progress'
		 RETURNING latest_seq`, id.String(),
	).Scan(&seq)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, s.notInProgress(ctx, id)
		}
		return 0, fmt.Errorf("sqlite: next seq: %w", err)
	}
	return seq, nil
}

// FinishExecution writes the terminal fields of an in_progress execution.
func (s *Store) FinishExecution(ctx context.Context, e model.AgentExecution) error {
	usage, err := encodeJSON(e.TokenUsage)
	if err != nil {
		return fmt.Errorf("sqlite: encode token usage: %w", err)
	}
	var errKind, errMsg any
	if e.Error != nil {
		errKind, errMsg = string(e.Error.Kind), e.Error.Message
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE agent_executions
		 SET status = ?, completed_at = ?, total_duration_ms = ?, token_usage = ?, error_kind = ?, error_message = ?
		 WHERE id = ? AND status = 'in_progress'`,
		string(e.Status), formatTimePtr(e.CompletedAt), e.TotalDurationMs, usage, errKind, errMsg, e.ID.String(),
	)
	if err != nil {
		return fmt.Errorf("sqlite: finish execution: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: finish execution: %w", err)
	}
	if n == 0 {
		return s.notInProgress(ctx, e.ID)
	}
	return nil
}

// ListStaleExecutions returns in_progress executions started before cutoff.
func (s *Store) ListStaleExecutions(ctx context.Context, cutoff time.Time, limit int) ([]model.AgentExecution, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+executionColumns+` FROM agent_executions
		 WHERE status = 'in_progress' AND started_at < ?
		 ORDER BY started_at LIMIT ?`, formatTime(cutoff), limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list stale executions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.AgentExecution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan execution: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// CountActiveExecutions returns the number of in_progress executions.
func (s *Store) CountActiveExecutions(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM agent_executions WHERE status = 'in_progress'`).Scan(&n); err != nil {
		return 0, fmt.Errorf("sqlite: count active executions: %w", err)
	}
	return n, nil
}

func (s *Store) notInProgress(ctx context.Context, id uuid.UUID) error {
	var status string
	err := s.db.QueryRowContext(ctx, `SELECT status FROM agent_executions WHERE id = ?`, id.String()).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: execution %s", storage.ErrNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("sqlite: check execution status: %w", err)
	}
	return fmt.Errorf("%w: execution %s is %s", storage.ErrNotInProgress, id, status)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanExecution(row scanner) (model.AgentExecution, error) {
	var (
		e                   model.AgentExecution
		id, status, started string
		reportID, completed sql.NullString
		errKind, errMsg     sql.NullString
		duration            sql.NullInt64
		usage, cfg          string
	)
	if err := row.Scan(&id, &e.RequestID, &reportID, &e.OrgID, &e.UserID, &status, &started, &completed,
		&duration, &e.LatestSeq, &usage, &errKind, &errMsg, &cfg); err != nil {
		return model.AgentExecution{}, err
	}

	var err error
	if e.ID, err = uuid.Parse(id); err != nil {
		return model.AgentExecution{}, err
	}
	if e.StartedAt, err = parseTime(started); err != nil {
		return model.AgentExecution{}, err
	}
	if e.CompletedAt, err = parseTimePtr(completed); err != nil {
		return model.AgentExecution{}, err
	}
	if duration.Valid {
		d := duration.Int64
		e.TotalDurationMs = &d
	}
	if err := json.Unmarshal([]byte(usage), &e.TokenUsage); err != nil {
		return model.AgentExecution{}, err
	}
	if err := json.Unmarshal([]byte(cfg), &e.Config); err != nil {
		return model.AgentExecution{}, err
	}
	e.ReportID = stringPtr(reportID)
	e.Status = model.ExecutionStatus(status)
	if errKind.Valid {
		e.Error = &model.ExecutionError{Kind: model.ErrorKind(errKind.String), Message: errMsg.String}
	}
	return e, nil
}
