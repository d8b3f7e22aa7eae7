package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/bunseki/internal/model"
)

const executionColumns = `id, request_id, report_id, org_id, user_id, status, started_at, completed_at,
	total_duration_ms, latest_seq, token_usage, error_kind, error_message, config`

// CreateExecution inserts a new in_progress execution. It returns
// ErrActiveExecution when the request already has one.
func (db *DB) CreateExecution(ctx context.Context, e model.AgentExecution) error {
	if e.Config == nil {
		e.Config = map[string]any{}
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO agent_executions (id, request_id, report_id, org_id, user_id, status, started_at, latest_seq, token_usage, config)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		e.ID, e.RequestID, e.ReportID, e.OrgID, e.UserID, string(e.Status), e.StartedAt,
		e.LatestSeq, e.TokenUsage, e.Config,
	)
	if err != nil {
		if isUniqueViolation(err, "agent_executions_active_request_idx") {
			return fmt.Errorf("%w: %s", ErrActiveExecution, e.RequestID)
		}
		return fmt.Errorf("storage: create execution: %w", err)
	}
	return nil
}

// GetExecution retrieves an execution by ID.
func (db *DB) GetExecution(ctx context.Context, id uuid.UUID) (model.AgentExecution, error) {
	row := db.pool.QueryRow(ctx, `SELECT `+executionColumns+` FROM agent_executions WHERE id = $1`, id)
	e, err := scanExecution(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.AgentExecution{}, fmt.Errorf("%w: execution %s", ErrNotFound, id)
		}
		return model.AgentExecution{}, fmt.Errorf("storage: get execution: %w", err)
	}
	return e, nil
}

// NextSeq atomically increments and returns the execution's latest_seq.
// Only in_progress executions hand out sequence numbers.
func (db *DB) NextSeq(ctx context.Context, id uuid.UUID) (int64, error) {
	seq, err := retryValue(ctx, writeRetries, writeBaseDelay, func() (int64, error) {
		var seq int64
		err := db.pool.QueryRow(ctx,
			`UPDATE agent_executions SET latest_seq = latest_seq + 1
			 WHERE id = $1 AND status = 'in_progress'
			 RETURNING latest_seq`, id,
		).Scan(&seq)
		return seq, err
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, db.notInProgress(ctx, id)
		}
		return 0, fmt.Errorf("storage: next seq: %w", err)
	}
	return seq, nil
}

// FinishExecution writes the terminal fields of e. The update only applies
// to an in_progress row; otherwise ErrNotInProgress is returned.
func (db *DB) FinishExecution(ctx context.Context, e model.AgentExecution) error {
	var errKind, errMsg *string
	if e.Error != nil {
		k := string(e.Error.Kind)
		errKind, errMsg = &k, &e.Error.Message
	}
	err := WithRetry(ctx, writeRetries, writeBaseDelay, func() error {
		tag, err := db.pool.Exec(ctx,
			`UPDATE agent_executions
			 SET status = $1, completed_at = $2, total_duration_ms = $3, token_usage = $4,
			     error_kind = $5, error_message = $6
			 WHERE id = $7 AND status = 'in_progress'`,
			string(e.Status), e.CompletedAt, e.TotalDurationMs, e.TokenUsage, errKind, errMsg, e.ID,
		)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return db.notInProgress(ctx, e.ID)
		}
		return nil
	})
	if err != nil && !errors.Is(err, ErrNotInProgress) && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("storage: finish execution: %w", err)
	}
	return err
}

// ListStaleExecutions returns in_progress executions started before cutoff,
// oldest first.
func (db *DB) ListStaleExecutions(ctx context.Context, cutoff time.Time, limit int) ([]model.AgentExecution, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.pool.Query(ctx,
		`SELECT `+executionColumns+` FROM agent_executions
		 WHERE status = 'in_progress' AND started_at < $1
		 ORDER BY started_at
		 LIMIT $2`, cutoff, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list stale executions: %w", err)
	}
	defer rows.Close()

	var out []model.AgentExecution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan execution: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// CountActiveExecutions returns the number of in_progress executions.
func (db *DB) CountActiveExecutions(ctx context.Context) (int, error) {
	var n int
	if err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM agent_executions WHERE status = 'in_progress'`,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("storage: count active executions: %w", err)
	}
	return n, nil
}

// notInProgress distinguishes a missing execution from a terminal one.
func (db *DB) notInProgress(ctx context.Context, id uuid.UUID) error {
	var status string
	err := db.pool.QueryRow(ctx, `SELECT status FROM agent_executions WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: execution %s", ErrNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("storage: check execution status: %w", err)
	}
	return fmt.Errorf("%w: execution %s is %s", ErrNotInProgress, id, status)
}

func scanExecution(row pgx.Row) (model.AgentExecution, error) {
	var (
		e       model.AgentExecution
		status  string
		errKind *string
		errMsg  *string
	)
	err := row.Scan(
		&e.ID, &e.RequestID, &e.ReportID, &e.OrgID, &e.UserID, &status, &e.StartedAt, &e.CompletedAt,
		&e.TotalDurationMs, &e.LatestSeq, &e.TokenUsage, &errKind, &errMsg, &e.Config,
	)
	if err != nil {
		return model.AgentExecution{}, err
	}
	e.Status = model.ExecutionStatus(status)
	if errKind != nil {
		e.Error = &model.ExecutionError{Kind: model.ErrorKind(*errKind)}
		if errMsg != nil {
			e.Error.Message = *errMsg
		}
	}
	e.StartedAt = e.StartedAt.UTC()
	if e.CompletedAt != nil {
		t := e.CompletedAt.UTC()
		e.CompletedAt = &t
	}
	return e, nil
}
