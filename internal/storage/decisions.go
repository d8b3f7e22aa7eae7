package storage

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/bunseki/internal/model"
)

// CreateDecision appends a plan decision. Decisions are never updated.
func (db *DB) CreateDecision(ctx context.Context, d model.PlanDecision) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO plan_decisions (id, agent_execution_id, seq, loop_index, plan_type, analysis_complete,
		 reasoning, assistant_message, final_answer, action, metrics, context_snapshot_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		d.ID, d.ExecutionID, d.Seq, d.LoopIndex, string(d.PlanType), d.AnalysisComplete,
		d.Reasoning, d.AssistantMessage, d.FinalAnswer, d.Action, d.Metrics, d.SnapshotID, d.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: create decision: %w", err)
	}
	return nil
}

// ListDecisions returns an execution's decisions ordered by seq.
func (db *DB) ListDecisions(ctx context.Context, executionID uuid.UUID) ([]model.PlanDecision, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, agent_execution_id, seq, loop_index, plan_type, analysis_complete, reasoning,
		 assistant_message, final_answer, action, metrics, context_snapshot_id, created_at
		 FROM plan_decisions WHERE agent_execution_id = $1 ORDER BY seq`, executionID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list decisions: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.PlanDecision, error) {
		var (
			d        model.PlanDecision
			planType string
		)
		err := row.Scan(
			&d.ID, &d.ExecutionID, &d.Seq, &d.LoopIndex, &planType, &d.AnalysisComplete, &d.Reasoning,
			&d.AssistantMessage, &d.FinalAnswer, &d.Action, &d.Metrics, &d.SnapshotID, &d.CreatedAt,
		)
		d.PlanType = model.PlanType(planType)
		d.CreatedAt = d.CreatedAt.UTC()
		return d, err
	})
	if err != nil {
		return nil, fmt.Errorf("storage: scan decisions: %w", err)
	}
	return out, nil
}
