package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/ashita-ai/bunseki/internal/model"
)

// CreateDecision appends a plan decision.
func (s *Store) CreateDecision(ctx context.Context, d model.PlanDecision) error {
	var action any
	if d.Action != nil {
		a, err := encodeJSON(d.Action)
		if err != nil {
			return fmt.Errorf("sqlite: encode action: %w", err)
		}
		action = a
	}
	metrics, err := encodeJSON(d.Metrics)
	if err != nil {
		return fmt.Errorf("sqlite: encode metrics: %w", err)
	}
	var snapshotID any
	if d.SnapshotID != nil {
		snapshotID = d.SnapshotID.String()
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO plan_decisions (id, agent_execution_id, seq, loop_index, plan_type, analysis_complete,
		 reasoning, assistant_message, final_answer, action, metrics, context_snapshot_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID.String(), d.ExecutionID.String(), d.Seq, d.LoopIndex, string(d.PlanType), d.AnalysisComplete,
		d.Reasoning, d.AssistantMessage, nullString(d.FinalAnswer), action, metrics, snapshotID,
		formatTime(d.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("sqlite: create decision: %w", err)
	}
	return nil
}

// ListDecisions returns an execution's decisions ordered by seq.
func (s *Store) ListDecisions(ctx context.Context, executionID uuid.UUID) ([]model.PlanDecision, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, agent_execution_id, seq, loop_index, plan_type, analysis_complete, reasoning,
		 assistant_message, final_answer, action, metrics, context_snapshot_id, created_at
		 FROM plan_decisions WHERE agent_execution_id = ? ORDER BY seq`, executionID.String())
	if err != nil {
		return nil, fmt.Errorf("sqlite: list decisions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.PlanDecision
	for rows.Next() {
		var (
			d                    model.PlanDecision
			id, execID, planType string
			metrics, created     string
			finalAnswer, action  sql.NullString
			snapshotID           sql.NullString
		)
		if err := rows.Scan(&id, &execID, &d.Seq, &d.LoopIndex, &planType, &d.AnalysisComplete, &d.Reasoning,
			&d.AssistantMessage, &finalAnswer, &action, &metrics, &snapshotID, &created); err != nil {
			return nil, fmt.Errorf("sqlite: scan decision: %w", err)
		}
		if d.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("sqlite: scan decision: %w", err)
		}
		if d.ExecutionID, err = uuid.Parse(execID); err != nil {
			return nil, fmt.Errorf("sqlite: scan decision: %w", err)
		}
		if d.CreatedAt, err = parseTime(created); err != nil {
			return nil, fmt.Errorf("sqlite: scan decision: %w", err)
		}
		if err := json.Unmarshal([]byte(metrics), &d.Metrics); err != nil {
			return nil, fmt.Errorf("sqlite: decode metrics: %w", err)
		}
		if action.Valid {
			d.Action = &model.Action{}
			if err := json.Unmarshal([]byte(action.String), d.Action); err != nil {
				return nil, fmt.Errorf("sqlite: decode action: %w", err)
			}
		}
		if snapshotID.Valid {
			sid, err := uuid.Parse(snapshotID.String)
			if err != nil {
				return nil, fmt.Errorf("sqlite: scan decision: %w", err)
			}
			d.SnapshotID = &sid
		}
		d.PlanType = model.PlanType(planType)
		d.FinalAnswer = stringPtr(finalAnswer)
		out = append(out, d)
	}
	return out, rows.Err()
}
