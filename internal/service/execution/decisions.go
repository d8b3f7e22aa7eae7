package execution

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/ashita-ai/bunseki/internal/model"
)

// DecisionTracker records planner turns.
type DecisionTracker struct {
	store  Store
	logger *slog.Logger
	clock  Clock
}

// NewDecisionTracker creates a DecisionTracker.
func NewDecisionTracker(store Store, logger *slog.Logger, clock Clock) *DecisionTracker {
	return &DecisionTracker{store: store, logger: logger, clock: clock}
}

// Record assigns d the next seq from seq and persists it. ID, Seq and
// CreatedAt are set here; callers never assign them.
func (t *DecisionTracker) Record(ctx context.Context, seq *Sequencer, d model.PlanDecision) (model.PlanDecision, error) {
	if d.PlanType != model.PlanTypeResearch && d.PlanType != model.PlanTypeAction {
		return model.PlanDecision{}, fmt.Errorf("execution: record decision: invalid plan_type %q", d.PlanType)
	}
	n, err := seq.Next(ctx)
	if err != nil {
		return model.PlanDecision{}, err
	}

	d.ID = newID()
	d.Seq = n
	d.CreatedAt = t.clock.now()
	if d.Action != nil && d.Action.Arguments == nil {
		d.Action.Arguments = map[string]any{}
	}

	if err := t.store.CreateDecision(ctx, d); err != nil {
		return model.PlanDecision{}, fmt.Errorf("execution: record decision: %w", err)
	}
	t.logger.Debug("decision recorded",
		"execution_id", d.ExecutionID, "decision_id", d.ID, "seq", d.Seq,
		"loop_index", d.LoopIndex, "plan_type", d.PlanType, "analysis_complete", d.AnalysisComplete)
	return d, nil
}

// List returns a run's decisions in seq order.
func (t *DecisionTracker) List(ctx context.Context, executionID uuid.UUID) ([]model.PlanDecision, error) {
	return t.store.ListDecisions(ctx, executionID)
}
