package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"

	"github.com/google/uuid"

	"github.com/ashita-ai/bunseki/internal/model"
	"github.com/ashita-ai/bunseki/internal/storage"
)

// ErrAlreadyTerminal is returned when Finish is called on a run that has
// already left in_progress.
var ErrAlreadyTerminal = errors.New("execution: already terminal")

// newID returns a UUIDv7 so ids sort by creation time.
func newID() uuid.UUID {
	return uuid.Must(uuid.NewV7())
}

// Lifecycle creates runs, hands out sequence numbers and applies terminal
// transitions.
type Lifecycle struct {
	store  Store
	logger *slog.Logger
	clock  Clock
}

// NewLifecycle creates a Lifecycle. clock may be nil.
func NewLifecycle(store Store, logger *slog.Logger, clock Clock) *Lifecycle {
	return &Lifecycle{store: store, logger: logger, clock: clock}
}

// Start persists a new in_progress run with latest_seq = 0. It returns
// storage.ErrActiveExecution when the request already has a current run.
func (l *Lifecycle) Start(ctx context.Context, req model.StartExecutionRequest) (model.AgentExecution, error) {
	cfg := map[string]any{}
	maps.Copy(cfg, req.Config)
	if req.Mode != "" {
		cfg["mode"] = req.Mode
	}

	e := model.AgentExecution{
		ID:        newID(),
		RequestID: req.RequestID,
		ReportID:  req.ReportID,
		OrgID:     req.OrgID,
		UserID:    req.UserID,
		Status:    model.ExecutionInProgress,
		StartedAt: l.clock.now(),
		Config:    cfg,
	}
	if err := l.store.CreateExecution(ctx, e); err != nil {
		return model.AgentExecution{}, fmt.Errorf("execution: start: %w", err)
	}
	l.logger.Info("execution started", "execution_id", e.ID, "request_id", e.RequestID, "org_id", e.OrgID)
	return e, nil
}

// Get loads a run.
func (l *Lifecycle) Get(ctx context.Context, id uuid.UUID) (model.AgentExecution, error) {
	return l.store.GetExecution(ctx, id)
}

// NextSeq atomically increments and returns the run's latest_seq. Callers
// that assign seq to durable rows go through a Sequencer instead.
func (l *Lifecycle) NextSeq(ctx context.Context, id uuid.UUID) (int64, error) {
	seq, err := l.store.NextSeq(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotInProgress) {
			return 0, fmt.Errorf("%w: %s", ErrAlreadyTerminal, id)
		}
		return 0, fmt.Errorf("execution: next seq: %w", err)
	}
	return seq, nil
}

// Finish moves an in_progress run to status. Finishing a run that is
// already terminal returns ErrAlreadyTerminal and changes nothing.
func (l *Lifecycle) Finish(ctx context.Context, id uuid.UUID, status model.ExecutionStatus, usage model.TokenUsage, execErr *model.ExecutionError) (model.AgentExecution, error) {
	if !status.Terminal() {
		return model.AgentExecution{}, fmt.Errorf("execution: finish: %q is not a terminal status", status)
	}

	e, err := l.store.GetExecution(ctx, id)
	if err != nil {
		return model.AgentExecution{}, fmt.Errorf("execution: finish: %w", err)
	}
	if e.Status.Terminal() {
		return e, fmt.Errorf("%w: %s is %s", ErrAlreadyTerminal, id, e.Status)
	}

	completed := l.clock.now()
	if completed.Before(e.StartedAt) {
		completed = e.StartedAt
	}
	dur := completed.Sub(e.StartedAt).Milliseconds()

	e.Status = status
	e.CompletedAt = &completed
	e.TotalDurationMs = &dur
	e.TokenUsage = usage
	e.Error = execErr

	if err := l.store.FinishExecution(ctx, e); err != nil {
		if errors.Is(err, storage.ErrNotInProgress) {
			return e, fmt.Errorf("%w: %s", ErrAlreadyTerminal, id)
		}
		return model.AgentExecution{}, fmt.Errorf("execution: finish: %w", err)
	}

	attrs := []any{"execution_id", id, "status", status, "duration_ms", dur}
	if execErr != nil {
		attrs = append(attrs, "error_kind", execErr.Kind, "error", execErr.Message)
	}
	l.logger.Info("execution finished", attrs...)
	return e, nil
}
