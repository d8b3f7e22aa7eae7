package execution

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"hash"
	"log/slog"

	"github.com/google/uuid"

	"github.com/ashita-ai/bunseki/internal/model"
	"github.com/ashita-ai/bunseki/internal/storage"
)

// ErrAttemptOutOfRange is returned when an attempt number falls outside
// 1..max_retries+1.
var ErrAttemptOutOfRange = errors.New("execution: attempt number out of range")

// ToolStart describes one tool call attempt about to run.
type ToolStart struct {
	DecisionID     *uuid.UUID
	ToolName       string
	ToolAction     string
	Arguments      map[string]any
	AttemptNumber  int
	MaxRetries     int
	IdempotencyKey string
}

// ToolTracker records tool call attempts. It does not decide whether to
// retry; that belongs to the loop.
type ToolTracker struct {
	store  Store
	logger *slog.Logger
	clock  Clock
}

// NewToolTracker creates a ToolTracker.
func NewToolTracker(store Store, logger *slog.Logger, clock Clock) *ToolTracker {
	return &ToolTracker{store: store, logger: logger, clock: clock}
}

// Start assigns the attempt its seq and persists it as in_progress.
func (t *ToolTracker) Start(ctx context.Context, seq *Sequencer, executionID uuid.UUID, p ToolStart) (model.ToolExecution, error) {
	if p.MaxRetries < 0 || p.AttemptNumber < 1 || p.AttemptNumber > p.MaxRetries+1 {
		return model.ToolExecution{}, fmt.Errorf("%w: attempt %d with max_retries %d", ErrAttemptOutOfRange, p.AttemptNumber, p.MaxRetries)
	}
	n, err := seq.Next(ctx)
	if err != nil {
		return model.ToolExecution{}, err
	}

	args := p.Arguments
	if args == nil {
		args = map[string]any{}
	}
	te := model.ToolExecution{
		ID:             newID(),
		ExecutionID:    executionID,
		DecisionID:     p.DecisionID,
		Seq:            n,
		ToolName:       p.ToolName,
		ToolAction:     p.ToolAction,
		Arguments:      args,
		IdempotencyKey: p.IdempotencyKey,
		Status:         model.ToolInProgress,
		AttemptNumber:  p.AttemptNumber,
		MaxRetries:     p.MaxRetries,
		StartedAt:      t.clock.now(),
		ArtifactRefs:   []string{},
	}
	if err := t.store.CreateToolExecution(ctx, te); err != nil {
		return model.ToolExecution{}, fmt.Errorf("execution: start tool %s: %w", p.ToolName, err)
	}
	t.logger.Debug("tool started",
		"execution_id", executionID, "tool_execution_id", te.ID, "tool", te.ToolName,
		"seq", te.Seq, "attempt", te.AttemptNumber)
	return te, nil
}

// Finish writes the outcome of an in_progress attempt. Artifact refs that an
// earlier attempt of the same decision already recorded are dropped, so
// retries never duplicate them.
func (t *ToolTracker) Finish(ctx context.Context, te model.ToolExecution, out model.ToolOutcome) (model.ToolExecution, error) {
	if out.Status == model.ToolInProgress || out.Status == "" {
		return model.ToolExecution{}, fmt.Errorf("execution: finish tool: %q is not a terminal status", out.Status)
	}

	var seen []string
	if te.DecisionID != nil {
		prior, err := t.store.ListDecisionArtifacts(ctx, *te.DecisionID)
		if err != nil {
			return model.ToolExecution{}, fmt.Errorf("execution: finish tool: %w", err)
		}
		seen = prior
	}

	completed := t.clock.now()
	if completed.Before(te.StartedAt) {
		completed = te.StartedAt
	}
	dur := completed.Sub(te.StartedAt).Milliseconds()

	te.Status = out.Status
	te.Success = out.Status == model.ToolSuccess
	te.CompletedAt = &completed
	te.DurationMs = &dur
	te.ResultSummary = out.ResultSummary
	te.ResultPayload = out.ResultPayload
	te.ArtifactRefs = dedupeRefs(seen, out.ArtifactRefs)
	te.ErrorMessage = out.ErrorMessage

	if err := t.store.FinishToolExecution(ctx, te); err != nil {
		if errors.Is(err, storage.ErrNotInProgress) {
			return te, fmt.Errorf("%w: tool execution %s", ErrAlreadyTerminal, te.ID)
		}
		return model.ToolExecution{}, fmt.Errorf("execution: finish tool %s: %w", te.ToolName, err)
	}
	t.logger.Debug("tool finished",
		"tool_execution_id", te.ID, "tool", te.ToolName, "status", te.Status, "duration_ms", dur)
	return te, nil
}

// CancelActive finishes every in_progress attempt of a run with status.
func (t *ToolTracker) CancelActive(ctx context.Context, executionID uuid.UUID, status model.ToolStatus, reason string) (int, error) {
	active, err := t.store.ListActiveToolExecutions(ctx, executionID)
	if err != nil {
		return 0, fmt.Errorf("execution: list active tools: %w", err)
	}
	n := 0
	for _, te := range active {
		_, err := t.Finish(ctx, te, model.ToolOutcome{Status: status, ErrorMessage: reason})
		if err != nil && !errors.Is(err, ErrAlreadyTerminal) {
			return n, err
		}
		if err == nil {
			n++
		}
	}
	return n, nil
}

// List returns a run's tool attempts in seq order.
func (t *ToolTracker) List(ctx context.Context, executionID uuid.UUID) ([]model.ToolExecution, error) {
	return t.store.ListToolExecutions(ctx, executionID)
}

// dedupeRefs returns refs in order without duplicates and without anything
// in seen. The result is never nil.
func dedupeRefs(seen, refs []string) []string {
	skip := make(map[string]bool, len(seen)+len(refs))
	for _, r := range seen {
		skip[r] = true
	}
	out := make([]string, 0, len(refs))
	for _, r := range refs {
		if r == "" || skip[r] {
			continue
		}
		skip[r] = true
		out = append(out, r)
	}
	return out
}

// IdempotencyKey derives the key that every attempt of one tool call shares.
// Arguments are hashed in canonical JSON form (object keys sorted).
func IdempotencyKey(executionID uuid.UUID, decisionID *uuid.UUID, tool string, args map[string]any) (string, error) {
	canonical, err := json.Marshal(args)
	if err != nil {
		return "", fmt.Errorf("execution: idempotency key: %w", err)
	}
	d := ""
	if decisionID != nil {
		d = decisionID.String()
	}
	h := sha256.New()
	writeField(h, executionID.String())
	writeField(h, d)
	writeField(h, tool)
	writeField(h, string(canonical))
	return hex.EncodeToString(h.Sum(nil)), nil
}

// writeField writes s with a 4-byte big-endian length prefix so that field
// boundaries cannot collide.
func writeField(h hash.Hash, s string) {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(s))) //nolint:gosec // fields are bounded by request limits
	h.Write(lenBuf[:])
	h.Write([]byte(s))
}
