package sqlite_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/bunseki/internal/model"
	"github.com/ashita-ai/bunseki/internal/storage"
	"github.com/ashita-ai/bunseki/internal/testutil"
)

func newExecution(requestID string) model.AgentExecution {
	return model.AgentExecution{
		ID:        uuid.New(),
		RequestID: requestID,
		OrgID:     "org-1",
		UserID:    "user-1",
		Status:    model.ExecutionInProgress,
		StartedAt: time.Now().UTC(),
		Config:    map[string]any{"mode": "chat"},
	}
}

func TestExecutionRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewSQLiteStore(t)

	report := "report-9"
	e := newExecution("req-1")
	e.ReportID = &report
	require.NoError(t, store.CreateExecution(ctx, e))

	got, err := store.GetExecution(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, e.ID, got.ID)
	assert.Equal(t, "req-1", got.RequestID)
	assert.Equal(t, &report, got.ReportID)
	assert.Equal(t, model.ExecutionInProgress, got.Status)
	assert.True(t, e.StartedAt.Equal(got.StartedAt))
	assert.Equal(t, "chat", got.Config["mode"])
	assert.Nil(t, got.CompletedAt)

	_, err = store.GetExecution(ctx, uuid.New())
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestOneActiveExecutionPerRequest(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewSQLiteStore(t)

	first := newExecution("req-dup")
	require.NoError(t, store.CreateExecution(ctx, first))
	assert.ErrorIs(t, store.CreateExecution(ctx, newExecution("req-dup")), storage.ErrActiveExecution)

	done := time.Now().UTC()
	first.Status = model.ExecutionSuccess
	first.CompletedAt = &done
	require.NoError(t, store.FinishExecution(ctx, first))

	assert.NoError(t, store.CreateExecution(ctx, newExecution("req-dup")), "a finished run frees the request")
}

func TestNextSeqAndFinishGuard(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewSQLiteStore(t)

	e := newExecution("req-seq")
	require.NoError(t, store.CreateExecution(ctx, e))

	for want := int64(1); want <= 3; want++ {
		seq, err := store.NextSeq(ctx, e.ID)
		require.NoError(t, err)
		assert.Equal(t, want, seq)
	}

	done := time.Now().UTC()
	dur := done.Sub(e.StartedAt).Milliseconds()
	e.Status = model.ExecutionFailure
	e.CompletedAt = &done
	e.TotalDurationMs = &dur
	e.Error = &model.ExecutionError{Kind: model.ErrorKindPlannerProtocol, Message: "empty decision"}
	require.NoError(t, store.FinishExecution(ctx, e))

	got, err := store.GetExecution(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), got.LatestSeq)
	assert.Equal(t, model.ExecutionFailure, got.Status)
	require.NotNil(t, got.Error)
	assert.Equal(t, model.ErrorKindPlannerProtocol, got.Error.Kind)
	assert.Equal(t, dur, *got.TotalDurationMs)

	_, err = store.NextSeq(ctx, e.ID)
	assert.ErrorIs(t, err, storage.ErrNotInProgress)
	assert.ErrorIs(t, store.FinishExecution(ctx, e), storage.ErrNotInProgress)

	_, err = store.NextSeq(ctx, uuid.New())
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestDecisionsAndToolExecutions(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewSQLiteStore(t)

	e := newExecution("req-tools")
	require.NoError(t, store.CreateExecution(ctx, e))

	snap := model.ContextSnapshot{
		ID: uuid.New(), ExecutionID: e.ID, Kind: model.SnapshotPlanning,
		View: map[string]any{"turn": 0.0}, PromptText: "prompt", TokenCount: 1,
		ContentHash: "v1:abc", CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, store.CreateSnapshot(ctx, snap))
	gotSnap, err := store.GetSnapshot(ctx, snap.ID)
	require.NoError(t, err)
	assert.Equal(t, snap.PromptText, gotSnap.PromptText)
	assert.Equal(t, snap.View, gotSnap.View)

	d := model.PlanDecision{
		ID: uuid.New(), ExecutionID: e.ID, Seq: 1, PlanType: model.PlanTypeAction,
		Reasoning: "look at orders",
		Action:    &model.Action{Type: "tool_call", Name: "query_table", Arguments: map[string]any{"table": "orders"}},
		Metrics:   model.DecisionMetrics{LatencyMs: 12}, SnapshotID: &snap.ID, CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, store.CreateDecision(ctx, d))

	te := model.ToolExecution{
		ID: uuid.New(), ExecutionID: e.ID, DecisionID: &d.ID, Seq: 2, ToolName: "query_table",
		Arguments: map[string]any{"table": "orders"}, IdempotencyKey: "k", Status: model.ToolInProgress,
		AttemptNumber: 1, MaxRetries: 1, StartedAt: time.Now().UTC(),
	}
	require.NoError(t, store.CreateToolExecution(ctx, te))

	// A second active attempt for the same decision is rejected.
	dup := te
	dup.ID, dup.Seq, dup.AttemptNumber = uuid.New(), 3, 2
	assert.Error(t, store.CreateToolExecution(ctx, dup))

	done := time.Now().UTC()
	dur := done.Sub(te.StartedAt).Milliseconds()
	te.Status, te.Success, te.CompletedAt, te.DurationMs = model.ToolSuccess, true, &done, &dur
	te.ArtifactRefs = []string{"widget-1"}
	te.ResultPayload = map[string]any{"rows": 3.0}
	require.NoError(t, store.FinishToolExecution(ctx, te))
	assert.ErrorIs(t, store.FinishToolExecution(ctx, te), storage.ErrNotInProgress)

	decisions, err := store.ListDecisions(ctx, e.ID)
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.Equal(t, "query_table", decisions[0].Action.Name)
	assert.Equal(t, snap.ID, *decisions[0].SnapshotID)

	tools, err := store.ListToolExecutions(ctx, e.ID)
	require.NoError(t, err)
	require.Len(t, tools, 1)
	assert.Equal(t, model.ToolSuccess, tools[0].Status)
	assert.True(t, tools[0].Success)
	assert.Equal(t, []string{"widget-1"}, tools[0].ArtifactRefs)
	assert.Equal(t, 3.0, tools[0].ResultPayload["rows"])

	refs, err := store.ListDecisionArtifacts(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"widget-1"}, refs)

	active, err := store.ListActiveToolExecutions(ctx, e.ID)
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestListStaleExecutions(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewSQLiteStore(t)

	old := newExecution("req-old")
	old.StartedAt = time.Now().UTC().Add(-2 * time.Hour)
	require.NoError(t, store.CreateExecution(ctx, old))
	require.NoError(t, store.CreateExecution(ctx, newExecution("req-new")))

	stale, err := store.ListStaleExecutions(ctx, time.Now().UTC().Add(-time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, old.ID, stale[0].ID)

	n, err := store.CountActiveExecutions(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}
