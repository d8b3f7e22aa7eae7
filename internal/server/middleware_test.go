package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/bunseki/internal/model"
	"github.com/ashita-ai/bunseki/internal/testutil"
)

func TestRequestIDMiddleware(t *testing.T) {
	var seen string
	h := requestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "abc-123", seen)
	assert.Equal(t, "abc-123", rec.Header().Get("X-Request-ID"))

	// Oversized client IDs are replaced.
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", strings.Repeat("x", 200))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	_, err := uuid.Parse(seen)
	assert.NoError(t, err)
}

func TestRecoveryMiddleware(t *testing.T) {
	h := requestIDMiddleware(recoveryMiddleware(testutil.TestLogger(), http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	})))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	var apiErr model.APIError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &apiErr))
	assert.Equal(t, model.ErrCodeInternalError, apiErr.Error.Code)
	assert.NotEmpty(t, apiErr.Meta.RequestID)
}

func TestStatusWriterKeepsFirstStatus(t *testing.T) {
	rec := httptest.NewRecorder()
	sw := &statusWriter{ResponseWriter: rec, statusCode: http.StatusOK}
	sw.WriteHeader(http.StatusTeapot)
	sw.WriteHeader(http.StatusInternalServerError)
	sw.Flush()
	assert.Equal(t, http.StatusTeapot, sw.statusCode)
	assert.True(t, rec.Flushed)
	assert.Same(t, rec, sw.Unwrap())
}

func TestDecodeJSONLimits(t *testing.T) {
	var target map[string]any
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"a":"`+strings.Repeat("x", 64)+`"}`))
	rec := httptest.NewRecorder()
	err := decodeJSON(rec, req, &target, 16)
	require.Error(t, err)

	handleDecodeError(rec, req, err)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestQueryList(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/?tags=a,,b&tags=%20c%20", nil)
	assert.Equal(t, []string{"a", "b", "c"}, queryList(req, "tags"))
	assert.Nil(t, queryList(req, "missing"))
}

func TestFormatSSE(t *testing.T) {
	ev := model.StreamEvent{EventType: model.EventToolEnd, CompletionID: "req", Seq: 7, Data: map[string]any{"k": "v"}}
	frame := string(formatSSE(ev))
	assert.True(t, strings.HasPrefix(frame, "id: 7\nevent: tool.end\ndata: {"))
	assert.True(t, strings.HasSuffix(frame, "}\n\n"))
	assert.Contains(t, frame, `"completion_id":"req"`)
}

func TestReplayEvents(t *testing.T) {
	id := uuid.New()
	now := time.Now().UTC()
	answer := "done"
	dur := int64(12)
	detail := model.ExecutionDetail{
		Execution: model.AgentExecution{
			ID: id, RequestID: "req", Status: model.ExecutionSuccess, LatestSeq: 4, TotalDurationMs: &dur,
		},
		Decisions: []model.PlanDecision{
			{Seq: 1, PlanType: model.PlanTypeResearch, Action: &model.Action{Type: "tool_call", Name: "query_sql"}},
			{Seq: 3, PlanType: model.PlanTypeAction, AnalysisComplete: true, FinalAnswer: &answer},
		},
		ToolExecutions: []model.ToolExecution{
			{Seq: 2, ToolName: "query_sql", Status: model.ToolSuccess, Success: true, StartedAt: now, CompletedAt: &now, ResultSummary: "3 rows"},
			{Seq: 4, ToolName: "render_chart", Status: model.ToolInProgress, StartedAt: now},
		},
	}

	events := replayEvents(detail)
	var got []string
	for _, ev := range events {
		assert.Equal(t, id, ev.ExecutionID)
		got = append(got, string(ev.EventType))
	}
	assert.Equal(t, []string{
		"execution.started",
		"planner.decision.final",
		"tool.start",
		"tool.end",
		"planner.decision.final",
		"tool.start",
		"execution.finished",
	}, got)

	// The synthesized start carries no result.
	assert.Equal(t, "in_progress", events[2].Data["status"])
	assert.Nil(t, events[2].Data["result_summary"])
	assert.Equal(t, "3 rows", events[3].Data["result_summary"])

	finished := events[len(events)-1]
	assert.Equal(t, int64(4), finished.Seq)
	assert.Equal(t, "done", finished.Data["final_answer"])
}

func TestReplayFinalAnswerComesFromCompletingDecision(t *testing.T) {
	draft, final := "draft", "final"
	events := replayEvents(model.ExecutionDetail{
		Execution: model.AgentExecution{ID: uuid.New(), Status: model.ExecutionSuccess, LatestSeq: 3},
		Decisions: []model.PlanDecision{
			{Seq: 1, PlanType: model.PlanTypeAction, AnalysisComplete: true, FinalAnswer: &final},
			{Seq: 3, PlanType: model.PlanTypeAction, FinalAnswer: &draft},
		},
	})
	finished := events[len(events)-1]
	require.Equal(t, model.EventExecutionFinished, finished.EventType)
	assert.Equal(t, "final", finished.Data["final_answer"])

	events = replayEvents(model.ExecutionDetail{
		Execution: model.AgentExecution{ID: uuid.New(), Status: model.ExecutionFailure, LatestSeq: 1},
		Decisions: []model.PlanDecision{
			{Seq: 1, PlanType: model.PlanTypeAction, FinalAnswer: &draft},
		},
	})
	assert.NotContains(t, events[len(events)-1].Data, "final_answer")
}

func TestReplayEventsInProgressHasNoFinish(t *testing.T) {
	events := replayEvents(model.ExecutionDetail{
		Execution: model.AgentExecution{ID: uuid.New(), Status: model.ExecutionInProgress},
	})
	require.Len(t, events, 1)
	assert.Equal(t, model.EventExecutionStarted, events[0].EventType)
}
