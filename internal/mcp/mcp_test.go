package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/bunseki/internal/catalog"
	"github.com/ashita-ai/bunseki/internal/model"
	"github.com/ashita-ai/bunseki/internal/storage"
	"github.com/ashita-ai/bunseki/internal/testutil"
)

type fakeExecutions struct {
	details   map[uuid.UUID]model.ExecutionDetail
	cancelled []uuid.UUID
}

func (f *fakeExecutions) Detail(_ context.Context, id uuid.UUID) (model.ExecutionDetail, error) {
	d, ok := f.details[id]
	if !ok {
		return model.ExecutionDetail{}, fmt.Errorf("%w: execution %s", storage.ErrNotFound, id)
	}
	return d, nil
}

func (f *fakeExecutions) Cancel(id uuid.UUID) bool {
	if _, ok := f.details[id]; !ok {
		return false
	}
	f.cancelled = append(f.cancelled, id)
	return true
}

func noop(context.Context, catalog.Invocation) (catalog.Result, error) {
	return catalog.Result{}, nil
}

func newTestServer(t *testing.T) (*Server, *fakeExecutions, uuid.UUID) {
	t.Helper()
	cat := catalog.New()
	cat.MustRegister(
		catalog.NewFuncTool(catalog.Descriptor{
			Name: "search_schema", Description: "find tables", Category: catalog.CategoryResearch,
			IsActive: true, ObservationPolicy: catalog.ObserveAlways, Tags: []string{"schema"},
		}, noop),
		catalog.NewFuncTool(catalog.Descriptor{
			Name: "create_widget", Description: "add a widget", Category: catalog.CategoryAction,
			IsActive: true, ObservationPolicy: catalog.ObserveOnTrigger, EnabledForOrgs: []string{"org-a"},
		}, noop),
	)

	id := uuid.New()
	decisionID := uuid.New()
	answer := "Revenue is up."
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	detail := model.ExecutionDetail{
		Execution: model.AgentExecution{
			ID: id, RequestID: "req-1", OrgID: "org-a", Status: model.ExecutionSuccess,
			StartedAt: now, LatestSeq: 3,
		},
		Decisions: []model.PlanDecision{
			{ID: decisionID, ExecutionID: id, Seq: 1, PlanType: model.PlanTypeAction,
				Reasoning: strings.Repeat("r", 500), Action: &model.Action{Type: "tool_call", Name: "create_widget"}},
			{ID: uuid.New(), ExecutionID: id, Seq: 3, LoopIndex: 1, PlanType: model.PlanTypeAction,
				AnalysisComplete: true, FinalAnswer: &answer},
		},
		ToolExecutions: []model.ToolExecution{
			{ID: uuid.New(), ExecutionID: id, DecisionID: &decisionID, Seq: 2, ToolName: "create_widget",
				Status: model.ToolSuccess, Success: true, AttemptNumber: 1, ResultSummary: "created",
				ResultPayload: map[string]any{"big": "blob"}, ArtifactRefs: []string{"widget-1"}},
		},
	}
	execs := &fakeExecutions{details: map[uuid.UUID]model.ExecutionDetail{id: detail}}
	return New(cat, execs, testutil.TestLogger(), "test"), execs, id
}

func callTool(name string, args map[string]any) mcplib.CallToolRequest {
	return mcplib.CallToolRequest{Params: mcplib.CallToolParams{Name: name, Arguments: args}}
}

func resultText(t *testing.T, r *mcplib.CallToolResult) string {
	t.Helper()
	require.Len(t, r.Content, 1)
	tc, ok := r.Content[0].(mcplib.TextContent)
	require.True(t, ok)
	return tc.Text
}

func TestHandleCatalog(t *testing.T) {
	s, _, _ := newTestServer(t)
	ctx := context.Background()

	tests := []struct {
		name string
		args map[string]any
		want []string
	}{
		{"all", nil, []string{"create_widget", "search_schema"}},
		{"research", map[string]any{"plan_type": "research"}, []string{"search_schema"}},
		{"other org", map[string]any{"org": "org-b"}, []string{"search_schema"}},
		{"tags", map[string]any{"tags": " schema, other"}, []string{"search_schema"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := s.handleCatalog(ctx, callTool("bunseki_catalog", tt.args))
			require.NoError(t, err)
			require.False(t, res.IsError, resultText(t, res))

			var out struct {
				Tools []catalog.Entry `json:"tools"`
				Total int             `json:"total"`
			}
			require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &out))
			names := make([]string, 0, len(out.Tools))
			for _, e := range out.Tools {
				names = append(names, e.Name)
			}
			assert.Equal(t, tt.want, names)
			assert.Equal(t, len(tt.want), out.Total)
		})
	}

	res, err := s.handleCatalog(ctx, callTool("bunseki_catalog", map[string]any{"plan_type": "plan"}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestHandleExecutionCompact(t *testing.T) {
	s, _, id := newTestServer(t)
	res, err := s.handleExecution(context.Background(), callTool("bunseki_execution", map[string]any{
		"execution_id": id.String(),
	}))
	require.NoError(t, err)
	require.False(t, res.IsError, resultText(t, res))

	var out map[string]any
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &out))
	assert.Equal(t, "success", out["status"])

	steps := out["steps"].([]any)
	require.Len(t, steps, 3)
	var kinds []string
	for _, st := range steps {
		kinds = append(kinds, st.(map[string]any)["kind"].(string))
	}
	assert.Equal(t, []string{"decision", "tool", "decision"}, kinds)

	first := steps[0].(map[string]any)
	assert.Len(t, first["reasoning"], maxCompactText+3)
	tool := steps[1].(map[string]any)
	assert.Equal(t, "created", tool["summary"])
	assert.NotContains(t, tool, "result_payload")
	assert.Equal(t, "Revenue is up.", steps[2].(map[string]any)["final_answer"])
}

func TestHandleExecutionVerbose(t *testing.T) {
	s, _, id := newTestServer(t)
	res, err := s.handleExecution(context.Background(), callTool("bunseki_execution", map[string]any{
		"execution_id": id.String(), "verbose": true,
	}))
	require.NoError(t, err)

	var out model.ExecutionDetail
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &out))
	require.Len(t, out.ToolExecutions, 1)
	assert.Equal(t, "blob", out.ToolExecutions[0].ResultPayload["big"])
}

func TestHandleExecutionErrors(t *testing.T) {
	s, _, _ := newTestServer(t)
	ctx := context.Background()

	res, err := s.handleExecution(ctx, callTool("bunseki_execution", map[string]any{"execution_id": "nope"}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, resultText(t, res), "UUID")

	res, err = s.handleExecution(ctx, callTool("bunseki_execution", map[string]any{"execution_id": uuid.NewString()}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, resultText(t, res), "not found")
}

func TestHandleCancel(t *testing.T) {
	s, execs, id := newTestServer(t)
	ctx := context.Background()

	res, err := s.handleCancel(ctx, callTool("bunseki_cancel", map[string]any{"execution_id": id.String()}))
	require.NoError(t, err)
	assert.False(t, res.IsError)
	assert.Equal(t, []uuid.UUID{id}, execs.cancelled)

	res, err = s.handleCancel(ctx, callTool("bunseki_cancel", map[string]any{"execution_id": uuid.NewString()}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestExecutionResource(t *testing.T) {
	s, _, id := newTestServer(t)
	uri := executionURIStart + id.String()

	contents, err := s.handleExecutionResource(context.Background(), mcplib.ReadResourceRequest{
		Params: mcplib.ReadResourceParams{URI: uri},
	})
	require.NoError(t, err)
	require.Len(t, contents, 1)
	text := contents[0].(mcplib.TextResourceContents)
	assert.Equal(t, uri, text.URI)
	assert.Contains(t, text.Text, `"request_id": "req-1"`)

	catalogContents, err := s.handleCatalogResource(context.Background(), mcplib.ReadResourceRequest{})
	require.NoError(t, err)
	assert.Contains(t, catalogContents[0].(mcplib.TextResourceContents).Text, "search_schema")
}

func TestParseExecutionURI(t *testing.T) {
	id := uuid.New()
	tests := []struct {
		name      string
		uri       string
		wantErr   bool
		errSubstr string
	}{
		{name: "valid", uri: "bunseki://executions/" + id.String()},
		{name: "wrong prefix", uri: "other://executions/" + id.String(), wantErr: true, errSubstr: "invalid execution URI"},
		{name: "empty id", uri: "bunseki://executions/", wantErr: true, errSubstr: "invalid execution URI"},
		{name: "nested path", uri: "bunseki://executions/" + id.String() + "/events", wantErr: true, errSubstr: "invalid execution URI"},
		{name: "not a uuid", uri: "bunseki://executions/abc", wantErr: true, errSubstr: "invalid execution id"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseExecutionURI(tt.uri)
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errSubstr)
				assert.Equal(t, uuid.Nil, got)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, id, got)
		})
	}
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "日本...", truncate("日本語です", 2))
}
