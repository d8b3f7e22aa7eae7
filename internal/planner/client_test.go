package planner_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/bunseki/internal/model"
	"github.com/ashita-ai/bunseki/internal/planner"
	"github.com/ashita-ai/bunseki/internal/service/orchestrator"
)

func ndjson(lines ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-ndjson")
		for _, l := range lines {
			_, _ = fmt.Fprintln(w, l)
			if f, ok := w.(http.Flusher); ok {
				f.Flush()
			}
		}
	}
}

func TestPlanStream(t *testing.T) {
	var got orchestrator.PlannerRequest
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		ndjson(
			`{"type":"partial","reasoning_message":"Look"}`,
			``,
			`{"type":"partial","reasoning_message":"Looking at orders"}`,
			`{"type":"final","analysis_complete":false,"plan_type":"research","reasoning_message":"Looking at orders","action":{"type":"tool_call","name":"query_table","arguments":{"table":"orders"}},"metrics":{"token_usage":{"prompt_tokens":12,"completion_tokens":4,"total_tokens":16}}}`,
		)(w, r)
	}))
	defer srv.Close()

	c := planner.New(srv.URL, planner.WithToken("secret"))
	var partials []string
	resp, err := c.Plan(context.Background(), orchestrator.PlannerRequest{UserMessage: "orders?", LoopIndex: 2},
		func(p orchestrator.Partial) error {
			partials = append(partials, p.ReasoningMessage)
			return nil
		})
	require.NoError(t, err)

	assert.Equal(t, "Bearer secret", auth)
	assert.Equal(t, "orders?", got.UserMessage)
	assert.Equal(t, 2, got.LoopIndex)
	assert.Equal(t, []string{"Look", "Looking at orders"}, partials)
	assert.Equal(t, model.PlanTypeResearch, resp.PlanType)
	require.NotNil(t, resp.Action)
	assert.Equal(t, "query_table", resp.Action.Name)
	assert.Equal(t, "orders", resp.Action.Arguments["table"])
	require.NotNil(t, resp.Metrics)
	assert.Equal(t, int64(16), resp.Metrics.TokenUsage.TotalTokens)
}

func TestPlanJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		_, _ = w.Write([]byte(`{"analysis_complete":true,"final_answer":"42"}`))
	}))
	defer srv.Close()

	resp, err := planner.New(srv.URL).Plan(context.Background(), orchestrator.PlannerRequest{}, nil)
	require.NoError(t, err)
	assert.True(t, resp.AnalysisComplete)
	require.NotNil(t, resp.FinalAnswer)
	assert.Equal(t, "42", *resp.FinalAnswer)
}

func TestPlanPlannerReportedError(t *testing.T) {
	srv := httptest.NewServer(ndjson(`{"type":"final","error":{"code":"overloaded","message":"try later"}}`))
	defer srv.Close()

	resp, err := planner.New(srv.URL).Plan(context.Background(), orchestrator.PlannerRequest{}, nil)
	require.NoError(t, err)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "planner: overloaded: try later", resp.Error.Error())
}

func TestPlanFailures(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		want    string
	}{
		{
			name: "http status",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				http.Error(w, "boom", http.StatusBadGateway)
			},
			want: "status 502: boom",
		},
		{
			name:    "no final",
			handler: ndjson(`{"type":"partial","reasoning_message":"x"}`),
			want:    "without a final decision",
		},
		{
			name:    "bad line",
			handler: ndjson(`{"type":"partial"}`, `not json`),
			want:    "line 2",
		},
		{
			name:    "unknown type",
			handler: ndjson(`{"type":"thinking"}`),
			want:    `unknown type "thinking"`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()
			_, err := planner.New(srv.URL).Plan(context.Background(), orchestrator.PlannerRequest{}, nil)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestPlanNoFinalSentinel(t *testing.T) {
	srv := httptest.NewServer(ndjson())
	defer srv.Close()
	_, err := planner.New(srv.URL).Plan(context.Background(), orchestrator.PlannerRequest{}, nil)
	assert.ErrorIs(t, err, planner.ErrNoFinal)
}

func TestPlanPartialCallbackAborts(t *testing.T) {
	srv := httptest.NewServer(ndjson(
		`{"type":"partial","reasoning_message":"a"}`,
		`{"type":"final","analysis_complete":true,"final_answer":"x"}`,
	))
	defer srv.Close()

	stop := fmt.Errorf("stop")
	_, err := planner.New(srv.URL).Plan(context.Background(), orchestrator.PlannerRequest{},
		func(orchestrator.Partial) error { return stop })
	assert.ErrorIs(t, err, stop)
}

func TestPlanCancelledMidStream(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-ndjson")
		_, _ = fmt.Fprintln(w, `{"type":"partial","reasoning_message":"a"}`)
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	start := time.Now()
	_, err := planner.New(srv.URL).Plan(ctx, orchestrator.PlannerRequest{}, func(orchestrator.Partial) error {
		cancel()
		return nil
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestPlanTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	_, err := planner.New(srv.URL, planner.WithTimeout(50*time.Millisecond)).
		Plan(context.Background(), orchestrator.PlannerRequest{}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
