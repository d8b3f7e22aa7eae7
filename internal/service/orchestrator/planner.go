package orchestrator

import (
	"context"
	"errors"

	"github.com/ashita-ai/bunseki/internal/catalog"
	"github.com/ashita-ai/bunseki/internal/model"
)

// ErrPlannerProtocol marks a planner response that breaks the decision
// contract. It is fatal for the run.
var ErrPlannerProtocol = errors.New("orchestrator: planner protocol violation")

// Planner produces one decision per call. onPartial is invoked for every
// partial update while the decision streams; a non-nil return aborts the
// call. Implementations must return promptly once ctx is done.
type Planner interface {
	Plan(ctx context.Context, req PlannerRequest, onPartial func(Partial) error) (PlannerResponse, error)
}

// PlannerFunc adapts a function to Planner.
type PlannerFunc func(ctx context.Context, req PlannerRequest, onPartial func(Partial) error) (PlannerResponse, error)

func (f PlannerFunc) Plan(ctx context.Context, req PlannerRequest, onPartial func(Partial) error) (PlannerResponse, error) {
	return f(ctx, req, onPartial)
}

// PlannerRequest is what the planner sees for one turn.
type PlannerRequest struct {
	UserMessage      string              `json:"user_message"`
	Instructions     string              `json:"instructions"`
	Schemas          []map[string]any    `json:"schemas"`
	History          []HistoryItem       `json:"history"`
	Mentions         []string            `json:"mentions"`
	LastObservation  *ObservationRecord  `json:"last_observation,omitempty"`
	PastObservations []ObservationRecord `json:"past_observations"`
	ToolCatalog      []catalog.Entry     `json:"tool_catalog"`
	Mode             string              `json:"mode"`
	LoopIndex        int                 `json:"loop_index"`
}

// PlannerResponse is one complete planner decision.
type PlannerResponse struct {
	AnalysisComplete bool            `json:"analysis_complete"`
	PlanType         model.PlanType  `json:"plan_type,omitempty"`
	ReasoningMessage string          `json:"reasoning_message,omitempty"`
	AssistantMessage string          `json:"assistant_message,omitempty"`
	Action           *model.Action   `json:"action,omitempty"`
	FinalAnswer      *string         `json:"final_answer,omitempty"`
	Metrics          *PlannerMetrics `json:"metrics,omitempty"`
	Error            *PlannerError   `json:"error,omitempty"`
}

// PlannerMetrics are planner-reported measurements for one turn.
type PlannerMetrics struct {
	LatencyMs  int64            `json:"latency_ms,omitempty"`
	TokenUsage model.TokenUsage `json:"token_usage"`
}

// PlannerError is a planner-reported failure.
type PlannerError struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

func (e *PlannerError) Error() string {
	if e.Code != "" {
		return "planner: " + e.Code + ": " + e.Message
	}
	return "planner: " + e.Message
}

// Partial is an in-flight update of the free-text fields of a decision.
// Both fields carry the full text accumulated so far.
type Partial struct {
	ReasoningMessage string `json:"reasoning_message,omitempty"`
	AssistantMessage string `json:"assistant_message,omitempty"`
}

// HistoryItem summarizes one earlier turn for the planner.
type HistoryItem struct {
	LoopIndex        int            `json:"loop_index"`
	Seq              int64          `json:"seq"`
	PlanType         model.PlanType `json:"plan_type"`
	Reasoning        string         `json:"reasoning,omitempty"`
	AssistantMessage string         `json:"assistant_message,omitempty"`
	Action           *model.Action  `json:"action,omitempty"`
	ToolSummary      string         `json:"tool_summary,omitempty"`
}

// ObservationRecord is a tool result as fed back to the planner.
type ObservationRecord struct {
	Seq       int64            `json:"seq"`
	Tool      string           `json:"tool"`
	Status    model.ToolStatus `json:"status"`
	Summary   string           `json:"summary"`
	Artifacts []string         `json:"artifacts,omitempty"`
	Output    map[string]any   `json:"output,omitempty"`
	Error     string           `json:"error,omitempty"`
}
