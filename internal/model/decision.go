package model

import (
	"time"

	"github.com/google/uuid"
)

// PlanType distinguishes information-gathering turns from turns that act.
type PlanType string

const (
	PlanTypeResearch PlanType = "research"
	PlanTypeAction   PlanType = "action"
)

// Action is the tool call chosen by a planner turn.
type Action struct {
	Type      string         `json:"type"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// DecisionMetrics are per-turn planner measurements.
type DecisionMetrics struct {
	LatencyMs  int64      `json:"latency_ms"`
	TokenUsage TokenUsage `json:"token_usage"`
}

// PlanDecision is one recorded planner turn. Append-only.
type PlanDecision struct {
	ID               uuid.UUID       `json:"id"`
	ExecutionID      uuid.UUID       `json:"agent_execution_id"`
	Seq              int64           `json:"seq"`
	LoopIndex        int             `json:"loop_index"`
	PlanType         PlanType        `json:"plan_type"`
	AnalysisComplete bool            `json:"analysis_complete"`
	Reasoning        string          `json:"reasoning"`
	AssistantMessage string          `json:"assistant_message"`
	FinalAnswer      *string         `json:"final_answer,omitempty"`
	Action           *Action         `json:"action,omitempty"`
	Metrics          DecisionMetrics `json:"metrics"`
	SnapshotID       *uuid.UUID      `json:"context_snapshot_id,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
}
