package model

import (
	"time"

	"github.com/google/uuid"
)

// ToolStatus is the state of one tool call attempt.
type ToolStatus string

const (
	ToolInProgress ToolStatus = "in_progress"
	ToolSuccess    ToolStatus = "success"
	ToolFailure    ToolStatus = "failure"
	ToolTimeout    ToolStatus = "timeout"
	ToolCancelled  ToolStatus = "cancelled"
)

// Retryable reports whether an attempt that ended in s may be retried.
// Timeouts count as failures for retry purposes.
func (s ToolStatus) Retryable() bool {
	return s == ToolFailure || s == ToolTimeout
}

// ToolExecution records one attempt at running a tool.
// AttemptNumber is 1-based and never exceeds MaxRetries+1.
type ToolExecution struct {
	ID             uuid.UUID      `json:"id"`
	ExecutionID    uuid.UUID      `json:"agent_execution_id"`
	DecisionID     *uuid.UUID     `json:"plan_decision_id,omitempty"`
	Seq            int64          `json:"seq"`
	ToolName       string         `json:"tool_name"`
	ToolAction     string         `json:"tool_action,omitempty"`
	Arguments      map[string]any `json:"arguments"`
	IdempotencyKey string         `json:"idempotency_key"`
	Status         ToolStatus     `json:"status"`
	Success        bool           `json:"success"`
	AttemptNumber  int            `json:"attempt_number"`
	MaxRetries     int            `json:"max_retries"`
	StartedAt      time.Time      `json:"started_at"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
	DurationMs     *int64         `json:"duration_ms,omitempty"`
	ResultSummary  string         `json:"result_summary,omitempty"`
	ResultPayload  map[string]any `json:"result_payload,omitempty"`
	ArtifactRefs   []string       `json:"artifact_refs"`
	ErrorMessage   string         `json:"error_message,omitempty"`
}

// ToolOutcome is what the tracker persists when an attempt ends.
type ToolOutcome struct {
	Status        ToolStatus
	ResultSummary string
	ResultPayload map[string]any
	ArtifactRefs  []string
	ErrorMessage  string
}
