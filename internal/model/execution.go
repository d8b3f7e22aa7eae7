// Package model defines the domain types for bunseki.
//
// Types map onto the persisted rows (agent_executions, plan_decisions,
// tool_executions, context_snapshots) and onto the streamed transport events.
package model

import (
	"time"

	"github.com/google/uuid"
)

// ExecutionStatus is the lifecycle state of an agent execution.
type ExecutionStatus string

const (
	ExecutionInProgress ExecutionStatus = "in_progress"
	ExecutionSuccess    ExecutionStatus = "success"
	ExecutionFailure    ExecutionStatus = "failure"
	ExecutionCancelled  ExecutionStatus = "cancelled"
)

// Terminal reports whether no further transitions are allowed from s.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecutionSuccess, ExecutionFailure, ExecutionCancelled:
		return true
	}
	return false
}

// Valid reports whether s is a known status.
func (s ExecutionStatus) Valid() bool {
	return s == ExecutionInProgress || s.Terminal()
}

// ErrorKind classifies why an execution failed.
type ErrorKind string

const (
	ErrorKindPlannerProtocol ErrorKind = "planner_protocol"
	ErrorKindPlannerError    ErrorKind = "planner_error"
	ErrorKindOrderingFault   ErrorKind = "ordering_fault"
	ErrorKindLoopLimit       ErrorKind = "loop_limit"
	ErrorKindStale           ErrorKind = "stale"
	ErrorKindInternal        ErrorKind = "internal"
)

// ExecutionError is the persisted failure reason of an execution.
type ExecutionError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

func (e *ExecutionError) Error() string {
	return string(e.Kind) + ": " + e.Message
}

// TokenUsage counts planner tokens.
type TokenUsage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

// Add returns the element-wise sum of u and o.
func (u TokenUsage) Add(o TokenUsage) TokenUsage {
	return TokenUsage{
		PromptTokens:     u.PromptTokens + o.PromptTokens,
		CompletionTokens: u.CompletionTokens + o.CompletionTokens,
		TotalTokens:      u.TotalTokens + o.TotalTokens,
	}
}

// AgentExecution binds one triggering request to its ordered history of
// plan decisions and tool executions. LatestSeq only increases.
type AgentExecution struct {
	ID              uuid.UUID       `json:"id"`
	RequestID       string          `json:"request_id"`
	ReportID        *string         `json:"report_id,omitempty"`
	OrgID           string          `json:"org_id"`
	UserID          string          `json:"user_id"`
	Status          ExecutionStatus `json:"status"`
	StartedAt       time.Time       `json:"started_at"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
	TotalDurationMs *int64          `json:"total_duration_ms,omitempty"`
	LatestSeq       int64           `json:"latest_seq"`
	TokenUsage      TokenUsage      `json:"token_usage"`
	Error           *ExecutionError `json:"error,omitempty"`
	Config          map[string]any  `json:"config"`
}

// ExecutionOutcome is what Finish persists on a terminal transition.
type ExecutionOutcome struct {
	Status          ExecutionStatus
	CompletedAt     time.Time
	TotalDurationMs int64
	TokenUsage      TokenUsage
	Error           *ExecutionError
}

// StartExecutionRequest is the request body for POST /v1/executions.
type StartExecutionRequest struct {
	RequestID   string           `json:"request_id"`
	ReportID    *string          `json:"report_id,omitempty"`
	OrgID       string           `json:"org_id"`
	UserID      string           `json:"user_id"`
	UserMessage string           `json:"user_message"`
	Mode        string           `json:"mode,omitempty"`
	Mentions    []string         `json:"mentions,omitempty"`
	Schemas     []map[string]any `json:"schemas,omitempty"`
	Permissions []string         `json:"permissions,omitempty"`
	Config      map[string]any   `json:"config,omitempty"`
}
