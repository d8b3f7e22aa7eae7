package model

import (
	"fmt"
	"time"
)

// Field length limits for StartExecutionRequest.
const (
	MaxRequestIDLen   = 200
	MaxUserMessageLen = 64 * 1024 // 64 KB
)

// ValidateStartExecution checks the required fields and length limits of a
// start request.
func ValidateStartExecution(req StartExecutionRequest) error {
	if req.RequestID == "" {
		return fmt.Errorf("request_id is required")
	}
	if len(req.RequestID) > MaxRequestIDLen {
		return fmt.Errorf("request_id exceeds maximum length of %d characters", MaxRequestIDLen)
	}
	if req.OrgID == "" {
		return fmt.Errorf("org_id is required")
	}
	if req.UserMessage == "" {
		return fmt.Errorf("user_message is required")
	}
	if len(req.UserMessage) > MaxUserMessageLen {
		return fmt.Errorf("user_message exceeds maximum length of %d bytes", MaxUserMessageLen)
	}
	return nil
}

// ExecutionDetail is the replay view of one execution: its run row plus every
// decision and tool execution, each list ordered by seq.
type ExecutionDetail struct {
	Execution      AgentExecution  `json:"execution"`
	Decisions      []PlanDecision  `json:"decisions"`
	ToolExecutions []ToolExecution `json:"tool_executions"`
}

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeConflict      = "CONFLICT"
	ErrCodeInternalError = "INTERNAL_ERROR"
	ErrCodeUnavailable   = "UNAVAILABLE"
	ErrCodeRateLimited   = "RATE_LIMITED"
)

// HealthResponse is the response for GET /health.
type HealthResponse struct {
	Status           string `json:"status"`
	Version          string `json:"version"`
	Store            string `json:"store"`
	ActiveExecutions int    `json:"active_executions"`
	Tools            int    `json:"tools"`
	Uptime           int64  `json:"uptime_seconds"`
}
