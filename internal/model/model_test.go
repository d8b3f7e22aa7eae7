package model

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExecutionStatusTerminal(t *testing.T) {
	assert.False(t, ExecutionInProgress.Terminal())
	assert.True(t, ExecutionSuccess.Terminal())
	assert.True(t, ExecutionFailure.Terminal())
	assert.True(t, ExecutionCancelled.Terminal())
	assert.True(t, ExecutionInProgress.Valid())
	assert.False(t, ExecutionStatus("running").Valid())
}

func TestToolStatusRetryable(t *testing.T) {
	assert.True(t, ToolFailure.Retryable())
	assert.True(t, ToolTimeout.Retryable())
	assert.False(t, ToolSuccess.Retryable())
	assert.False(t, ToolCancelled.Retryable())
	assert.False(t, ToolInProgress.Retryable())
}

func TestTokenUsageAdd(t *testing.T) {
	a := TokenUsage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15}
	b := TokenUsage{PromptTokens: 1, CompletionTokens: 2, TotalTokens: 3}
	assert.Equal(t, TokenUsage{PromptTokens: 11, CompletionTokens: 7, TotalTokens: 18}, a.Add(b))
}

func TestValidateStartExecution(t *testing.T) {
	valid := StartExecutionRequest{RequestID: "req-1", OrgID: "org-1", UserMessage: "revenue by region?"}
	assert.NoError(t, ValidateStartExecution(valid))

	noReq := valid
	noReq.RequestID = ""
	assert.ErrorContains(t, ValidateStartExecution(noReq), "request_id")

	noOrg := valid
	noOrg.OrgID = ""
	assert.ErrorContains(t, ValidateStartExecution(noOrg), "org_id")

	long := valid
	long.UserMessage = strings.Repeat("x", MaxUserMessageLen+1)
	assert.ErrorContains(t, ValidateStartExecution(long), "maximum length")
}

func TestExecutionErrorString(t *testing.T) {
	err := &ExecutionError{Kind: ErrorKindPlannerProtocol, Message: "no action"}
	assert.Equal(t, "planner_protocol: no action", err.Error())
}
