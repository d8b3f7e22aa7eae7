package bunseki

import (
	"time"

	"github.com/google/uuid"
)

// ExecutionStatus is the state of an agent execution.
type ExecutionStatus string

const (
	StatusInProgress ExecutionStatus = "in_progress"
	StatusSuccess    ExecutionStatus = "success"
	StatusFailure    ExecutionStatus = "failure"
	StatusCancelled  ExecutionStatus = "cancelled"
)

// TokenUsage is the planner token accounting of one execution.
type TokenUsage struct {
	PromptTokens     int64
	CompletionTokens int64
	TotalTokens      int64
}

// Execution is the public representation of an agent execution.
// It is a curated view of internal/model.AgentExecution for use in extension
// interfaces. No internal package imports, safe to use from outside the module.
type Execution struct {
	ID              uuid.UUID
	RequestID       string
	ReportID        *string
	OrgID           string
	UserID          string
	Status          ExecutionStatus
	StartedAt       time.Time
	CompletedAt     *time.Time
	TotalDurationMs *int64
	LatestSeq       int64
	TokenUsage      TokenUsage
	// ErrorKind and ErrorMessage are set for failed runs.
	ErrorKind    string
	ErrorMessage string
}

// ToolCategory says which plan types may call a tool: "research", "action"
// or "both".
type ToolCategory string

const (
	CategoryResearch ToolCategory = "research"
	CategoryAction   ToolCategory = "action"
	CategoryBoth     ToolCategory = "both"
)

// ToolDescriptor is the catalog metadata of an embedder-provided tool.
// Zero TimeoutSeconds uses the server default. Empty ObservationPolicy means
// "always".
type ToolDescriptor struct {
	Name        string
	Description string
	Category    ToolCategory
	Version     string
	InputSchema map[string]any
	// MaxRetries applies only when Idempotent is set.
	MaxRetries          int
	TimeoutSeconds      int
	Tags                []string
	RequiredPermissions []string
	EnabledForOrgs      []string
	Idempotent          bool
	ObservationPolicy   string
}

// ToolInvocation is one attempt at running a tool.
type ToolInvocation struct {
	ExecutionID    uuid.UUID
	DecisionID     uuid.UUID
	Attempt        int
	IdempotencyKey string
	Arguments      map[string]any
	OrgID          string
	UserID         string
	RequestID      string
}

// ToolResult is what a tool hands back. Summary and Artifacts feed the next
// planner turn; Output is recorded as the result payload.
type ToolResult struct {
	Output           map[string]any
	Summary          string
	Artifacts        []string
	AnalysisComplete bool
	FinalAnswer      *string
	Trigger          bool
}
