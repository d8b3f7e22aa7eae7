package catalog

import (
	"context"

	"github.com/google/uuid"
)

// Tool is one registered tool implementation. Implementations are registered
// once at startup with Catalog.Register.
type Tool interface {
	Descriptor() Descriptor
	Run(ctx context.Context, inv Invocation) (Result, error)
}

// RuntimeContext identifies who a tool is running for.
type RuntimeContext struct {
	RequestID string
	ReportID  string
	OrgID     string
	UserID    string
}

// Invocation is one attempt at running a tool.
//
// IdempotencyKey is identical across retry attempts of the same planned
// call, so idempotent tools can recognise work they already did.
type Invocation struct {
	ExecutionID    uuid.UUID
	DecisionID     uuid.UUID
	Attempt        int
	IdempotencyKey string
	Action         string
	Arguments      map[string]any
	Runtime        RuntimeContext
}

// Observation is what a tool hands back for the next planner turn.
type Observation struct {
	Summary          string   `json:"summary"`
	Artifacts        []string `json:"artifacts,omitempty"`
	AnalysisComplete bool     `json:"analysis_complete,omitempty"`
	FinalAnswer      *string  `json:"final_answer,omitempty"`
	// Trigger asks for the full observation under the on_trigger policy.
	Trigger bool `json:"trigger,omitempty"`
}

// Result is the end event of a successful tool run.
type Result struct {
	Output      map[string]any `json:"output"`
	Observation Observation    `json:"observation"`
}

// Error is a tool-reported failure.
type Error struct {
	Tool    string
	Message string
	Code    string
}

func (e *Error) Error() string {
	if e.Code != "" {
		return "tool " + e.Tool + ": " + e.Code + ": " + e.Message
	}
	return "tool " + e.Tool + ": " + e.Message
}

// RunFunc is the body of a FuncTool.
type RunFunc func(ctx context.Context, inv Invocation) (Result, error)

// FuncTool adapts a descriptor and a function to Tool.
type FuncTool struct {
	desc Descriptor
	run  RunFunc
}

// NewFuncTool returns a Tool that runs fn.
func NewFuncTool(desc Descriptor, fn RunFunc) *FuncTool {
	return &FuncTool{desc: desc, run: fn}
}

func (t *FuncTool) Descriptor() Descriptor { return t.desc }

func (t *FuncTool) Run(ctx context.Context, inv Invocation) (Result, error) {
	return t.run(ctx, inv)
}
