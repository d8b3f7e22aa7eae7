package toolbox

import (
	"context"
	"strings"

	"github.com/ashita-ai/bunseki/internal/catalog"
)

// ClarifyName is the name the planner uses to ask the user a question.
const ClarifyName = "clarify"

// Clarify returns the builtin that ends the run with a question for the
// user. The question becomes the run's final answer.
func Clarify() catalog.Tool {
	return catalog.NewFuncTool(catalog.Descriptor{
		Name:        ClarifyName,
		Description: "Ask the user a clarifying question and stop. Use when the request is ambiguous.",
		Category:    catalog.CategoryBoth,
		Version:     "1",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"question": map[string]any{"type": "string", "minLength": 1},
			},
			"required":             []any{"question"},
			"additionalProperties": false,
		},
		IsActive:          true,
		Idempotent:        true,
		ObservationPolicy: catalog.ObserveAlways,
		Tags:              []string{"builtin"},
	}, runClarify)
}

func runClarify(_ context.Context, inv catalog.Invocation) (catalog.Result, error) {
	q, _ := inv.Arguments["question"].(string)
	q = strings.TrimSpace(q)
	if q == "" {
		return catalog.Result{}, &catalog.Error{Tool: ClarifyName, Code: "invalid_arguments", Message: "question is empty"}
	}
	return catalog.Result{
		Output: map[string]any{"question": q},
		Observation: catalog.Observation{
			Summary:          "asked the user: " + q,
			AnalysisComplete: true,
			FinalAnswer:      &q,
		},
	}, nil
}
