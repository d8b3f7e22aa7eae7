package mcp

import (
	"github.com/ashita-ai/bunseki/internal/catalog"
	"github.com/ashita-ai/bunseki/internal/model"
)

const maxCompactText = 200

var catalogFilterAll = catalog.Filter{}

// compactDetail returns a minimal replay for MCP responses. Snapshot
// references, per-decision metrics and tool payloads are dropped; reasoning
// is truncated.
func compactDetail(d model.ExecutionDetail) map[string]any {
	steps := make([]map[string]any, 0, len(d.Decisions)+len(d.ToolExecutions))
	i, j := 0, 0
	// Both lists are ordered by seq and share one counter, so a merge gives
	// the run's timeline.
	for i < len(d.Decisions) || j < len(d.ToolExecutions) {
		if j >= len(d.ToolExecutions) || (i < len(d.Decisions) && d.Decisions[i].Seq < d.ToolExecutions[j].Seq) {
			steps = append(steps, compactDecision(d.Decisions[i]))
			i++
			continue
		}
		steps = append(steps, compactToolExecution(d.ToolExecutions[j]))
		j++
	}

	e := d.Execution
	m := map[string]any{
		"id":          e.ID,
		"request_id":  e.RequestID,
		"status":      e.Status,
		"started_at":  e.StartedAt,
		"latest_seq":  e.LatestSeq,
		"token_usage": e.TokenUsage,
		"steps":       steps,
	}
	if e.CompletedAt != nil {
		m["completed_at"] = e.CompletedAt
	}
	if e.TotalDurationMs != nil {
		m["total_duration_ms"] = *e.TotalDurationMs
	}
	if e.Error != nil {
		m["error"] = e.Error
	}
	return m
}

func compactDecision(d model.PlanDecision) map[string]any {
	m := map[string]any{
		"kind":              "decision",
		"seq":               d.Seq,
		"loop_index":        d.LoopIndex,
		"plan_type":         d.PlanType,
		"analysis_complete": d.AnalysisComplete,
	}
	if d.Reasoning != "" {
		m["reasoning"] = truncate(d.Reasoning, maxCompactText)
	}
	if d.Action != nil {
		m["tool"] = d.Action.Name
	}
	if d.FinalAnswer != nil {
		m["final_answer"] = *d.FinalAnswer
	}
	return m
}

func compactToolExecution(te model.ToolExecution) map[string]any {
	m := map[string]any{
		"kind":    "tool",
		"seq":     te.Seq,
		"tool":    te.ToolName,
		"status":  te.Status,
		"attempt": te.AttemptNumber,
	}
	if te.ResultSummary != "" {
		m["summary"] = truncate(te.ResultSummary, maxCompactText)
	}
	if te.ErrorMessage != "" {
		m["error"] = truncate(te.ErrorMessage, maxCompactText)
	}
	if len(te.ArtifactRefs) > 0 {
		m["artifacts"] = te.ArtifactRefs
	}
	return m
}

// truncate shortens s to at most n runes, appending "..." when cut.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
