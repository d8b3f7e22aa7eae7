package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ashita-ai/bunseki/internal/catalog"
	"github.com/ashita-ai/bunseki/internal/model"
)

// TurnState is everything the renderer may draw on for one turn.
type TurnState struct {
	Execution        model.AgentExecution
	Request          model.StartExecutionRequest
	LoopIndex        int
	ResearchTurns    int
	ResearchCap      int
	History          []HistoryItem
	LastObservation  *ObservationRecord
	PastObservations []ObservationRecord
	Catalog          []catalog.Entry
}

// Rendered is one turn's rendered context: the planner request plus the
// structured view and prompt text captured in the snapshot.
type Rendered struct {
	Request PlannerRequest
	View    map[string]any
	Prompt  string
}

// ContextRenderer turns loop state into planner input.
type ContextRenderer interface {
	Render(ctx context.Context, state TurnState) (Rendered, error)
}

// DefaultRenderer renders a plain-text prompt with fixed section order so
// that the same state always produces the same snapshot hash.
type DefaultRenderer struct {
	Instructions string
}

func (r DefaultRenderer) Render(_ context.Context, s TurnState) (Rendered, error) {
	mode := s.Request.Mode
	if mode == "" {
		mode = "chat"
	}
	req := PlannerRequest{
		UserMessage:      s.Request.UserMessage,
		Instructions:     r.instructions(s),
		Schemas:          orEmpty(s.Request.Schemas),
		History:          orEmpty(s.History),
		Mentions:         orEmpty(s.Request.Mentions),
		LastObservation:  s.LastObservation,
		PastObservations: orEmpty(s.PastObservations),
		ToolCatalog:      orEmpty(s.Catalog),
		Mode:             mode,
		LoopIndex:        s.LoopIndex,
	}

	view, err := toMap(req)
	if err != nil {
		return Rendered{}, fmt.Errorf("orchestrator: render view: %w", err)
	}
	view["research_turns"] = s.ResearchTurns

	var b strings.Builder
	fmt.Fprintf(&b, "# Instructions\n%s\n\n", req.Instructions)
	fmt.Fprintf(&b, "# Mode\n%s\n\n", req.Mode)
	fmt.Fprintf(&b, "# User message\n%s\n", req.UserMessage)
	if len(req.Mentions) > 0 {
		fmt.Fprintf(&b, "\n# Mentions\n%s\n", strings.Join(req.Mentions, ", "))
	}
	if len(req.Schemas) > 0 {
		b.WriteString("\n# Schemas\n")
		writeJSONLine(&b, req.Schemas)
	}
	b.WriteString("\n# Tools\n")
	for _, e := range req.ToolCatalog {
		fmt.Fprintf(&b, "- %s (%s): %s\n", e.Name, e.Category, e.Description)
	}
	if len(req.History) > 0 {
		b.WriteString("\n# History\n")
		for _, h := range req.History {
			fmt.Fprintf(&b, "[%d] %s: %s", h.LoopIndex, h.PlanType, h.Reasoning)
			if h.Action != nil {
				fmt.Fprintf(&b, " -> %s", h.Action.Name)
			}
			if h.ToolSummary != "" {
				fmt.Fprintf(&b, " => %s", h.ToolSummary)
			}
			b.WriteString("\n")
		}
	}
	if req.LastObservation != nil {
		b.WriteString("\n# Last observation\n")
		writeJSONLine(&b, req.LastObservation)
	}
	return Rendered{Request: req, View: view, Prompt: b.String()}, nil
}

func (r DefaultRenderer) instructions(s TurnState) string {
	text := r.Instructions
	if text == "" {
		text = "Plan the next step. Use research tools to gather information, then act or answer."
	}
	if s.ResearchCap > 0 && s.ResearchTurns >= s.ResearchCap {
		text += "\nThe research budget is spent. Act or give the final answer now."
	}
	return text
}

func writeJSONLine(b *strings.Builder, v any) {
	raw, err := json.Marshal(v)
	if err != nil {
		fmt.Fprintf(b, "%v\n", v)
		return
	}
	b.Write(raw)
	b.WriteString("\n")
}

// toMap converts v to its JSON object form.
func toMap(v any) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func orEmpty[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
