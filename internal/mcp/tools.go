package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/bunseki/internal/catalog"
	"github.com/ashita-ai/bunseki/internal/model"
	"github.com/ashita-ai/bunseki/internal/storage"
)

func (s *Server) registerTools() {
	// bunseki_catalog: the tools a planner may call.
	s.mcpServer.AddTool(
		mcplib.NewTool("bunseki_catalog",
			mcplib.WithDescription(`List the tools a planner may call.

Filter by plan_type to see what is offered on research turns (read-only lookups)
or action turns (side-effecting work). Tools restricted to other organizations
are hidden when org is set.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("plan_type",
				mcplib.Description("Only tools callable on this turn type"),
				mcplib.Enum(string(model.PlanTypeResearch), string(model.PlanTypeAction)),
			),
			mcplib.WithString("org", mcplib.Description("Organization the catalog is rendered for")),
			mcplib.WithString("tags", mcplib.Description("Comma-separated tags; a tool matches if it has any of them")),
		),
		s.handleCatalog,
	)

	// bunseki_execution: replay one run.
	s.mcpServer.AddTool(
		mcplib.NewTool("bunseki_execution",
			mcplib.WithDescription(`Replay an agent execution.

Returns the run status plus every plan decision and tool attempt ordered by seq.
Reasoning is truncated and result payloads are omitted unless verbose is true.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("execution_id", mcplib.Description("Execution UUID"), mcplib.Required()),
			mcplib.WithBoolean("verbose", mcplib.Description("Return full records instead of the compact form")),
		),
		s.handleExecution,
	)

	// bunseki_cancel: stop a run in progress.
	s.mcpServer.AddTool(
		mcplib.NewTool("bunseki_cancel",
			mcplib.WithDescription("Cancel an in-progress execution. In-flight tool attempts end as cancelled."),
			mcplib.WithDestructiveHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("execution_id", mcplib.Description("Execution UUID"), mcplib.Required()),
		),
		s.handleCancel,
	)
}

func (s *Server) handleCatalog(_ context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	f := catalog.Filter{
		PlanType:     model.PlanType(request.GetString("plan_type", "")),
		Organization: request.GetString("org", ""),
	}
	switch f.PlanType {
	case "", model.PlanTypeResearch, model.PlanTypeAction:
	default:
		return errorResult(fmt.Sprintf("plan_type must be research or action, got %q", f.PlanType)), nil
	}
	if tags := request.GetString("tags", ""); tags != "" {
		for t := range strings.SplitSeq(tags, ",") {
			if t = strings.TrimSpace(t); t != "" {
				f.Tags = append(f.Tags, t)
			}
		}
	}

	entries := s.catalog.Entries(f)
	return jsonResult(map[string]any{
		"tools": entries,
		"total": len(entries),
	})
}

func (s *Server) handleExecution(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	id, err := uuid.Parse(request.GetString("execution_id", ""))
	if err != nil {
		return errorResult("execution_id must be a UUID"), nil
	}
	detail, err := s.executions.Detail(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return errorResult(fmt.Sprintf("execution %s not found", id)), nil
		}
		s.logger.Error("mcp: execution detail", "execution_id", id, "error", err)
		return errorResult(fmt.Sprintf("failed to load execution: %v", err)), nil
	}
	if request.GetBool("verbose", false) {
		return jsonResult(detail)
	}
	return jsonResult(compactDetail(detail))
}

func (s *Server) handleCancel(_ context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	id, err := uuid.Parse(request.GetString("execution_id", ""))
	if err != nil {
		return errorResult("execution_id must be a UUID"), nil
	}
	if !s.executions.Cancel(id) {
		return errorResult(fmt.Sprintf("execution %s is not running on this server", id)), nil
	}
	return jsonResult(map[string]any{"execution_id": id, "status": "cancelling"})
}

func jsonResult(v any) (*mcplib.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal result: %w", err)
	}
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(data)},
		},
	}, nil
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
