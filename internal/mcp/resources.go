package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"
)

const (
	catalogURI        = "bunseki://tools/catalog"
	executionURIStart = "bunseki://executions/"
)

func (s *Server) registerResources() {
	// bunseki://tools/catalog: every active tool.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			catalogURI,
			"Tool Catalog",
			mcplib.WithResourceDescription("Every active tool with its category, schema and retry policy"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleCatalogResource,
	)

	// bunseki://executions/{id}: compact replay of one run.
	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			executionURIStart+"{id}",
			"Execution",
			mcplib.WithTemplateDescription("Compact replay of one agent execution"),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handleExecutionResource,
	)
}

func (s *Server) handleCatalogResource(_ context.Context, _ mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	data, err := json.MarshalIndent(s.catalog.Entries(catalogFilterAll), "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal catalog: %w", err)
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      catalogURI,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func (s *Server) handleExecutionResource(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	uri := request.Params.URI
	id, err := parseExecutionURI(uri)
	if err != nil {
		return nil, err
	}
	detail, err := s.executions.Detail(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("mcp: execution %s: %w", id, err)
	}
	data, err := json.MarshalIndent(compactDetail(detail), "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal execution: %w", err)
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

// parseExecutionURI extracts the execution ID from bunseki://executions/{id}.
func parseExecutionURI(uri string) (uuid.UUID, error) {
	raw, ok := strings.CutPrefix(uri, executionURIStart)
	if !ok || raw == "" || strings.Contains(raw, "/") {
		return uuid.Nil, fmt.Errorf("mcp: invalid execution URI: %s", uri)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("mcp: invalid execution id %q: %w", raw, err)
	}
	return id, nil
}
