// Package mcp implements the Model Context Protocol server for bunseki.
//
// The MCP server exposes the tool catalog and read-only views of agent
// executions, so MCP-compatible clients can see what a planner may call and
// inspect what a run did.
package mcp

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/bunseki/internal/catalog"
	"github.com/ashita-ai/bunseki/internal/model"
)

// Executions is the slice of the orchestrator the MCP server reads from.
type Executions interface {
	Detail(ctx context.Context, id uuid.UUID) (model.ExecutionDetail, error)
	Cancel(id uuid.UUID) bool
}

// Server wraps the MCP server with bunseki's catalog and execution views.
type Server struct {
	mcpServer  *mcpserver.MCPServer
	catalog    *catalog.Catalog
	executions Executions
	logger     *slog.Logger
}

// New creates and configures a new MCP server with all resources and tools.
func New(cat *catalog.Catalog, executions Executions, logger *slog.Logger, version string) *Server {
	s := &Server{
		catalog:    cat,
		executions: executions,
		logger:     logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"bunseki",
		version,
		mcpserver.WithResourceCapabilities(false, true),
		mcpserver.WithToolCapabilities(false),
		mcpserver.WithInstructions(serverInstructions),
	)

	s.registerResources()
	s.registerTools()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

const serverInstructions = `bunseki runs agent executions: a planner loop that decides, calls tools and answers.

Use bunseki_catalog to see which tools a planner may call on research or action turns.
Use bunseki_execution with an execution_id to replay a run: every plan decision and tool
attempt in seq order. bunseki_cancel stops a run that is still in progress.`
