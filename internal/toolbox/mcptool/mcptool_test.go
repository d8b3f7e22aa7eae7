package mcptool

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/bunseki/internal/catalog"
	"github.com/ashita-ai/bunseki/internal/testutil"
)

type remote struct {
	mu   sync.Mutex
	keys []string
}

func (r *remote) server() *mcpserver.MCPServer {
	s := mcpserver.NewMCPServer("widgets", "1.2.3", mcpserver.WithToolCapabilities(false))
	s.AddTool(mcplib.NewTool("count_rows", mcplib.WithString("table", mcplib.Required())),
		func(_ context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
			if m := req.Params.Meta; m != nil {
				if k, ok := m.AdditionalFields["bunseki/idempotency_key"].(string); ok {
					r.mu.Lock()
					r.keys = append(r.keys, k)
					r.mu.Unlock()
				}
			}
			body, _ := json.Marshal(map[string]any{
				"table": req.GetString("table", ""),
				"rows":  3,
				"observation": map[string]any{
					"summary":   "3 rows in " + req.GetString("table", ""),
					"artifacts": []string{"widget-1"},
				},
			})
			return &mcplib.CallToolResult{Content: []mcplib.Content{mcplib.TextContent{Type: "text", Text: string(body)}}}, nil
		})
	s.AddTool(mcplib.NewTool("broken"),
		func(context.Context, mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
			return &mcplib.CallToolResult{
				Content: []mcplib.Content{mcplib.TextContent{Type: "text", Text: "warehouse offline"}},
				IsError: true,
			}, nil
		})
	return s
}

func dial(t *testing.T) (*Client, *remote) {
	t.Helper()
	r := &remote{}
	mux := http.NewServeMux()
	mux.Handle("/mcp", mcpserver.NewStreamableHTTPServer(r.server()))
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	c, err := Dial(context.Background(), srv.URL+"/mcp", testutil.TestLogger(), Options{Version: "test"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c, r
}

func TestRemoteToolRun(t *testing.T) {
	c, r := dial(t)
	ctx := context.Background()

	names, err := c.RemoteTools(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"count_rows", "broken"}, names)

	tool := c.Bind(catalog.Descriptor{Name: "count_rows", Category: catalog.CategoryResearch, IsActive: true})
	assert.Equal(t, "count_rows", tool.Descriptor().Name)

	inv := catalog.Invocation{
		ExecutionID:    uuid.New(),
		DecisionID:     uuid.New(),
		Attempt:        1,
		IdempotencyKey: "key-1",
		Arguments:      map[string]any{"table": "orders"},
	}
	res, err := tool.Run(ctx, inv)
	require.NoError(t, err)
	assert.Equal(t, "orders", res.Output["table"])
	assert.EqualValues(t, 3, res.Output["rows"])
	assert.NotContains(t, res.Output, "observation")
	assert.Equal(t, "3 rows in orders", res.Observation.Summary)
	assert.Equal(t, []string{"widget-1"}, res.Observation.Artifacts)

	r.mu.Lock()
	defer r.mu.Unlock()
	assert.Equal(t, []string{"key-1"}, r.keys)
}

func TestRemoteToolError(t *testing.T) {
	c, _ := dial(t)
	tool := c.Bind(catalog.Descriptor{Name: "broken", Category: catalog.CategoryAction, IsActive: true})

	_, err := tool.Run(context.Background(), catalog.Invocation{ExecutionID: uuid.New(), DecisionID: uuid.New()})
	var toolErr *catalog.Error
	require.ErrorAs(t, err, &toolErr)
	assert.Equal(t, "broken", toolErr.Tool)
	assert.Equal(t, "warehouse offline", toolErr.Message)
}

func TestToResult(t *testing.T) {
	tests := []struct {
		name        string
		structured  any
		text        string
		wantOutput  map[string]any
		wantSummary string
	}{
		{
			name:        "plain text",
			text:        "  done  ",
			wantOutput:  map[string]any{"text": "  done  "},
			wantSummary: "done",
		},
		{
			name:        "structured map",
			structured:  map[string]any{"n": 1.0},
			text:        `{"n":1}`,
			wantOutput:  map[string]any{"n": 1.0},
			wantSummary: `{"n":1}`,
		},
		{
			name:        "structured struct",
			structured:  struct{ N int }{N: 2},
			wantOutput:  map[string]any{"N": 2.0},
			wantSummary: "",
		},
		{
			name:        "json text with observation",
			text:        `{"ok": true, "observation": {"summary": "fine", "trigger": true}}`,
			wantOutput:  map[string]any{"ok": true},
			wantSummary: "fine",
		},
		{
			name:        "empty",
			wantOutput:  nil,
			wantSummary: "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := toResult(tt.structured, tt.text)
			assert.Equal(t, tt.wantOutput, res.Output)
			assert.Equal(t, tt.wantSummary, res.Observation.Summary)
		})
	}
}
