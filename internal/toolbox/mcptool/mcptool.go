// Package mcptool runs catalog tools on a remote MCP server. Each bound
// descriptor forwards its invocations as tools/call requests.
package mcptool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	mcpclient "github.com/mark3labs/mcp-go/client"
	mcptransport "github.com/mark3labs/mcp-go/client/transport"
	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/bunseki/internal/catalog"
)

// Client is a connected MCP session shared by every bound tool.
type Client struct {
	c      *mcpclient.Client
	logger *slog.Logger
}

// Options configures Dial.
type Options struct {
	Headers map[string]string
	Version string
}

// Dial connects to the MCP server at url and completes the initialize
// handshake.
func Dial(ctx context.Context, url string, logger *slog.Logger, opts Options) (*Client, error) {
	var transportOpts []mcptransport.StreamableHTTPCOption
	if len(opts.Headers) > 0 {
		transportOpts = append(transportOpts, mcptransport.WithHTTPHeaders(opts.Headers))
	}
	c, err := mcpclient.NewStreamableHttpClient(url, transportOpts...)
	if err != nil {
		return nil, fmt.Errorf("mcptool: create client: %w", err)
	}
	if err := c.Start(ctx); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("mcptool: start: %w", err)
	}

	version := opts.Version
	if version == "" {
		version = "dev"
	}
	info, err := c.Initialize(ctx, mcplib.InitializeRequest{
		Params: mcplib.InitializeParams{
			ProtocolVersion: mcplib.LATEST_PROTOCOL_VERSION,
			ClientInfo:      mcplib.Implementation{Name: "bunseki", Version: version},
		},
	})
	if err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("mcptool: initialize %s: %w", url, err)
	}
	logger.Info("mcp tool server connected",
		"url", url, "server", info.ServerInfo.Name, "server_version", info.ServerInfo.Version)
	return &Client{c: c, logger: logger}, nil
}

// RemoteTools lists the tool names the server advertises.
func (c *Client) RemoteTools(ctx context.Context) ([]string, error) {
	res, err := c.c.ListTools(ctx, mcplib.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("mcptool: list tools: %w", err)
	}
	names := make([]string, 0, len(res.Tools))
	for _, t := range res.Tools {
		names = append(names, t.Name)
	}
	return names, nil
}

// Bind returns a catalog tool that runs desc remotely.
func (c *Client) Bind(desc catalog.Descriptor) catalog.Tool {
	return &tool{client: c, desc: desc}
}

// Close ends the session.
func (c *Client) Close() error {
	return c.c.Close()
}

type tool struct {
	client *Client
	desc   catalog.Descriptor
}

func (t *tool) Descriptor() catalog.Descriptor { return t.desc }

func (t *tool) Run(ctx context.Context, inv catalog.Invocation) (catalog.Result, error) {
	res, err := t.client.c.CallTool(ctx, mcplib.CallToolRequest{
		Params: mcplib.CallToolParams{
			Name:      t.desc.Name,
			Arguments: inv.Arguments,
			Meta: &mcplib.Meta{AdditionalFields: map[string]any{
				"bunseki/execution_id":    inv.ExecutionID.String(),
				"bunseki/decision_id":     inv.DecisionID.String(),
				"bunseki/attempt":         inv.Attempt,
				"bunseki/idempotency_key": inv.IdempotencyKey,
				"bunseki/org_id":          inv.Runtime.OrgID,
				"bunseki/user_id":         inv.Runtime.UserID,
			}},
		},
	})
	if err != nil {
		return catalog.Result{}, fmt.Errorf("mcptool: call %s: %w", t.desc.Name, err)
	}
	text := textContent(res.Content)
	if res.IsError {
		return catalog.Result{}, &catalog.Error{Tool: t.desc.Name, Message: text}
	}
	return toResult(res.StructuredContent, text), nil
}

// toResult turns a tools/call result into a catalog result. A structured (or
// JSON text) object becomes the output; an "observation" member in it, if
// present, is the tool's observation. Otherwise the text is the summary.
func toResult(structured any, text string) catalog.Result {
	var out map[string]any
	switch v := structured.(type) {
	case map[string]any:
		out = v
	case nil:
		trimmed := strings.TrimSpace(text)
		if strings.HasPrefix(trimmed, "{") {
			_ = json.Unmarshal([]byte(trimmed), &out)
		}
	default:
		raw, err := json.Marshal(v)
		if err == nil {
			_ = json.Unmarshal(raw, &out)
		}
	}

	var obs catalog.Observation
	if o, ok := out["observation"]; ok {
		if raw, err := json.Marshal(o); err == nil {
			_ = json.Unmarshal(raw, &obs)
		}
		delete(out, "observation")
	}
	if out == nil && text != "" {
		out = map[string]any{"text": text}
	}
	if obs.Summary == "" {
		obs.Summary = summarize(text)
	}
	return catalog.Result{Output: out, Observation: obs}
}

func textContent(content []mcplib.Content) string {
	var parts []string
	for _, c := range content {
		if tc, ok := c.(mcplib.TextContent); ok {
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}

const maxSummary = 500

func summarize(s string) string {
	s = strings.TrimSpace(s)
	if r := []rune(s); len(r) > maxSummary {
		return string(r[:maxSummary]) + "..."
	}
	return s
}
