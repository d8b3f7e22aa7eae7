// Package planner is the HTTP client for a remote planner service.
//
// The client POSTs a turn's PlannerRequest as JSON. The service answers either
// with a single JSON PlannerResponse or with an NDJSON stream of lines
//
//	{"type":"partial","reasoning_message":"...","assistant_message":"..."}
//	{"type":"final", ...PlannerResponse fields...}
//
// where partial lines carry the text accumulated so far and exactly one final
// line ends the stream.
package planner

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"time"

	"github.com/ashita-ai/bunseki/internal/service/orchestrator"
)

// ErrNoFinal is returned when a stream ends without a final line.
var ErrNoFinal = errors.New("planner: stream ended without a final decision")

const (
	defaultTimeout = 120 * time.Second
	// maxLine bounds one NDJSON line; a final decision with a large action
	// payload must fit.
	maxLine = 4 << 20
)

// Client calls a planner service over HTTP.
type Client struct {
	url        string
	token      string
	timeout    time.Duration
	httpClient *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithToken sends token as a bearer credential.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithTimeout bounds one planner call, including the whole stream.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithHTTPClient replaces the HTTP client. Its Timeout should be zero so it
// does not cut streams short; use WithTimeout instead.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// New creates a client for the planner endpoint at url.
func New(url string, opts ...Option) *Client {
	c := &Client{
		url:        url,
		timeout:    defaultTimeout,
		httpClient: &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

var _ orchestrator.Planner = (*Client)(nil)

type line struct {
	Type string `json:"type"`
	orchestrator.PlannerResponse
}

// Plan sends one turn and returns the final decision, calling onPartial for
// each partial line. Cancellation is checked between lines.
func (c *Client) Plan(ctx context.Context, req orchestrator.PlannerRequest, onPartial func(orchestrator.Partial) error) (orchestrator.PlannerResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return orchestrator.PlannerResponse{}, fmt.Errorf("planner: marshal request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return orchestrator.PlannerResponse{}, fmt.Errorf("planner: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/x-ndjson, application/json")
	if c.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return orchestrator.PlannerResponse{}, fmt.Errorf("planner: send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return orchestrator.PlannerResponse{}, fmt.Errorf("planner: status %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		var out orchestrator.PlannerResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return orchestrator.PlannerResponse{}, fmt.Errorf("planner: decode response: %w", err)
		}
		return out, nil
	}
	return readStream(ctx, resp.Body, onPartial)
}

func readStream(ctx context.Context, r io.Reader, onPartial func(orchestrator.Partial) error) (orchestrator.PlannerResponse, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLine)
	for n := 1; sc.Scan(); n++ {
		if err := ctx.Err(); err != nil {
			return orchestrator.PlannerResponse{}, err
		}
		raw := bytes.TrimSpace(sc.Bytes())
		if len(raw) == 0 {
			continue
		}
		var l line
		if err := json.Unmarshal(raw, &l); err != nil {
			return orchestrator.PlannerResponse{}, fmt.Errorf("planner: line %d: %w", n, err)
		}
		switch l.Type {
		case "partial":
			if onPartial == nil {
				continue
			}
			if err := onPartial(orchestrator.Partial{
				ReasoningMessage: l.ReasoningMessage,
				AssistantMessage: l.AssistantMessage,
			}); err != nil {
				return orchestrator.PlannerResponse{}, err
			}
		case "final":
			return l.PlannerResponse, nil
		default:
			return orchestrator.PlannerResponse{}, fmt.Errorf("planner: line %d: unknown type %q", n, l.Type)
		}
	}
	if err := sc.Err(); err != nil {
		if ctx.Err() != nil {
			return orchestrator.PlannerResponse{}, ctx.Err()
		}
		return orchestrator.PlannerResponse{}, fmt.Errorf("planner: read stream: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return orchestrator.PlannerResponse{}, err
	}
	return orchestrator.PlannerResponse{}, ErrNoFinal
}
