// Package mcpclient implements the MCP Client (C4): JSON-RPC 2.0 over
// HTTPS to external tool servers, grounded on the stdio JSON-RPC client
// idiom found in the broader example pack (request/response envelope
// shape, sequential call dispatch) and adapted from Content-Length-framed
// stdio pipes to one-shot HTTP POST/response, per this spec's transport.
package mcpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/jsonrpc2"
)

const protocolVersion = "2024-11-05"

// ToolDef mirrors the {name, description, inputSchema} shape returned by
// tools/list.
type ToolDef struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

// Client is one long-lived client per configured MCP server. It is
// internally thread-safe; calls are multiplexed over a pooled *http.Client.
type Client struct {
	ServerID string
	URL      string
	Headers  map[string]string
	Timeout  time.Duration

	httpClient *http.Client
	initOnce   sync.Once
	initErr    error
	serverInfo json.RawMessage
}

func New(serverID, url string, headers map[string]string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		ServerID:   serverID,
		URL:        url,
		Headers:    headers,
		Timeout:    timeout,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// ensureInitialized sends the initialize handshake exactly once per
// client, caching the returned server info.
func (c *Client) ensureInitialized(ctx context.Context) error {
	c.initOnce.Do(func() {
		params := map[string]any{
			"protocolVersion": protocolVersion,
			"capabilities": map[string]any{
				"tools":    map[string]any{},
				"roots":    map[string]any{"listChanged": true},
				"sampling": map[string]any{},
			},
			"clientInfo": map[string]any{
				"name":    "arula",
				"version": "0.1.0",
			},
		}
		raw, err := c.call(ctx, "initialize", params)
		c.serverInfo = raw
		c.initErr = err
	})
	return c.initErr
}

// ListTools calls tools/list and returns the discovered tool definitions.
func (c *Client) ListTools(ctx context.Context) ([]ToolDef, error) {
	if err := c.ensureInitialized(ctx); err != nil {
		return nil, err
	}
	raw, err := c.call(ctx, "tools/list", map[string]any{})
	if err != nil {
		return nil, err
	}
	var result struct {
		Tools []ToolDef `json:"tools"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("mcp %s: unmarshaling tools/list result: %w", c.ServerID, err)
	}
	return result.Tools, nil
}

// CallToolResult is the {content...} shape of a tools/call result, reduced
// to the text parts the tool registry persists as a ToolResult payload.
type CallToolResult struct {
	Text    string
	IsError bool
}

// CallTool calls tools/call with {name, arguments}. JSON-RPC-level errors
// are returned as a Go error; MCP-protocol "isError" results are returned
// successfully with IsError set, since a tool failure is not a transport
// failure.
func (c *Client) CallTool(ctx context.Context, name string, argumentsJSON string) (*CallToolResult, error) {
	if err := c.ensureInitialized(ctx); err != nil {
		return nil, err
	}
	var args map[string]any
	if argumentsJSON != "" {
		if err := json.Unmarshal([]byte(argumentsJSON), &args); err != nil {
			return nil, fmt.Errorf("mcp %s: invalid tool arguments json: %w", c.ServerID, err)
		}
	}
	raw, err := c.call(ctx, "tools/call", map[string]any{
		"name":      name,
		"arguments": args,
	})
	if err != nil {
		return nil, err
	}
	var result struct {
		IsError bool `json:"isError"`
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("mcp %s: unmarshaling tools/call result: %w", c.ServerID, err)
	}
	var text string
	for _, part := range result.Content {
		if part.Type == "text" {
			text += part.Text
		}
	}
	return &CallToolResult{Text: text, IsError: result.IsError}, nil
}

// call sends one JSON-RPC 2.0 envelope over a single HTTP POST and parses
// the response body as a JSON-RPC response. A fresh UUID request id is
// used per call, matching the spec's "request id uses a fresh UUID per
// call" requirement.
func (c *Client) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := uuid.NewString()
	paramsRaw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	reqEnvelope := &jsonrpc2.Request{
		Method: method,
		Params: (*json.RawMessage)(&paramsRaw),
		ID:     jsonrpc2.ID{Str: id, IsString: true},
	}
	body, err := json.Marshal(reqEnvelope)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	// configured headers first, defaults fill any gap they leave
	for k, v := range c.Headers {
		httpReq.Header.Set(k, v)
	}
	if httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if httpReq.Header.Get("Accept") == "" {
		httpReq.Header.Set("Accept", "application/json, text/event-stream")
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("mcp %s: request failed: %w", c.ServerID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("mcp %s: http status %d", c.ServerID, resp.StatusCode)
	}

	var respEnvelope jsonrpc2.Response
	if err := json.NewDecoder(resp.Body).Decode(&respEnvelope); err != nil {
		return nil, fmt.Errorf("mcp %s: decoding response: %w", c.ServerID, err)
	}
	if respEnvelope.Error != nil {
		return nil, fmt.Errorf("mcp %s: %s (code %d)", c.ServerID, respEnvelope.Error.Message, respEnvelope.Error.Code)
	}
	if respEnvelope.Result == nil {
		return json.RawMessage("null"), nil
	}
	return *respEnvelope.Result, nil
}
