// Package tools implements the Tool Registry & Executors (C3): a mapping
// from canonical tool name to an executable handler, plus the matching
// JSON-schema declarations surfaced to the model.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"arula/internal/config"
	"arula/internal/core"
	"arula/internal/mcpclient"

	"golang.org/x/sync/errgroup"
)

// Handler executes one tool invocation. It receives the raw JSON arguments
// object exactly as streamed from the model — callers never pattern-match
// on tool name to pick an argument shape; the handler validates.
type Handler func(ctx context.Context, argumentsJSON string) (payload string, err error)

type entry struct {
	schema   core.ToolSchema
	handler  Handler
	timeout  time.Duration
	serverID string // non-empty for tools bound to an MCP server; empty for builtins
}

// Registry is immutable after Build; rebuilding (e.g. on config reload)
// creates a new instance rather than mutating one in place.
type Registry struct {
	entries map[string]entry
	clients map[string]*mcpclient.Client
}

const defaultToolTimeout = 60 * time.Second

// Build connects to each configured MCP server concurrently, handshakes,
// enumerates tools, and registers each discovered tool as an indirection
// to mcp_call with the server id bound. A server that fails to connect is
// skipped (its tools are simply absent); it never fails the whole build.
func Build(ctx context.Context, cfg *config.Store, warn func(string)) *Registry {
	r := &Registry{entries: map[string]entry{}, clients: map[string]*mcpclient.Client{}}
	registerBuiltins(r)

	servers := cfg.ListMCPServers()
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for id, serverEntry := range servers {
		id, serverEntry := id, serverEntry
		g.Go(func() error {
			timeout := defaultToolTimeout
			if serverEntry.Timeout != nil {
				timeout = time.Duration(*serverEntry.Timeout) * time.Second
			}
			client := mcpclient.New(id, serverEntry.URL, serverEntry.Headers, timeout)
			toolDefs, err := client.ListTools(gctx)
			if err != nil {
				if warn != nil {
					warn(fmt.Sprintf("mcp server %s: %v", id, err))
				}
				return nil
			}
			mu.Lock()
			r.clients[id] = client
			for _, td := range toolDefs {
				name, schema, handler := bindMCPTool(client, id, td)
				r.entries[name] = entry{schema: schema, handler: handler, timeout: timeout, serverID: id}
			}
			mu.Unlock()
			return nil
		})
	}
	g.Wait() // errors are reported via warn, never propagated: a failing server yields an otherwise-complete registry

	return r
}

func bindMCPTool(client *mcpclient.Client, serverID string, td mcpclient.ToolDef) (string, core.ToolSchema, Handler) {
	schema := core.ToolSchema{
		Name:        td.Name,
		Description: td.Description,
		Parameters:  td.InputSchema,
	}
	handler := func(ctx context.Context, argumentsJSON string) (string, error) {
		res, err := client.CallTool(ctx, td.Name, argumentsJSON)
		if err != nil {
			return "", err
		}
		if res.IsError {
			return "", fmt.Errorf("mcp tool %s/%s reported an error: %s", serverID, td.Name, res.Text)
		}
		return res.Text, nil
	}
	return td.Name, schema, handler
}

// SchemasForProvider returns the tool schemas; schema identity doesn't
// depend on dialect, so each Provider adapter renders the same set into
// its own wire shape.
func (r *Registry) SchemasForProvider() []core.ToolSchema {
	out := make([]core.ToolSchema, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.schema)
	}
	return out
}

// ToolsByServer returns, for each MCP server id present in the registry,
// the sorted names of the tools it contributed. Builtins (serverID == "")
// are never included.
func (r *Registry) ToolsByServer() map[string][]string {
	out := map[string][]string{}
	for name, e := range r.entries {
		if e.serverID == "" {
			continue
		}
		out[e.serverID] = append(out[e.serverID], name)
	}
	for id := range out {
		sort.Strings(out[id])
	}
	return out
}

// Invoke dispatches by name, enforcing a per-tool timeout. Absence of the
// name is a programming bug (every schema surfaced must resolve here), but
// it returns a failed ToolResult whose payload names the missing tool
// rather than panicking. Failed results (not found, handler error,
// timeout) carry no error kind; only the payload's "error" text differs.
//
// The timeout context is deliberately rooted at context.Background(), not
// derived from ctx: an in-flight tool call must run to completion — bounded
// only by its own per-tool timeout — even after the caller cancels the
// turn. Cancellation only ever stops tools that haven't started yet (the
// caller's responsibility, before Invoke is called).
func (r *Registry) Invoke(ctx context.Context, call core.ToolCall) core.ToolResult {
	start := time.Now()
	e, ok := r.entries[call.Name]
	if !ok {
		return core.ToolResult{
			CallID:  call.ID,
			Success: false,
			Payload: mustJSON(map[string]string{"error": "tool not found: " + call.Name}),
		}
	}

	timeout := e.timeout
	if timeout <= 0 {
		timeout = defaultToolTimeout
	}
	tctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	type outcome struct {
		payload string
		err     error
	}
	done := make(chan outcome, 1)
	go func() {
		payload, err := e.handler(tctx, call.Arguments)
		done <- outcome{payload, err}
	}()

	select {
	case o := <-done:
		dur := time.Since(start)
		if o.err != nil {
			return core.ToolResult{
				CallID:     call.ID,
				Success:    false,
				Payload:    mustJSON(map[string]string{"error": o.err.Error()}),
				DurationMs: dur.Milliseconds(),
				Duration:   dur,
			}
		}
		return core.ToolResult{
			CallID:     call.ID,
			Success:    true,
			Payload:    o.payload,
			DurationMs: dur.Milliseconds(),
			Duration:   dur,
		}
	case <-tctx.Done():
		dur := time.Since(start)
		return core.ToolResult{
			CallID:     call.ID,
			Success:    false,
			Payload:    mustJSON(map[string]string{"error": "tool timed out"}),
			DurationMs: dur.Milliseconds(),
			Duration:   dur,
		}
	}
}

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}
