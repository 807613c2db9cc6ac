package tools

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"arula/internal/config"
	"arula/internal/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEverySchemaResolvesInInvoke(t *testing.T) {
	reg := &Registry{entries: map[string]entry{}}
	registerBuiltins(reg)

	for _, schema := range reg.SchemasForProvider() {
		_, ok := reg.entries[schema.Name]
		assert.True(t, ok, "schema %s must resolve in Invoke's dispatch table", schema.Name)
	}
}

func TestInvokeReadWriteFile(t *testing.T) {
	reg := &Registry{entries: map[string]entry{}}
	registerBuiltins(reg)

	dir := t.TempDir()
	path := filepath.Join(dir, "note.txt")

	writeArgs, err := json.Marshal(writeFileArgs{Path: path, Content: "hello"})
	require.NoError(t, err)
	res := reg.Invoke(context.Background(), core.ToolCall{ID: "c1", Name: "write_file", Arguments: string(writeArgs)})
	require.True(t, res.Success)

	readArgs, err := json.Marshal(pathArgs{Path: path})
	require.NoError(t, err)
	res = reg.Invoke(context.Background(), core.ToolCall{ID: "c2", Name: "read_file", Arguments: string(readArgs)})
	require.True(t, res.Success)
	var payload struct {
		Content string `json:"content"`
	}
	require.NoError(t, json.Unmarshal([]byte(res.Payload), &payload))
	assert.Equal(t, "hello", payload.Content)
}

func TestInvokeUnknownToolReturnsFailure(t *testing.T) {
	reg := &Registry{entries: map[string]entry{}}
	registerBuiltins(reg)

	res := reg.Invoke(context.Background(), core.ToolCall{ID: "c1", Name: "does_not_exist", Arguments: "{}"})
	assert.False(t, res.Success)
}

func TestInvokeTimesOutSlowHandler(t *testing.T) {
	reg := &Registry{entries: map[string]entry{
		"slow": {
			schema:  core.ToolSchema{Name: "slow"},
			timeout: 20 * time.Millisecond,
			handler: func(ctx context.Context, args string) (string, error) {
				select {
				case <-time.After(time.Second):
					return "too slow", nil
				case <-ctx.Done():
					return "", ctx.Err()
				}
			},
		},
	}}

	start := time.Now()
	res := reg.Invoke(context.Background(), core.ToolCall{ID: "c1", Name: "slow", Arguments: "{}"})
	assert.False(t, res.Success)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestListDirectory(t *testing.T) {
	reg := &Registry{entries: map[string]entry{}}
	registerBuiltins(reg)

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("x"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0o755))

	args, err := json.Marshal(pathArgs{Path: dir})
	require.NoError(t, err)
	res := reg.Invoke(context.Background(), core.ToolCall{ID: "c1", Name: "list_directory", Arguments: string(args)})
	require.True(t, res.Success)
	var payload struct {
		Entries []string `json:"entries"`
	}
	require.NoError(t, json.Unmarshal([]byte(res.Payload), &payload))
	assert.ElementsMatch(t, []string{"a.txt", "sub/"}, payload.Entries)
}

func TestBuildSkipsUnreachableMCPServer(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Open(filepath.Join(dir, "config.json"))
	require.NoError(t, cfg.SetMCPServer("broken", &config.MCPServerEntry{URL: "http://127.0.0.1:1"}))

	var warnings []string
	reg := Build(context.Background(), cfg, func(msg string) { warnings = append(warnings, msg) })

	require.NotEmpty(t, warnings)
	// builtins are still present even though the one configured server failed
	_, ok := reg.entries["shell_exec"]
	assert.True(t, ok)
}
