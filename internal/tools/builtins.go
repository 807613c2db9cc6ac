package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"arula/internal/core"

	"al.essio.dev/pkg/shellescape"
	"github.com/bmatcuk/doublestar/v4"
	"github.com/denormal/go-gitignore"
	"github.com/invopop/jsonschema"
)

// schemaFor reflects a Go struct into the JSON-Schema parameters object
// the spec requires every tool declaration to carry.
func schemaFor(v any) map[string]any {
	reflector := &jsonschema.Reflector{DoNotReference: true, ExpandedStruct: true}
	schema := reflector.Reflect(v)
	b, err := json.Marshal(schema)
	if err != nil {
		return map[string]any{"type": "object"}
	}
	var m map[string]any
	json.Unmarshal(b, &m)
	return m
}

func registerBuiltins(r *Registry) {
	register(r, "shell_exec", "Run a shell command and capture stdout/stderr.", shellExecArgs{}, 60*time.Second, shellExec)
	register(r, "read_file", "Read the full contents of a file.", pathArgs{}, 10*time.Second, readFile)
	register(r, "write_file", "Write (overwrite) a file with the given content.", writeFileArgs{}, 10*time.Second, writeFile)
	register(r, "edit_file", "Replace the first occurrence of old_text with new_text in a file.", editFileArgs{}, 10*time.Second, editFile)
	register(r, "list_directory", "List entries in a directory, non-recursive.", pathArgs{}, 10*time.Second, listDirectory)
	register(r, "search_files", "Search for files matching a glob pattern, respecting .gitignore.", searchFilesArgs{}, 20*time.Second, searchFiles)
	register(r, "web_search", "Search the web.", webSearchArgs{}, 30*time.Second, webSearchStub)
	register(r, "ask_clarification", "Ask the user a clarifying question; the runtime surfaces it and waits for the next user turn.", askClarificationArgs{}, 10*time.Second, askClarification)
	register(r, "mcp_list_tools", "List tools exposed by a connected MCP server.", mcpListToolsArgs{}, 10*time.Second, mcpListToolsHandler(r))
	register(r, "mcp_call", "Call a tool on a connected MCP server by name.", mcpCallArgs{}, 60*time.Second, mcpCallHandler(r))
}

func register(r *Registry, name, desc string, argShape any, timeout time.Duration, h Handler) {
	r.entries[name] = entry{
		schema: core.ToolSchema{
			Name:        name,
			Description: desc,
			Parameters:  schemaFor(argShape),
		},
		handler: h,
		timeout: timeout,
	}
}

// mcpListToolsHandler/mcpCallHandler close over the registry so the
// mandatory mcp_call/mcp_list_tools pseudo-tools can reach the per-server
// clients populated later, during Build's MCP connection phase.
func mcpListToolsHandler(r *Registry) Handler {
	return func(ctx context.Context, argumentsJSON string) (string, error) {
		var args mcpListToolsArgs
		if err := json.Unmarshal([]byte(argumentsJSON), &args); err != nil {
			return "", err
		}
		client, ok := r.clients[args.ServerID]
		if !ok {
			return "", fmt.Errorf("unknown mcp server: %s", args.ServerID)
		}
		defs, err := client.ListTools(ctx)
		if err != nil {
			return "", err
		}
		return mustJSON(map[string]any{"tools": defs}), nil
	}
}

func mcpCallHandler(r *Registry) Handler {
	return func(ctx context.Context, argumentsJSON string) (string, error) {
		var args mcpCallArgs
		if err := json.Unmarshal([]byte(argumentsJSON), &args); err != nil {
			return "", err
		}
		client, ok := r.clients[args.ServerID]
		if !ok {
			return "", fmt.Errorf("unknown mcp server: %s", args.ServerID)
		}
		res, err := client.CallTool(ctx, args.Name, string(args.Arguments))
		if err != nil {
			return "", err
		}
		if res.IsError {
			return "", fmt.Errorf("mcp tool %s reported an error: %s", args.Name, res.Text)
		}
		return res.Text, nil
	}
}

type shellExecArgs struct {
	Command string `json:"command" jsonschema:"required,description=The shell command to execute"`
}

func shellExec(ctx context.Context, argumentsJSON string) (string, error) {
	var args shellExecArgs
	if err := json.Unmarshal([]byte(argumentsJSON), &args); err != nil {
		return "", err
	}
	// shellescape guards against the argument containing characters that
	// would let it break out of the intended single-command invocation
	// when handed to sh -c.
	quoted := shellescape.Quote(args.Command)
	cmd := exec.CommandContext(ctx, "sh", "-c", "exec "+quoted[1:len(quoted)-1])
	cmd.Dir, _ = os.Getwd()
	out, err := cmd.CombinedOutput()
	result := map[string]any{"output": string(out)}
	if err != nil {
		result["error"] = err.Error()
	}
	return mustJSON(result), nil
}

type pathArgs struct {
	Path string `json:"path" jsonschema:"required,description=Filesystem path"`
}

func readFile(ctx context.Context, argumentsJSON string) (string, error) {
	var args pathArgs
	if err := json.Unmarshal([]byte(argumentsJSON), &args); err != nil {
		return "", err
	}
	data, err := os.ReadFile(args.Path)
	if err != nil {
		return "", err
	}
	return mustJSON(map[string]string{"content": string(data)}), nil
}

type writeFileArgs struct {
	Path    string `json:"path" jsonschema:"required"`
	Content string `json:"content" jsonschema:"required"`
}

func writeFile(ctx context.Context, argumentsJSON string) (string, error) {
	var args writeFileArgs
	if err := json.Unmarshal([]byte(argumentsJSON), &args); err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(args.Path), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(args.Path, []byte(args.Content), 0o644); err != nil {
		return "", err
	}
	return mustJSON(map[string]bool{"ok": true}), nil
}

type editFileArgs struct {
	Path    string `json:"path" jsonschema:"required"`
	OldText string `json:"old_text" jsonschema:"required"`
	NewText string `json:"new_text" jsonschema:"required"`
}

func editFile(ctx context.Context, argumentsJSON string) (string, error) {
	var args editFileArgs
	if err := json.Unmarshal([]byte(argumentsJSON), &args); err != nil {
		return "", err
	}
	data, err := os.ReadFile(args.Path)
	if err != nil {
		return "", err
	}
	content := string(data)
	if !strings.Contains(content, args.OldText) {
		return "", fmt.Errorf("old_text not found in %s", args.Path)
	}
	updated := strings.Replace(content, args.OldText, args.NewText, 1)
	if err := os.WriteFile(args.Path, []byte(updated), 0o644); err != nil {
		return "", err
	}
	return mustJSON(map[string]bool{"ok": true}), nil
}

func listDirectory(ctx context.Context, argumentsJSON string) (string, error) {
	var args pathArgs
	if err := json.Unmarshal([]byte(argumentsJSON), &args); err != nil {
		return "", err
	}
	entries, err := os.ReadDir(args.Path)
	if err != nil {
		return "", err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name()+"/")
		} else {
			names = append(names, e.Name())
		}
	}
	return mustJSON(map[string]any{"entries": names}), nil
}

type searchFilesArgs struct {
	Root    string `json:"root" jsonschema:"required,description=Directory to search under"`
	Pattern string `json:"pattern" jsonschema:"required,description=Doublestar glob pattern, e.g. **/*.go"`
}

func searchFiles(ctx context.Context, argumentsJSON string) (string, error) {
	var args searchFilesArgs
	if err := json.Unmarshal([]byte(argumentsJSON), &args); err != nil {
		return "", err
	}
	ignore, _ := gitignore.NewRepository(args.Root)

	var matches []string
	err := doublestar.GlobWalk(os.DirFS(args.Root), args.Pattern, func(path string, d os.DirEntry) error {
		if ignore != nil {
			if match := ignore.Relative(path, d.IsDir()); match != nil && match.Ignore() {
				return nil
			}
		}
		matches = append(matches, path)
		return nil
	})
	if err != nil {
		return "", err
	}
	return mustJSON(map[string]any{"matches": matches}), nil
}

type webSearchArgs struct {
	Query string `json:"query" jsonschema:"required"`
}

// webSearchStub is intentionally unimplemented: the spec treats the
// concrete web-search backend as out of core scope ("specific built-in
// tool implementations ... — only their invocation contract matters"). It
// is registered so schemas_for_provider/invoke stay consistent per the
// spec's "every name exposed must resolve" invariant.
func webSearchStub(ctx context.Context, argumentsJSON string) (string, error) {
	return "", fmt.Errorf("web_search is not implemented in this core")
}

type askClarificationArgs struct {
	Question string `json:"question" jsonschema:"required"`
}

// askClarification is a pseudo-tool: it has no side effect of its own, it
// exists so the model can signal it needs user input using the same
// tool-call channel as real tools, rather than embedding a question in
// free text that the core would have to parse (forbidden by §4.5.2).
func askClarification(ctx context.Context, argumentsJSON string) (string, error) {
	var args askClarificationArgs
	if err := json.Unmarshal([]byte(argumentsJSON), &args); err != nil {
		return "", err
	}
	return mustJSON(map[string]string{"question": args.Question}), nil
}

type mcpListToolsArgs struct {
	ServerID string `json:"server_id" jsonschema:"required"`
}

type mcpCallArgs struct {
	ServerID  string          `json:"server_id" jsonschema:"required"`
	Name      string          `json:"name" jsonschema:"required"`
	Arguments json.RawMessage `json:"arguments"`
}
