package session

import (
	"os"
	"path/filepath"
	"strings"

	"arula/internal/config"
	"arula/internal/tools"

	"github.com/cbroglie/mustache"
)

const identityTemplate = `You are {{name}}, a coding assistant operating inside a terminal session.
You execute tasks by calling the tools made available to you through the
model API's native function-calling mechanism. You never ask the user to
run a command on your behalf when a tool exists for it, and you never
invent a tool that is not in your catalog.`

const toolUsageGuide = `Tool usage: always invoke tools through the API's tool-calling mechanism.
Never emit a tool call as embedded text, JSON, or a fenced code block —
such text is not parsed and will not be executed.`

const devModeWarning = `Development-mode notice: this binary is running from a compiled-from-source
build tree rather than an installed release. Behavior should be identical,
but stack traces and file paths in diagnostics may reference source
locations on this machine.`

// ComposeSystemPrompt assembles the system prompt once, at session
// construction, per §4.5.1: identity, an optional dev-mode warning, the
// tool-usage guide, the built-in tool catalog, then project/global/local
// instruction files, then the enumeration of active MCP servers and their
// discovered tools. Sections are joined by blank lines.
func ComposeSystemPrompt(projectRoot string, registry *tools.Registry, mcpServers map[string]*config.MCPServerEntry) string {
	var sections []string

	identity, err := mustache.Render(identityTemplate, map[string]string{"name": "Arula"})
	if err != nil {
		identity = identityTemplate
	}
	sections = append(sections, identity)

	if runningFromBuildTree() {
		sections = append(sections, devModeWarning)
	}

	sections = append(sections, toolUsageGuide)
	sections = append(sections, builtinCatalogSection(registry))

	if projectRoot != "" {
		if manifest := readIfExists(filepath.Join(projectRoot, "AGENTS.md")); manifest != "" {
			sections = append(sections, manifest)
		}
	}
	if home, err := os.UserHomeDir(); err == nil {
		if global := readIfExists(filepath.Join(home, ".arula", "instructions.md")); global != "" {
			sections = append(sections, global)
		}
	}
	if projectRoot != "" {
		if local := readIfExists(filepath.Join(projectRoot, ".arula", "instructions.md")); local != "" {
			sections = append(sections, local)
		}
	}

	if len(mcpServers) > 0 {
		sections = append(sections, mcpServersSection(mcpServers, registry.ToolsByServer()))
	}

	return strings.Join(sections, "\n\n")
}

func builtinCatalogSection(registry *tools.Registry) string {
	var b strings.Builder
	b.WriteString("Available tools:\n")
	for _, s := range registry.SchemasForProvider() {
		b.WriteString("- ")
		b.WriteString(s.Name)
		b.WriteString(": ")
		b.WriteString(s.Description)
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func mcpServersSection(servers map[string]*config.MCPServerEntry, toolsByServer map[string][]string) string {
	var b strings.Builder
	b.WriteString("Connected MCP servers:\n")
	for id, entry := range servers {
		b.WriteString("- ")
		b.WriteString(id)
		b.WriteString(" (")
		b.WriteString(entry.URL)
		b.WriteString(")")
		if names := toolsByServer[id]; len(names) > 0 {
			b.WriteString(": ")
			b.WriteString(strings.Join(names, ", "))
		} else {
			b.WriteString(": (no tools discovered)")
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func readIfExists(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return string(data)
}

// runningFromBuildTree reports whether the current executable's path looks
// like a go build/go run temp artifact rather than an installed binary.
func runningFromBuildTree() bool {
	exe, err := os.Executable()
	if err != nil {
		return false
	}
	return strings.Contains(exe, "go-build") || strings.Contains(exe, string(filepath.Separator)+"tmp"+string(filepath.Separator)) || strings.HasPrefix(filepath.Base(exe), "__debug_bin")
}
