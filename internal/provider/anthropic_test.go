package provider

import (
	"testing"

	"arula/internal/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMapAnthropicFinishReason(t *testing.T) {
	assert.Equal(t, core.FinishStop, mapAnthropicFinishReason("end_turn", false))
	assert.Equal(t, core.FinishStop, mapAnthropicFinishReason("stop_sequence", false))
	assert.Equal(t, core.FinishLength, mapAnthropicFinishReason("max_tokens", false))
	assert.Equal(t, core.FinishToolCalls, mapAnthropicFinishReason("tool_use", false))
	assert.Equal(t, core.FinishToolCalls, mapAnthropicFinishReason("", true))
	assert.Equal(t, core.FinishStop, mapAnthropicFinishReason("", false))
}

func TestToAnthropicMessagesSeparatesSystemPrompt(t *testing.T) {
	msgs := []core.Message{
		{Role: core.RoleSystem, Text: "be helpful"},
		{Role: core.RoleSystem, Text: "be terse"},
		{Role: core.RoleUser, Text: "hi"},
	}
	system, out := toAnthropicMessages(msgs)
	assert.Equal(t, "be helpful\n\nbe terse", system)
	require.Len(t, out, 1)
}

func TestToAnthropicMessagesCarriesToolUseAndResult(t *testing.T) {
	msgs := []core.Message{
		{Role: core.RoleUser, Text: "list root"},
		{Role: core.RoleAssistant, ToolCalls: []core.ToolCall{{ID: "c1", Name: "list_directory", Arguments: `{"path":"."}`}}},
		{Role: core.RoleTool, Text: `{"entries":[]}`, ToolCallID: "c1"},
	}
	_, out := toAnthropicMessages(msgs)
	require.Len(t, out, 3)
}

func TestToStringSlice(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, toStringSlice([]any{"a", "b"}))
	assert.Equal(t, []string{"a"}, toStringSlice([]string{"a"}))
	assert.Nil(t, toStringSlice(42))
	assert.Nil(t, toStringSlice(nil))
}
