package store

import (
	"strings"
	"testing"
	"time"

	"arula/internal/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateAndOpenRoundTrip(t *testing.T) {
	s := New(t.TempDir())

	conv, err := s.Create("openai", "gpt-4o", "https://api.openai.com/v1")
	require.NoError(t, err)
	require.NotEmpty(t, conv.ID)

	reloaded, err := s.Open(conv.ID)
	require.NoError(t, err)
	assert.Equal(t, conv.ID, reloaded.ID)
	assert.Equal(t, "gpt-4o", reloaded.Model)
	assert.Empty(t, reloaded.Messages)
}

func TestAppendUserSetsTitleFromFirstMessage(t *testing.T) {
	s := New(t.TempDir())
	conv, err := s.Create("openai", "gpt-4o", "")
	require.NoError(t, err)

	require.NoError(t, s.AppendUser(conv, "What's the weather like today?"))
	assert.Equal(t, "What's the weather like today?", conv.Title)

	require.NoError(t, s.AppendUser(conv, "second message"))
	assert.Equal(t, "What's the weather like today?", conv.Title, "title is set only from the first user message")
}

func TestTitleTruncatedAt50Graphemes(t *testing.T) {
	s := New(t.TempDir())
	conv, err := s.Create("openai", "gpt-4o", "")
	require.NoError(t, err)

	long := strings.Repeat("a", 80)
	require.NoError(t, s.AppendUser(conv, long))
	assert.Len(t, []rune(conv.Title), 50)
}

func TestAppendAssistantAndToolResultRoundTrip(t *testing.T) {
	s := New(t.TempDir())
	conv, err := s.Create("openai", "gpt-4o", "")
	require.NoError(t, err)

	require.NoError(t, s.AppendUser(conv, "List root."))
	calls := []core.ToolCall{{ID: "c1", Name: "list_directory", Arguments: `{"path":"."}`}}
	require.NoError(t, s.AppendAssistant(conv, "", calls))
	require.NoError(t, s.AppendToolResult(conv, "c1", "list_directory", `{"entries":[]}`, true, 5*time.Millisecond))
	require.NoError(t, s.AppendAssistant(conv, "Here are the files.", nil))

	reloaded, err := s.Open(conv.ID)
	require.NoError(t, err)
	require.Len(t, reloaded.Messages, 4)
	assert.Equal(t, core.RoleUser, reloaded.Messages[0].Role)
	assert.Equal(t, core.RoleAssistant, reloaded.Messages[1].Role)
	require.Len(t, reloaded.Messages[1].ToolCalls, 1)
	assert.Equal(t, "c1", reloaded.Messages[1].ToolCalls[0].ID)
	assert.Equal(t, core.RoleTool, reloaded.Messages[2].Role)
	assert.Equal(t, "c1", reloaded.Messages[2].ToolCallID)
	assert.Equal(t, core.RoleAssistant, reloaded.Messages[3].Role)
	assert.Equal(t, "Here are the files.", reloaded.Messages[3].Text)
}

func TestListAndDelete(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)

	c1, err := s.Create("openai", "gpt-4o", "")
	require.NoError(t, err)
	require.NoError(t, s.AppendUser(c1, "hi"))

	c2, err := s.Create("anthropic", "claude", "")
	require.NoError(t, err)
	require.NoError(t, s.AppendUser(c2, "hello"))

	summaries, err := s.List()
	require.NoError(t, err)
	assert.Len(t, summaries, 2)

	require.NoError(t, s.Delete(c1.ID))
	summaries, err = s.List()
	require.NoError(t, err)
	assert.Len(t, summaries, 1)
	assert.Equal(t, c2.ID, summaries[0].ID)
}

func TestListOnEmptyWorkingDirReturnsNoError(t *testing.T) {
	s := New(t.TempDir())
	summaries, err := s.List()
	require.NoError(t, err)
	assert.Empty(t, summaries)
}

func TestOpenUnknownConversationFails(t *testing.T) {
	s := New(t.TempDir())
	_, err := s.Open("does-not-exist")
	require.Error(t, err)
}
