package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenMissingFileYieldsDefault(t *testing.T) {
	dir := t.TempDir()
	s := Open(filepath.Join(dir, "config.json"))

	assert.False(t, s.MigratedFromLegacy)
	label := s.ActiveLabel()
	assert.Equal(t, "openai", label)

	profile, err := s.ActiveProfile()
	require.NoError(t, err)
	assert.Equal(t, DialectOpenAISSE, profile.Dialect)
	assert.Equal(t, "gpt-4o", profile.Model)
}

func TestOpenCorruptFileYieldsDefaultWithoutFailing(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	s := Open(path)
	label := s.ActiveLabel()
	assert.Equal(t, "openai", label)
}

func TestSaveWritesAtomicallyAndReloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	s := Open(path)

	require.NoError(t, s.SetField("openai", "model", "gpt-4o-mini"))

	reloaded := Open(path)
	profile, err := reloaded.ActiveProfile()
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o-mini", profile.Model)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".tmp", "temp file must not survive a successful save")
	}
}

func TestSwitchActiveUnknownProviderFails(t *testing.T) {
	dir := t.TempDir()
	s := Open(filepath.Join(dir, "config.json"))

	err := s.SwitchActive("not-a-real-label")
	require.Error(t, err)
	var cerr *Error
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, ErrUnknownProvider, cerr.Kind)
}

func TestSwitchActiveCreatesDialectDefaultProfile(t *testing.T) {
	dir := t.TempDir()
	s := Open(filepath.Join(dir, "config.json"))

	require.NoError(t, s.SwitchActive("ollama"))
	assert.Equal(t, "ollama", s.ActiveLabel())

	profile, err := s.ActiveProfile()
	require.NoError(t, err)
	assert.Equal(t, DialectOllamaNDJSON, profile.Dialect)
	require.NotNil(t, profile.APIURL)
	assert.Equal(t, "http://localhost:11434", *profile.APIURL)
}

func TestSetFieldRejectsReadOnlyURL(t *testing.T) {
	dir := t.TempDir()
	s := Open(filepath.Join(dir, "config.json"))

	err := s.SetField("openai", "api_url", "https://example.com")
	require.Error(t, err)
	var cerr *Error
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, ErrFieldReadOnly, cerr.Kind)
}

func TestSetFieldAllowsEditableURLForOllama(t *testing.T) {
	dir := t.TempDir()
	s := Open(filepath.Join(dir, "config.json"))
	require.NoError(t, s.SwitchActive("ollama"))

	require.NoError(t, s.SetField("ollama", "api_url", "http://remote-ollama:11434"))
	profile, err := s.ActiveProfile()
	require.NoError(t, err)
	require.NotNil(t, profile.APIURL)
	assert.Equal(t, "http://remote-ollama:11434", *profile.APIURL)
}

func TestSetFieldInvalidFieldRejected(t *testing.T) {
	dir := t.TempDir()
	s := Open(filepath.Join(dir, "config.json"))

	err := s.SetField("openai", "nonsense", "x")
	require.Error(t, err)
	var cerr *Error
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, ErrInvalidField, cerr.Kind)
}

func TestLegacyConfigMigratesOnFirstRead(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	legacy := map[string]any{
		"ai": map[string]any{
			"provider": "openai",
			"model":    "gpt-4",
			"api_url":  "https://api.openai.com/v1",
			"api_key":  "sk-legacy",
		},
	}
	data, err := json.Marshal(legacy)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	s := Open(path)
	assert.True(t, s.MigratedFromLegacy)
	assert.Equal(t, "openai", s.ActiveLabel())
	profile, err := s.ActiveProfile()
	require.NoError(t, err)
	assert.Equal(t, "gpt-4", profile.Model)
	assert.Equal(t, "sk-legacy", profile.APIKey)

	// migrated form was persisted; reloading yields the same migrated document
	reloaded := Open(path)
	assert.False(t, reloaded.MigratedFromLegacy)
	reprofile, err := reloaded.ActiveProfile()
	require.NoError(t, err)
	assert.Equal(t, profile.Model, reprofile.Model)
	assert.Equal(t, profile.APIKey, reprofile.APIKey)
}

func TestMCPServerAccessors(t *testing.T) {
	dir := t.TempDir()
	s := Open(filepath.Join(dir, "config.json"))

	entry := &MCPServerEntry{URL: "https://tools.example.com/rpc", Headers: map[string]string{"X-Key": "abc"}}
	require.NoError(t, s.SetMCPServer("docs", entry))

	got, ok := s.GetMCPServer("docs")
	require.True(t, ok)
	assert.Equal(t, entry.URL, got.URL)

	list := s.ListMCPServers()
	assert.Len(t, list, 1)

	require.NoError(t, s.RemoveMCPServer("docs"))
	_, ok = s.GetMCPServer("docs")
	assert.False(t, ok)
}

func TestWatchFiresOnExternalWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	s := Open(path)
	defer s.StopWatch()

	reloaded := make(chan *Config, 1)
	require.NoError(t, s.Watch(func(cfg *Config) { reloaded <- cfg }))

	// a second Store instance performs the external write, simulating
	// another process (or a hand edit) mutating the file this Store
	// is watching.
	writer := Open(path)
	require.NoError(t, writer.SetField("openai", "model", "gpt-4o-external"))

	select {
	case cfg := <-reloaded:
		assert.Equal(t, "gpt-4o-external", cfg.Providers["openai"].Model)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for config reload notification")
	}

	profile, err := s.ActiveProfile()
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o-external", profile.Model)
}

func TestStopWatchIsIdempotentAndSafeWithoutWatch(t *testing.T) {
	dir := t.TempDir()
	s := Open(filepath.Join(dir, "config.json"))
	s.StopWatch()
	s.StopWatch()

	require.NoError(t, s.Watch(nil))
	s.StopWatch()
	s.StopWatch()
}
