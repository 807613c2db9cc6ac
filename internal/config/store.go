package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/adrg/xdg"
	"github.com/fsnotify/fsnotify"
	koanfjson "github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/rs/zerolog/log"
)

// Store is the durable, single-writer Configuration Store (C1). Readers
// take an immutable snapshot via Active/Get; mutation is serialized behind
// mu, matching the "read-mostly, single writer lock" resource policy.
type Store struct {
	mu   sync.Mutex
	path string
	cfg  *Config

	// MigratedFromLegacy is set once if load_or_default performed a legacy
	// schema migration on this read, so callers can surface a one-time
	// warning event without the Store itself depending on the event bus.
	MigratedFromLegacy bool

	watcher   *fsnotify.Watcher
	watchDone chan struct{}
}

// DefaultConfigPath returns <xdg-config-home>/arula/config.json, falling
// back to ${HOME}/.arula/config.json when XDG yields nothing usable.
// ARULA_CONFIG_HOME overrides both, for tests and alternate installs.
func DefaultConfigPath() (string, error) {
	if override := os.Getenv("ARULA_CONFIG_HOME"); override != "" {
		return filepath.Join(override, "config.json"), nil
	}
	if xdg.ConfigHome != "" {
		return filepath.Join(xdg.ConfigHome, "arula", "config.json"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", newErr(ErrIO, "resolving home directory", err)
	}
	return filepath.Join(home, ".arula", "config.json"), nil
}

// Open loads or creates a Store backed by path. It never fails: a missing
// or corrupt file yields a default single-profile document, matching
// load_or_default's "never fails" contract.
func Open(path string) *Store {
	s := &Store{path: path}
	s.cfg = s.loadOrDefault()
	return s
}

func defaultConfig() *Config {
	d := dialectDefaults["openai"]
	url := d.BaseURL
	return &Config{
		ActiveProvider: "openai",
		Providers: map[string]*ProviderProfile{
			"openai": {
				Label:   "openai",
				Dialect: d.Dialect,
				Model:   "gpt-4o",
				APIURL:  &url,
				APIKey:  os.Getenv(d.KeyEnvVar),
			},
		},
		MCPServers: map[string]*MCPServerEntry{},
	}
}

func (s *Store) loadOrDefault() *Config {
	if _, err := os.Stat(s.path); os.IsNotExist(err) {
		return defaultConfig()
	}

	k := koanf.New(".")
	if err := k.Load(file.Provider(s.path), koanfjson.Parser()); err != nil {
		log.Warn().Err(err).Str("path", s.path).Msg("config parse failed, falling back to defaults")
		return defaultConfig()
	}

	raw, err := os.ReadFile(s.path)
	if err != nil {
		return defaultConfig()
	}

	if legacy, ok := detectLegacy(raw); ok {
		cfg := migrateLegacy(legacy)
		s.cfg = cfg
		s.MigratedFromLegacy = true
		if err := s.save(); err != nil {
			log.Warn().Err(err).Msg("failed to persist migrated legacy config")
		}
		return cfg
	}

	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		log.Warn().Err(err).Msg("config unmarshal failed, falling back to defaults")
		return defaultConfig()
	}
	for label, p := range cfg.Providers {
		p.Label = label
	}
	if cfg.Providers == nil {
		cfg.Providers = map[string]*ProviderProfile{}
	}
	if cfg.MCPServers == nil {
		cfg.MCPServers = map[string]*MCPServerEntry{}
	}
	return &cfg
}

func detectLegacy(raw []byte) (*legacyConfig, bool) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, false
	}
	if _, hasProviders := probe["providers"]; hasProviders {
		return nil, false
	}
	aiRaw, hasAI := probe["ai"]
	if !hasAI {
		return nil, false
	}
	var legacy legacyConfig
	var ai struct {
		Provider string `json:"provider"`
		Model    string `json:"model"`
		APIURL   string `json:"api_url"`
		APIKey   string `json:"api_key"`
	}
	if err := json.Unmarshal(aiRaw, &ai); err != nil {
		return nil, false
	}
	legacy.AI = &ai
	return &legacy, true
}

func migrateLegacy(legacy *legacyConfig) *Config {
	label := legacy.AI.Provider
	if label == "" {
		label = "custom"
	}
	d, known := dialectDefaults[label]
	dialect := DialectOpenAISSE
	if known {
		dialect = d.Dialect
	}
	var urlPtr *string
	if legacy.AI.APIURL != "" {
		urlPtr = &legacy.AI.APIURL
	}
	return &Config{
		ActiveProvider: label,
		Providers: map[string]*ProviderProfile{
			label: {
				Label:   label,
				Dialect: dialect,
				Model:   legacy.AI.Model,
				APIURL:  urlPtr,
				APIKey:  legacy.AI.APIKey,
			},
		},
		MCPServers: map[string]*MCPServerEntry{},
	}
}

// save writes the document to a sibling temp path and renames it into
// place, so a concurrent reader never observes a half-written file.
func (s *Store) save() error {
	data, err := json.MarshalIndent(s.cfg, "", "  ")
	if err != nil {
		return newErr(ErrIO, "marshaling config", err)
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return newErr(ErrIO, "creating config directory", err)
	}
	tmp, err := os.CreateTemp(dir, ".config-*.json.tmp")
	if err != nil {
		return newErr(ErrIO, "creating temp config file", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return newErr(ErrIO, "writing temp config file", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return newErr(ErrIO, "closing temp config file", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return newErr(ErrIO, "renaming temp config file into place", err)
	}
	return nil
}

// Save is the public, locked entry point for persisting the current
// document, matching the save() contract.
func (s *Store) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save()
}

// Watch starts an fsnotify watch on the config file's directory (watching
// the file itself misses editors that replace it via rename-into-place) and
// invokes onReload after every external write is reloaded into memory. This
// is the mechanism behind "mutation requires reload" for provider profiles
// and MCP server entries: a write from outside this process — another
// arula invocation, or a hand edit — is picked up without restarting.
// Calling Watch twice on the same Store replaces the prior watch.
func (s *Store) Watch(onReload func(*Config)) error {
	s.StopWatch()

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return newErr(ErrIO, "creating config directory", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return newErr(ErrIO, "creating config watcher", err)
	}
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		watcher.Close()
		return newErr(ErrIO, "watching config directory", err)
	}

	s.mu.Lock()
	s.watcher = watcher
	s.watchDone = make(chan struct{})
	done := s.watchDone
	s.mu.Unlock()

	go func() {
		defer close(done)
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(s.path) {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
					continue
				}
				s.mu.Lock()
				s.cfg = s.loadOrDefault()
				reloaded := s.cfg
				s.mu.Unlock()
				if onReload != nil {
					onReload(reloaded)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warn().Err(err).Msg("config watcher error")
			}
		}
	}()
	return nil
}

// StopWatch tears down any watch started by Watch. Safe to call when no
// watch is active.
func (s *Store) StopWatch() {
	s.mu.Lock()
	watcher := s.watcher
	done := s.watchDone
	s.watcher = nil
	s.watchDone = nil
	s.mu.Unlock()

	if watcher == nil {
		return
	}
	watcher.Close()
	if done != nil {
		<-done
	}
}

// ActiveLabel returns the currently active provider label.
func (s *Store) ActiveLabel() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.ActiveProvider
}

// ActiveProfile returns a copy of the active profile.
func (s *Store) ActiveProfile() (*ProviderProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.cfg.Providers[s.cfg.ActiveProvider]
	if !ok {
		return nil, newErr(ErrUnknownProvider, s.cfg.ActiveProvider, nil)
	}
	copyP := *p
	return &copyP, nil
}

// SwitchActive changes the active label, creating a dialect-appropriate
// default profile if none exists yet for that label.
func (s *Store) SwitchActive(label string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.cfg.Providers[label]; !ok {
		d, known := dialectDefaults[label]
		if !known {
			return newErr(ErrUnknownProvider, label, nil)
		}
		var urlPtr *string
		if d.BaseURL != "" {
			urlPtr = &d.BaseURL
		}
		s.cfg.Providers[label] = &ProviderProfile{
			Label:   label,
			Dialect: d.Dialect,
			APIKey:  os.Getenv(d.KeyEnvVar),
			APIURL:  urlPtr,
		}
	}
	s.cfg.ActiveProvider = label
	return s.save()
}

// SetField implements set_field: model, api_url, api_key, and feature
// toggles. api_url is rejected with FieldReadOnly for non-URL-editable
// dialects.
func (s *Store) SetField(label, field, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.cfg.Providers[label]
	if !ok {
		return newErr(ErrUnknownProvider, label, nil)
	}
	switch field {
	case "model":
		p.Model = value
	case "api_key":
		p.APIKey = value
	case "api_url":
		if !p.URLEditable() {
			return newErr(ErrFieldReadOnly, fmt.Sprintf("api_url is fixed for dialect %s", p.Dialect), nil)
		}
		v := value
		p.APIURL = &v
	case "thinking_enabled", "web_search_enabled", "tools_enabled", "streaming":
		b := value == "true" || value == "1"
		switch field {
		case "thinking_enabled":
			p.ThinkingEnabled = &b
		case "web_search_enabled":
			p.WebSearchEnabled = &b
		case "tools_enabled":
			p.ToolsEnabled = &b
		case "streaming":
			p.Streaming = &b
		}
	default:
		return newErr(ErrInvalidField, field, nil)
	}
	return s.save()
}

func (s *Store) ListMCPServers() map[string]*MCPServerEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]*MCPServerEntry, len(s.cfg.MCPServers))
	for k, v := range s.cfg.MCPServers {
		copyV := *v
		out[k] = &copyV
	}
	return out
}

func (s *Store) GetMCPServer(id string) (*MCPServerEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.cfg.MCPServers[id]
	if !ok {
		return nil, false
	}
	copyE := *e
	return &copyE, true
}

func (s *Store) SetMCPServer(id string, entry *MCPServerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cfg.MCPServers == nil {
		s.cfg.MCPServers = map[string]*MCPServerEntry{}
	}
	s.cfg.MCPServers[id] = entry
	return s.save()
}

func (s *Store) RemoveMCPServer(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cfg.MCPServers, id)
	return s.save()
}
