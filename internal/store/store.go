// Package store implements the Conversation Store (C6): a durable append
// log of turns, tool calls, and tool results, one JSON document per
// conversation, safe against crash mid-write.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
	"unicode/utf8"

	"arula/internal/core"

	"github.com/google/uuid"
)

// Conversation is the full on-disk document for one conversation.
type Conversation struct {
	ID         string        `json:"id"`
	Title      string        `json:"title"`
	CreatedAt  time.Time     `json:"created_at"`
	UpdatedAt  time.Time     `json:"updated_at"`
	Provider   string        `json:"provider"`
	Model      string        `json:"model"`
	Endpoint   string        `json:"endpoint"`
	DurationMs int64         `json:"duration_ms"`
	Messages   []core.Message `json:"messages"`
}

// Summary is the reduced shape returned by List.
type Summary struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	UpdatedAt   time.Time `json:"updated_at"`
	MessageCount int      `json:"message_count"`
	Model       string    `json:"model"`
}

// Store is rooted at a working directory; conversation files live under
// <workingDir>/.arula/conversations/<uuid>.json. A per-conversation mutex
// registry serializes appends to the same conversation through this Store
// (concurrent tool results of one turn append through it). It does not
// check which caller appends; keeping a single driving Session Runtime per
// conversation is left to the caller.
type Store struct {
	workingDir string

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

func New(workingDir string) *Store {
	return &Store{workingDir: workingDir, locks: map[string]*sync.Mutex{}}
}

func (s *Store) dir() string {
	return filepath.Join(s.workingDir, ".arula", "conversations")
}

func (s *Store) path(id string) string {
	return filepath.Join(s.dir(), id+".json")
}

func (s *Store) lockFor(id string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	m, ok := s.locks[id]
	if !ok {
		m = &sync.Mutex{}
		s.locks[id] = m
	}
	return m
}

// Open loads the document at the path derived from id. Deserialization
// tolerates unknown fields by virtue of encoding/json's default behavior.
func (s *Store) Open(id string) (*Conversation, error) {
	data, err := os.ReadFile(s.path(id))
	if err != nil {
		return nil, fmt.Errorf("opening conversation %s: %w", id, err)
	}
	var conv Conversation
	if err := json.Unmarshal(data, &conv); err != nil {
		return nil, fmt.Errorf("parsing conversation %s: %w", id, err)
	}
	return &conv, nil
}

// Create assigns a fresh UUID and persists an empty envelope.
func (s *Store) Create(provider, model, endpoint string) (*Conversation, error) {
	now := time.Now().UTC()
	conv := &Conversation{
		ID:        uuid.NewString(),
		CreatedAt: now,
		UpdatedAt: now,
		Provider:  provider,
		Model:     model,
		Endpoint:  endpoint,
		Messages:  []core.Message{},
	}
	if err := s.write(conv); err != nil {
		return nil, err
	}
	return conv, nil
}

// AppendUser appends a user message, deriving the conversation title from
// it if this is the first user message.
func (s *Store) AppendUser(conv *Conversation, text string) error {
	lock := s.lockFor(conv.ID)
	lock.Lock()
	defer lock.Unlock()

	conv.Messages = append(conv.Messages, core.Message{Role: core.RoleUser, Text: text, CreatedAt: time.Now().UTC()})
	if conv.Title == "" {
		conv.Title = deriveTitle(text)
	}
	conv.UpdatedAt = time.Now().UTC()
	return s.write(conv)
}

// AppendAssistant appends an assistant message with its accumulated text
// and (if any) the tool calls it emitted.
func (s *Store) AppendAssistant(conv *Conversation, text string, toolCalls []core.ToolCall) error {
	lock := s.lockFor(conv.ID)
	lock.Lock()
	defer lock.Unlock()

	conv.Messages = append(conv.Messages, core.Message{
		Role:      core.RoleAssistant,
		Text:      text,
		ToolCalls: toolCalls,
		CreatedAt: time.Now().UTC(),
	})
	conv.UpdatedAt = time.Now().UTC()
	return s.write(conv)
}

// AppendToolResult persists one tool-role message pairing a prior
// ToolCall's id with its outcome.
func (s *Store) AppendToolResult(conv *Conversation, callID, toolName, payload string, success bool, duration time.Duration) error {
	lock := s.lockFor(conv.ID)
	lock.Lock()
	defer lock.Unlock()

	conv.Messages = append(conv.Messages, core.Message{
		Role:       core.RoleTool,
		Text:       payload,
		ToolCallID: callID,
		ToolName:   toolName,
		CreatedAt:  time.Now().UTC(),
	})
	conv.UpdatedAt = time.Now().UTC()
	return s.write(conv)
}

// write performs the crash-safe temp-file-then-rename persist: a
// concurrent reader observes either the pre- or post-write document, never
// a truncated one.
func (s *Store) write(conv *Conversation) error {
	data, err := json.MarshalIndent(conv, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling conversation %s: %w", conv.ID, err)
	}
	if err := os.MkdirAll(s.dir(), 0o755); err != nil {
		return fmt.Errorf("creating conversation directory: %w", err)
	}
	tmp, err := os.CreateTemp(s.dir(), ".conv-*.json.tmp")
	if err != nil {
		return fmt.Errorf("creating temp conversation file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("writing temp conversation file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, s.path(conv.ID)); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("renaming conversation file into place: %w", err)
	}
	return nil
}

// List enumerates conversation summaries, newest first.
func (s *Store) List() ([]Summary, error) {
	entries, err := os.ReadDir(s.dir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []Summary
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		id := e.Name()[:len(e.Name())-len(".json")]
		conv, err := s.Open(id)
		if err != nil {
			continue
		}
		out = append(out, Summary{
			ID:           conv.ID,
			Title:        conv.Title,
			UpdatedAt:    conv.UpdatedAt,
			MessageCount: len(conv.Messages),
			Model:        conv.Model,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

// Delete removes a conversation's file.
func (s *Store) Delete(id string) error {
	if err := os.Remove(s.path(id)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// deriveTitle takes at most 50 graphemes (approximated as runes, which is
// the same approximation the teacher's title-deriving helpers make) from
// the first user message.
func deriveTitle(text string) string {
	const max = 50
	if utf8.RuneCountInString(text) <= max {
		return text
	}
	runes := []rune(text)
	return string(runes[:max])
}
