// Package core holds the data types shared across the provider adapter,
// the tool registry, the conversation store, and the session runtime, so
// none of those packages need to import one another just to pass messages
// around.
package core

import "time"

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
	RoleSystem    Role = "system"
)

// ToolCall is one model-emitted request to invoke a named tool.
type ToolCall struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Arguments string    `json:"arguments"` // JSON object, serialized
	CreatedAt time.Time `json:"created_at"`
}

// ToolResult is the paired outcome of exactly one ToolCall.
type ToolResult struct {
	CallID     string        `json:"call_id"`
	Success    bool          `json:"success"`
	Payload    string        `json:"payload"` // arbitrary JSON, serialized
	DurationMs int64         `json:"duration_ms"`
	Duration   time.Duration `json:"-"`
}

// Message is one turn of conversation. Role determines which optional
// fields are meaningful: assistant messages may carry ToolCalls, tool
// messages carry exactly one ToolCallID/ToolName pair.
type Message struct {
	Role       Role       `json:"role"`
	Text       string     `json:"text,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	ToolName   string     `json:"tool_name,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// FinishReason closes a turn. Exactly one of these ends every Stream call.
type FinishReason string

const (
	FinishStop       FinishReason = "stop"
	FinishToolCalls  FinishReason = "tool_calls"
	FinishLength     FinishReason = "length"
	FinishError      FinishReason = "error"
	FinishCancelled  FinishReason = "cancelled"
)

type ErrorKind string

const (
	ErrKindTransport         ErrorKind = "transport"
	ErrKindHTTP              ErrorKind = "http"
	ErrKindMalformedResponse ErrorKind = "malformed_response"
	ErrKindIterationCap      ErrorKind = "iteration_cap_exceeded"
	ErrKindToolTimeout       ErrorKind = "tool_timeout"
	ErrKindToolNotFound      ErrorKind = "tool_not_found"
	ErrKindToolHandler       ErrorKind = "tool_handler_error"
	ErrKindNotConfigured     ErrorKind = "not_configured"
	ErrKindCancelled         ErrorKind = "cancelled"
	ErrKindPersistence       ErrorKind = "persistence"
)

// TokenUsage mirrors whatever usage accounting the wire dialect provided.
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// EventType tags the variant carried by an Event. Event is a flat struct
// rather than an interface-based sum type because it crosses a channel
// boundary and is forwarded verbatim to the UI; a single concrete type
// keeps that forwarding allocation-free.
type EventType string

const (
	EventTurnStart        EventType = "turn_start"
	EventTextDelta        EventType = "text_delta"
	EventReasoningStart   EventType = "reasoning_start"
	EventReasoningDelta   EventType = "reasoning_delta"
	EventReasoningEnd     EventType = "reasoning_end"
	EventToolCallStart    EventType = "tool_call_start"
	EventToolCallArgs     EventType = "tool_call_args_delta"
	EventToolCallComplete EventType = "tool_call_complete"
	EventToolResult       EventType = "tool_result"
	EventTurnEnd          EventType = "turn_end"
	EventError            EventType = "error"
)

// Event is the single wire shape for everything the provider adapter and
// the session runtime emit downstream. Only the fields relevant to Type
// are populated; the rest are zero.
type Event struct {
	Type EventType `json:"type"`

	ConversationID string `json:"conversation_id,omitempty"`

	Text string `json:"text,omitempty"`

	Index int    `json:"index,omitempty"`
	ID    string `json:"id,omitempty"`
	Name  string `json:"name,omitempty"`
	Call  *ToolCall `json:"call,omitempty"`

	Result *ToolResult `json:"tool_result,omitempty"`

	FinishReason FinishReason `json:"finish_reason,omitempty"`
	Usage        *TokenUsage  `json:"usage,omitempty"`

	ErrKind ErrorKind `json:"error_kind,omitempty"`
	Message string    `json:"message,omitempty"`
}

// ToolSchema declares one tool's calling contract to the model, independent
// of wire dialect; each Provider adapter renders it into the dialect's own
// tool-declaration shape.
type ToolSchema struct {
	Name        string
	Description string
	Parameters  map[string]any // JSON Schema object
}
