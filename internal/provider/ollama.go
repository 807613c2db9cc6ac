package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"arula/internal/core"

	"github.com/segmentio/ksuid"
)

// OllamaProvider implements the ollama-ndjson dialect against Ollama's
// native /api/chat endpoint. No SDK in the surveyed ecosystem talks to this
// endpoint (the closest reference implementation targets Ollama's
// OpenAI-compatible /v1/chat/completions surface instead), so the decoder
// is hand-rolled: a bufio.Scanner reading one JSON object per line, in the
// same spirit as a field-by-field SSE parser but without "event:"/"data:"
// framing since Ollama's wire format has none.
type OllamaProvider struct{}

type ollamaChatRequest struct {
	Model    string               `json:"model"`
	Stream   bool                 `json:"stream"`
	Messages []ollamaChatMessage  `json:"messages"`
	Tools    []ollamaToolDecl     `json:"tools,omitempty"`
}

type ollamaChatMessage struct {
	Role      string               `json:"role"`
	Content   string               `json:"content,omitempty"`
	ToolCalls []ollamaToolCallWire `json:"tool_calls,omitempty"`
}

type ollamaToolCallWire struct {
	Function struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	} `json:"function"`
}

type ollamaToolDecl struct {
	Type     string `json:"type"`
	Function struct {
		Name        string         `json:"name"`
		Description string         `json:"description"`
		Parameters  map[string]any `json:"parameters"`
	} `json:"function"`
}

type ollamaChunk struct {
	Message struct {
		Role      string `json:"role"`
		Content   string `json:"content"`
		Thinking  string `json:"thinking"`
		ToolCalls []struct {
			Function struct {
				Name      string         `json:"name"`
				Arguments map[string]any `json:"arguments"`
			} `json:"function"`
		} `json:"tool_calls"`
	} `json:"message"`
	Done bool `json:"done"`
}

func (o *OllamaProvider) Stream(ctx context.Context, req Request, eventChan chan<- core.Event) (*Result, error) {
	profile := req.Profile
	baseURL := "http://localhost:11434"
	if profile.APIURL != nil && *profile.APIURL != "" {
		baseURL = *profile.APIURL
	}

	body := ollamaChatRequest{
		Model:    profile.Model,
		Stream:   true,
		Messages: toOllamaMessages(req.Messages),
	}
	if len(req.Tools) > 0 && profile.ToolsOn() {
		body.Tools = toOllamaTools(req.Tools)
	}

	var result *Result
	var err error
	maxRetries := profile.EffectiveMaxRetries()
	for attempt := 0; ; attempt++ {
		if err := turnPacer.wait(ctx); err != nil {
			return nil, err
		}
		result, err = o.streamOnce(ctx, baseURL, body, eventChan)
		if err == nil {
			return result, nil
		}
		var herr *httpStatusError
		retryable := !errors.Is(err, errMalformed) && ((errors.As(err, &herr) && isRetryableStatus(herr.Status)) || !errors.As(err, &herr))
		if retryable && attempt < maxRetries {
			if sleepErr := sleepWithContext(ctx, retrySchedule(attempt)); sleepErr != nil {
				emitError(eventChan, core.ErrKindCancelled, sleepErr.Error())
				return nil, sleepErr
			}
			continue
		}
		emitError(eventChan, classifyErrorKind(err), err.Error())
		return nil, err
	}
}

func (o *OllamaProvider) streamOnce(ctx context.Context, baseURL string, reqBody ollamaChatRequest, eventChan chan<- core.Event) (*Result, error) {
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(baseURL, "/")+"/api/chat", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &httpStatusError{Status: resp.StatusCode}
	}

	res := &Result{}
	var textBuf []byte
	reasoningOpen := false
	anyContent := false

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var chunk ollamaChunk
		if err := json.Unmarshal(line, &chunk); err != nil {
			// malformed individual chunk is recoverable: skip and continue
			continue
		}

		if chunk.Message.Thinking != "" {
			if !reasoningOpen {
				reasoningOpen = true
				eventChan <- core.Event{Type: core.EventReasoningStart}
			}
			anyContent = true
			eventChan <- core.Event{Type: core.EventReasoningDelta, Text: chunk.Message.Thinking}
		}
		if reasoningOpen && (chunk.Message.Content != "" || len(chunk.Message.ToolCalls) > 0) {
			reasoningOpen = false
			eventChan <- core.Event{Type: core.EventReasoningEnd}
		}
		if chunk.Message.Content != "" {
			anyContent = true
			textBuf = append(textBuf, chunk.Message.Content...)
			eventChan <- core.Event{Type: core.EventTextDelta, Text: chunk.Message.Content}
		}

		if len(chunk.Message.ToolCalls) > 0 {
			anyContent = true
			for idx, tc := range chunk.Message.ToolCalls {
				// Ollama's native tool-call ids are synthesized client-side
				// and unique per-session (ksuid) rather than
				// "ollama_call_<index>", which the source implementation
				// used and which risked collisions across turns.
				id := "ollama_" + ksuid.New().String()
				argsJSON, _ := json.Marshal(tc.Function.Arguments)
				eventChan <- core.Event{Type: core.EventToolCallStart, Index: idx, ID: id, Name: tc.Function.Name}
				eventChan <- core.Event{Type: core.EventToolCallArgs, Index: idx, Text: string(argsJSON)}
				call := core.ToolCall{ID: id, Name: tc.Function.Name, Arguments: string(argsJSON)}
				eventChan <- core.Event{Type: core.EventToolCallComplete, Index: idx, Call: &call}
				res.ToolCalls = append(res.ToolCalls, call)
			}
		}

		if chunk.Done {
			if reasoningOpen {
				reasoningOpen = false
				eventChan <- core.Event{Type: core.EventReasoningEnd}
			}
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if !anyContent {
		return nil, fmt.Errorf("%w: stream closed without a parseable turn", errMalformed)
	}

	res.Text = string(textBuf)
	if len(res.ToolCalls) > 0 {
		res.FinishReason = core.FinishToolCalls
	} else {
		res.FinishReason = core.FinishStop
	}
	eventChan <- core.Event{Type: core.EventTurnEnd, FinishReason: res.FinishReason}
	return res, nil
}

func toOllamaMessages(msgs []core.Message) []ollamaChatMessage {
	out := make([]ollamaChatMessage, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case core.RoleSystem:
			out = append(out, ollamaChatMessage{Role: "system", Content: m.Text})
		case core.RoleUser:
			out = append(out, ollamaChatMessage{Role: "user", Content: m.Text})
		case core.RoleAssistant:
			om := ollamaChatMessage{Role: "assistant", Content: m.Text}
			for _, tc := range m.ToolCalls {
				var args map[string]any
				json.Unmarshal([]byte(tc.Arguments), &args)
				var wire ollamaToolCallWire
				wire.Function.Name = tc.Name
				wire.Function.Arguments = args
				om.ToolCalls = append(om.ToolCalls, wire)
			}
			out = append(out, om)
		case core.RoleTool:
			out = append(out, ollamaChatMessage{Role: "tool", Content: m.Text})
		}
	}
	return out
}

func toOllamaTools(tools []core.ToolSchema) []ollamaToolDecl {
	out := make([]ollamaToolDecl, 0, len(tools))
	for _, t := range tools {
		var d ollamaToolDecl
		d.Type = "function"
		d.Function.Name = t.Name
		d.Function.Description = t.Description
		d.Function.Parameters = t.Parameters
		out = append(out, d)
	}
	return out
}
