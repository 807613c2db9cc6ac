package provider

import (
	"context"
	"errors"
	"fmt"

	"arula/internal/core"
	"arula/internal/secretmanager"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicProvider implements the anthropic-events dialect: SSE with
// distinct event types rather than a uniform delta shape.
type AnthropicProvider struct{}

func (a *AnthropicProvider) Stream(ctx context.Context, req Request, eventChan chan<- core.Event) (*Result, error) {
	profile := req.Profile
	apiKey, err := secretmanager.Resolve(profile.APIKey, envVarForLabel(req.Label))
	if err != nil {
		apiKey = profile.APIKey
	}

	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if profile.APIURL != nil && *profile.APIURL != "" {
		opts = append(opts, option.WithBaseURL(*profile.APIURL))
	}
	client := anthropic.NewClient(opts...)

	system, messages := toAnthropicMessages(req.Messages)
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(profile.Model),
		MaxTokens: 4096,
		Messages:  messages,
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	if len(req.Tools) > 0 && profile.ToolsOn() {
		params.Tools = toAnthropicTools(req.Tools)
	}
	if profile.ThinkingOn() {
		params.Thinking = anthropic.ThinkingConfigParamOfEnabled(4096)
	}

	maxRetries := profile.EffectiveMaxRetries()
	var result *Result
	for attempt := 0; ; attempt++ {
		if err := turnPacer.wait(ctx); err != nil {
			return nil, err
		}
		result, err = a.streamOnce(ctx, client, params, eventChan)
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

func (a *AnthropicProvider) streamOnce(ctx context.Context, client anthropic.Client, params anthropic.MessageNewParams, eventChan chan<- core.Event) (*Result, error) {
	stream := client.Messages.NewStreaming(ctx, params)
	defer stream.Close()

	res := &Result{}
	var textBuf []byte
	type blockState struct {
		kind string
		id   string
		name string
		args []byte
	}
	blocks := map[int64]*blockState{}
	reasoningOpen := false
	anyContent := false
	var finishReason string

	for stream.Next() {
		event := stream.Current()
		switch e := event.AsAny().(type) {
		case anthropic.ContentBlockStartEvent:
			idx := e.Index
			switch e.ContentBlock.Type {
			case "tool_use":
				blocks[idx] = &blockState{kind: "tool_use", id: e.ContentBlock.ID, name: e.ContentBlock.Name}
				anyContent = true
				eventChan <- core.Event{Type: core.EventToolCallStart, Index: int(idx), ID: e.ContentBlock.ID, Name: e.ContentBlock.Name}
			case "thinking":
				blocks[idx] = &blockState{kind: "thinking"}
			case "text":
				blocks[idx] = &blockState{kind: "text"}
			}
		case anthropic.ContentBlockDeltaEvent:
			idx := e.Index
			st := blocks[idx]
			switch delta := e.Delta.AsAny().(type) {
			case anthropic.TextDelta:
				anyContent = true
				textBuf = append(textBuf, delta.Text...)
				eventChan <- core.Event{Type: core.EventTextDelta, Text: delta.Text}
			case anthropic.ThinkingDelta:
				if !reasoningOpen {
					reasoningOpen = true
					eventChan <- core.Event{Type: core.EventReasoningStart}
				}
				eventChan <- core.Event{Type: core.EventReasoningDelta, Text: delta.Thinking}
			case anthropic.InputJSONDelta:
				if st != nil {
					st.args = append(st.args, delta.PartialJSON...)
					eventChan <- core.Event{Type: core.EventToolCallArgs, Index: int(idx), Text: delta.PartialJSON}
				}
			}
		case anthropic.ContentBlockStopEvent:
			idx := e.Index
			if st, ok := blocks[idx]; ok {
				if st.kind == "thinking" && reasoningOpen {
					reasoningOpen = false
					eventChan <- core.Event{Type: core.EventReasoningEnd}
				}
				if st.kind == "tool_use" {
					call := core.ToolCall{ID: st.id, Name: st.name, Arguments: string(st.args)}
					eventChan <- core.Event{Type: core.EventToolCallComplete, Index: int(idx), Call: &call}
					res.ToolCalls = append(res.ToolCalls, call)
				}
			}
		case anthropic.MessageDeltaEvent:
			if e.Delta.StopReason != "" {
				finishReason = string(e.Delta.StopReason)
			}
			res.Usage = &core.TokenUsage{
				InputTokens:  int(e.Usage.InputTokens),
				OutputTokens: int(e.Usage.OutputTokens),
			}
		case anthropic.MessageStopEvent:
			// handled after loop via finishReason/usage accumulated above
		}
	}
	if err := stream.Err(); err != nil {
		return nil, mapAnthropicError(err)
	}
	if !anyContent {
		return nil, fmt.Errorf("%w: stream closed without a parseable turn", errMalformed)
	}
	res.Text = string(textBuf)
	res.FinishReason = mapAnthropicFinishReason(finishReason, len(res.ToolCalls) > 0)
	eventChan <- core.Event{Type: core.EventTurnEnd, FinishReason: res.FinishReason, Usage: res.Usage}
	return res, nil
}

func mapAnthropicFinishReason(reason string, hasToolCalls bool) core.FinishReason {
	switch reason {
	case "end_turn", "stop_sequence":
		return core.FinishStop
	case "max_tokens":
		return core.FinishLength
	case "tool_use":
		return core.FinishToolCalls
	default:
		if hasToolCalls {
			return core.FinishToolCalls
		}
		return core.FinishStop
	}
}

func toAnthropicMessages(msgs []core.Message) (string, []anthropic.MessageParam) {
	var system string
	var out []anthropic.MessageParam
	for _, m := range msgs {
		switch m.Role {
		case core.RoleSystem:
			if system != "" {
				system += "\n\n"
			}
			system += m.Text
		case core.RoleUser:
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Text)))
		case core.RoleAssistant:
			var blocks []anthropic.ContentBlockParamUnion
			if m.Text != "" {
				blocks = append(blocks, anthropic.NewTextBlock(m.Text))
			}
			for _, tc := range m.ToolCalls {
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, tc.Arguments, tc.Name))
			}
			out = append(out, anthropic.NewAssistantMessage(blocks...))
		case core.RoleTool:
			out = append(out, anthropic.NewUserMessage(
				anthropic.NewToolResultBlock(m.ToolCallID, m.Text, false),
			))
		}
	}
	return system, out
}

func toAnthropicTools(tools []core.ToolSchema) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		out = append(out, anthropic.ToolUnionParamOfTool(anthropic.ToolInputSchemaParam{
			Properties: t.Parameters["properties"],
			Required:   toStringSlice(t.Parameters["required"]),
		}, t.Name))
	}
	return out
}

func toStringSlice(v any) []string {
	arr, ok := v.([]string)
	if ok {
		return arr
	}
	anyArr, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(anyArr))
	for _, x := range anyArr {
		if s, ok := x.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func mapAnthropicError(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return &httpStatusError{Status: apiErr.StatusCode, Body: apiErr.RawJSON()}
	}
	return err
}
