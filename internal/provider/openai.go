package provider

import (
	"context"
	"errors"
	"fmt"

	"arula/internal/config"
	"arula/internal/core"
	"arula/internal/secretmanager"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

// OpenAIProvider implements openai-sse and openai-compatible-custom. Both
// dialects share this implementation; the z.ai constraint (omit
// stream_options and tool_choice) is applied by label, for the
// "z.ai coding plan" profile only. openai-compatible-custom profiles
// always send both fields; there is no per-host check or override.
type OpenAIProvider struct{}

func (o *OpenAIProvider) Stream(ctx context.Context, req Request, eventChan chan<- core.Event) (*Result, error) {
	profile := req.Profile
	apiKey, err := secretmanager.Resolve(profile.APIKey, envVarForLabel(req.Label))
	if err != nil {
		// missing key is a configuration problem, not a transport error
		apiKey = profile.APIKey
	}

	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if profile.APIURL != nil && *profile.APIURL != "" {
		opts = append(opts, option.WithBaseURL(*profile.APIURL))
	}
	client := openai.NewClient(opts...)

	params := openai.ChatCompletionNewParams{
		Model:    profile.Model,
		Messages: toOpenAIMessages(req.Messages),
	}

	omitExtras := config.IsZAI(req.Label)
	if !omitExtras {
		params.StreamOptions = openai.ChatCompletionStreamOptionsParam{IncludeUsage: openai.Bool(true)}
	}
	if len(req.Tools) > 0 && profile.ToolsOn() {
		params.Tools = toOpenAITools(req.Tools)
		if !omitExtras {
			params.ToolChoice = openai.ChatCompletionToolChoiceOptionUnionParam{
				OfAuto: openai.String("auto"),
			}
		}
	}

	var extraOpts []option.RequestOption
	if omitExtras && profile.ThinkingOn() {
		// z.ai's thinking mode is a vendor extension to the chat-completion
		// body, not a field the shared SDK struct exposes, so it is set via
		// WithJSONSet the same way the teacher's openai provider threads
		// provider-specific extra body fields through.
		extraOpts = append(extraOpts, option.WithJSONSet("thinking", map[string]string{"type": "enabled"}))
	}

	var result *Result
	maxRetries := profile.EffectiveMaxRetries()
	for attempt := 0; ; attempt++ {
		if err := turnPacer.wait(ctx); err != nil {
			return nil, err
		}
		result, err = o.streamOnce(ctx, client, params, extraOpts, eventChan)
		if err == nil {
			return result, nil
		}
		var herr *httpStatusError
		retryable := !errors.Is(err, errMalformed) && ((errors.As(err, &herr) && isRetryableStatus(herr.Status)) || isTransportErr(err))
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

func (o *OpenAIProvider) streamOnce(ctx context.Context, client openai.Client, params openai.ChatCompletionNewParams, extraOpts []option.RequestOption, eventChan chan<- core.Event) (*Result, error) {
	stream := client.Chat.Completions.NewStreaming(ctx, params, extraOpts...)
	defer stream.Close()

	res := &Result{}
	var textBuf []byte
	type callState struct {
		id, name string
		args     []byte
	}
	calls := map[int64]*callState{}
	var order []int64
	anyContent := false

	for stream.Next() {
		chunk := stream.Current()
		if len(chunk.Choices) == 0 {
			if chunk.Usage.TotalTokens > 0 {
				res.Usage = &core.TokenUsage{
					InputTokens:  int(chunk.Usage.PromptTokens),
					OutputTokens: int(chunk.Usage.CompletionTokens),
				}
			}
			continue
		}
		choice := chunk.Choices[0]
		delta := choice.Delta

		if delta.Content != "" {
			anyContent = true
			textBuf = append(textBuf, delta.Content...)
			eventChan <- core.Event{Type: core.EventTextDelta, Text: delta.Content}
		}

		for _, tc := range delta.ToolCalls {
			idx := tc.Index
			st, seen := calls[idx]
			if !seen {
				st = &callState{id: tc.ID, name: tc.Function.Name}
				calls[idx] = st
				order = append(order, idx)
				anyContent = true
				eventChan <- core.Event{Type: core.EventToolCallStart, Index: int(idx), ID: st.id, Name: st.name}
			}
			if tc.Function.Arguments != "" {
				st.args = append(st.args, tc.Function.Arguments...)
				eventChan <- core.Event{Type: core.EventToolCallArgs, Index: int(idx), Text: tc.Function.Arguments}
			}
		}

		if choice.FinishReason != "" {
			finish := mapOpenAIFinishReason(string(choice.FinishReason))
			for _, idx := range order {
				st := calls[idx]
				call := core.ToolCall{ID: st.id, Name: st.name, Arguments: string(st.args)}
				eventChan <- core.Event{Type: core.EventToolCallComplete, Index: int(idx), Call: &call}
				res.ToolCalls = append(res.ToolCalls, call)
			}
			res.FinishReason = finish
		}
	}
	if err := stream.Err(); err != nil {
		return nil, mapSDKError(err)
	}
	res.Text = string(textBuf)
	if res.FinishReason == "" {
		if !anyContent {
			return nil, fmt.Errorf("%w: stream closed without a parseable turn", errMalformed)
		}
		res.FinishReason = core.FinishStop
	}
	eventChan <- core.Event{Type: core.EventTurnEnd, FinishReason: res.FinishReason, Usage: res.Usage}
	return res, nil
}

func toOpenAIMessages(msgs []core.Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case core.RoleSystem:
			out = append(out, openai.SystemMessage(m.Text))
		case core.RoleUser:
			out = append(out, openai.UserMessage(m.Text))
		case core.RoleAssistant:
			asst := openai.ChatCompletionAssistantMessageParam{}
			if m.Text != "" {
				asst.Content.OfString = openai.String(m.Text)
			}
			for _, tc := range m.ToolCalls {
				asst.ToolCalls = append(asst.ToolCalls, openai.ChatCompletionMessageToolCallUnionParam{
					OfFunction: &openai.ChatCompletionMessageFunctionToolCallParam{
						ID: tc.ID,
						Function: openai.ChatCompletionMessageFunctionToolCallFunctionParam{
							Name:      tc.Name,
							Arguments: tc.Arguments,
						},
					},
				})
			}
			out = append(out, openai.ChatCompletionMessageParamUnion{OfAssistant: &asst})
		case core.RoleTool:
			out = append(out, openai.ToolMessage(m.Text, m.ToolCallID))
		}
	}
	return out
}

func toOpenAITools(tools []core.ToolSchema) []openai.ChatCompletionToolUnionParam {
	out := make([]openai.ChatCompletionToolUnionParam, 0, len(tools))
	for _, t := range tools {
		out = append(out, openai.ChatCompletionFunctionTool(openai.FunctionDefinitionParam{
			Name:        t.Name,
			Description: openai.String(t.Description),
			Parameters:  t.Parameters,
		}))
	}
	return out
}

func mapOpenAIFinishReason(reason string) core.FinishReason {
	switch reason {
	case "stop":
		return core.FinishStop
	case "length":
		return core.FinishLength
	case "tool_calls":
		return core.FinishToolCalls
	default:
		return core.FinishStop
	}
}

func envVarForLabel(label string) string {
	switch label {
	case "openai":
		return "OPENAI_API_KEY"
	case "anthropic":
		return "ANTHROPIC_API_KEY"
	case "ollama":
		return "OLLAMA_API_KEY"
	case "z.ai coding plan":
		return "ZAI_API_KEY"
	case "openrouter":
		return "OPENROUTER_API_KEY"
	default:
		return "CUSTOM_API_KEY"
	}
}

func emitError(ch chan<- core.Event, kind core.ErrorKind, msg string) {
	ch <- core.Event{Type: core.EventError, ErrKind: kind, Message: msg}
}

var errMalformed = fmt.Errorf("malformed response")

type httpStatusError struct {
	Status int
	Body   string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("http status %d: %s", e.Status, e.Body)
}

// mapSDKError adapts whatever error shape the official SDK surfaces for a
// non-2xx response into our httpStatusError, falling back to the raw error
// (treated as transport) when it isn't HTTP-status-shaped.
func mapSDKError(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return &httpStatusError{Status: apiErr.StatusCode, Body: apiErr.Message}
	}
	return err
}

func isTransportErr(err error) bool {
	var apiErr *openai.Error
	return !errors.As(err, &apiErr)
}
