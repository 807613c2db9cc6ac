// Package provider implements the per-dialect streaming adapters (C2):
// one Stream implementation per wire dialect, each producing a normalized
// core.Event sequence terminated by exactly one TurnEnd or one Error.
package provider

import (
	"context"
	"fmt"

	"arula/internal/config"
	"arula/internal/core"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("arula/internal/provider")

// Request bundles everything a dialect needs to open one streaming call.
type Request struct {
	Profile  *config.ProviderProfile
	Label    string // profile label, needed to detect z.ai-style constraints
	Messages []core.Message
	Tools    []core.ToolSchema
}

// Result is the convenience, non-streaming collapse of an event sequence
// into a single final response, used by callers that don't need to
// observe incremental deltas.
type Result struct {
	Text         string
	ToolCalls    []core.ToolCall
	FinishReason core.FinishReason
	Usage        *core.TokenUsage
}

// Provider streams one model turn. Implementations MUST NOT close
// eventChan; the caller owns the channel's lifecycle so it can multiplex
// several calls (e.g. retries) over one channel if needed.
type Provider interface {
	Stream(ctx context.Context, req Request, eventChan chan<- core.Event) (*Result, error)
}

// For builds the Provider implementation appropriate to a profile's
// dialect, wrapped in a span around each Stream call.
func For(profile *config.ProviderProfile) (Provider, error) {
	var inner Provider
	switch profile.Dialect {
	case config.DialectOpenAISSE, config.DialectOpenAICompatible:
		inner = &OpenAIProvider{}
	case config.DialectAnthropicEvents:
		inner = &AnthropicProvider{}
	case config.DialectOllamaNDJSON:
		inner = &OllamaProvider{}
	default:
		return nil, fmt.Errorf("unsupported dialect: %s", profile.Dialect)
	}
	return &tracingProvider{inner: inner}, nil
}

// tracingProvider wraps a dialect Provider with an OpenTelemetry span per
// Stream call, carrying the provider label, model, and dialect as span
// attributes, grounded on the teacher's tracer-provider wiring in
// internal/telemetry.
type tracingProvider struct {
	inner Provider
}

func (t *tracingProvider) Stream(ctx context.Context, req Request, eventChan chan<- core.Event) (*Result, error) {
	ctx, span := tracer.Start(ctx, "provider.Stream", trace.WithAttributes(
		attribute.String("provider.label", req.Label),
		attribute.String("provider.model", req.Profile.Model),
		attribute.String("provider.dialect", string(req.Profile.Dialect)),
	))
	defer span.End()

	result, err := t.inner.Stream(ctx, req, eventChan)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return result, err
}

// collapse drains an event channel populated by a Stream call happening on
// another goroutine and reduces it to a Result, for callers that want a
// synchronous, non-streaming experience layered over the same adapter.
func collapse(events <-chan core.Event) *Result {
	res := &Result{}
	var textBuf []byte
	calls := map[int]*core.ToolCall{}
	var order []int
	for ev := range events {
		switch ev.Type {
		case core.EventTextDelta:
			textBuf = append(textBuf, ev.Text...)
		case core.EventToolCallStart:
			if _, ok := calls[ev.Index]; !ok {
				order = append(order, ev.Index)
			}
			calls[ev.Index] = &core.ToolCall{ID: ev.ID, Name: ev.Name}
		case core.EventToolCallArgs:
			if c, ok := calls[ev.Index]; ok {
				c.Arguments += ev.Text
			}
		case core.EventToolCallComplete:
			if ev.Call != nil {
				calls[ev.Index] = ev.Call
			}
		case core.EventTurnEnd:
			res.FinishReason = ev.FinishReason
			res.Usage = ev.Usage
		}
	}
	res.Text = string(textBuf)
	for _, idx := range order {
		if c := calls[idx]; c != nil {
			res.ToolCalls = append(res.ToolCalls, *c)
		}
	}
	return res
}
