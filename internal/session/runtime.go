// Package session implements the Session Runtime (C5): the iterative
// agent loop that drives one user turn to completion, demuxing provider
// events, executing tool calls, and re-invoking the model until the
// assistant yields a terminal response or the iteration cap is hit.
package session

import (
	"context"
	"fmt"
	"sync/atomic"

	"arula/internal/config"
	"arula/internal/core"
	"arula/internal/provider"
	"arula/internal/store"
	"arula/internal/tools"

	"golang.org/x/sync/errgroup"
)

const DefaultMaxToolIterations = 1000

// Runtime drives a turn for exactly one conversation at a time; the Store
// it is handed serializes appends per conversation id, so the Runtime
// itself holds no additional locking beyond the cancellation state below.
type Runtime struct {
	ConfigStore *config.Store
	Registry    *tools.Registry
	Conversations *store.Store

	SystemPrompt string

	MaxToolIterations int

	cancelled atomic.Bool
	cancel    context.CancelFunc
}

func New(cfgStore *config.Store, registry *tools.Registry, conversations *store.Store, systemPrompt string) *Runtime {
	return &Runtime{
		ConfigStore:       cfgStore,
		Registry:          registry,
		Conversations:     conversations,
		SystemPrompt:      systemPrompt,
		MaxToolIterations: DefaultMaxToolIterations,
	}
}

// Cancel fires the cancellation handle for the turn currently in flight,
// if any. It is safe to call even when no turn is running.
func (r *Runtime) Cancel() {
	r.cancelled.Store(true)
	if r.cancel != nil {
		r.cancel()
	}
}

// Submit drives one user turn to completion and returns a channel of
// downstream events, closed when the turn reaches TurnEnd or a terminal
// Error. The channel is unbounded in spirit (large buffer) matching the
// spec's cooperative-scheduling, no-backpressure model between C5 and the
// UI.
func (r *Runtime) Submit(ctx context.Context, conversationID, prompt string) (<-chan core.Event, error) {
	profile, err := r.ConfigStore.ActiveProfile()
	if err != nil || profile.Model == "" {
		return nil, fmt.Errorf("%w: no active provider configured", errNotConfigured)
	}

	conv, err := r.Conversations.Open(conversationID)
	if err != nil {
		conv, err = r.Conversations.Create(r.ConfigStore.ActiveLabel(), profile.Model, effectiveURL(profile))
		if err != nil {
			return nil, err
		}
	}

	turnCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.cancelled.Store(false)

	out := make(chan core.Event, 4096)
	go r.runTurn(turnCtx, profile, conv, prompt, out)
	return out, nil
}

var errNotConfigured = fmt.Errorf("not_configured")

func effectiveURL(p *config.ProviderProfile) string {
	if p.APIURL != nil {
		return *p.APIURL
	}
	return ""
}

func (r *Runtime) runTurn(ctx context.Context, profile *config.ProviderProfile, conv *store.Conversation, prompt string, out chan<- core.Event) {
	defer close(out)

	out <- core.Event{Type: core.EventTurnStart, ConversationID: conv.ID}

	if err := r.Conversations.AppendUser(conv, prompt); err != nil {
		out <- core.Event{Type: core.EventError, ErrKind: core.ErrKindPersistence, Message: err.Error()}
	}

	messages := r.composeMessages(conv)

	prov, err := provider.For(profile)
	if err != nil {
		out <- core.Event{Type: core.EventError, ErrKind: core.ErrKindNotConfigured, Message: err.Error()}
		return
	}

	label := r.ConfigStore.ActiveLabel()
	schemas := r.Registry.SchemasForProvider()

	iteration := 0
	for {
		select {
		case <-ctx.Done():
			out <- core.Event{Type: core.EventTurnEnd, FinishReason: core.FinishCancelled}
			return
		default:
		}

		req := provider.Request{Profile: profile, Label: label, Messages: messages, Tools: schemas}
		adapterEvents := make(chan core.Event, 256)
		done := make(chan struct{})
		var assistantText string
		var assistantCalls []core.ToolCall
		var adapterErr *core.Event

		// An in-loop model call's own TurnEnd/Error never reaches the UI
		// directly: only the whole user turn's terminal event does, per
		// the "exactly one TurnEnd or Error" invariant. The adapter's
		// TurnEnd is absorbed here and recovered from prov.Stream's
		// returned Result below instead.
		go func() {
			defer close(done)
			for ev := range adapterEvents {
				switch ev.Type {
				case core.EventTextDelta:
					assistantText += ev.Text
					out <- ev
				case core.EventToolCallComplete:
					if ev.Call != nil {
						assistantCalls = append(assistantCalls, *ev.Call)
					}
					out <- ev
				case core.EventTurnEnd:
					// recovered from the Result prov.Stream returns
				case core.EventError:
					e := ev
					adapterErr = &e
				default:
					out <- ev
				}
			}
		}()

		result, streamErr := prov.Stream(ctx, req, adapterEvents)
		close(adapterEvents)
		<-done

		if r.cancelled.Load() || ctx.Err() != nil {
			// the partial text and whatever tool calls had already completed
			// before the cancel must survive exactly as streamed, per S5
			if assistantText != "" || len(assistantCalls) > 0 {
				if err := r.Conversations.AppendAssistant(conv, assistantText, assistantCalls); err != nil {
					out <- core.Event{Type: core.EventError, ErrKind: core.ErrKindPersistence, Message: err.Error()}
				}
			}
			out <- core.Event{Type: core.EventTurnEnd, FinishReason: core.FinishCancelled}
			return
		}
		if streamErr != nil {
			if adapterErr != nil {
				out <- *adapterErr
			} else {
				out <- core.Event{Type: core.EventError, ErrKind: core.ErrKindTransport, Message: streamErr.Error()}
			}
			out <- core.Event{Type: core.EventTurnEnd, FinishReason: core.FinishError}
			return
		}

		finish := core.FinishStop
		if result != nil {
			finish = result.FinishReason
		}
		switch finish {
		case core.FinishStop, core.FinishLength:
			if err := r.Conversations.AppendAssistant(conv, assistantText, assistantCalls); err != nil {
				out <- core.Event{Type: core.EventError, ErrKind: core.ErrKindPersistence, Message: err.Error()}
			}
			out <- core.Event{Type: core.EventTurnEnd, FinishReason: finish}
			return
		case core.FinishToolCalls:
			if err := r.Conversations.AppendAssistant(conv, assistantText, assistantCalls); err != nil {
				out <- core.Event{Type: core.EventError, ErrKind: core.ErrKindPersistence, Message: err.Error()}
			}
			// the assistant turn (including its tool calls) must appear in
			// the outbound list before the paired tool results do
			messages = append(messages, core.Message{Role: core.RoleAssistant, Text: assistantText, ToolCalls: assistantCalls})

			results := r.executeTools(ctx, conv, assistantCalls, out)
			for _, res := range results {
				var toolName string
				for _, c := range assistantCalls {
					if c.ID == res.CallID {
						toolName = c.Name
					}
				}
				messages = append(messages, core.Message{
					Role:       core.RoleTool,
					Text:       res.Payload,
					ToolCallID: res.CallID,
					ToolName:   toolName,
				})
			}

			iteration++
			if iteration >= r.MaxToolIterations {
				out <- core.Event{Type: core.EventError, ErrKind: core.ErrKindIterationCap, Message: "tool loop exceeded max_tool_iterations"}
				out <- core.Event{Type: core.EventTurnEnd, FinishReason: core.FinishError}
				return
			}
			continue
		default:
			if err := r.Conversations.AppendAssistant(conv, assistantText, assistantCalls); err != nil {
				out <- core.Event{Type: core.EventError, ErrKind: core.ErrKindPersistence, Message: err.Error()}
			}
			out <- core.Event{Type: core.EventTurnEnd, FinishReason: finish}
			return
		}
	}
}

// executeTools invokes every completed tool call concurrently via
// errgroup, begun in index order but emitting ToolResult events in
// completion order, matching §5's ordering guarantee. Each result is
// persisted to conv as soon as it individually completes, not batched
// after the whole iteration joins — a crash between two tool completions
// must not lose the already-finished, already-surfaced one. The returned
// results are in call index order, for the outbound message list; calls
// skipped on cancellation are omitted.
func (r *Runtime) executeTools(ctx context.Context, conv *store.Conversation, calls []core.ToolCall, out chan<- core.Event) []core.ToolResult {
	results := make([]core.ToolResult, len(calls))
	ran := make([]bool, len(calls))
	g, gctx := errgroup.WithContext(ctx)
	resultCh := make(chan core.ToolResult, len(calls))

	for i, call := range calls {
		i, call := i, call
		g.Go(func() error {
			if r.cancelled.Load() {
				return nil // not-yet-started tools are skipped on cancellation
			}
			res := r.Registry.Invoke(gctx, call)
			results[i] = res
			ran[i] = true
			if err := r.Conversations.AppendToolResult(conv, res.CallID, call.Name, res.Payload, res.Success, res.Duration); err != nil {
				out <- core.Event{Type: core.EventError, ErrKind: core.ErrKindPersistence, Message: err.Error()}
			}
			resultCh <- res
			return nil
		})
	}

	go func() {
		g.Wait()
		close(resultCh)
	}()

	for res := range resultCh {
		out <- core.Event{Type: core.EventToolResult, Result: &res}
	}
	ordered := make([]core.ToolResult, 0, len(calls))
	for i, res := range results {
		if ran[i] {
			ordered = append(ordered, res)
		}
	}
	return ordered
}

// composeMessages builds the outbound list: system prompt + prior
// conversation messages + the new user message (already appended to conv).
func (r *Runtime) composeMessages(conv *store.Conversation) []core.Message {
	out := make([]core.Message, 0, len(conv.Messages)+1)
	if r.SystemPrompt != "" {
		out = append(out, core.Message{Role: core.RoleSystem, Text: r.SystemPrompt})
	}
	out = append(out, conv.Messages...)
	return out
}
