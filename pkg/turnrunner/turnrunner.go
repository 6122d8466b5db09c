// Package turnrunner executes a single agent turn end-to-end: context
// assembly, provider streaming, tool dispatch, and event emission.
package turnrunner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nstogner/agentrt/pkg/contextmgr"
	"github.com/nstogner/agentrt/pkg/domain"
	"github.com/nstogner/agentrt/pkg/provider"
	"github.com/nstogner/agentrt/pkg/tools"
)

// Persister appends one event to the owning session's log. Persist order
// must match event-store write order for the session.
type Persister interface {
	Persist(ctx context.Context, eventType domain.EventType, payload []byte) error
}

// AgentEventType tags an AgentEvent delivered on the subscription bus.
type AgentEventType string

const (
	AgentEventAgentStart        AgentEventType = "agent_start"
	AgentEventAgentEnd          AgentEventType = "agent_end"
	AgentEventTurnStart         AgentEventType = "turn_start"
	AgentEventTurnEnd           AgentEventType = "turn_end"
	AgentEventStream            AgentEventType = "stream"
	AgentEventToolCall          AgentEventType = "tool_call"
	AgentEventToolResult        AgentEventType = "tool_result"
	AgentEventSubagentSpawned   AgentEventType = "subagent_spawned"
	AgentEventSubagentCompleted AgentEventType = "subagent_completed"
)

// AgentEvent is one typed notification fanned out to session subscribers.
type AgentEvent struct {
	Type      AgentEventType
	SessionID string
	Turn      int

	// Stream is set for AgentEventStream.
	Stream *provider.NormalizedStreamEvent

	// Tool fields are set for tool_call / tool_result.
	ToolName   string
	ToolCallID string
	IsError    bool

	// Detail carries small human-readable context (stop reason, error
	// text, subagent ids).
	Detail string
}

// Bus fans AgentEvents out to session subscribers. Publish must not block
// the turn: slow subscribers lose events.
type Bus interface {
	Publish(ev AgentEvent)
}

// NopBus discards every event; used when no subscriber exists.
type NopBus struct{}

func (NopBus) Publish(AgentEvent) {}

// Result reports one executed turn.
type Result struct {
	Success             bool
	Interrupted         bool
	StopTurnRequested   bool
	StopReason          string
	ToolCalls           int
	TokenUsage          *domain.TokenUsage
	ContextWindowTokens int64
	Err                 error
}

// Runner executes turns for a single session. Fields are set once at
// construction and never mutated during a run.
type Runner struct {
	SessionID string
	Model     string
	// ContextWindow is the model's total context window in tokens,
	// reported on turn_end and used by the compaction trigger upstream.
	ContextWindow int64

	Provider  provider.Provider
	Registry  *tools.Registry
	Manager   *contextmgr.Manager
	Persister Persister
	Bus       Bus

	Options provider.Options
}

func (r *Runner) bus() Bus {
	if r.Bus == nil {
		return NopBus{}
	}
	return r.Bus
}

// RunTurn executes one turn: stream the provider, persist the assistant
// message, dispatch any tool calls, and emit turn_start/turn_end events.
// Tool failures never fail the turn; provider or stream errors do.
func (r *Runner) RunTurn(ctx context.Context, turn int) Result {
	start := time.Now()

	built := r.Manager.BuildContext()
	if err := r.persistJSON(ctx, domain.EventStreamTurnStart, map[string]any{
		"turn":           turn,
		"baselineTokens": r.Manager.BaselineInputTokens(),
	}); err != nil {
		return Result{Err: err}
	}
	r.bus().Publish(AgentEvent{Type: AgentEventTurnStart, SessionID: r.SessionID, Turn: turn})

	systemPrompt := composeSystemPrompt(built)
	ch, err := r.Provider.Stream(ctx, r.Model, systemPrompt, built.Tools, built.Messages, r.Options)
	if err != nil {
		return r.endTurn(ctx, turn, Result{Err: err, Interrupted: interrupted(ctx)}, nil)
	}

	var (
		message    *domain.Message
		usage      domain.TokenUsage
		stopReason string
		streamErr  string
	)
	for ev := range ch {
		ev := ev
		r.bus().Publish(AgentEvent{Type: AgentEventStream, SessionID: r.SessionID, Turn: turn, Stream: &ev})
		switch ev.Type {
		case provider.EventDone:
			message = ev.Message
			usage = ev.Usage
			stopReason = ev.StopReason
		case provider.EventError:
			streamErr = ev.ErrorMessage
		}
	}
	if interrupted(ctx) {
		return r.endTurn(ctx, turn, Result{Interrupted: true, TokenUsage: &usage}, &usage)
	}
	if streamErr != "" {
		return r.endTurn(ctx, turn, Result{Err: errors.New(streamErr), TokenUsage: &usage}, &usage)
	}
	if message == nil {
		return r.endTurn(ctx, turn, Result{Err: errors.New("provider stream ended without a final message"), TokenUsage: &usage}, &usage)
	}

	latency := time.Since(start).Milliseconds()
	if err := r.persistAssistantMessage(ctx, turn, message, usage, stopReason, latency); err != nil {
		return r.endTurn(ctx, turn, Result{Err: err, TokenUsage: &usage}, &usage)
	}
	r.Manager.AddMessage(*message)
	r.Manager.SetBaselineInputTokens(usage.InputTokens + usage.CacheReadInputTokens + usage.CacheCreationInputTokens)

	result := Result{Success: true, StopReason: stopReason, TokenUsage: &usage}
	if calls, stop, err := r.executeToolCalls(ctx, turn, message); err != nil {
		result = Result{Err: err, ToolCalls: calls, TokenUsage: &usage, Interrupted: interrupted(ctx)}
	} else {
		result.ToolCalls = calls
		result.StopTurnRequested = stop
	}
	if interrupted(ctx) {
		result.Interrupted = true
		result.Success = false
	}
	return r.endTurn(ctx, turn, result, &usage)
}

// executeToolCalls dispatches every tool_use block in the assistant
// message, persisting tool.call/tool.result around each execution and
// appending the result to the message history. It reports whether any tool
// requested early turn termination.
func (r *Runner) executeToolCalls(ctx context.Context, turn int, message *domain.Message) (calls int, stopRequested bool, err error) {
	for _, c := range message.Content {
		if c.Type != domain.ContentToolUse {
			continue
		}
		if interrupted(ctx) {
			return calls, stopRequested, nil
		}
		tc := c.ToolUse
		calls++

		if err := r.persistJSON(ctx, domain.EventToolCall, map[string]any{
			"toolCallId": tc.ID,
			"toolName":   tc.Name,
			"arguments":  tc.Arguments,
			"turn":       turn,
		}); err != nil {
			return calls, stopRequested, err
		}
		r.bus().Publish(AgentEvent{
			Type: AgentEventToolCall, SessionID: r.SessionID, Turn: turn,
			ToolName: tc.Name, ToolCallID: tc.ID,
		})

		result, dispatchErr := r.Registry.Dispatch(ctx, tc.Name, tc.Arguments, tools.ExecContext{
			SessionID:        r.SessionID,
			WorkingDirectory: r.Manager.BuildContext().WorkingDirectory,
		})
		if dispatchErr != nil {
			if errors.Is(dispatchErr, tools.StopTurnRequested) {
				stopRequested = true
			} else {
				// Unknown tool: already reflected in result.IsError.
				slog.Warn("tool dispatch error", "tool", tc.Name, "error", dispatchErr)
			}
		}

		content := renderToolResult(result)
		if err := r.persistJSON(ctx, domain.EventToolResult, map[string]any{
			"toolCallId": tc.ID,
			"toolName":   tc.Name,
			"content":    content,
			"isError":    result.IsError,
			"turn":       turn,
		}); err != nil {
			return calls, stopRequested, err
		}
		r.bus().Publish(AgentEvent{
			Type: AgentEventToolResult, SessionID: r.SessionID, Turn: turn,
			ToolName: tc.Name, ToolCallID: tc.ID, IsError: result.IsError,
		})

		r.Manager.AddMessage(domain.Message{
			Role: domain.RoleTool,
			Content: []domain.Content{{
				Type:       domain.ContentToolResult,
				ToolResult: &domain.ToolResultContent{ToolUseID: tc.ID, Content: content, IsError: result.IsError},
			}},
		})

		if stopRequested {
			break
		}
	}
	return calls, stopRequested, nil
}

func (r *Runner) persistAssistantMessage(ctx context.Context, turn int, message *domain.Message, usage domain.TokenUsage, stopReason string, latencyMs int64) error {
	hasThinking := false
	for _, c := range message.Content {
		if c.Type == domain.ContentThinking {
			hasThinking = true
		}
	}
	return r.persistJSON(ctx, domain.EventMessageAssistant, map[string]any{
		"content":      message.Content,
		"tokenUsage":   usage,
		"stopReason":   stopReason,
		"model":        r.Model,
		"providerType": r.Provider.Name(),
		"latencyMs":    latencyMs,
		"hasThinking":  hasThinking,
		"turn":         turn,
	})
}

// endTurn persists and publishes turn_end and returns result with the
// observed context window filled in.
func (r *Runner) endTurn(ctx context.Context, turn int, result Result, usage *domain.TokenUsage) Result {
	result.ContextWindowTokens = r.ContextWindow
	payload := map[string]any{
		"turn":          turn,
		"contextWindow": r.ContextWindow,
	}
	if usage != nil {
		payload["tokenUsage"] = *usage
	}
	if result.Err != nil {
		payload["error"] = result.Err.Error()
	}
	// A cancelled ctx must not block the turn_end write.
	persistCtx := ctx
	if interrupted(ctx) {
		persistCtx = context.WithoutCancel(ctx)
	}
	if err := r.persistJSON(persistCtx, domain.EventStreamTurnEnd, payload); err != nil && result.Err == nil {
		result.Err = err
	}
	detail := result.StopReason
	if result.Err != nil {
		detail = result.Err.Error()
	}
	r.bus().Publish(AgentEvent{Type: AgentEventTurnEnd, SessionID: r.SessionID, Turn: turn, Detail: detail})
	return result
}

func (r *Runner) persistJSON(ctx context.Context, eventType domain.EventType, payload map[string]any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("turnrunner: marshal %s payload: %w", eventType, err)
	}
	if err := r.Persister.Persist(ctx, eventType, b); err != nil {
		return fmt.Errorf("turnrunner: persist %s: %w", eventType, err)
	}
	return nil
}

func interrupted(ctx context.Context) bool {
	return ctx.Err() != nil
}

// renderToolResult flattens a tool result's content blocks into the text
// stored on the tool.result event and echoed back to the model.
func renderToolResult(result tools.ToolResult) string {
	out := ""
	for i, b := range result.ContentBlocks {
		if i > 0 {
			out += "\n"
		}
		if b.Text != "" {
			out += b.Text
			continue
		}
		if b.JSON != nil {
			j, err := json.Marshal(b.JSON)
			if err != nil {
				out += fmt.Sprintf("(unserializable block: %v)", err)
				continue
			}
			out += string(j)
		}
	}
	return out
}

// composeSystemPrompt concatenates the core system prompt with the
// ancillary blocks in their fixed order.
func composeSystemPrompt(c domain.Context) string {
	out := c.SystemPrompt
	for _, b := range c.Ancillary {
		if b.Text == "" {
			continue
		}
		if out != "" {
			out += "\n\n"
		}
		out += "## " + b.Name + "\n\n" + b.Text
	}
	return out
}
