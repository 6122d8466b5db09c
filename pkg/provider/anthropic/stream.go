package anthropic

import (
	"context"
	"encoding/json"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"

	"github.com/nstogner/agentrt/pkg/domain"
	"github.com/nstogner/agentrt/pkg/provider"
)

// decodeArgs parses a tool call's accumulated partial-JSON fragments into
// the argument map. Malformed JSON (a provider bug, not a caller error)
// degrades to an empty map rather than dropping the tool call entirely.
func decodeArgs(joined string) map[string]any {
	var args map[string]any
	if err := json.Unmarshal([]byte(joined), &args); err != nil {
		return map[string]any{}
	}
	return args
}

// runStream drives stream to completion on a background goroutine,
// translating each wire event through a chunkProcessor and delivering
// provider.NormalizedStreamEvent values on the returned channel. Consumers
// range over the channel directly; it closes after Done or Error.
func runStream(ctx context.Context, stream Stream) <-chan provider.NormalizedStreamEvent {
	out := make(chan provider.NormalizedStreamEvent, 32)
	go func() {
		defer close(out)
		defer stream.Close()

		proc := newChunkProcessor()
		emit := func(ev provider.NormalizedStreamEvent) bool {
			select {
			case out <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}
		emit(provider.NormalizedStreamEvent{Type: provider.EventStart})

		for {
			select {
			case <-ctx.Done():
				return
			default:
			}
			if !stream.Next() {
				if err := stream.Err(); err != nil {
					emit(provider.NormalizedStreamEvent{Type: provider.EventError, ErrorMessage: err.Error()})
				}
				return
			}
			for _, ev := range proc.handle(stream.Current()) {
				if !emit(ev) {
					return
				}
			}
		}
	}()
	return out
}

// chunkProcessor converts Anthropic streaming events into
// provider.NormalizedStreamEvent, maintaining per-block accumulator state
// keyed by content-block index.
type chunkProcessor struct {
	toolBlocks     map[int]*toolBuffer
	thinkingBlocks map[int]*thinkingBuffer
	textBlocks     map[int]*strings.Builder

	message    domain.Message
	usage      domain.TokenUsage
	stopReason string
}

type toolBuffer struct {
	name      string
	id        string
	fragments []string
}

func (tb *toolBuffer) finalArgs() map[string]any {
	joined := strings.Join(tb.fragments, "")
	if strings.TrimSpace(joined) == "" {
		return map[string]any{}
	}
	return decodeArgs(joined)
}

type thinkingBuffer struct {
	text      strings.Builder
	signature string
}

func newChunkProcessor() *chunkProcessor {
	return &chunkProcessor{
		toolBlocks:     make(map[int]*toolBuffer),
		thinkingBlocks: make(map[int]*thinkingBuffer),
		textBlocks:     make(map[int]*strings.Builder),
	}
}

func (p *chunkProcessor) handle(event sdk.MessageStreamEventUnion) []provider.NormalizedStreamEvent {
	var out []provider.NormalizedStreamEvent
	switch ev := event.AsAny().(type) {
	case sdk.MessageStartEvent:
		p.toolBlocks = make(map[int]*toolBuffer)
		p.thinkingBlocks = make(map[int]*thinkingBuffer)
		p.textBlocks = make(map[int]*strings.Builder)
		p.message = domain.Message{Role: domain.RoleAssistant}
		p.usage = domain.TokenUsage{
			InputTokens:              int64(ev.Message.Usage.InputTokens),
			CacheReadInputTokens:     int64(ev.Message.Usage.CacheReadInputTokens),
			CacheCreationInputTokens: int64(ev.Message.Usage.CacheCreationInputTokens),
		}

	case sdk.ContentBlockStartEvent:
		idx := int(ev.Index)
		switch block := ev.ContentBlock.AsAny().(type) {
		case sdk.ToolUseBlock:
			p.toolBlocks[idx] = &toolBuffer{id: block.ID, name: block.Name}
			out = append(out, provider.NormalizedStreamEvent{
				Type: provider.EventToolCallStart, ToolCallID: block.ID, ToolCallName: block.Name,
			})
		case sdk.TextBlock:
			p.textBlocks[idx] = &strings.Builder{}
			out = append(out, provider.NormalizedStreamEvent{Type: provider.EventTextStart})
		case sdk.ThinkingBlock:
			p.thinkingBlocks[idx] = &thinkingBuffer{}
			out = append(out, provider.NormalizedStreamEvent{Type: provider.EventThinkingStart})
		}

	case sdk.ContentBlockDeltaEvent:
		idx := int(ev.Index)
		switch delta := ev.Delta.AsAny().(type) {
		case sdk.TextDelta:
			if delta.Text != "" {
				if tb := p.textBlocks[idx]; tb != nil {
					tb.WriteString(delta.Text)
				}
				out = append(out, provider.NormalizedStreamEvent{Type: provider.EventTextDelta, TextDelta: delta.Text})
			}
		case sdk.InputJSONDelta:
			if tb := p.toolBlocks[idx]; tb != nil && delta.PartialJSON != "" {
				tb.fragments = append(tb.fragments, delta.PartialJSON)
				out = append(out, provider.NormalizedStreamEvent{
					Type: provider.EventToolCallDelta, ToolCallID: tb.id, ToolArgsDelta: delta.PartialJSON,
				})
			}
		case sdk.ThinkingDelta:
			if tb := p.thinkingBlocks[idx]; tb != nil && delta.Thinking != "" {
				tb.text.WriteString(delta.Thinking)
				out = append(out, provider.NormalizedStreamEvent{Type: provider.EventThinkingDelta, ThinkingDelta: delta.Thinking})
			}
		case sdk.SignatureDelta:
			if tb := p.thinkingBlocks[idx]; tb != nil {
				tb.signature = delta.Signature
			}
		}

	case sdk.ContentBlockStopEvent:
		idx := int(ev.Index)
		if tb := p.textBlocks[idx]; tb != nil {
			delete(p.textBlocks, idx)
			text := tb.String()
			p.message.Content = append(p.message.Content, domain.Content{
				Type: domain.ContentText,
				Text: &domain.TextContent{Text: text},
			})
			out = append(out, provider.NormalizedStreamEvent{Type: provider.EventTextEnd, Text: text})
		}
		if tb := p.thinkingBlocks[idx]; tb != nil {
			delete(p.thinkingBlocks, idx)
			text := tb.text.String()
			p.message.Content = append(p.message.Content, domain.Content{
				Type:     domain.ContentThinking,
				Thinking: &domain.ThinkingContent{Thinking: text, Signature: tb.signature},
			})
			out = append(out, provider.NormalizedStreamEvent{Type: provider.EventThinkingEnd, Thinking: text, Signature: tb.signature})
		}
		if tb := p.toolBlocks[idx]; tb != nil {
			delete(p.toolBlocks, idx)
			tc := &domain.ToolUseContent{ID: tb.id, Name: tb.name, Arguments: tb.finalArgs()}
			p.message.Content = append(p.message.Content, domain.Content{Type: domain.ContentToolUse, ToolUse: tc})
			out = append(out, provider.NormalizedStreamEvent{Type: provider.EventToolCallEnd, ToolCallID: tb.id, ToolCall: tc})
		}

	case sdk.MessageDeltaEvent:
		p.stopReason = string(ev.Delta.StopReason)
		p.usage.OutputTokens = int64(ev.Usage.OutputTokens)

	case sdk.MessageStopEvent:
		out = append(out, provider.NormalizedStreamEvent{
			Type: provider.EventDone, Message: &p.message, StopReason: p.stopReason, Usage: p.usage,
		})
	}
	return out
}
