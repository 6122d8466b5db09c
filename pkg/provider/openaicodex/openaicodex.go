// Package openaicodex adapts the OpenAI Responses API (the Codex
// endpoint's wire format) to provider.Provider: a stream of discriminated
// union events processed by a pure state machine, with the system prompt
// and ancillary context injected as a developer-role message.
package openaicodex

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	sdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/ssestream"
	"github.com/openai/openai-go/responses"

	"github.com/nstogner/agentrt/pkg/domain"
	"github.com/nstogner/agentrt/pkg/provider"
)

// ResponsesClient captures the subset of the SDK client this adapter
// uses, so tests can substitute a fake.
type ResponsesClient interface {
	NewStreaming(ctx context.Context, body responses.ResponseNewParams, opts ...option.RequestOption) *ssestream.Stream[responses.ResponseStreamEventUnion]
}

// Provider implements provider.Provider against the OpenAI Responses API.
type Provider struct {
	resp ResponsesClient
}

var _ provider.Provider = (*Provider)(nil)

// New builds a Provider from a long-lived API key.
func New(apiKey string) *Provider {
	client := sdk.NewClient(option.WithAPIKey(apiKey))
	return &Provider{resp: &client.Responses}
}

func (p *Provider) Name() string { return "openai-codex" }

type ancillaryKey struct{}

// WithAncillaryContext attaches the Context Manager's assembled ancillary
// text to ctx so Stream can inject it as a developer message without
// widening the provider.Provider interface for one vendor's quirk.
func WithAncillaryContext(ctx context.Context, text string) context.Context {
	return context.WithValue(ctx, ancillaryKey{}, text)
}

func (p *Provider) Stream(ctx context.Context, model, systemPrompt string, tools []domain.ToolDefinition, messages []domain.Message, opts provider.Options) (<-chan provider.NormalizedStreamEvent, error) {
	input := encodeInput(ctx, systemPrompt, messages)

	params := responses.ResponseNewParams{
		Model: model,
		Input: responses.ResponseNewParamsInputUnion{OfInputItemList: input},
	}
	if opts.MaxTokens > 0 {
		params.MaxOutputTokens = sdk.Int(int64(opts.MaxTokens))
	}
	if opts.Temperature != nil {
		params.Temperature = sdk.Float(*opts.Temperature)
	}
	if toolParams := encodeTools(tools); len(toolParams) > 0 {
		params.Tools = toolParams
	}

	stream := p.resp.NewStreaming(ctx, params)
	if err := stream.Err(); err != nil {
		var apiErr *sdk.Error
		if errors.As(err, &apiErr) {
			return nil, provider.NewApiError(apiErr.StatusCode, apiErr.Message, "")
		}
		return nil, fmt.Errorf("openai-codex: stream: %w", err)
	}
	return runStream(ctx, stream), nil
}

// encodeInput builds the Responses API input item list: the system
// prompt (if any) becomes a developer-role message carrying the assembled
// ancillary context; on the first turn (no assistant messages yet) a
// tool-clarification message is prepended.
func encodeInput(ctx context.Context, systemPrompt string, messages []domain.Message) responses.ResponseInputParam {
	var out responses.ResponseInputParam

	devText := systemPrompt
	if ancillary, ok := ctx.Value(ancillaryKey{}).(string); ok && ancillary != "" {
		if devText != "" {
			devText += "\n\n" + ancillary
		} else {
			devText = ancillary
		}
	}
	if devText != "" {
		out = append(out, responses.ResponseInputItemParamOfMessage(devText, responses.EasyInputMessageRoleDeveloper))
	}

	firstTurn := true
	for _, m := range messages {
		if m.Role == domain.RoleAssistant {
			firstTurn = false
		}
	}
	if firstTurn {
		out = append(out, responses.ResponseInputItemParamOfMessage(
			"You have access to the tools listed below. Call a tool only when it "+
				"is necessary to answer the user; otherwise respond directly.",
			responses.EasyInputMessageRoleDeveloper))
	}

	for _, m := range messages {
		for _, c := range m.Content {
			switch c.Type {
			case domain.ContentText:
				role := responses.EasyInputMessageRoleUser
				if m.Role == domain.RoleAssistant {
					role = responses.EasyInputMessageRoleAssistant
				}
				out = append(out, responses.ResponseInputItemParamOfMessage(c.Text.Text, role))
			case domain.ContentToolUse:
				args, _ := json.Marshal(c.ToolUse.Arguments)
				out = append(out, responses.ResponseInputItemParamOfFunctionCall(string(args), c.ToolUse.ID, c.ToolUse.Name))
			case domain.ContentToolResult:
				out = append(out, responses.ResponseInputItemParamOfFunctionCallOutput(c.ToolResult.ToolUseID, c.ToolResult.Content))
			case domain.ContentThinking:
				// Not replayed: the Responses API regenerates reasoning per turn.
			}
		}
	}
	return out
}

func encodeTools(defs []domain.ToolDefinition) []responses.ToolUnionParam {
	if len(defs) == 0 {
		return nil
	}
	out := make([]responses.ToolUnionParam, 0, len(defs))
	for _, d := range defs {
		out = append(out, responses.ToolParamOfFunction(d.Name, d.ParameterSchema, false))
		if t := out[len(out)-1].OfFunction; t != nil {
			t.Description = sdk.String(d.Description)
		}
	}
	return out
}

func runStream(ctx context.Context, stream *ssestream.Stream[responses.ResponseStreamEventUnion]) <-chan provider.NormalizedStreamEvent {
	out := make(chan provider.NormalizedStreamEvent, 32)
	go func() {
		defer close(out)
		defer stream.Close()

		var message domain.Message
		var usage domain.TokenUsage
		openTool := map[string]*domain.ToolUseContent{}
		toolArgs := map[string]string{}

		emit := func(ev provider.NormalizedStreamEvent) bool {
			select {
			case out <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}
		emit(provider.NormalizedStreamEvent{Type: provider.EventStart})

		for stream.Next() {
			ev := stream.Current()
			switch data := ev.AsAny().(type) {
			case responses.ResponseTextDeltaEvent:
				message.Content = append(message.Content, domain.Content{Type: domain.ContentText, Text: &domain.TextContent{Text: data.Delta}})
				if !emit(provider.NormalizedStreamEvent{Type: provider.EventTextDelta, TextDelta: data.Delta}) {
					return
				}
			case responses.ResponseFunctionCallArgumentsDeltaEvent:
				toolArgs[data.ItemID] += data.Delta
				if !emit(provider.NormalizedStreamEvent{Type: provider.EventToolCallDelta, ToolCallID: data.ItemID, ToolArgsDelta: data.Delta}) {
					return
				}
			case responses.ResponseOutputItemAddedEvent:
				if fc := data.Item.AsFunctionCall(); fc.Type == "function_call" {
					tc := &domain.ToolUseContent{ID: fc.CallID, Name: fc.Name, Arguments: map[string]any{}}
					openTool[data.Item.ID] = tc
					if !emit(provider.NormalizedStreamEvent{Type: provider.EventToolCallStart, ToolCallID: fc.CallID, ToolCallName: fc.Name}) {
						return
					}
				}
			case responses.ResponseOutputItemDoneEvent:
				if tc, ok := openTool[data.Item.ID]; ok {
					var args map[string]any
					if raw := toolArgs[data.Item.ID]; raw != "" {
						_ = json.Unmarshal([]byte(raw), &args)
					}
					if args == nil {
						args = map[string]any{}
					}
					tc.Arguments = args
					message.Content = append(message.Content, domain.Content{Type: domain.ContentToolUse, ToolUse: tc})
					if !emit(provider.NormalizedStreamEvent{Type: provider.EventToolCallEnd, ToolCallID: tc.ID, ToolCall: tc}) {
						return
					}
				}
			case responses.ResponseCompletedEvent:
				usage.InputTokens = data.Response.Usage.InputTokens
				usage.OutputTokens = data.Response.Usage.OutputTokens
				usage.CacheReadInputTokens = data.Response.Usage.InputTokensDetails.CachedTokens
			}
		}
		if err := stream.Err(); err != nil {
			emit(provider.NormalizedStreamEvent{Type: provider.EventError, ErrorMessage: err.Error()})
			return
		}
		message.Role = domain.RoleAssistant
		emit(provider.NormalizedStreamEvent{Type: provider.EventDone, Message: &message, StopReason: "end_turn", Usage: usage})
	}()
	return out
}
