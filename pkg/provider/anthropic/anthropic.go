// Package anthropic adapts the Anthropic Messages streaming API to
// provider.Provider: a chunk-processor state machine over the SDK's SSE
// stream, plus prompt-cache breakpoint placement and cache-cold pruning
// of stale tool results.
package anthropic

import (
	"context"
	"errors"
	"fmt"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/nstogner/agentrt/pkg/domain"
	"github.com/nstogner/agentrt/pkg/provider"
	"github.com/nstogner/agentrt/pkg/provider/oauth"
)

// MessagesClient captures the subset of the SDK client this adapter uses,
// so tests can substitute a fake.
type MessagesClient interface {
	NewStreaming(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) Stream
}

// Stream is the subset of ssestream.Stream[sdk.MessageStreamEventUnion]
// this package depends on, narrowed to ease substitution in tests.
type Stream interface {
	Next() bool
	Current() sdk.MessageStreamEventUnion
	Err() error
	Close() error
}

// Provider implements provider.Provider against the Anthropic Messages API.
type Provider struct {
	msg    MessagesClient
	creds  oauth.CredentialSource
	pruner *cachePruner
}

var _ provider.Provider = (*Provider)(nil)

// New builds a Provider from a long-lived API key.
func New(apiKey string) *Provider {
	client := sdk.NewClient(option.WithAPIKey(apiKey))
	return &Provider{msg: sdkMessagesAdapter{&client.Messages}, pruner: newCachePruner()}
}

// NewWithCredentialSource builds a Provider whose Authorization header is
// resolved fresh (and refreshed if stale) before every call.
func NewWithCredentialSource(creds oauth.CredentialSource) *Provider {
	client := sdk.NewClient()
	return &Provider{msg: sdkMessagesAdapter{&client.Messages}, creds: creds, pruner: newCachePruner()}
}

func (p *Provider) Name() string { return "anthropic" }

func (p *Provider) Stream(ctx context.Context, model, systemPrompt string, tools []domain.ToolDefinition, messages []domain.Message, opts provider.Options) (<-chan provider.NormalizedStreamEvent, error) {
	var reqOpts []option.RequestOption
	if p.creds != nil {
		header, err := p.creds.AuthHeader(ctx)
		if err != nil {
			return nil, &provider.AuthError{Message: err.Error()}
		}
		reqOpts = append(reqOpts, option.WithHeader("Authorization", header))
		if acct := p.creds.AccountID(); acct != "" {
			reqOpts = append(reqOpts, option.WithHeader("X-Account-Id", acct))
		}
	}

	if p.pruner != nil {
		messages = p.pruner.apply(messages)
	}
	params, err := buildParams(model, systemPrompt, messages, opts)
	if err != nil {
		return nil, err
	}
	if toolParams := BuildToolParams(tools); len(toolParams) > 0 {
		params.Tools = toolParams
	}

	stream := p.msg.NewStreaming(ctx, params, reqOpts...)
	if err := stream.Err(); err != nil {
		var apiErr *sdk.Error
		if errors.As(err, &apiErr) {
			return nil, provider.NewApiError(apiErr.StatusCode, apiErr.Error(), "")
		}
		return nil, fmt.Errorf("anthropic: stream: %w", err)
	}
	return runStream(ctx, stream), nil
}

func buildParams(model, systemPrompt string, messages []domain.Message, opts provider.Options) (sdk.MessageNewParams, error) {
	maxTokens := int64(opts.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = 8192
	}
	params := sdk.MessageNewParams{
		Model:     sdk.Model(model),
		MaxTokens: maxTokens,
	}

	if systemPrompt != "" {
		block := sdk.TextBlockParam{Text: systemPrompt}
		// Breakpoint 2: the system prompt, 1h TTL. It arrives as one
		// string with every ancillary block, stable and volatile alike,
		// already appended, so it is sent as a single block and no
		// separate breakpoint marks a volatile system block.
		block.CacheControl = sdk.CacheControlEphemeralParam{Type: "ephemeral", TTL: "1h"}
		params.System = []sdk.TextBlockParam{block}
	}

	msgs, err := encodeMessages(messages)
	if err != nil {
		return sdk.MessageNewParams{}, err
	}
	params.Messages = msgs

	if opts.Temperature != nil {
		params.Temperature = sdk.Float(*opts.Temperature)
	}
	if len(opts.StopSequences) > 0 {
		params.StopSequences = opts.StopSequences
	}
	if opts.EnableThinking && opts.ThinkingBudget > 0 {
		params.Thinking = sdk.ThinkingConfigParamOfEnabled(int64(opts.ThinkingBudget))
	}
	return params, nil
}

// encodeMessages converts the normalized message list into the SDK's
// wire shape, marking the last user message as the ephemeral cache
// breakpoint.
func encodeMessages(messages []domain.Message) ([]sdk.MessageParam, error) {
	out := make([]sdk.MessageParam, 0, len(messages))
	lastUserIdx := -1
	for i, m := range messages {
		if m.Role == domain.RoleUser {
			lastUserIdx = i
		}
	}
	for i, m := range messages {
		blocks := make([]sdk.ContentBlockParamUnion, 0, len(m.Content))
		for _, c := range m.Content {
			switch c.Type {
			case domain.ContentText:
				blocks = append(blocks, sdk.NewTextBlock(c.Text.Text))
			case domain.ContentToolUse:
				blocks = append(blocks, sdk.NewToolUseBlock(c.ToolUse.ID, c.ToolUse.Arguments, c.ToolUse.Name))
			case domain.ContentToolResult:
				blocks = append(blocks, sdk.NewToolResultBlock(c.ToolResult.ToolUseID, c.ToolResult.Content, c.ToolResult.IsError))
			case domain.ContentThinking:
				// Thinking blocks are not replayed as input content; Anthropic
				// regenerates them per turn.
			}
		}
		if len(blocks) == 0 {
			continue
		}
		if i == lastUserIdx && len(blocks) > 0 {
			if blocks[len(blocks)-1].OfText != nil {
				blocks[len(blocks)-1].OfText.CacheControl = sdk.CacheControlEphemeralParam{Type: "ephemeral"}
			}
		}
		switch m.Role {
		case domain.RoleUser, domain.RoleTool:
			out = append(out, sdk.NewUserMessage(blocks...))
		case domain.RoleAssistant:
			out = append(out, sdk.NewAssistantMessage(blocks...))
		default:
			return nil, fmt.Errorf("anthropic: unsupported role %q", m.Role)
		}
	}
	return out, nil
}

// BuildToolParams converts tool definitions into the SDK's tool union
// shape, marking the last one with the tools-breakpoint (breakpoint 1:
// 1h TTL).
func BuildToolParams(defs []domain.ToolDefinition) []sdk.ToolUnionParam {
	if len(defs) == 0 {
		return nil
	}
	out := make([]sdk.ToolUnionParam, 0, len(defs))
	for _, d := range defs {
		schema := sdk.ToolInputSchemaParam{ExtraFields: d.ParameterSchema}
		u := sdk.ToolUnionParamOfTool(schema, d.Name)
		if u.OfTool != nil {
			u.OfTool.Description = sdk.String(d.Description)
		}
		out = append(out, u)
	}
	if last := out[len(out)-1]; last.OfTool != nil {
		last.OfTool.CacheControl = sdk.CacheControlEphemeralParam{Type: "ephemeral", TTL: "1h"}
	}
	return out
}

type sdkMessagesAdapter struct {
	svc *sdk.MessageService
}

func (a sdkMessagesAdapter) NewStreaming(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) Stream {
	return a.svc.NewStreaming(ctx, body, opts...)
}
