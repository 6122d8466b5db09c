// Package gemini adapts the Google Gen AI SDK's streaming API to
// provider.Provider. Thinking configuration differs by model family:
// Gemini-3 takes a discrete level, Gemini-2.5 a numeric budget. Gemini-3
// additionally pins temperature to 1.0.
package gemini

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"google.golang.org/genai"

	"github.com/nstogner/agentrt/pkg/domain"
	"github.com/nstogner/agentrt/pkg/provider"
)

// Provider implements provider.Provider using the Google Gen AI SDK.
type Provider struct {
	client *genai.Client
}

var _ provider.Provider = (*Provider)(nil)

// New creates a new Gemini provider bound to an API key.
func New(ctx context.Context, apiKey string) (*Provider, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey})
	if err != nil {
		return nil, fmt.Errorf("gemini: new client: %w", err)
	}
	return &Provider{client: client}, nil
}

func (p *Provider) Name() string { return "gemini" }

// isGemini3 reports whether modelName belongs to the Gemini-3 family,
// which uses a discrete thinking level instead of Gemini-2.5's numeric
// budget.
func isGemini3(modelName string) bool {
	return strings.HasPrefix(modelName, "gemini-3")
}

func (p *Provider) Stream(ctx context.Context, modelName, systemPrompt string, tools []domain.ToolDefinition, messages []domain.Message, opts provider.Options) (<-chan provider.NormalizedStreamEvent, error) {
	contents, err := encodeContents(messages)
	if err != nil {
		return nil, err
	}

	var systemInstruction *genai.Content
	if systemPrompt != "" {
		systemInstruction = &genai.Content{Parts: []*genai.Part{{Text: systemPrompt}}}
	}

	config := &genai.GenerateContentConfig{
		SystemInstruction: systemInstruction,
		Tools:             encodeTools(tools),
	}

	if opts.MaxTokens > 0 {
		config.MaxOutputTokens = int32(opts.MaxTokens)
	}
	if len(opts.StopSequences) > 0 {
		config.StopSequences = opts.StopSequences
	}

	if opts.Temperature != nil {
		temp := float32(*opts.Temperature)
		if isGemini3(modelName) && temp != 1.0 {
			// Gemini-3 rejects any temperature other than 1.0; override
			// with a warning rather than fail the request.
			slog.Warn("gemini: overriding temperature for gemini-3 model", "model", modelName, "requested", temp)
			temp = 1.0
		}
		config.Temperature = &temp
	}

	if opts.EnableThinking {
		config.ThinkingConfig = buildThinkingConfig(modelName, opts)
	}

	streamCtx, cancel := context.WithCancel(ctx)
	iter := p.client.Models.GenerateContentStream(streamCtx, modelName, contents, config)

	return runStream(streamCtx, cancel, iter), nil
}

// buildThinkingConfig implements the Gemini-3 (discrete level) vs.
// Gemini-2.5 (numeric budget 0-32768) split.
func buildThinkingConfig(modelName string, opts provider.Options) *genai.ThinkingConfig {
	if isGemini3(modelName) {
		level := opts.ThinkingLevel
		if level == "" {
			level = "MEDIUM"
		}
		return &genai.ThinkingConfig{ThinkingLevel: genai.ThinkingLevel(strings.ToUpper(level))}
	}
	budget := int32(opts.GeminiThinkingBudget)
	if budget <= 0 {
		budget = int32(opts.ThinkingBudget)
	}
	if budget > 32768 {
		budget = 32768
	}
	return &genai.ThinkingConfig{ThinkingBudget: &budget, IncludeThoughts: true}
}

func encodeContents(messages []domain.Message) ([]*genai.Content, error) {
	var contents []*genai.Content
	toolNames := make(map[string]string)

	for _, msg := range messages {
		var parts []*genai.Part
		for _, c := range msg.Content {
			switch c.Type {
			case domain.ContentText:
				parts = append(parts, &genai.Part{Text: c.Text.Text})
			case domain.ContentToolUse:
				toolNames[c.ToolUse.ID] = c.ToolUse.Name
				parts = append(parts, &genai.Part{
					FunctionCall: &genai.FunctionCall{ID: c.ToolUse.ID, Name: c.ToolUse.Name, Args: c.ToolUse.Arguments},
				})
			case domain.ContentToolResult:
				name := toolNames[c.ToolResult.ToolUseID]
				parts = append(parts, &genai.Part{
					FunctionResponse: &genai.FunctionResponse{
						ID: c.ToolResult.ToolUseID, Name: name,
						Response: map[string]any{"result": c.ToolResult.Content},
					},
				})
			case domain.ContentThinking:
				// Not replayed: Gemini regenerates thinking per turn.
			}
		}
		if len(parts) == 0 {
			continue
		}
		role := "user"
		if msg.Role == domain.RoleAssistant {
			role = "model"
		}
		contents = append(contents, &genai.Content{Role: role, Parts: parts})
	}
	return contents, nil
}

func encodeTools(defs []domain.ToolDefinition) []*genai.Tool {
	if len(defs) == 0 {
		return nil
	}
	decls := make([]*genai.FunctionDeclaration, 0, len(defs))
	for _, d := range defs {
		decls = append(decls, &genai.FunctionDeclaration{
			Name:        d.Name,
			Description: d.Description,
			Parameters:  schemaFromMap(d.ParameterSchema),
		})
	}
	return []*genai.Tool{{FunctionDeclarations: decls}}
}

// schemaFromMap converts the runtime's generic JSON-schema map into the
// SDK's typed genai.Schema for the common object/properties/required
// shape every tool definition in this runtime uses.
func schemaFromMap(m map[string]any) *genai.Schema {
	if m == nil {
		return &genai.Schema{Type: genai.TypeObject}
	}
	s := &genai.Schema{Type: genai.TypeObject, Properties: map[string]*genai.Schema{}}
	if props, ok := m["properties"].(map[string]any); ok {
		for name, raw := range props {
			pm, _ := raw.(map[string]any)
			prop := &genai.Schema{Type: genai.TypeString}
			if t, ok := pm["type"].(string); ok {
				prop.Type = genai.Type(strings.ToUpper(t[:1]) + t[1:])
			}
			if desc, ok := pm["description"].(string); ok {
				prop.Description = desc
			}
			s.Properties[name] = prop
		}
	}
	if req, ok := m["required"].([]any); ok {
		for _, r := range req {
			if rs, ok := r.(string); ok {
				s.Required = append(s.Required, rs)
			}
		}
	}
	return s
}

type streamIter = func(yield func(*genai.GenerateContentResponse, error) bool)

func runStream(ctx context.Context, cancel context.CancelFunc, iter streamIter) <-chan provider.NormalizedStreamEvent {
	out := make(chan provider.NormalizedStreamEvent, 32)
	go func() {
		defer close(out)
		defer cancel()

		var textOpen, thinkingOpen bool
		var thinking strings.Builder
		var message domain.Message
		var usage domain.TokenUsage
		emit := func(ev provider.NormalizedStreamEvent) bool {
			select {
			case out <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}
		emit(provider.NormalizedStreamEvent{Type: provider.EventStart})

		for resp, err := range iter {
			if err != nil {
				emit(provider.NormalizedStreamEvent{Type: provider.EventError, ErrorMessage: err.Error()})
				return
			}
			if resp == nil {
				continue
			}
			if resp.UsageMetadata != nil {
				usage.InputTokens = int64(resp.UsageMetadata.PromptTokenCount)
				usage.OutputTokens = int64(resp.UsageMetadata.CandidatesTokenCount)
				usage.CacheReadInputTokens = int64(resp.UsageMetadata.CachedContentTokenCount)
			}
			for _, cand := range resp.Candidates {
				if cand.Content == nil {
					continue
				}
				for _, part := range cand.Content.Parts {
					switch {
					case part.Text != "" && part.Thought:
						if !thinkingOpen {
							thinkingOpen = true
							if !emit(provider.NormalizedStreamEvent{Type: provider.EventThinkingStart}) {
								return
							}
						}
						thinking.WriteString(part.Text)
						if !emit(provider.NormalizedStreamEvent{Type: provider.EventThinkingDelta, ThinkingDelta: part.Text}) {
							return
						}
					case part.Text != "":
						if !textOpen {
							textOpen = true
							if !emit(provider.NormalizedStreamEvent{Type: provider.EventTextStart}) {
								return
							}
						}
						message.Content = append(message.Content, domain.Content{Type: domain.ContentText, Text: &domain.TextContent{Text: part.Text}})
						if !emit(provider.NormalizedStreamEvent{Type: provider.EventTextDelta, TextDelta: part.Text}) {
							return
						}
					case part.FunctionCall != nil:
						fc := part.FunctionCall
						id := fc.ID
						if id == "" {
							id = "call-" + uuid.New().String()
						}
						tc := &domain.ToolUseContent{ID: id, Name: fc.Name, Arguments: fc.Args}
						message.Content = append(message.Content, domain.Content{Type: domain.ContentToolUse, ToolUse: tc})
						if !emit(provider.NormalizedStreamEvent{Type: provider.EventToolCallStart, ToolCallID: id, ToolCallName: fc.Name}) {
							return
						}
						if !emit(provider.NormalizedStreamEvent{Type: provider.EventToolCallEnd, ToolCallID: id, ToolCall: tc}) {
							return
						}
					}
				}
			}
		}

		if textOpen {
			emit(provider.NormalizedStreamEvent{Type: provider.EventTextEnd})
		}
		if thinkingOpen {
			message.Content = append([]domain.Content{{
				Type:     domain.ContentThinking,
				Thinking: &domain.ThinkingContent{Thinking: thinking.String()},
			}}, message.Content...)
			emit(provider.NormalizedStreamEvent{Type: provider.EventThinkingEnd, Thinking: thinking.String()})
		}
		message.Role = domain.RoleAssistant
		emit(provider.NormalizedStreamEvent{Type: provider.EventDone, Message: &message, StopReason: "end_turn", Usage: usage})
	}()
	return out
}
