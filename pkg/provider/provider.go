// Package provider hides vendor-specific streaming protocols behind a
// single interface, reducing every vendor's wire format to one normalized
// event stream.
package provider

import (
	"context"

	"github.com/nstogner/agentrt/pkg/domain"
)

// EffortLevel is a provider-agnostic reasoning-effort hint.
type EffortLevel string

const (
	EffortLow    EffortLevel = "low"
	EffortMedium EffortLevel = "medium"
	EffortHigh   EffortLevel = "high"
	EffortMax    EffortLevel = "max"
	EffortXHigh  EffortLevel = "xhigh"
)

// Options enumerates the per-request knobs common across vendors. Fields
// left at zero value are vendor-default.
type Options struct {
	MaxTokens            int
	Temperature          *float64
	StopSequences        []string
	EnableThinking       bool
	ThinkingBudget       int
	EffortLevel          EffortLevel
	ReasoningEffort      string // provider-specific alias for EffortLevel
	ThinkingLevel        string // discrete level, for providers that use one (e.g. Gemini-3)
	GeminiThinkingBudget int
}

// StreamEventType tags one element of a NormalizedStreamEvent.
type StreamEventType string

const (
	EventStart         StreamEventType = "Start"
	EventTextStart     StreamEventType = "TextStart"
	EventTextDelta     StreamEventType = "TextDelta"
	EventTextEnd       StreamEventType = "TextEnd"
	EventThinkingStart StreamEventType = "ThinkingStart"
	EventThinkingDelta StreamEventType = "ThinkingDelta"
	EventThinkingEnd   StreamEventType = "ThinkingEnd"
	EventToolCallStart StreamEventType = "ToolCallStart"
	EventToolCallDelta StreamEventType = "ToolCallDelta"
	EventToolCallEnd   StreamEventType = "ToolCallEnd"
	EventDone          StreamEventType = "Done"
	EventError         StreamEventType = "Error"
)

// NormalizedStreamEvent is the tagged union every vendor adapter reduces
// its wire format to. Only the fields relevant to Type are populated.
type NormalizedStreamEvent struct {
	Type StreamEventType

	// TextDelta / TextEnd
	TextDelta string
	Text      string
	Signature string

	// ThinkingDelta / ThinkingEnd
	ThinkingDelta string
	Thinking      string

	// ToolCallStart / ToolCallDelta / ToolCallEnd
	ToolCallID    string
	ToolCallName  string
	ToolArgsDelta string
	ToolCall      *domain.ToolUseContent

	// Done
	Message    *domain.Message
	StopReason string
	Usage      domain.TokenUsage

	// Error
	ErrorMessage string
}

// Provider is the single interface every vendor adapter implements.
type Provider interface {
	// Name identifies the provider ("anthropic", "gemini", "openai-codex", ...).
	Name() string
	// Stream issues one streaming request and returns a channel of
	// normalized events, closed when the stream ends (after Done or
	// Error). The channel's consumer must drain it to completion or
	// cancel ctx.
	Stream(ctx context.Context, model string, systemPrompt string, tools []domain.ToolDefinition, messages []domain.Message, opts Options) (<-chan NormalizedStreamEvent, error)
}

// ApiError is returned for any HTTP non-2xx response from a vendor.
type ApiError struct {
	Status    int
	Message   string
	Code      string
	Retryable bool
}

func (e *ApiError) Error() string { return e.Message }

// NewApiError derives Retryable from the status: 429 and 5xx responses
// are retryable.
func NewApiError(status int, message, code string) *ApiError {
	return &ApiError{
		Status:    status,
		Message:   message,
		Code:      code,
		Retryable: status == 429 || status >= 500,
	}
}

// RateLimited is a distinguished error for HTTP 429 responses that carry a
// Retry-After hint.
type RateLimited struct {
	RetryAfterMs int64
	Message      string
}

func (e *RateLimited) Error() string { return e.Message }

// AuthError signals an authentication failure (expired/invalid credential,
// failed refresh).
type AuthError struct {
	Message string
}

func (e *AuthError) Error() string { return e.Message }
