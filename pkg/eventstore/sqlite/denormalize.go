package sqlite

import (
	"encoding/json"

	"github.com/nstogner/agentrt/pkg/domain"
)

// payloadFields is the loose shape used to pull denormalized columns out
// of an event's JSON payload. Fields absent from a given event's payload
// simply stay at their zero value.
type payloadFields struct {
	TokenUsage *domain.TokenUsage `json:"tokenUsage"`
	// Fallbacks for when usage fields live at the payload's top level
	// rather than nested under tokenUsage.
	InputTokens  *int64 `json:"inputTokens"`
	OutputTokens *int64 `json:"outputTokens"`

	ToolName   string `json:"toolName"`
	Name       string `json:"name"`
	ToolCallID string `json:"toolCallId"`
	ID         string `json:"id"`
	Turn       int64  `json:"turn"`

	Model        string `json:"model"`
	StopReason   string `json:"stopReason"`
	ProviderType string `json:"providerType"`
	LatencyMs    int64  `json:"latencyMs"`
	HasThinking  bool   `json:"hasThinking"`

	ContentBlobID string `json:"contentBlobId"`
	Checksum      string `json:"checksum"`
}

// roleForEventType implements the denormalization rule: role is derived
// from event type.
func roleForEventType(t domain.EventType) domain.Role {
	switch t {
	case domain.EventMessageUser:
		return domain.RoleUser
	case domain.EventMessageAssistant:
		return domain.RoleAssistant
	case domain.EventMessageSystem:
		return domain.RoleSystem
	case domain.EventToolResult:
		return domain.RoleTool
	default:
		return ""
	}
}

// denormalize extracts the payload-derived columns onto e and returns it.
// e.Payload, e.Type, e.SessionID etc. must already be set.
func denormalize(e domain.Event) domain.Event {
	e.Role = roleForEventType(e.Type)

	var f payloadFields
	if len(e.Payload) == 0 {
		return e
	}
	if err := json.Unmarshal(e.Payload, &f); err != nil {
		return e
	}

	if f.TokenUsage != nil {
		e.TokenUsage = *f.TokenUsage
	} else {
		if f.InputTokens != nil {
			e.TokenUsage.InputTokens = *f.InputTokens
		}
		if f.OutputTokens != nil {
			e.TokenUsage.OutputTokens = *f.OutputTokens
		}
	}

	e.ToolName = firstNonEmpty(f.ToolName, f.Name)
	e.ToolCallID = firstNonEmpty(f.ToolCallID, f.ID)
	e.Turn = f.Turn
	e.Model = f.Model
	e.StopReason = f.StopReason
	e.ProviderType = f.ProviderType
	e.LatencyMs = f.LatencyMs
	e.HasThinking = f.HasThinking
	e.ContentBlobID = f.ContentBlobID
	e.Checksum = f.Checksum

	return e
}

// extractCostCents pulls the per-event cost out of a payload, for the
// session's rolled-up cost counter. Cost has no events-table column; it
// exists only as an aggregate.
func extractCostCents(payload []byte) int64 {
	if len(payload) == 0 {
		return 0
	}
	var f struct {
		CostCents int64 `json:"costCents"`
	}
	if err := json.Unmarshal(payload, &f); err != nil {
		return 0
	}
	return f.CostCents
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
