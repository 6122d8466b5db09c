// Package domain holds the core entities of the agent runtime: events,
// sessions, workspaces, blobs, branches, and the transient Context that is
// assembled from them per turn.
package domain

import "time"

// EventType is a closed tag set. New types require an additive schema
// change; existing tags are never removed.
type EventType string

const (
	EventSessionStart      EventType = "session.start"
	EventSessionFork       EventType = "session.fork"
	EventSessionEnd        EventType = "session.end"
	EventMessageUser       EventType = "message.user"
	EventMessageAssistant  EventType = "message.assistant"
	EventMessageSystem     EventType = "message.system"
	EventMessageDeleted    EventType = "message.deleted"
	EventToolCall          EventType = "tool.call"
	EventToolResult        EventType = "tool.result"
	EventStreamTurnStart   EventType = "stream.turn_start"
	EventStreamTurnEnd     EventType = "stream.turn_end"
	EventCompactBoundary   EventType = "compact.boundary"
	EventCompactSummary    EventType = "compact.summary"
	EventContextCleared    EventType = "context.cleared"
	EventConfigModelSwitch EventType = "config.model_switched"
	EventRulesLoaded       EventType = "rules.loaded"
	EventSkillAdded        EventType = "skill.added"
	EventSkillRemoved      EventType = "skill.removed"
	EventMemoryLedger      EventType = "memory.ledger"
	EventSubagentSpawned   EventType = "subagent.spawned"
	EventSubagentCompleted EventType = "subagent.completed"
)

// Role mirrors the denormalized "role" column derived from EventType.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// TokenUsage is the denormalized token-accounting shape carried on events
// whose payload reports usage, and rolled up onto Session counters.
type TokenUsage struct {
	InputTokens              int64 `json:"inputTokens"`
	OutputTokens             int64 `json:"outputTokens"`
	CacheReadInputTokens     int64 `json:"cacheReadInputTokens,omitempty"`
	CacheCreationInputTokens int64 `json:"cacheCreationInputTokens,omitempty"`
	CacheCreation5mTokens    int64 `json:"cacheCreation5mInputTokens,omitempty"`
	CacheCreation1hTokens    int64 `json:"cacheCreation1hInputTokens,omitempty"`
}

// Add returns the element-wise sum of two usage records.
func (u TokenUsage) Add(o TokenUsage) TokenUsage {
	return TokenUsage{
		InputTokens:              u.InputTokens + o.InputTokens,
		OutputTokens:             u.OutputTokens + o.OutputTokens,
		CacheReadInputTokens:     u.CacheReadInputTokens + o.CacheReadInputTokens,
		CacheCreationInputTokens: u.CacheCreationInputTokens + o.CacheCreationInputTokens,
		CacheCreation5mTokens:    u.CacheCreation5mTokens + o.CacheCreation5mTokens,
		CacheCreation1hTokens:    u.CacheCreation1hTokens + o.CacheCreation1hTokens,
	}
}

// Event is an immutable record of one observable state transition. Once
// inserted, no field is ever mutated.
type Event struct {
	ID          string
	SessionID   string
	ParentID    *string
	Sequence    int64
	Depth       int64
	Type        EventType
	Timestamp   time.Time
	Payload     []byte // raw JSON
	WorkspaceID string

	// Denormalized columns, extracted from Payload at insert time.
	Role          Role
	ToolName      string
	ToolCallID    string
	Turn          int64
	TokenUsage    TokenUsage
	ContentBlobID string
	Checksum      string
	Model         string
	StopReason    string
	ProviderType  string
	LatencyMs     int64
	HasThinking   bool
}

// Session is the aggregate grouping one conversation's events and rolled-up
// counters.
type Session struct {
	ID               string
	WorkspaceID      string
	LatestModel      string
	WorkingDirectory string
	Title            string

	RootEventID string
	HeadEventID string

	EventCount             int64
	MessageCount           int64
	TotalInputTokens       int64
	TotalOutputTokens      int64
	TotalCacheReadTokens   int64
	TotalCacheCreateTokens int64
	TotalCostCents         int64
	TurnCount              int64

	ParentSessionID *string
	ForkFromEventID *string

	SpawningSessionID *string
	SpawnType         *string
	SpawnTask         *string

	CreatedAt      time.Time
	LastActivityAt time.Time
	EndedAt        *time.Time
}

// Workspace is a namespace grouping sessions, gotten-or-created by path.
type Workspace struct {
	ID             string
	Path           string
	Name           string
	CreatedAt      time.Time
	LastActivityAt time.Time
}

// Blob is a content-addressed byte store entry.
type Blob struct {
	ID           string
	MimeType     string
	SizeOriginal int64
	Content      []byte
}

// Branch is a labeled pointer to an event within a session.
type Branch struct {
	SessionID string
	Name      string
	EventID   string
}
