// Package eventstore defines the durable, transactional, searchable home
// of the event tree: low-level event CRUD, tree traversal, blob storage,
// branch pointers, and full-text search, composed by a higher-level
// transactional API.
package eventstore

import (
	"context"

	"github.com/nstogner/agentrt/pkg/domain"
)

// CreateSessionOptions carries the optional fields accepted by CreateSession.
type CreateSessionOptions struct {
	Title string
}

// ForkOptions carries the optional overrides accepted by Fork.
type ForkOptions struct {
	Model string
	Title string
}

// ListEventsOptions bounds a session's event listing.
type ListEventsOptions struct {
	Limit  int
	Offset int
}

// ListSessionsFilter narrows ListSessions.
type ListSessionsFilter struct {
	WorkspaceID string
	IncludeEnded bool
}

// SearchOptions bounds a full-text search.
type SearchOptions struct {
	Limit int
}

// SearchHit is one full-text match.
type SearchHit struct {
	Event   domain.Event
	Snippet string
}

// TokenUsageSummary is the result of summarizing token usage across a set
// of events.
type TokenUsageSummary struct {
	domain.TokenUsage
	EventCount int64
}

// Store is the public contract of the event store. Every method that
// mutates durable state is atomic: a failure anywhere inside aborts the
// whole effect and callers never observe partial state.
type Store interface {
	// CreateSession atomically gets-or-creates the workspace, inserts the
	// session, and inserts the root session.start event at sequence 0 with
	// no parent. The new session's root/head event ids are set to that
	// event and its event counter becomes 1.
	CreateSession(ctx context.Context, model, workspacePath string, opts CreateSessionOptions) (domain.Session, domain.Event, error)

	// Append atomically resolves the parent (explicit, else the session's
	// head), computes the next sequence and depth, extracts denormalized
	// fields from payload, inserts the event, and advances the session's
	// head/counters.
	Append(ctx context.Context, sessionID string, eventType domain.EventType, payload []byte, parentID *string) (domain.Event, error)

	// Fork atomically creates a new session whose parent_session_id is
	// fromEventID's session and whose fork_from_event_id is fromEventID
	// itself, and inserts a
	// session.fork event whose parent_id is fromEventID (crossing
	// sessions).
	Fork(ctx context.Context, fromEventID string, opts ForkOptions) (domain.Session, domain.Event, error)

	// DeleteMessage appends a message.deleted tombstone naming targetEventID.
	// The target must be a message or tool-result event; the original is
	// never mutated.
	DeleteMessage(ctx context.Context, sessionID, targetEventID, reason string) (domain.Event, error)

	GetEvent(ctx context.Context, eventID string) (domain.Event, error)
	GetEventsBySession(ctx context.Context, sessionID string, opts ListEventsOptions) ([]domain.Event, error)
	// GetAncestors walks parent_id from eventID toward the root, possibly
	// crossing sessions via fork events, root first. Bounded by a safety
	// limit.
	GetAncestors(ctx context.Context, eventID string) ([]domain.Event, error)
	GetChildren(ctx context.Context, eventID string) ([]domain.Event, error)
	GetDescendants(ctx context.Context, eventID string) ([]domain.Event, error)
	GetEventsSince(ctx context.Context, sessionID string, afterSequence int64) ([]domain.Event, error)
	GetLatest(ctx context.Context, sessionID string) (domain.Event, error)
	CountEvents(ctx context.Context, sessionID string) (int64, error)
	EventExists(ctx context.Context, eventID string) (bool, error)
	GetEventsByIDs(ctx context.Context, ids []string) ([]domain.Event, error)
	GetEventsByTypes(ctx context.Context, sessionID string, types []domain.EventType) ([]domain.Event, error)
	GetEventsByWorkspaceAndTypes(ctx context.Context, workspaceID string, types []domain.EventType) ([]domain.Event, error)
	SummarizeTokenUsage(ctx context.Context, sessionID string) (TokenUsageSummary, error)

	GetSession(ctx context.Context, sessionID string) (domain.Session, error)
	ListSessions(ctx context.Context, filter ListSessionsFilter) ([]domain.Session, error)
	MarkSessionEnded(ctx context.Context, sessionID string) error
	ClearEnded(ctx context.Context, sessionID string) error
	UpdateModel(ctx context.Context, sessionID, model string) error
	UpdateTitle(ctx context.Context, sessionID, title string) error
	DeleteSession(ctx context.Context, sessionID string) error
	ListSubagents(ctx context.Context, spawningSessionID string) ([]domain.Session, error)
	UpdateSpawnInfo(ctx context.Context, sessionID, spawningSessionID, spawnType, spawnTask string) error

	// SetBranch upserts a named pointer to an event within sessionID,
	// naming an alternative continuation of the tree.
	SetBranch(ctx context.Context, sessionID, name, eventID string) (domain.Branch, error)
	GetBranch(ctx context.Context, sessionID, name string) (domain.Branch, error)
	ListBranches(ctx context.Context, sessionID string) ([]domain.Branch, error)
	DeleteBranch(ctx context.Context, sessionID, name string) error

	// StoreBlob deduplicates by cryptographic content hash.
	StoreBlob(ctx context.Context, content []byte, mime string) (domain.Blob, error)
	GetBlobContent(ctx context.Context, blobID string) ([]byte, error)
	GetBlobMetadata(ctx context.Context, blobID string) (domain.Blob, error)

	Search(ctx context.Context, query string, opts SearchOptions) ([]SearchHit, error)
	SearchInSession(ctx context.Context, sessionID, query string, limit int) ([]SearchHit, error)

	GetOrCreateWorkspace(ctx context.Context, path, name string) (domain.Workspace, error)

	Close() error
}
