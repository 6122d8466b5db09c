package sqlite

// schema is applied idempotently on every open: CREATE TABLE/INDEX IF NOT
// EXISTS statements run as one batch. events_fts is an FTS5 table that
// stores its own copy of each event's id and payload, filled by a trigger
// on events inserts. Events are never updated, so there is no update
// trigger; rows that DeleteSession leaves behind in events_fts no longer
// join to an event, so searches skip them.
const schema = `
PRAGMA foreign_keys = ON;

CREATE TABLE IF NOT EXISTS workspaces (
	id TEXT PRIMARY KEY,
	path TEXT NOT NULL UNIQUE,
	name TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	last_activity_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	workspace_id TEXT NOT NULL REFERENCES workspaces(id),
	root_event_id TEXT NOT NULL DEFAULT '',
	head_event_id TEXT NOT NULL DEFAULT '',
	latest_model TEXT NOT NULL DEFAULT '',
	working_directory TEXT NOT NULL DEFAULT '',
	title TEXT NOT NULL DEFAULT '',
	parent_session_id TEXT,
	fork_from_event_id TEXT,
	spawning_session_id TEXT,
	spawn_type TEXT,
	spawn_task TEXT,
	event_count INTEGER NOT NULL DEFAULT 0,
	message_count INTEGER NOT NULL DEFAULT 0,
	total_input_tokens INTEGER NOT NULL DEFAULT 0,
	total_output_tokens INTEGER NOT NULL DEFAULT 0,
	total_cache_read_tokens INTEGER NOT NULL DEFAULT 0,
	total_cache_creation_tokens INTEGER NOT NULL DEFAULT 0,
	total_cost_cents INTEGER NOT NULL DEFAULT 0,
	turn_count INTEGER NOT NULL DEFAULT 0,
	ended_at DATETIME,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	last_activity_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_sessions_workspace ON sessions(workspace_id);
CREATE INDEX IF NOT EXISTS idx_sessions_spawning ON sessions(spawning_session_id);

CREATE TABLE IF NOT EXISTS events (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL REFERENCES sessions(id),
	parent_id TEXT,
	sequence INTEGER NOT NULL,
	depth INTEGER NOT NULL,
	type TEXT NOT NULL,
	timestamp DATETIME NOT NULL,
	payload TEXT NOT NULL,
	content_blob_id TEXT,
	workspace_id TEXT NOT NULL,
	role TEXT NOT NULL DEFAULT '',
	tool_name TEXT NOT NULL DEFAULT '',
	tool_call_id TEXT NOT NULL DEFAULT '',
	turn INTEGER NOT NULL DEFAULT 0,
	input_tokens INTEGER NOT NULL DEFAULT 0,
	output_tokens INTEGER NOT NULL DEFAULT 0,
	cache_read_tokens INTEGER NOT NULL DEFAULT 0,
	cache_creation_tokens INTEGER NOT NULL DEFAULT 0,
	checksum TEXT NOT NULL DEFAULT '',
	model TEXT NOT NULL DEFAULT '',
	stop_reason TEXT NOT NULL DEFAULT '',
	provider_type TEXT NOT NULL DEFAULT '',
	latency_ms INTEGER NOT NULL DEFAULT 0,
	has_thinking INTEGER NOT NULL DEFAULT 0,
	UNIQUE(session_id, sequence)
);
CREATE INDEX IF NOT EXISTS idx_events_session_seq ON events(session_id, sequence);
CREATE INDEX IF NOT EXISTS idx_events_parent ON events(parent_id);
CREATE INDEX IF NOT EXISTS idx_events_session_type ON events(session_id, type);
CREATE INDEX IF NOT EXISTS idx_events_workspace_type ON events(workspace_id, type);

CREATE TABLE IF NOT EXISTS blobs (
	id TEXT PRIMARY KEY,
	mime_type TEXT NOT NULL DEFAULT '',
	size_original INTEGER NOT NULL,
	content BLOB NOT NULL
);

CREATE TABLE IF NOT EXISTS branches (
	session_id TEXT NOT NULL REFERENCES sessions(id),
	name TEXT NOT NULL,
	event_id TEXT NOT NULL,
	PRIMARY KEY (session_id, name)
);

CREATE VIRTUAL TABLE IF NOT EXISTS events_fts USING fts5(
	event_id UNINDEXED,
	payload
);

CREATE TRIGGER IF NOT EXISTS events_fts_ai AFTER INSERT ON events BEGIN
	INSERT INTO events_fts(event_id, payload) VALUES (new.id, new.payload);
END;
`
