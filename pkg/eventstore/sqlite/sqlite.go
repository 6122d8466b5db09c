// Package sqlite is the SQLite-backed implementation of eventstore.Store:
// WAL journal mode, busy timeout, migrate-on-open idempotent schema
// application, and savepoint-scoped writes over the
// workspaces/sessions/events/blobs/branches/events_fts schema.
package sqlite

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/google/uuid"
	"github.com/nstogner/agentrt/pkg/domain"
	"github.com/nstogner/agentrt/pkg/eventstore"
)

// Store implements eventstore.Store using SQLite.
type Store struct {
	db *sql.DB
}

var _ eventstore.Store = (*Store)(nil)

// New opens (or creates) a SQLite database at dbPath and applies the
// schema.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys = ON`); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	s := &Store{db: db}
	if _, err := s.db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

// withSavepoint runs fn inside a transaction scoped by an explicit
// SAVEPOINT. A failure anywhere inside rolls back to the savepoint and
// aborts the whole effect; callers never observe partial state.
func (s *Store) withSavepoint(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.NewEventStoreError(op, domain.ErrIo, err)
	}
	if _, err := tx.ExecContext(ctx, `SAVEPOINT agentrt_write`); err != nil {
		tx.Rollback()
		return domain.NewEventStoreError(op, domain.ErrIo, err)
	}
	if err := fn(tx); err != nil {
		_, _ = tx.ExecContext(ctx, `ROLLBACK TO agentrt_write`)
		tx.Rollback()
		return err
	}
	if _, err := tx.ExecContext(ctx, `RELEASE agentrt_write`); err != nil {
		tx.Rollback()
		return domain.NewEventStoreError(op, domain.ErrIo, err)
	}
	if err := tx.Commit(); err != nil {
		return domain.NewEventStoreError(op, domain.ErrIo, err)
	}
	return nil
}

func (s *Store) GetOrCreateWorkspace(ctx context.Context, path, name string) (domain.Workspace, error) {
	var w domain.Workspace
	err := s.db.QueryRowContext(ctx,
		`SELECT id, path, name, created_at, last_activity_at FROM workspaces WHERE path=?`, path,
	).Scan(&w.ID, &w.Path, &w.Name, &w.CreatedAt, &w.LastActivityAt)
	if err == nil {
		return w, nil
	}
	if err != sql.ErrNoRows {
		return domain.Workspace{}, domain.NewEventStoreError("GetOrCreateWorkspace", domain.ErrIo, err)
	}

	w = domain.Workspace{ID: uuid.New().String(), Path: path, Name: name}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workspaces (id, path, name) VALUES (?, ?, ?)`, w.ID, w.Path, w.Name)
	if err != nil {
		return domain.Workspace{}, domain.NewEventStoreError("GetOrCreateWorkspace", domain.ErrIo, err)
	}
	return s.GetOrCreateWorkspace(ctx, path, name)
}

func (s *Store) CreateSession(ctx context.Context, model, workspacePath string, opts eventstore.CreateSessionOptions) (domain.Session, domain.Event, error) {
	ws, err := s.GetOrCreateWorkspace(ctx, workspacePath, "")
	if err != nil {
		return domain.Session{}, domain.Event{}, err
	}

	sess := domain.Session{
		ID:               uuid.New().String(),
		WorkspaceID:      ws.ID,
		LatestModel:      model,
		WorkingDirectory: workspacePath,
		Title:            opts.Title,
	}
	rootEvent := domain.Event{
		ID:          uuid.New().String(),
		SessionID:   sess.ID,
		Sequence:    0,
		Depth:       0,
		Type:        domain.EventSessionStart,
		Payload:     []byte(`{}`),
		WorkspaceID: ws.ID,
	}

	err = s.withSavepoint(ctx, "CreateSession", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO sessions (id, workspace_id, latest_model, working_directory, title, root_event_id, head_event_id, event_count)
			 VALUES (?, ?, ?, ?, ?, '', '', 0)`,
			sess.ID, sess.WorkspaceID, sess.LatestModel, sess.WorkingDirectory, sess.Title); err != nil {
			return domain.NewEventStoreError("CreateSession", domain.ErrIo, err)
		}
		if err := insertEvent(ctx, tx, rootEvent); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE sessions SET root_event_id=?, head_event_id=?, event_count=1 WHERE id=?`,
			rootEvent.ID, rootEvent.ID, sess.ID); err != nil {
			return domain.NewEventStoreError("CreateSession", domain.ErrIo, err)
		}
		return nil
	})
	if err != nil {
		return domain.Session{}, domain.Event{}, err
	}

	sess.RootEventID = rootEvent.ID
	sess.HeadEventID = rootEvent.ID
	sess.EventCount = 1
	return sess, rootEvent, nil
}

// insertEvent runs the raw INSERT for a fully-populated event row. Callers
// must already be inside a savepoint-scoped transaction.
func insertEvent(ctx context.Context, tx *sql.Tx, e domain.Event) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO events (
			id, session_id, parent_id, sequence, depth, type, timestamp, payload,
			content_blob_id, workspace_id, role, tool_name, tool_call_id, turn,
			input_tokens, output_tokens, cache_read_tokens, cache_creation_tokens,
			checksum, model, stop_reason, provider_type, latency_ms, has_thinking
		) VALUES (?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.SessionID, e.ParentID, e.Sequence, e.Depth, string(e.Type), string(e.Payload),
		nullString(e.ContentBlobID), e.WorkspaceID, string(e.Role), e.ToolName, e.ToolCallID, e.Turn,
		e.TokenUsage.InputTokens, e.TokenUsage.OutputTokens, e.TokenUsage.CacheReadInputTokens, e.TokenUsage.CacheCreationInputTokens,
		e.Checksum, e.Model, e.StopReason, e.ProviderType, e.LatencyMs, boolToInt(e.HasThinking),
	)
	if err != nil {
		return domain.NewEventStoreError("insertEvent", domain.ErrIo, err)
	}
	return nil
}

func (s *Store) Append(ctx context.Context, sessionID string, eventType domain.EventType, payload []byte, parentID *string) (domain.Event, error) {
	var ev domain.Event
	err := s.withSavepoint(ctx, "Append", func(tx *sql.Tx) error {
		var head string
		var wsID string
		err := tx.QueryRowContext(ctx, `SELECT head_event_id, workspace_id FROM sessions WHERE id=?`, sessionID).Scan(&head, &wsID)
		if err == sql.ErrNoRows {
			return domain.NewEventStoreError("Append", domain.ErrSessionNotFound, nil)
		}
		if err != nil {
			return domain.NewEventStoreError("Append", domain.ErrIo, err)
		}

		parent := parentID
		if parent == nil && head != "" {
			parent = &head
		}

		var depth int64
		if parent != nil {
			if err := tx.QueryRowContext(ctx, `SELECT depth FROM events WHERE id=?`, *parent).Scan(&depth); err != nil {
				if err == sql.ErrNoRows {
					return domain.NewEventStoreError("Append", domain.ErrEventNotFound, nil)
				}
				return domain.NewEventStoreError("Append", domain.ErrIo, err)
			}
			depth++
		}

		var maxSeq sql.NullInt64
		if err := tx.QueryRowContext(ctx, `SELECT MAX(sequence) FROM events WHERE session_id=?`, sessionID).Scan(&maxSeq); err != nil {
			return domain.NewEventStoreError("Append", domain.ErrIo, err)
		}
		nextSeq := int64(-1)
		if maxSeq.Valid {
			nextSeq = maxSeq.Int64
		}
		nextSeq++

		ev = denormalize(domain.Event{
			ID:          uuid.New().String(),
			SessionID:   sessionID,
			ParentID:    parent,
			Sequence:    nextSeq,
			Depth:       depth,
			Type:        eventType,
			Payload:     payload,
			WorkspaceID: wsID,
		})

		if err := insertEvent(ctx, tx, ev); err != nil {
			return err
		}

		isMessage := eventType == domain.EventMessageUser || eventType == domain.EventMessageAssistant || eventType == domain.EventMessageSystem
		isTurnEnd := eventType == domain.EventStreamTurnEnd
		_, err = tx.ExecContext(ctx,
			`UPDATE sessions SET
				head_event_id=?, event_count=event_count+1,
				message_count=message_count + ?,
				total_input_tokens=total_input_tokens+?,
				total_output_tokens=total_output_tokens+?,
				total_cache_read_tokens=total_cache_read_tokens+?,
				total_cache_creation_tokens=total_cache_creation_tokens+?,
				total_cost_cents=total_cost_cents+?,
				turn_count=turn_count + ?,
				last_activity_at=CURRENT_TIMESTAMP
			 WHERE id=?`,
			ev.ID, boolToInt(isMessage),
			ev.TokenUsage.InputTokens, ev.TokenUsage.OutputTokens,
			ev.TokenUsage.CacheReadInputTokens, ev.TokenUsage.CacheCreationInputTokens,
			extractCostCents(payload), boolToInt(isTurnEnd),
			sessionID)
		if err != nil {
			return domain.NewEventStoreError("Append", domain.ErrIo, err)
		}
		return nil
	})
	if err != nil {
		return domain.Event{}, err
	}
	return ev, nil
}

func (s *Store) Fork(ctx context.Context, fromEventID string, opts eventstore.ForkOptions) (domain.Session, domain.Event, error) {
	var src domain.Event
	var srcSession domain.Session
	err := s.withSavepoint(ctx, "Fork", func(tx *sql.Tx) error {
		var err error
		src, err = getEventTx(ctx, tx, fromEventID)
		if err != nil {
			return err
		}
		srcSession, err = getSessionTx(ctx, tx, src.SessionID)
		if err != nil {
			return err
		}

		model := opts.Model
		if model == "" {
			model = srcSession.LatestModel
		}
		newSessionID := uuid.New().String()
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO sessions (id, workspace_id, latest_model, working_directory, title, root_event_id, head_event_id, event_count, parent_session_id, fork_from_event_id)
			 VALUES (?, ?, ?, ?, ?, '', '', 0, ?, ?)`,
			newSessionID, srcSession.WorkspaceID, model, srcSession.WorkingDirectory, opts.Title, srcSession.ID, fromEventID); err != nil {
			return domain.NewEventStoreError("Fork", domain.ErrIo, err)
		}

		forkEventID := fromEventID
		forkEvent := denormalize(domain.Event{
			ID:          uuid.New().String(),
			SessionID:   newSessionID,
			ParentID:    &forkEventID,
			Sequence:    0,
			Depth:       src.Depth + 1,
			Type:        domain.EventSessionFork,
			Payload:     []byte(`{}`),
			WorkspaceID: srcSession.WorkspaceID,
		})
		if err := insertEvent(ctx, tx, forkEvent); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE sessions SET root_event_id=?, head_event_id=?, event_count=1 WHERE id=?`,
			forkEvent.ID, forkEvent.ID, newSessionID); err != nil {
			return domain.NewEventStoreError("Fork", domain.ErrIo, err)
		}

		srcSession.ID = newSessionID
		srcSession.RootEventID = forkEvent.ID
		srcSession.HeadEventID = forkEvent.ID
		srcSession.EventCount = 1
		srcSession.LatestModel = model
		srcSession.Title = opts.Title
		parentID := src.SessionID
		srcSession.ParentSessionID = &parentID
		srcSession.ForkFromEventID = &fromEventID
		src = forkEvent
		return nil
	})
	if err != nil {
		return domain.Session{}, domain.Event{}, err
	}
	return srcSession, src, nil
}

func (s *Store) DeleteMessage(ctx context.Context, sessionID, targetEventID, reason string) (domain.Event, error) {
	target, err := s.GetEvent(ctx, targetEventID)
	if err != nil {
		return domain.Event{}, err
	}
	if target.Type != domain.EventMessageUser && target.Type != domain.EventMessageAssistant &&
		target.Type != domain.EventMessageSystem && target.Type != domain.EventToolResult {
		return domain.Event{}, domain.NewEventStoreError("DeleteMessage", domain.ErrInvalidOperation, nil)
	}
	payload, _ := json.Marshal(domain.MessageDeletedPayload{
		TargetEventID: targetEventID,
		TargetType:    string(target.Type),
		Reason:        reason,
	})
	return s.Append(ctx, sessionID, domain.EventMessageDeleted, payload, nil)
}

func getEventTx(ctx context.Context, tx *sql.Tx, eventID string) (domain.Event, error) {
	var e domain.Event
	var parentID sql.NullString
	var blobID sql.NullString
	var hasThinking int
	err := tx.QueryRowContext(ctx,
		`SELECT id, session_id, parent_id, sequence, depth, type, timestamp, payload,
		        content_blob_id, workspace_id, role, tool_name, tool_call_id, turn,
		        input_tokens, output_tokens, cache_read_tokens, cache_creation_tokens,
		        checksum, model, stop_reason, provider_type, latency_ms, has_thinking
		 FROM events WHERE id=?`, eventID,
	).Scan(&e.ID, &e.SessionID, &parentID, &e.Sequence, &e.Depth, &e.Type, &e.Timestamp, &e.Payload,
		&blobID, &e.WorkspaceID, &e.Role, &e.ToolName, &e.ToolCallID, &e.Turn,
		&e.TokenUsage.InputTokens, &e.TokenUsage.OutputTokens, &e.TokenUsage.CacheReadInputTokens, &e.TokenUsage.CacheCreationInputTokens,
		&e.Checksum, &e.Model, &e.StopReason, &e.ProviderType, &e.LatencyMs, &hasThinking)
	if err == sql.ErrNoRows {
		return domain.Event{}, domain.NewEventStoreError("GetEvent", domain.ErrEventNotFound, nil)
	}
	if err != nil {
		return domain.Event{}, domain.NewEventStoreError("GetEvent", domain.ErrIo, err)
	}
	if parentID.Valid {
		e.ParentID = &parentID.String
	}
	if blobID.Valid {
		e.ContentBlobID = blobID.String
	}
	e.HasThinking = hasThinking != 0
	return e, nil
}

func getSessionTx(ctx context.Context, tx *sql.Tx, sessionID string) (domain.Session, error) {
	var sess domain.Session
	var parentSessionID, forkFromEventID, spawningSessionID, spawnType, spawnTask sql.NullString
	var endedAt sql.NullTime
	err := tx.QueryRowContext(ctx,
		`SELECT id, workspace_id, root_event_id, head_event_id, latest_model, working_directory, title,
		        parent_session_id, fork_from_event_id, spawning_session_id, spawn_type, spawn_task,
		        event_count, message_count, total_input_tokens, total_output_tokens,
		        total_cache_read_tokens, total_cache_creation_tokens, total_cost_cents, turn_count,
		        ended_at, created_at, last_activity_at
		 FROM sessions WHERE id=?`, sessionID,
	).Scan(&sess.ID, &sess.WorkspaceID, &sess.RootEventID, &sess.HeadEventID, &sess.LatestModel, &sess.WorkingDirectory, &sess.Title,
		&parentSessionID, &forkFromEventID, &spawningSessionID, &spawnType, &spawnTask,
		&sess.EventCount, &sess.MessageCount, &sess.TotalInputTokens, &sess.TotalOutputTokens,
		&sess.TotalCacheReadTokens, &sess.TotalCacheCreateTokens, &sess.TotalCostCents, &sess.TurnCount,
		&endedAt, &sess.CreatedAt, &sess.LastActivityAt)
	if err == sql.ErrNoRows {
		return domain.Session{}, domain.NewEventStoreError("GetSession", domain.ErrSessionNotFound, nil)
	}
	if err != nil {
		return domain.Session{}, domain.NewEventStoreError("GetSession", domain.ErrIo, err)
	}
	if parentSessionID.Valid {
		sess.ParentSessionID = &parentSessionID.String
	}
	if forkFromEventID.Valid {
		sess.ForkFromEventID = &forkFromEventID.String
	}
	if spawningSessionID.Valid {
		sess.SpawningSessionID = &spawningSessionID.String
	}
	if spawnType.Valid {
		sess.SpawnType = &spawnType.String
	}
	if spawnTask.Valid {
		sess.SpawnTask = &spawnTask.String
	}
	if endedAt.Valid {
		sess.EndedAt = &endedAt.Time
	}
	return sess, nil
}

func (s *Store) GetEvent(ctx context.Context, eventID string) (domain.Event, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return domain.Event{}, domain.NewEventStoreError("GetEvent", domain.ErrIo, err)
	}
	defer tx.Rollback()
	return getEventTx(ctx, tx, eventID)
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (domain.Session, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return domain.Session{}, domain.NewEventStoreError("GetSession", domain.ErrIo, err)
	}
	defer tx.Rollback()
	return getSessionTx(ctx, tx, sessionID)
}

func (s *Store) GetEventsBySession(ctx context.Context, sessionID string, opts eventstore.ListEventsOptions) ([]domain.Event, error) {
	q := `SELECT id, session_id, parent_id, sequence, depth, type, timestamp, payload,
	             content_blob_id, workspace_id, role, tool_name, tool_call_id, turn,
	             input_tokens, output_tokens, cache_read_tokens, cache_creation_tokens,
	             checksum, model, stop_reason, provider_type, latency_ms, has_thinking
	      FROM events WHERE session_id=? ORDER BY sequence ASC`
	args := []any{sessionID}
	if opts.Limit > 0 {
		q += ` LIMIT ? OFFSET ?`
		args = append(args, opts.Limit, opts.Offset)
	}
	return s.queryEvents(ctx, q, args...)
}

func (s *Store) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, domain.NewEventStoreError("queryEvents", domain.ErrIo, err)
	}
	defer rows.Close()

	var out []domain.Event
	for rows.Next() {
		var e domain.Event
		var parentID, blobID sql.NullString
		var hasThinking int
		if err := rows.Scan(&e.ID, &e.SessionID, &parentID, &e.Sequence, &e.Depth, &e.Type, &e.Timestamp, &e.Payload,
			&blobID, &e.WorkspaceID, &e.Role, &e.ToolName, &e.ToolCallID, &e.Turn,
			&e.TokenUsage.InputTokens, &e.TokenUsage.OutputTokens, &e.TokenUsage.CacheReadInputTokens, &e.TokenUsage.CacheCreationInputTokens,
			&e.Checksum, &e.Model, &e.StopReason, &e.ProviderType, &e.LatencyMs, &hasThinking); err != nil {
			return nil, domain.NewEventStoreError("queryEvents", domain.ErrIo, err)
		}
		if parentID.Valid {
			e.ParentID = &parentID.String
		}
		if blobID.Valid {
			e.ContentBlobID = blobID.String
		}
		e.HasThinking = hasThinking != 0
		out = append(out, e)
	}
	return out, rows.Err()
}

// GetAncestors walks parent_id from eventID toward the root, possibly
// crossing sessions via fork events, returning root-first. Bounded by a
// safety limit to guard against any (impossible, given the append-only
// invariant) cycle.
func (s *Store) GetAncestors(ctx context.Context, eventID string) ([]domain.Event, error) {
	const safetyLimit = 10000
	var chain []domain.Event
	current := eventID
	for i := 0; i < safetyLimit; i++ {
		e, err := s.GetEvent(ctx, current)
		if err != nil {
			return nil, err
		}
		chain = append(chain, e)
		if e.ParentID == nil {
			break
		}
		current = *e.ParentID
	}
	// reverse to root-first
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}

func (s *Store) GetChildren(ctx context.Context, eventID string) ([]domain.Event, error) {
	return s.queryEvents(ctx,
		`SELECT id, session_id, parent_id, sequence, depth, type, timestamp, payload,
		        content_blob_id, workspace_id, role, tool_name, tool_call_id, turn,
		        input_tokens, output_tokens, cache_read_tokens, cache_creation_tokens,
		        checksum, model, stop_reason, provider_type, latency_ms, has_thinking
		 FROM events WHERE parent_id=? ORDER BY sequence ASC`, eventID)
}

func (s *Store) GetDescendants(ctx context.Context, eventID string) ([]domain.Event, error) {
	var out []domain.Event
	frontier := []string{eventID}
	for len(frontier) > 0 {
		children, err := s.GetChildren(ctx, frontier[0])
		if err != nil {
			return nil, err
		}
		frontier = frontier[1:]
		for _, c := range children {
			out = append(out, c)
			frontier = append(frontier, c.ID)
		}
	}
	return out, nil
}

func (s *Store) GetEventsSince(ctx context.Context, sessionID string, afterSequence int64) ([]domain.Event, error) {
	return s.queryEvents(ctx,
		`SELECT id, session_id, parent_id, sequence, depth, type, timestamp, payload,
		        content_blob_id, workspace_id, role, tool_name, tool_call_id, turn,
		        input_tokens, output_tokens, cache_read_tokens, cache_creation_tokens,
		        checksum, model, stop_reason, provider_type, latency_ms, has_thinking
		 FROM events WHERE session_id=? AND sequence > ? ORDER BY sequence ASC`, sessionID, afterSequence)
}

func (s *Store) GetLatest(ctx context.Context, sessionID string) (domain.Event, error) {
	events, err := s.queryEvents(ctx,
		`SELECT id, session_id, parent_id, sequence, depth, type, timestamp, payload,
		        content_blob_id, workspace_id, role, tool_name, tool_call_id, turn,
		        input_tokens, output_tokens, cache_read_tokens, cache_creation_tokens,
		        checksum, model, stop_reason, provider_type, latency_ms, has_thinking
		 FROM events WHERE session_id=? ORDER BY sequence DESC LIMIT 1`, sessionID)
	if err != nil {
		return domain.Event{}, err
	}
	if len(events) == 0 {
		return domain.Event{}, domain.NewEventStoreError("GetLatest", domain.ErrEventNotFound, nil)
	}
	return events[0], nil
}

func (s *Store) CountEvents(ctx context.Context, sessionID string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events WHERE session_id=?`, sessionID).Scan(&n)
	if err != nil {
		return 0, domain.NewEventStoreError("CountEvents", domain.ErrIo, err)
	}
	return n, nil
}

func (s *Store) EventExists(ctx context.Context, eventID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM events WHERE id=?`, eventID).Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, domain.NewEventStoreError("EventExists", domain.ErrIo, err)
	}
	return true, nil
}

func (s *Store) GetEventsByIDs(ctx context.Context, ids []string) ([]domain.Event, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders := ""
	args := make([]any, len(ids))
	for i, id := range ids {
		if i > 0 {
			placeholders += ","
		}
		placeholders += "?"
		args[i] = id
	}
	return s.queryEvents(ctx,
		`SELECT id, session_id, parent_id, sequence, depth, type, timestamp, payload,
		        content_blob_id, workspace_id, role, tool_name, tool_call_id, turn,
		        input_tokens, output_tokens, cache_read_tokens, cache_creation_tokens,
		        checksum, model, stop_reason, provider_type, latency_ms, has_thinking
		 FROM events WHERE id IN (`+placeholders+`)`, args...)
}

func (s *Store) GetEventsByTypes(ctx context.Context, sessionID string, types []domain.EventType) ([]domain.Event, error) {
	placeholders, args := typeArgs(types)
	args = append([]any{sessionID}, args...)
	return s.queryEvents(ctx,
		`SELECT id, session_id, parent_id, sequence, depth, type, timestamp, payload,
		        content_blob_id, workspace_id, role, tool_name, tool_call_id, turn,
		        input_tokens, output_tokens, cache_read_tokens, cache_creation_tokens,
		        checksum, model, stop_reason, provider_type, latency_ms, has_thinking
		 FROM events WHERE session_id=? AND type IN (`+placeholders+`) ORDER BY sequence ASC`, args...)
}

func (s *Store) GetEventsByWorkspaceAndTypes(ctx context.Context, workspaceID string, types []domain.EventType) ([]domain.Event, error) {
	placeholders, args := typeArgs(types)
	args = append([]any{workspaceID}, args...)
	return s.queryEvents(ctx,
		`SELECT id, session_id, parent_id, sequence, depth, type, timestamp, payload,
		        content_blob_id, workspace_id, role, tool_name, tool_call_id, turn,
		        input_tokens, output_tokens, cache_read_tokens, cache_creation_tokens,
		        checksum, model, stop_reason, provider_type, latency_ms, has_thinking
		 FROM events WHERE workspace_id=? AND type IN (`+placeholders+`) ORDER BY sequence ASC`, args...)
}

func typeArgs(types []domain.EventType) (string, []any) {
	placeholders := ""
	args := make([]any, len(types))
	for i, t := range types {
		if i > 0 {
			placeholders += ","
		}
		placeholders += "?"
		args[i] = string(t)
	}
	return placeholders, args
}

func (s *Store) SummarizeTokenUsage(ctx context.Context, sessionID string) (eventstore.TokenUsageSummary, error) {
	var sum eventstore.TokenUsageSummary
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(input_tokens),0), COALESCE(SUM(output_tokens),0),
		        COALESCE(SUM(cache_read_tokens),0), COALESCE(SUM(cache_creation_tokens),0)
		 FROM events WHERE session_id=?`, sessionID,
	).Scan(&sum.EventCount, &sum.InputTokens, &sum.OutputTokens, &sum.CacheReadInputTokens, &sum.CacheCreationInputTokens)
	if err != nil {
		return eventstore.TokenUsageSummary{}, domain.NewEventStoreError("SummarizeTokenUsage", domain.ErrIo, err)
	}
	return sum, nil
}

func (s *Store) ListSessions(ctx context.Context, filter eventstore.ListSessionsFilter) ([]domain.Session, error) {
	q := `SELECT id FROM sessions WHERE 1=1`
	var args []any
	if filter.WorkspaceID != "" {
		q += ` AND workspace_id=?`
		args = append(args, filter.WorkspaceID)
	}
	if !filter.IncludeEnded {
		q += ` AND ended_at IS NULL`
	}
	q += ` ORDER BY created_at DESC`
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, domain.NewEventStoreError("ListSessions", domain.ErrIo, err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, domain.NewEventStoreError("ListSessions", domain.ErrIo, err)
		}
		ids = append(ids, id)
	}
	rows.Close()

	var out []domain.Session
	for _, id := range ids {
		sess, err := s.GetSession(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, nil
}

func (s *Store) MarkSessionEnded(ctx context.Context, sessionID string) error {
	return s.execExpectRow(ctx, "MarkSessionEnded",
		`UPDATE sessions SET ended_at=CURRENT_TIMESTAMP WHERE id=?`, sessionID)
}

func (s *Store) ClearEnded(ctx context.Context, sessionID string) error {
	return s.execExpectRow(ctx, "ClearEnded",
		`UPDATE sessions SET ended_at=NULL WHERE id=?`, sessionID)
}

func (s *Store) UpdateModel(ctx context.Context, sessionID, model string) error {
	return s.execExpectRow(ctx, "UpdateModel",
		`UPDATE sessions SET latest_model=? WHERE id=?`, model, sessionID)
}

func (s *Store) UpdateTitle(ctx context.Context, sessionID, title string) error {
	return s.execExpectRow(ctx, "UpdateTitle",
		`UPDATE sessions SET title=? WHERE id=?`, title, sessionID)
}

func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	return s.withSavepoint(ctx, "DeleteSession", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM events WHERE session_id=?`, sessionID); err != nil {
			return domain.NewEventStoreError("DeleteSession", domain.ErrIo, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM branches WHERE session_id=?`, sessionID); err != nil {
			return domain.NewEventStoreError("DeleteSession", domain.ErrIo, err)
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id=?`, sessionID)
		if err != nil {
			return domain.NewEventStoreError("DeleteSession", domain.ErrIo, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return domain.NewEventStoreError("DeleteSession", domain.ErrSessionNotFound, nil)
		}
		return nil
	})
}

func (s *Store) ListSubagents(ctx context.Context, spawningSessionID string) ([]domain.Session, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM sessions WHERE spawning_session_id=? ORDER BY created_at ASC`, spawningSessionID)
	if err != nil {
		return nil, domain.NewEventStoreError("ListSubagents", domain.ErrIo, err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, domain.NewEventStoreError("ListSubagents", domain.ErrIo, err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	var out []domain.Session
	for _, id := range ids {
		sess, err := s.GetSession(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, nil
}

func (s *Store) UpdateSpawnInfo(ctx context.Context, sessionID, spawningSessionID, spawnType, spawnTask string) error {
	return s.execExpectRow(ctx, "UpdateSpawnInfo",
		`UPDATE sessions SET spawning_session_id=?, spawn_type=?, spawn_task=? WHERE id=?`,
		spawningSessionID, spawnType, spawnTask, sessionID)
}

func (s *Store) execExpectRow(ctx context.Context, op, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return domain.NewEventStoreError(op, domain.ErrIo, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return domain.NewEventStoreError(op, domain.ErrSessionNotFound, nil)
	}
	return nil
}

func (s *Store) SetBranch(ctx context.Context, sessionID, name, eventID string) (domain.Branch, error) {
	var branch domain.Branch
	err := s.withSavepoint(ctx, "SetBranch", func(tx *sql.Tx) error {
		if _, err := getSessionTx(ctx, tx, sessionID); err != nil {
			return err
		}
		event, err := getEventTx(ctx, tx, eventID)
		if err != nil {
			return err
		}
		if event.SessionID != sessionID {
			return domain.NewEventStoreError("SetBranch", domain.ErrInvalidOperation,
				fmt.Errorf("event %s belongs to session %s", eventID, event.SessionID))
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO branches (session_id, name, event_id) VALUES (?, ?, ?)
			 ON CONFLICT(session_id, name) DO UPDATE SET event_id=excluded.event_id`,
			sessionID, name, eventID); err != nil {
			return domain.NewEventStoreError("SetBranch", domain.ErrIo, err)
		}
		branch = domain.Branch{SessionID: sessionID, Name: name, EventID: eventID}
		return nil
	})
	return branch, err
}

func (s *Store) GetBranch(ctx context.Context, sessionID, name string) (domain.Branch, error) {
	var b domain.Branch
	err := s.db.QueryRowContext(ctx,
		`SELECT session_id, name, event_id FROM branches WHERE session_id=? AND name=?`,
		sessionID, name).Scan(&b.SessionID, &b.Name, &b.EventID)
	if err == sql.ErrNoRows {
		return domain.Branch{}, domain.NewEventStoreError("GetBranch", domain.ErrEventNotFound, nil)
	}
	if err != nil {
		return domain.Branch{}, domain.NewEventStoreError("GetBranch", domain.ErrIo, err)
	}
	return b, nil
}

func (s *Store) ListBranches(ctx context.Context, sessionID string) ([]domain.Branch, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, name, event_id FROM branches WHERE session_id=? ORDER BY name ASC`, sessionID)
	if err != nil {
		return nil, domain.NewEventStoreError("ListBranches", domain.ErrIo, err)
	}
	defer rows.Close()
	var out []domain.Branch
	for rows.Next() {
		var b domain.Branch
		if err := rows.Scan(&b.SessionID, &b.Name, &b.EventID); err != nil {
			return nil, domain.NewEventStoreError("ListBranches", domain.ErrIo, err)
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.NewEventStoreError("ListBranches", domain.ErrIo, err)
	}
	return out, nil
}

func (s *Store) DeleteBranch(ctx context.Context, sessionID, name string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM branches WHERE session_id=? AND name=?`, sessionID, name)
	if err != nil {
		return domain.NewEventStoreError("DeleteBranch", domain.ErrIo, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.NewEventStoreError("DeleteBranch", domain.ErrEventNotFound, nil)
	}
	return nil
}

func (s *Store) StoreBlob(ctx context.Context, content []byte, mime string) (domain.Blob, error) {
	sum := sha256.Sum256(content)
	id := hex.EncodeToString(sum[:])
	var existing domain.Blob
	err := s.db.QueryRowContext(ctx, `SELECT id, mime_type, size_original FROM blobs WHERE id=?`, id).
		Scan(&existing.ID, &existing.MimeType, &existing.SizeOriginal)
	if err == nil {
		existing.Content = content
		return existing, nil
	}
	if err != sql.ErrNoRows {
		return domain.Blob{}, domain.NewEventStoreError("StoreBlob", domain.ErrIo, err)
	}
	b := domain.Blob{ID: id, MimeType: mime, SizeOriginal: int64(len(content)), Content: content}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO blobs (id, mime_type, size_original, content) VALUES (?, ?, ?, ?)`,
		b.ID, b.MimeType, b.SizeOriginal, b.Content)
	if err != nil {
		return domain.Blob{}, domain.NewEventStoreError("StoreBlob", domain.ErrIo, err)
	}
	return b, nil
}

func (s *Store) GetBlobContent(ctx context.Context, blobID string) ([]byte, error) {
	var content []byte
	err := s.db.QueryRowContext(ctx, `SELECT content FROM blobs WHERE id=?`, blobID).Scan(&content)
	if err == sql.ErrNoRows {
		return nil, domain.NewEventStoreError("GetBlobContent", domain.ErrEventNotFound, nil)
	}
	if err != nil {
		return nil, domain.NewEventStoreError("GetBlobContent", domain.ErrIo, err)
	}
	return content, nil
}

func (s *Store) GetBlobMetadata(ctx context.Context, blobID string) (domain.Blob, error) {
	var b domain.Blob
	err := s.db.QueryRowContext(ctx, `SELECT id, mime_type, size_original FROM blobs WHERE id=?`, blobID).
		Scan(&b.ID, &b.MimeType, &b.SizeOriginal)
	if err == sql.ErrNoRows {
		return domain.Blob{}, domain.NewEventStoreError("GetBlobMetadata", domain.ErrEventNotFound, nil)
	}
	if err != nil {
		return domain.Blob{}, domain.NewEventStoreError("GetBlobMetadata", domain.ErrIo, err)
	}
	return b, nil
}

func (s *Store) Search(ctx context.Context, query string, opts eventstore.SearchOptions) ([]eventstore.SearchHit, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT e.id, snippet(events_fts, 1, '[', ']', '...', 16)
		 FROM events_fts f JOIN events e ON e.id = f.event_id
		 WHERE events_fts MATCH ? ORDER BY rank LIMIT ?`, query, limit)
	if err != nil {
		return nil, domain.NewEventStoreError("Search", domain.ErrIo, err)
	}
	defer rows.Close()
	var hits []eventstore.SearchHit
	for rows.Next() {
		var eventID, snippet string
		if err := rows.Scan(&eventID, &snippet); err != nil {
			return nil, domain.NewEventStoreError("Search", domain.ErrIo, err)
		}
		e, err := s.GetEvent(ctx, eventID)
		if err != nil {
			continue
		}
		hits = append(hits, eventstore.SearchHit{Event: e, Snippet: snippet})
	}
	return hits, rows.Err()
}

func (s *Store) SearchInSession(ctx context.Context, sessionID, query string, limit int) ([]eventstore.SearchHit, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT e.id, snippet(events_fts, 1, '[', ']', '...', 16)
		 FROM events_fts f JOIN events e ON e.id = f.event_id
		 WHERE events_fts MATCH ? AND e.session_id = ? ORDER BY rank LIMIT ?`, query, sessionID, limit)
	if err != nil {
		return nil, domain.NewEventStoreError("SearchInSession", domain.ErrIo, err)
	}
	defer rows.Close()
	var hits []eventstore.SearchHit
	for rows.Next() {
		var eventID, snippet string
		if err := rows.Scan(&eventID, &snippet); err != nil {
			return nil, domain.NewEventStoreError("SearchInSession", domain.ErrIo, err)
		}
		e, err := s.GetEvent(ctx, eventID)
		if err != nil {
			continue
		}
		hits = append(hits, eventstore.SearchHit{Event: e, Snippet: snippet})
	}
	return hits, rows.Err()
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
