package sqlite

import (
	"context"
	"os"
	"sync"
	"testing"

	"github.com/nstogner/agentrt/pkg/domain"
	"github.com/nstogner/agentrt/pkg/eventstore"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	tmpFile := t.TempDir() + "/test.db"
	s, err := New(tmpFile)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() {
		s.Close()
		os.Remove(tmpFile)
	})
	return s
}

// TestCreateAppendReplay implements scenario 1 from the runtime's testable
// properties: create a session, append a user message and an assistant
// message, and check the rolled-up counters.
func TestCreateAppendReplay(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess, root, err := s.CreateSession(ctx, "claude-opus-4-6", "/tmp/p", eventstore.CreateSessionOptions{})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if root.Sequence != 0 {
		t.Fatalf("root sequence = %d, want 0", root.Sequence)
	}

	userPayload := []byte(`{"content":[{"type":"text","text":"hi"}]}`)
	userEvent, err := s.Append(ctx, sess.ID, domain.EventMessageUser, userPayload, nil)
	if err != nil {
		t.Fatalf("Append user: %v", err)
	}
	if userEvent.Sequence != 1 {
		t.Fatalf("user sequence = %d, want 1", userEvent.Sequence)
	}

	asstPayload := []byte(`{"content":[{"type":"text","text":"hello"}],"tokenUsage":{"inputTokens":10,"outputTokens":5}}`)
	asstEvent, err := s.Append(ctx, sess.ID, domain.EventMessageAssistant, asstPayload, nil)
	if err != nil {
		t.Fatalf("Append assistant: %v", err)
	}
	if asstEvent.Sequence != 2 {
		t.Fatalf("assistant sequence = %d, want 2", asstEvent.Sequence)
	}

	got, err := s.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.EventCount != 3 {
		t.Errorf("EventCount = %d, want 3", got.EventCount)
	}
	if got.MessageCount != 2 {
		t.Errorf("MessageCount = %d, want 2", got.MessageCount)
	}
	if got.TotalInputTokens != 10 {
		t.Errorf("TotalInputTokens = %d, want 10", got.TotalInputTokens)
	}
	if got.TotalOutputTokens != 5 {
		t.Errorf("TotalOutputTokens = %d, want 5", got.TotalOutputTokens)
	}

	events, err := s.GetEventsBySession(ctx, sess.ID, eventstore.ListEventsOptions{})
	if err != nil {
		t.Fatalf("GetEventsBySession: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("len(events) = %d, want 3", len(events))
	}
	if events[1].Role != domain.RoleUser || events[2].Role != domain.RoleAssistant {
		t.Errorf("roles = %q, %q; want user, assistant", events[1].Role, events[2].Role)
	}
}

// TestForkDivergence implements scenario 2: forking at the user event from
// scenario 1 produces a new session whose ancestor chain crosses into the
// original session.
func TestForkDivergence(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess, _, err := s.CreateSession(ctx, "claude-opus-4-6", "/tmp/p", eventstore.CreateSessionOptions{})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	userEvent, err := s.Append(ctx, sess.ID, domain.EventMessageUser, []byte(`{}`), nil)
	if err != nil {
		t.Fatalf("Append user: %v", err)
	}

	forkSess, forkEvent, err := s.Fork(ctx, userEvent.ID, eventstore.ForkOptions{})
	if err != nil {
		t.Fatalf("Fork: %v", err)
	}
	if forkSess.ParentSessionID == nil || *forkSess.ParentSessionID != sess.ID {
		t.Errorf("ParentSessionID = %v, want %s", forkSess.ParentSessionID, sess.ID)
	}
	if forkSess.ForkFromEventID == nil || *forkSess.ForkFromEventID != userEvent.ID {
		t.Errorf("ForkFromEventID = %v, want %s", forkSess.ForkFromEventID, userEvent.ID)
	}
	if forkEvent.ParentID == nil || *forkEvent.ParentID != userEvent.ID {
		t.Errorf("fork event parent = %v, want %s", forkEvent.ParentID, userEvent.ID)
	}

	ancestors, err := s.GetAncestors(ctx, forkEvent.ID)
	if err != nil {
		t.Fatalf("GetAncestors: %v", err)
	}
	if len(ancestors) != 3 {
		t.Fatalf("len(ancestors) = %d, want 3", len(ancestors))
	}
	if ancestors[0].Type != domain.EventSessionStart || ancestors[1].ID != userEvent.ID || ancestors[2].ID != forkEvent.ID {
		t.Errorf("ancestor chain = %+v", ancestors)
	}
}

func TestAppendToAbsentSessionFails(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, err := s.Append(ctx, "does-not-exist", domain.EventMessageUser, []byte(`{}`), nil)
	var esErr *domain.EventStoreError
	if err == nil {
		t.Fatal("expected error")
	}
	if !as(err, &esErr) || esErr.Kind != domain.ErrSessionNotFound {
		t.Errorf("err = %v, want SessionNotFound", err)
	}
}

func TestForkFromAbsentEventFails(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, _, err := s.Fork(ctx, "does-not-exist", eventstore.ForkOptions{})
	var esErr *domain.EventStoreError
	if err == nil {
		t.Fatal("expected error")
	}
	if !as(err, &esErr) || esErr.Kind != domain.ErrEventNotFound {
		t.Errorf("err = %v, want EventNotFound", err)
	}
}

func TestDeleteMessageRejectsNonMessageTarget(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess, root, err := s.CreateSession(ctx, "claude-opus-4-6", "/tmp/p", eventstore.CreateSessionOptions{})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	_, err = s.DeleteMessage(ctx, sess.ID, root.ID, "test")
	var esErr *domain.EventStoreError
	if err == nil {
		t.Fatal("expected error")
	}
	if !as(err, &esErr) || esErr.Kind != domain.ErrInvalidOperation {
		t.Errorf("err = %v, want InvalidOperation", err)
	}
}

func TestBlobContentAddressedDedup(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	content := []byte("hello blob world")

	b1, err := s.StoreBlob(ctx, content, "text/plain")
	if err != nil {
		t.Fatalf("StoreBlob: %v", err)
	}
	b2, err := s.StoreBlob(ctx, content, "text/plain")
	if err != nil {
		t.Fatalf("StoreBlob: %v", err)
	}
	if b1.ID != b2.ID {
		t.Errorf("ids differ: %s != %s", b1.ID, b2.ID)
	}
	got, err := s.GetBlobContent(ctx, b1.ID)
	if err != nil {
		t.Fatalf("GetBlobContent: %v", err)
	}
	if string(got) != string(content) {
		t.Errorf("content = %q, want %q", got, content)
	}
}

// as is a tiny errors.As wrapper local to this test file to avoid an extra
// import line per test.
func as(err error, target **domain.EventStoreError) bool {
	e, ok := err.(*domain.EventStoreError)
	if !ok {
		return false
	}
	*target = e
	return true
}

func TestBranchPointers(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess, root, err := s.CreateSession(ctx, "m1", "/tmp/p", eventstore.CreateSessionOptions{})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	next, err := s.Append(ctx, sess.ID, domain.EventMessageUser, []byte(`{"content":[{"type":"text","text":"hi"}]}`), nil)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}

	if _, err := s.SetBranch(ctx, sess.ID, "main", root.ID); err != nil {
		t.Fatalf("SetBranch: %v", err)
	}
	// Upsert moves the pointer.
	if _, err := s.SetBranch(ctx, sess.ID, "main", next.ID); err != nil {
		t.Fatalf("SetBranch upsert: %v", err)
	}
	b, err := s.GetBranch(ctx, sess.ID, "main")
	if err != nil {
		t.Fatalf("GetBranch: %v", err)
	}
	if b.EventID != next.ID {
		t.Errorf("branch event = %s, want %s", b.EventID, next.ID)
	}

	branches, err := s.ListBranches(ctx, sess.ID)
	if err != nil {
		t.Fatalf("ListBranches: %v", err)
	}
	if len(branches) != 1 {
		t.Fatalf("branch count = %d, want 1", len(branches))
	}

	// A pointer into another session's tree is rejected.
	other, _, err := s.CreateSession(ctx, "m1", "/tmp/q", eventstore.CreateSessionOptions{})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if _, err := s.SetBranch(ctx, other.ID, "bad", next.ID); err == nil {
		t.Fatal("SetBranch accepted a cross-session event pointer")
	}

	if err := s.DeleteBranch(ctx, sess.ID, "main"); err != nil {
		t.Fatalf("DeleteBranch: %v", err)
	}
	if _, err := s.GetBranch(ctx, sess.ID, "main"); err == nil {
		t.Fatal("GetBranch returned a deleted branch")
	}
}

func TestSearchFindsEventPayloads(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess, _, err := s.CreateSession(ctx, "m1", "/tmp/p", eventstore.CreateSessionOptions{})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if _, err := s.Append(ctx, sess.ID, domain.EventMessageUser, []byte(`{"content":[{"type":"text","text":"the xylophone arrives tomorrow"}]}`), nil); err != nil {
		t.Fatalf("Append: %v", err)
	}

	hits, err := s.SearchInSession(ctx, sess.ID, "xylophone", 10)
	if err != nil {
		t.Fatalf("SearchInSession: %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("hit count = %d, want 1", len(hits))
	}
	if hits[0].Event.SessionID != sess.ID {
		t.Errorf("hit session = %s", hits[0].Event.SessionID)
	}
}

func TestParallelAppendsToDistinctSessions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	const sessions = 4
	const perSession = 10

	ids := make([]string, sessions)
	for i := range ids {
		sess, _, err := s.CreateSession(ctx, "m1", "/tmp/p", eventstore.CreateSessionOptions{})
		if err != nil {
			t.Fatalf("CreateSession: %v", err)
		}
		ids[i] = sess.ID
	}

	var wg sync.WaitGroup
	errs := make(chan error, sessions)
	for _, id := range ids {
		wg.Add(1)
		go func(sessionID string) {
			defer wg.Done()
			for j := 0; j < perSession; j++ {
				payload := []byte(`{"content":[{"type":"text","text":"x"}],"tokenUsage":{"inputTokens":1,"outputTokens":1}}`)
				if _, err := s.Append(ctx, sessionID, domain.EventMessageUser, payload, nil); err != nil {
					errs <- err
					return
				}
			}
		}(id)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent Append: %v", err)
	}

	for _, id := range ids {
		sess, err := s.GetSession(ctx, id)
		if err != nil {
			t.Fatalf("GetSession: %v", err)
		}
		if sess.EventCount != perSession+1 {
			t.Errorf("session %s event count = %d, want %d", id, sess.EventCount, perSession+1)
		}
		if sess.TotalInputTokens != perSession {
			t.Errorf("session %s input tokens = %d, want %d", id, sess.TotalInputTokens, perSession)
		}
		events, err := s.GetEventsBySession(ctx, id, eventstore.ListEventsOptions{})
		if err != nil {
			t.Fatalf("GetEventsBySession: %v", err)
		}
		for i, e := range events {
			if e.Sequence != int64(i) {
				t.Fatalf("session %s event %d sequence = %d (gap or duplicate)", id, i, e.Sequence)
			}
		}
	}
}

func TestTurnAndCostCounters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess, _, err := s.CreateSession(ctx, "m1", "/tmp/p", eventstore.CreateSessionOptions{})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if _, err := s.Append(ctx, sess.ID, domain.EventMessageAssistant, []byte(`{"content":[],"costCents":3}`), nil); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if _, err := s.Append(ctx, sess.ID, domain.EventStreamTurnEnd, []byte(`{"turn":1}`), nil); err != nil {
		t.Fatalf("Append: %v", err)
	}

	got, err := s.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.TotalCostCents != 3 {
		t.Errorf("TotalCostCents = %d, want 3", got.TotalCostCents)
	}
	if got.TurnCount != 1 {
		t.Errorf("TurnCount = %d, want 1", got.TurnCount)
	}
}
