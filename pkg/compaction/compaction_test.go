package compaction

import (
	"context"
	"strings"
	"testing"

	"github.com/nstogner/agentrt/pkg/contextmgr"
	"github.com/nstogner/agentrt/pkg/domain"
	"github.com/nstogner/agentrt/pkg/provider"
)

// fakeProvider answers every stream with a single text message.
type fakeProvider struct {
	text  string
	calls int
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) Stream(ctx context.Context, model, systemPrompt string, tools []domain.ToolDefinition, messages []domain.Message, opts provider.Options) (<-chan provider.NormalizedStreamEvent, error) {
	p.calls++
	ch := make(chan provider.NormalizedStreamEvent, 4)
	msg := &domain.Message{Role: domain.RoleAssistant, Content: []domain.Content{{
		Type: domain.ContentText, Text: &domain.TextContent{Text: p.text},
	}}}
	ch <- provider.NormalizedStreamEvent{Type: provider.EventStart}
	ch <- provider.NormalizedStreamEvent{Type: provider.EventDone, Message: msg, StopReason: "end_turn"}
	close(ch)
	return ch, nil
}

// recordingPersister records persisted event types in call order.
type recordingPersister struct {
	types []domain.EventType
}

func (r *recordingPersister) Persist(ctx context.Context, eventType domain.EventType, payload []byte) error {
	r.types = append(r.types, eventType)
	return nil
}

func userMsg(text string) domain.Message {
	return domain.Message{Role: domain.RoleUser, Content: []domain.Content{{Type: domain.ContentText, Text: &domain.TextContent{Text: text}}}}
}

func assistantMsg(text string) domain.Message {
	return domain.Message{Role: domain.RoleAssistant, Content: []domain.Content{{Type: domain.ContentText, Text: &domain.TextContent{Text: text}}}}
}

func primedManager(turns int) *contextmgr.Manager {
	mgr := contextmgr.New("system", "/tmp/w", nil)
	for i := 0; i < turns; i++ {
		mgr.AddMessage(userMsg("question"))
		mgr.AddMessage(assistantMsg("answer"))
	}
	return mgr
}

func TestMaybeCompactBelowThresholdIsNoop(t *testing.T) {
	p := &fakeProvider{text: "summary"}
	rec := &recordingPersister{}
	engine := New(p, rec, Options{})

	mgr := primedManager(6)
	mgr.SetBaselineInputTokens(50_000)

	ran, err := engine.MaybeCompact(context.Background(), "m1", 200_000, mgr)
	if err != nil {
		t.Fatalf("MaybeCompact: %v", err)
	}
	if ran {
		t.Fatal("compaction ran below threshold")
	}
	if p.calls != 0 || len(rec.types) != 0 {
		t.Fatal("no provider call or event expected below threshold")
	}
}

// TestMaybeCompactAboveThreshold drives the full compaction path: the
// boundary event precedes the summary event, the history becomes
// [summary] ++ tail, and dynamic-rule activation is cleared.
func TestMaybeCompactAboveThreshold(t *testing.T) {
	p := &fakeProvider{text: "the summary"}
	rec := &recordingPersister{}
	engine := New(p, rec, Options{WriteMemoryLedger: true})

	mgr := primedManager(6)
	mgr.RulesIndex().AddScoped("go-style", "*.go", "use gofmt")
	mgr.ObservePath("main.go")
	if !hasBlock(mgr, "dynamic_rules") {
		t.Fatal("dynamic rule did not activate before compaction")
	}
	mgr.SetBaselineInputTokens(160_000)

	ran, err := engine.MaybeCompact(context.Background(), "m1", 200_000, mgr)
	if err != nil {
		t.Fatalf("MaybeCompact: %v", err)
	}
	if !ran {
		t.Fatal("compaction did not run above threshold")
	}

	want := []domain.EventType{domain.EventCompactBoundary, domain.EventMemoryLedger, domain.EventCompactSummary}
	if len(rec.types) != len(want) {
		t.Fatalf("persisted %v, want %v", rec.types, want)
	}
	for i := range want {
		if rec.types[i] != want[i] {
			t.Fatalf("event %d = %s, want %s", i, rec.types[i], want[i])
		}
	}

	msgs := mgr.Messages()
	// Tail = last 3 assistant turns plus their prompting user messages.
	if len(msgs) != 1+6 {
		t.Fatalf("post-compaction history length = %d, want 7", len(msgs))
	}
	first := msgs[0]
	if first.Role != domain.RoleUser || len(first.Content) != 1 {
		t.Fatalf("first message = %+v, want synthetic user summary", first)
	}
	if got := first.Content[0].Text.Text; !strings.Contains(got, "the summary") {
		t.Errorf("summary message text = %q, missing summary", got)
	}

	if mgr.BaselineInputTokens() != 0 {
		t.Error("baseline not reset after compaction")
	}
	if hasBlock(mgr, "dynamic_rules") {
		t.Error("dynamic rules still active after compaction")
	}
}

func TestSplitHistoryKeepsToolPairsTogether(t *testing.T) {
	toolUse := domain.Message{Role: domain.RoleAssistant, Content: []domain.Content{{
		Type:    domain.ContentToolUse,
		ToolUse: &domain.ToolUseContent{ID: "t1", Name: "read", Arguments: map[string]any{}},
	}}}
	toolResult := domain.Message{Role: domain.RoleTool, Content: []domain.Content{{
		Type:       domain.ContentToolResult,
		ToolResult: &domain.ToolResultContent{ToolUseID: "t1", Content: "ok"},
	}}}

	messages := []domain.Message{
		userMsg("one"), assistantMsg("a1"),
		userMsg("two"), assistantMsg("a2"),
		userMsg("three"), toolUse, toolResult, assistantMsg("a3"),
		userMsg("four"), assistantMsg("a4"),
	}

	head, tail := splitHistory(messages, 3)
	if len(head)+len(tail) != len(messages) {
		t.Fatalf("split dropped messages: %d + %d != %d", len(head), len(tail), len(messages))
	}
	// The tool_use/tool_result pair must land in the same partition.
	pairSide := -1
	for i, m := range messages {
		if len(m.Content) == 0 {
			continue
		}
		isPair := m.Content[0].Type == domain.ContentToolUse || m.Content[0].Type == domain.ContentToolResult
		if !isPair {
			continue
		}
		side := 0
		if i >= len(head) {
			side = 1
		}
		if pairSide == -1 {
			pairSide = side
		} else if pairSide != side {
			t.Fatal("tool_use/tool_result pair split across head and tail")
		}
	}
}

func hasBlock(mgr *contextmgr.Manager, name string) bool {
	for _, b := range mgr.BuildContext().Ancillary {
		if b.Name == name {
			return true
		}
	}
	return false
}

