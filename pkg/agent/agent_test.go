package agent

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nstogner/agentrt/pkg/contextmgr"
	"github.com/nstogner/agentrt/pkg/domain"
	"github.com/nstogner/agentrt/pkg/provider"
	"github.com/nstogner/agentrt/pkg/tools"
	"github.com/nstogner/agentrt/pkg/turnrunner"
)

// memoryPersister records persisted event types.
type memoryPersister struct {
	mu    sync.Mutex
	types []domain.EventType
}

func (m *memoryPersister) Persist(ctx context.Context, eventType domain.EventType, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.types = append(m.types, eventType)
	return nil
}

func (m *memoryPersister) snapshot() []domain.EventType {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.EventType(nil), m.types...)
}

// signalBus forwards deltas to a channel so tests can observe stream
// progress.
type signalBus struct {
	deltas chan string
}

func (b *signalBus) Publish(ev turnrunner.AgentEvent) {
	if ev.Type == turnrunner.AgentEventStream && ev.Stream != nil && ev.Stream.Type == provider.EventTextDelta {
		select {
		case b.deltas <- ev.Stream.TextDelta:
		default:
		}
	}
}

// hangingProvider emits one TextDelta and then blocks until cancellation;
// Done never arrives.
type hangingProvider struct{}

func (hangingProvider) Name() string { return "hanging" }

func (hangingProvider) Stream(ctx context.Context, model, systemPrompt string, tools []domain.ToolDefinition, messages []domain.Message, opts provider.Options) (<-chan provider.NormalizedStreamEvent, error) {
	ch := make(chan provider.NormalizedStreamEvent, 4)
	go func() {
		defer close(ch)
		ch <- provider.NormalizedStreamEvent{Type: provider.EventStart}
		ch <- provider.NormalizedStreamEvent{Type: provider.EventTextDelta, TextDelta: "partial"}
		<-ctx.Done()
	}()
	return ch, nil
}

// toolLoopProvider always requests a tool call, never ending the turn.
type toolLoopProvider struct {
	calls int
}

func (p *toolLoopProvider) Name() string { return "toolloop" }

func (p *toolLoopProvider) Stream(ctx context.Context, model, systemPrompt string, tools []domain.ToolDefinition, messages []domain.Message, opts provider.Options) (<-chan provider.NormalizedStreamEvent, error) {
	p.calls++
	ch := make(chan provider.NormalizedStreamEvent, 4)
	msg := &domain.Message{Role: domain.RoleAssistant, Content: []domain.Content{{
		Type:    domain.ContentToolUse,
		ToolUse: &domain.ToolUseContent{ID: "t1", Name: "noop", Arguments: map[string]any{}},
	}}}
	ch <- provider.NormalizedStreamEvent{Type: provider.EventStart}
	ch <- provider.NormalizedStreamEvent{Type: provider.EventDone, Message: msg, StopReason: "tool_use", Usage: domain.TokenUsage{InputTokens: 1, OutputTokens: 1}}
	close(ch)
	return ch, nil
}

func noopRegistry() *tools.Registry {
	reg := tools.NewRegistry()
	reg.Register(tools.Tool{
		Name:            "noop",
		Category:        "test",
		ParameterSchema: map[string]any{"type": "object"},
		Execute: func(ctx context.Context, params map[string]any, ec tools.ExecContext) (tools.ToolResult, error) {
			return tools.Text("ok"), nil
		},
	})
	return reg
}

func userText(text string) domain.Message {
	return domain.Message{Role: domain.RoleUser, Content: []domain.Content{{Type: domain.ContentText, Text: &domain.TextContent{Text: text}}}}
}

func newRunner(p provider.Provider, bus turnrunner.Bus, persister turnrunner.Persister) *turnrunner.Runner {
	return &turnrunner.Runner{
		SessionID: "s1", Model: "m1", ContextWindow: 200_000,
		Provider:  p,
		Registry:  noopRegistry(),
		Manager:   contextmgr.New("system", "/tmp/w", nil),
		Persister: persister,
		Bus:       bus,
	}
}

// TestCancellationMidStream: cancel after the first TextDelta; the run
// returns Interrupted, already-persisted events survive, and the busy flag
// clears.
func TestCancellationMidStream(t *testing.T) {
	bus := &signalBus{deltas: make(chan string, 1)}
	persister := &memoryPersister{}
	a := New(newRunner(hangingProvider{}, bus, persister), nil, Config{MaxTurns: 5})

	type runResult struct {
		res Result
		err error
	}
	done := make(chan runResult, 1)
	go func() {
		res, err := a.Run(context.Background(), userText("hi"))
		done <- runResult{res, err}
	}()

	select {
	case <-bus.deltas:
	case <-time.After(5 * time.Second):
		t.Fatal("no TextDelta observed")
	}
	a.Interrupt()

	var got runResult
	select {
	case got = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return after cancellation")
	}
	if got.err != nil {
		t.Fatalf("Run error = %v", got.err)
	}
	if got.res.StopReason != StopInterrupted {
		t.Fatalf("stop reason = %s, want Interrupted", got.res.StopReason)
	}
	if got.res.Err != nil {
		t.Errorf("interrupted run carries error %v", got.res.Err)
	}

	types := persister.snapshot()
	sawTurnStart := false
	for _, typ := range types {
		if typ == domain.EventStreamTurnStart {
			sawTurnStart = true
		}
	}
	if !sawTurnStart {
		t.Error("turn_start not persisted before cancellation")
	}
	if a.IsRunning() {
		t.Error("IsRunning still true after run returned")
	}
}

// TestMaxTurns: a provider that always requests tool calls stops with
// MaxTurns after exactly N turns.
func TestMaxTurns(t *testing.T) {
	prov := &toolLoopProvider{}
	a := New(newRunner(prov, nil, &memoryPersister{}), nil, Config{MaxTurns: 3})

	res, err := a.Run(context.Background(), userText("loop forever"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.StopReason != StopMaxTurns {
		t.Fatalf("stop reason = %s, want MaxTurns", res.StopReason)
	}
	if res.Turns != 3 || prov.calls != 3 {
		t.Errorf("turns = %d, provider calls = %d, want 3", res.Turns, prov.calls)
	}
	if res.TokenUsage.InputTokens != 3 || res.TokenUsage.OutputTokens != 3 {
		t.Errorf("accumulated usage = %+v", res.TokenUsage)
	}
}

// TestBusyRejection: a second Run while busy fails fast without disturbing
// the in-flight run.
func TestBusyRejection(t *testing.T) {
	bus := &signalBus{deltas: make(chan string, 1)}
	a := New(newRunner(hangingProvider{}, bus, &memoryPersister{}), nil, Config{})

	done := make(chan struct{})
	go func() {
		defer close(done)
		a.Run(context.Background(), userText("hi"))
	}()

	select {
	case <-bus.deltas:
	case <-time.After(5 * time.Second):
		t.Fatal("run did not start")
	}

	if _, err := a.Run(context.Background(), userText("again")); err != ErrBusy {
		t.Fatalf("second Run error = %v, want ErrBusy", err)
	}

	a.Interrupt()
	<-done
}

// TestSubagentDepthBudget: spawning at the depth limit is refused;
// spawning below it emits spawned/completed events.
func TestSubagentDepthBudget(t *testing.T) {
	persister := &memoryPersister{}
	atLimit := New(newRunner(&toolLoopProvider{}, nil, persister), nil, Config{SubagentDepth: 2, SubagentMaxDepth: 2})

	if _, err := atLimit.SpawnSubagent(context.Background(), "child", "task", nil); err != ErrDepthExceeded {
		t.Fatalf("spawn at limit error = %v, want ErrDepthExceeded", err)
	}

	below := New(newRunner(&toolLoopProvider{}, nil, persister), nil, Config{SubagentDepth: 1, SubagentMaxDepth: 2})
	summary, err := below.SpawnSubagent(context.Background(), "child", "task", func(ctx context.Context, task string, depth int) (string, error) {
		if depth != 2 {
			t.Errorf("child depth = %d, want 2", depth)
		}
		return "child summary", nil
	})
	if err != nil {
		t.Fatalf("SpawnSubagent: %v", err)
	}
	if summary != "child summary" {
		t.Errorf("summary = %q", summary)
	}

	types := persister.snapshot()
	var sawSpawned, sawCompleted bool
	for _, typ := range types {
		switch typ {
		case domain.EventSubagentSpawned:
			sawSpawned = true
		case domain.EventSubagentCompleted:
			sawCompleted = true
		}
	}
	if !sawSpawned || !sawCompleted {
		t.Errorf("spawned=%v completed=%v, want both", sawSpawned, sawCompleted)
	}
}
