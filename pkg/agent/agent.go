// Package agent drives turns to a stop condition: it owns cancellation,
// the max-turns bound, and the subagent depth budget.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/nstogner/agentrt/pkg/compaction"
	"github.com/nstogner/agentrt/pkg/domain"
	"github.com/nstogner/agentrt/pkg/turnrunner"
)

// StopReason explains why a run ended.
type StopReason string

const (
	StopEndTurn       StopReason = "EndTurn"
	StopNoToolCalls   StopReason = "NoToolCalls"
	StopMaxTurns      StopReason = "MaxTurns"
	StopInterrupted   StopReason = "Interrupted"
	StopTurnRequested StopReason = "StopTurnRequested"
	StopError         StopReason = "Error"
)

// DefaultMaxTurns bounds a run when the caller does not set a limit.
const DefaultMaxTurns = 50

// Config tunes one Agent.
type Config struct {
	MaxTurns int

	// SubagentDepth is this agent's depth in the spawn tree (0 for a
	// user-initiated agent). SubagentMaxDepth caps further spawning.
	SubagentDepth    int
	SubagentMaxDepth int
}

// Result reports one completed run.
type Result struct {
	StopReason StopReason
	Turns      int
	TokenUsage domain.TokenUsage
	Err        error
}

// ErrBusy is returned by Run when a run is already in flight. The active
// run is not disturbed.
var ErrBusy = fmt.Errorf("agent: run already in progress")

// Agent executes the multi-turn loop for one session.
type Agent struct {
	runner    *turnrunner.Runner
	compactor *compaction.Engine
	cfg       Config

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
}

// New builds an Agent around a configured turn runner. compactor may be
// nil to disable compaction.
func New(runner *turnrunner.Runner, compactor *compaction.Engine, cfg Config) *Agent {
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = DefaultMaxTurns
	}
	return &Agent{runner: runner, compactor: compactor, cfg: cfg}
}

// IsRunning reports whether a run is in flight.
func (a *Agent) IsRunning() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.running
}

// Interrupt cancels the in-flight run, if any. The run returns with stop
// reason Interrupted; writes already committed are not rolled back.
func (a *Agent) Interrupt() {
	a.mu.Lock()
	cancel := a.cancel
	a.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// busyGuard clears the running flag on every exit path, including panic.
type busyGuard struct {
	agent *Agent
}

func (g *busyGuard) release() {
	g.agent.mu.Lock()
	g.agent.running = false
	g.agent.cancel = nil
	g.agent.mu.Unlock()
}

func (a *Agent) acquire(cancel context.CancelFunc) (*busyGuard, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		return nil, ErrBusy
	}
	a.running = true
	a.cancel = cancel
	return &busyGuard{agent: a}, nil
}

// Run appends the initial user message and executes turns until a stop
// condition: provider end-of-turn with no outstanding tool calls, a tool's
// termination request, max turns, a turn error, or cancellation.
func (a *Agent) Run(ctx context.Context, initial domain.Message) (Result, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	guard, err := a.acquire(cancel)
	if err != nil {
		return Result{}, err
	}
	defer guard.release()

	a.bus().Publish(turnrunner.AgentEvent{
		Type:      turnrunner.AgentEventAgentStart,
		SessionID: a.runner.SessionID,
	})

	if err := a.persistUserMessage(runCtx, initial); err != nil {
		return a.finish(Result{StopReason: StopError, Err: err})
	}
	a.runner.Manager.AddMessage(initial)

	var (
		total  domain.TokenUsage
		turns  int
		result Result
	)
	for turn := 1; turn <= a.cfg.MaxTurns; turn++ {
		res := a.runner.RunTurn(runCtx, turn)
		turns = turn
		if res.TokenUsage != nil {
			total = total.Add(*res.TokenUsage)
		}

		if res.Success && a.compactor != nil {
			if _, err := a.compactor.MaybeCompact(runCtx, a.runner.Model, a.runner.ContextWindow, a.runner.Manager); err != nil && runCtx.Err() == nil {
				result = Result{StopReason: StopError, Err: err}
				break
			}
		}

		switch {
		case res.Interrupted:
			// Cancellation is not an error.
			result = Result{StopReason: StopInterrupted}
		case !res.Success:
			result = Result{StopReason: StopError, Err: res.Err}
		case res.StopTurnRequested:
			result = Result{StopReason: StopTurnRequested}
		case res.ToolCalls > 0:
			// Outstanding tool results: run another turn.
			continue
		case res.StopReason == "end_turn" || res.StopReason == "stop":
			result = Result{StopReason: StopEndTurn}
		default:
			result = Result{StopReason: StopNoToolCalls}
		}
		break
	}
	if result.StopReason == "" {
		result = Result{StopReason: StopMaxTurns}
	}

	result.Turns = turns
	result.TokenUsage = total
	return a.finish(result)
}

func (a *Agent) finish(result Result) (Result, error) {
	detail := string(result.StopReason)
	if result.Err != nil {
		detail = result.Err.Error()
	}
	a.bus().Publish(turnrunner.AgentEvent{
		Type:      turnrunner.AgentEventAgentEnd,
		SessionID: a.runner.SessionID,
		Detail:    detail,
	})
	return result, nil
}

func (a *Agent) persistUserMessage(ctx context.Context, msg domain.Message) error {
	payload, err := json.Marshal(map[string]any{"content": msg.Content})
	if err != nil {
		return fmt.Errorf("agent: marshal user message: %w", err)
	}
	if err := a.runner.Persister.Persist(ctx, domain.EventMessageUser, payload); err != nil {
		return fmt.Errorf("agent: persist user message: %w", err)
	}
	return nil
}

func (a *Agent) bus() turnrunner.Bus {
	if a.runner.Bus == nil {
		return turnrunner.NopBus{}
	}
	return a.runner.Bus
}

// ErrDepthExceeded is returned when a spawn would cross the subagent
// depth budget.
var ErrDepthExceeded = fmt.Errorf("agent: subagent depth budget exhausted")

// SpawnFunc runs a child agent for a task and returns its result summary.
type SpawnFunc func(ctx context.Context, task string, depth int) (summary string, err error)

// SpawnSubagent checks the depth budget, emits subagent.spawned, runs the
// child via spawn, and emits subagent.completed with the child's summary.
// Tools that spawn children call this instead of running a child directly.
func (a *Agent) SpawnSubagent(ctx context.Context, childSessionID, task string, spawn SpawnFunc) (string, error) {
	if a.cfg.SubagentMaxDepth > 0 && a.cfg.SubagentDepth >= a.cfg.SubagentMaxDepth {
		return "", ErrDepthExceeded
	}

	spawnedPayload, err := json.Marshal(map[string]any{
		"childSessionId": childSessionID,
		"task":           task,
		"depth":          a.cfg.SubagentDepth + 1,
	})
	if err != nil {
		return "", fmt.Errorf("agent: marshal subagent.spawned: %w", err)
	}
	if err := a.runner.Persister.Persist(ctx, domain.EventSubagentSpawned, spawnedPayload); err != nil {
		return "", fmt.Errorf("agent: persist subagent.spawned: %w", err)
	}
	a.bus().Publish(turnrunner.AgentEvent{
		Type:      turnrunner.AgentEventSubagentSpawned,
		SessionID: a.runner.SessionID,
		Detail:    childSessionID,
	})

	summary, spawnErr := spawn(ctx, task, a.cfg.SubagentDepth+1)

	completedPayload, err := json.Marshal(map[string]any{
		"childSessionId": childSessionID,
		"summary":        summary,
		"isError":        spawnErr != nil,
	})
	if err != nil {
		return summary, fmt.Errorf("agent: marshal subagent.completed: %w", err)
	}
	if err := a.runner.Persister.Persist(context.WithoutCancel(ctx), domain.EventSubagentCompleted, completedPayload); err != nil {
		return summary, fmt.Errorf("agent: persist subagent.completed: %w", err)
	}
	a.bus().Publish(turnrunner.AgentEvent{
		Type:      turnrunner.AgentEventSubagentCompleted,
		SessionID: a.runner.SessionID,
		Detail:    childSessionID,
	})
	return summary, spawnErr
}
