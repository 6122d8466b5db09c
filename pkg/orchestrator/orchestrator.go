// Package orchestrator owns session lifecycles outside the agent: it
// creates, resumes, forks, and closes sessions against the event store,
// rebuilds a context manager by replaying events, and fans agent events
// out to subscribers.
package orchestrator

import (
	"context"
	"fmt"
	"sync"

	"github.com/nstogner/agentrt/pkg/agent"
	"github.com/nstogner/agentrt/pkg/compaction"
	"github.com/nstogner/agentrt/pkg/contextmgr"
	"github.com/nstogner/agentrt/pkg/domain"
	"github.com/nstogner/agentrt/pkg/eventstore"
	"github.com/nstogner/agentrt/pkg/provider"
	"github.com/nstogner/agentrt/pkg/tools"
	"github.com/nstogner/agentrt/pkg/turnrunner"
)

// Options configures an Orchestrator.
type Options struct {
	// SystemPrompt seeds every session's context manager.
	SystemPrompt string
	// SubscriberBuffer sets each subscriber channel's capacity.
	SubscriberBuffer int
}

// Session is a live session handle: the stored aggregate plus the
// in-memory state an agent run needs.
type Session struct {
	Meta      domain.Session
	Manager   *contextmgr.Manager
	Persister *Persister
	Bus       *Bus
}

// Orchestrator tracks live sessions over one event store.
type Orchestrator struct {
	store eventstore.Store
	opts  Options

	mu   sync.Mutex
	live map[string]*Session
}

// New builds an Orchestrator.
func New(store eventstore.Store, opts Options) *Orchestrator {
	return &Orchestrator{store: store, opts: opts, live: make(map[string]*Session)}
}

// Create starts a brand-new session in workspacePath.
func (o *Orchestrator) Create(ctx context.Context, model, workspacePath, title string, toolDefs []domain.ToolDefinition) (*Session, error) {
	meta, _, err := o.store.CreateSession(ctx, model, workspacePath, eventstore.CreateSessionOptions{Title: title})
	if err != nil {
		return nil, fmt.Errorf("orchestrator: create session: %w", err)
	}
	mgr := contextmgr.New(o.opts.SystemPrompt, meta.WorkingDirectory, toolDefs)
	return o.admit(meta, mgr), nil
}

// Resume reactivates an existing session, replaying its event chain into a
// fresh context manager. Resuming a session that is already live returns
// the live handle.
func (o *Orchestrator) Resume(ctx context.Context, sessionID string, toolDefs []domain.ToolDefinition) (*Session, error) {
	o.mu.Lock()
	if s, ok := o.live[sessionID]; ok {
		o.mu.Unlock()
		return s, nil
	}
	o.mu.Unlock()

	meta, err := o.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: resume: %w", err)
	}
	if meta.EndedAt != nil {
		if err := o.store.ClearEnded(ctx, sessionID); err != nil {
			return nil, fmt.Errorf("orchestrator: reactivate: %w", err)
		}
	}

	// The head's ancestor chain is the session's full historical prefix,
	// crossing parent sessions when this one was forked.
	chain, err := o.store.GetAncestors(ctx, meta.HeadEventID)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: resume: load chain: %w", err)
	}
	mgr := contextmgr.New(o.opts.SystemPrompt, meta.WorkingDirectory, toolDefs)
	if err := replay(chain, mgr); err != nil {
		return nil, fmt.Errorf("orchestrator: resume: %w", err)
	}
	return o.admit(meta, mgr), nil
}

// Fork creates a new session branching from an event in an existing one
// and materializes the shared historical prefix into its context manager.
func (o *Orchestrator) Fork(ctx context.Context, fromEventID string, fopts eventstore.ForkOptions, toolDefs []domain.ToolDefinition) (*Session, error) {
	meta, forkEvent, err := o.store.Fork(ctx, fromEventID, fopts)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: fork: %w", err)
	}
	chain, err := o.store.GetAncestors(ctx, forkEvent.ID)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: fork: load chain: %w", err)
	}
	mgr := contextmgr.New(o.opts.SystemPrompt, meta.WorkingDirectory, toolDefs)
	if err := replay(chain, mgr); err != nil {
		return nil, fmt.Errorf("orchestrator: fork: %w", err)
	}
	return o.admit(meta, mgr), nil
}

// Close flushes the session's persister, marks it ended, and releases the
// live handle. Safe to call for a session that is not live.
func (o *Orchestrator) Close(ctx context.Context, sessionID string) error {
	o.mu.Lock()
	s, ok := o.live[sessionID]
	delete(o.live, sessionID)
	o.mu.Unlock()

	if ok {
		if err := s.Persister.Flush(ctx); err != nil {
			return fmt.Errorf("orchestrator: close: flush: %w", err)
		}
		s.Persister.Close()
		s.Bus.Close()
	}
	if err := o.store.MarkSessionEnded(ctx, sessionID); err != nil {
		return fmt.Errorf("orchestrator: close: %w", err)
	}
	return nil
}

// Get returns the live handle for sessionID, if any.
func (o *Orchestrator) Get(sessionID string) (*Session, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	s, ok := o.live[sessionID]
	return s, ok
}

// Subscribe attaches a subscriber to a live session's event bus.
func (o *Orchestrator) Subscribe(sessionID string) (<-chan turnrunner.AgentEvent, func(), error) {
	s, ok := o.Get(sessionID)
	if !ok {
		return nil, nil, fmt.Errorf("orchestrator: subscribe: session %s is not live", sessionID)
	}
	ch, cancel := s.Bus.Subscribe()
	return ch, cancel, nil
}

// EventsSince exposes the store's reconciliation query for subscribers
// that lost events.
func (o *Orchestrator) EventsSince(ctx context.Context, sessionID string, afterSequence int64) ([]domain.Event, error) {
	return o.store.GetEventsSince(ctx, sessionID, afterSequence)
}

func (o *Orchestrator) admit(meta domain.Session, mgr *contextmgr.Manager) *Session {
	s := &Session{
		Meta:      meta,
		Manager:   mgr,
		Persister: NewPersister(o.store, meta.ID),
		Bus:       NewBus(o.opts.SubscriberBuffer),
	}
	o.mu.Lock()
	o.live[meta.ID] = s
	o.mu.Unlock()
	return s
}

// AgentConfig parameterizes NewAgent.
type AgentConfig struct {
	Model         string
	ContextWindow int64
	Provider      provider.Provider
	Registry      *tools.Registry
	ProviderOpts  provider.Options

	Compaction *compaction.Options
	Agent      agent.Config
}

// NewAgent composes a ready-to-run agent for a live session: turn runner
// over the session's manager/persister/bus, plus an optional compaction
// engine.
func (o *Orchestrator) NewAgent(s *Session, cfg AgentConfig) *agent.Agent {
	runner := &turnrunner.Runner{
		SessionID:     s.Meta.ID,
		Model:         cfg.Model,
		ContextWindow: cfg.ContextWindow,
		Provider:      cfg.Provider,
		Registry:      cfg.Registry,
		Manager:       s.Manager,
		Persister:     s.Persister,
		Bus:           s.Bus,
		Options:       cfg.ProviderOpts,
	}
	var engine *compaction.Engine
	if cfg.Compaction != nil {
		engine = compaction.New(cfg.Provider, s.Persister, *cfg.Compaction)
	}
	return agent.New(runner, engine, cfg.Agent)
}
