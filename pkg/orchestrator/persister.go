package orchestrator

import (
	"context"
	"log/slog"
	"sync"

	"github.com/nstogner/agentrt/pkg/domain"
	"github.com/nstogner/agentrt/pkg/eventstore"
)

// persisterQueueSize bounds the in-flight append queue. Enqueueing blocks
// when full: persistence is lossless, unlike subscriber delivery.
const persisterQueueSize = 1024

type persistReq struct {
	eventType domain.EventType
	payload   []byte
	// flushed is non-nil for flush markers; the worker closes it once
	// every prior append has been attempted.
	flushed chan struct{}
}

// Persister is the write side injected into an agent run: appends are
// enqueued fire-and-forget in call order and written by a single worker,
// so event-store sequence order matches persist call order for the
// session. Flush drains the queue for shutdown.
type Persister struct {
	store     eventstore.Store
	sessionID string

	queue chan persistReq
	done  chan struct{}
	once  sync.Once
}

// NewPersister starts the append worker for sessionID.
func NewPersister(store eventstore.Store, sessionID string) *Persister {
	p := &Persister{
		store:     store,
		sessionID: sessionID,
		queue:     make(chan persistReq, persisterQueueSize),
		done:      make(chan struct{}),
	}
	go p.run()
	return p
}

func (p *Persister) run() {
	defer close(p.done)
	for req := range p.queue {
		if req.flushed != nil {
			close(req.flushed)
			continue
		}
		// The run context may already be cancelled when the final events
		// of an interrupted turn arrive; writes use their own context.
		if _, err := p.store.Append(context.Background(), p.sessionID, req.eventType, req.payload, nil); err != nil {
			slog.Error("persister append failed",
				"sessionID", p.sessionID,
				"eventType", req.eventType,
				"error", err,
			)
		}
	}
}

// Persist enqueues one append. It blocks only when the queue is full and
// never reports the eventual write error; failures are logged by the
// worker.
func (p *Persister) Persist(ctx context.Context, eventType domain.EventType, payload []byte) error {
	select {
	case p.queue <- persistReq{eventType: eventType, payload: payload}:
		return nil
	case <-p.done:
		return nil
	}
}

// Flush blocks until every append enqueued before the call has been
// attempted, or ctx expires.
func (p *Persister) Flush(ctx context.Context) error {
	flushed := make(chan struct{})
	select {
	case p.queue <- persistReq{flushed: flushed}:
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-flushed:
		return nil
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the worker after draining already-enqueued appends.
func (p *Persister) Close() {
	p.once.Do(func() { close(p.queue) })
	<-p.done
}
