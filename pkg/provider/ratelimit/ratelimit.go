// Package ratelimit wraps any provider.Provider with an AIMD-style
// adaptive token-bucket limiter built on golang.org/x/time/rate:
// estimate the request's token cost, wait for capacity, halve the budget
// on a 429, and creep back up on success. The limiter is process-local.
package ratelimit

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/time/rate"

	"github.com/nstogner/agentrt/pkg/domain"
	"github.com/nstogner/agentrt/pkg/provider"
)

// Limiter applies an adaptive tokens-per-minute budget in front of a
// provider.Provider. It estimates the token cost of each request from the
// outgoing message list, blocks until capacity is available, and adjusts
// its effective budget in response to RateLimited signals from the
// wrapped provider (additive increase on success, multiplicative
// decrease on a 429 from Stream or on any Error event in the relayed
// stream).
type Limiter struct {
	mu sync.Mutex

	limiter *rate.Limiter

	currentTPM   float64
	minTPM       float64
	maxTPM       float64
	recoveryRate float64
}

// New builds a Limiter with an initial and maximum tokens-per-minute
// budget. maxTPM is clamped up to initialTPM when smaller.
func New(initialTPM, maxTPM float64) *Limiter {
	if initialTPM <= 0 {
		initialTPM = 60000
	}
	if maxTPM <= 0 || maxTPM < initialTPM {
		maxTPM = initialTPM
	}
	minTPM := initialTPM * 0.1
	if minTPM < 1 {
		minTPM = 1
	}
	recoveryRate := initialTPM * 0.05
	if recoveryRate < 1 {
		recoveryRate = 1
	}
	return &Limiter{
		limiter:      rate.NewLimiter(rate.Limit(initialTPM/60.0), int(initialTPM)),
		currentTPM:   initialTPM,
		minTPM:       minTPM,
		maxTPM:       maxTPM,
		recoveryRate: recoveryRate,
	}
}

// Wrap returns a provider.Provider that enforces this limiter in front of
// next.
func (l *Limiter) Wrap(next provider.Provider) provider.Provider {
	return &limitedProvider{next: next, limiter: l}
}

type limitedProvider struct {
	next    provider.Provider
	limiter *Limiter
}

func (p *limitedProvider) Name() string { return p.next.Name() }

func (p *limitedProvider) Stream(ctx context.Context, model, systemPrompt string, tools []domain.ToolDefinition, messages []domain.Message, opts provider.Options) (<-chan provider.NormalizedStreamEvent, error) {
	if err := p.limiter.wait(ctx, messages); err != nil {
		return nil, err
	}
	ch, err := p.next.Stream(ctx, model, systemPrompt, tools, messages, opts)
	p.limiter.observe(err)
	if err != nil {
		return nil, err
	}
	return p.limiter.observeStream(ch), nil
}

func (l *Limiter) wait(ctx context.Context, messages []domain.Message) error {
	return l.limiter.WaitN(ctx, estimateTokens(messages))
}

// observeStream watches the relayed channel for Error events so a
// mid-stream failure (surfaced as a normalized Error, not a Go error from
// Stream itself) still triggers backoff. A normalized Error carries no
// HTTP status, so every Error event halves the budget, not only
// rate-limit signals.
func (l *Limiter) observeStream(in <-chan provider.NormalizedStreamEvent) <-chan provider.NormalizedStreamEvent {
	out := make(chan provider.NormalizedStreamEvent, cap(in))
	go func() {
		defer close(out)
		for ev := range in {
			if ev.Type == provider.EventError {
				l.backoff()
			}
			out <- ev
		}
	}()
	return out
}

func (l *Limiter) observe(err error) {
	if err == nil {
		l.probe()
		return
	}
	var rl *provider.RateLimited
	if errors.As(err, &rl) {
		l.backoff()
		return
	}
	var apiErr *provider.ApiError
	if errors.As(err, &apiErr) && apiErr.Status == 429 {
		l.backoff()
	}
}

func (l *Limiter) backoff() {
	l.mu.Lock()
	defer l.mu.Unlock()
	next := l.currentTPM * 0.5
	if next < l.minTPM {
		next = l.minTPM
	}
	l.setTPM(next)
}

func (l *Limiter) probe() {
	l.mu.Lock()
	defer l.mu.Unlock()
	next := l.currentTPM + l.recoveryRate
	if next > l.maxTPM {
		next = l.maxTPM
	}
	l.setTPM(next)
}

// setTPM must be called with mu held.
func (l *Limiter) setTPM(tpm float64) {
	if tpm == l.currentTPM {
		return
	}
	l.currentTPM = tpm
	l.limiter.SetLimit(rate.Limit(tpm / 60.0))
	l.limiter.SetBurst(int(tpm))
}

// estimateTokens is a cheap chars/3-plus-buffer heuristic over outgoing
// message text.
func estimateTokens(messages []domain.Message) int {
	chars := 0
	for _, m := range messages {
		for _, c := range m.Content {
			if c.Type == domain.ContentText && c.Text != nil {
				chars += len(c.Text.Text)
			}
			if c.Type == domain.ContentToolResult && c.ToolResult != nil {
				chars += len(c.ToolResult.Content)
			}
		}
	}
	if chars <= 0 {
		return 500
	}
	tokens := chars / 3
	if tokens < 1 {
		tokens = 1
	}
	return tokens + 500
}
