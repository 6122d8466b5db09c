// Package compaction reclaims context-window headroom by summarizing the
// older part of a session's message history while keeping a tail of recent
// turns verbatim.
package compaction

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nstogner/agentrt/pkg/contextmgr"
	"github.com/nstogner/agentrt/pkg/domain"
	"github.com/nstogner/agentrt/pkg/provider"
)

const (
	// DefaultTriggerFraction is the baseline/context-window ratio above
	// which compaction fires.
	DefaultTriggerFraction = 0.75

	// DefaultPreserveRecentTurns is how many trailing assistant turns are
	// kept verbatim when the head is summarized away.
	DefaultPreserveRecentTurns = 3
)

// Persister appends one event to the owning session's log. Implementations
// must preserve call order: the boundary event is persisted strictly before
// the ledger and summary events.
type Persister interface {
	Persist(ctx context.Context, eventType domain.EventType, payload []byte) error
}

// Options tunes an Engine. Zero values select the defaults above.
type Options struct {
	TriggerFraction     float64
	PreserveRecentTurns int
	// SummaryModel overrides the session model for the summary call.
	SummaryModel string
	// WriteMemoryLedger enables the memory.ledger event between the
	// boundary and summary events.
	WriteMemoryLedger bool
}

// Engine drives compaction for one session.
type Engine struct {
	provider  provider.Provider
	persister Persister
	opts      Options
}

// New builds an Engine. persister may not be nil.
func New(p provider.Provider, persister Persister, opts Options) *Engine {
	if opts.TriggerFraction <= 0 {
		opts.TriggerFraction = DefaultTriggerFraction
	}
	if opts.PreserveRecentTurns <= 0 {
		opts.PreserveRecentTurns = DefaultPreserveRecentTurns
	}
	return &Engine{provider: p, persister: persister, opts: opts}
}

// MaybeCompact checks the manager's token baseline against the model's
// context window and, when the trigger fraction is exceeded, summarizes the
// head of the history, emits the boundary/ledger/summary events in order,
// and installs [summary message] ++ tail as the new history. It reports
// whether compaction ran.
func (e *Engine) MaybeCompact(ctx context.Context, model string, contextWindow int64, mgr *contextmgr.Manager) (bool, error) {
	if contextWindow <= 0 {
		return false, nil
	}
	baseline := mgr.BaselineInputTokens()
	if float64(baseline) <= float64(contextWindow)*e.opts.TriggerFraction {
		return false, nil
	}

	head, tail := splitHistory(mgr.Messages(), e.opts.PreserveRecentTurns)
	if len(head) == 0 {
		return false, nil
	}

	slog.Info("compaction triggered",
		"baselineTokens", baseline,
		"contextWindow", contextWindow,
		"headMessages", len(head),
		"tailMessages", len(tail),
	)

	summaryModel := e.opts.SummaryModel
	if summaryModel == "" {
		summaryModel = model
	}
	summary, err := e.summarize(ctx, summaryModel, head)
	if err != nil {
		return false, fmt.Errorf("compaction: summarize: %w", err)
	}

	boundary, err := json.Marshal(map[string]any{
		"trigger":        "token_pressure",
		"baselineTokens": baseline,
		"contextWindow":  contextWindow,
	})
	if err != nil {
		return false, fmt.Errorf("compaction: marshal boundary: %w", err)
	}
	if err := e.persister.Persist(ctx, domain.EventCompactBoundary, boundary); err != nil {
		return false, fmt.Errorf("compaction: persist boundary: %w", err)
	}

	if e.opts.WriteMemoryLedger {
		ledger, err := json.Marshal(map[string]any{"source": "compaction", "text": summary})
		if err != nil {
			return false, fmt.Errorf("compaction: marshal ledger: %w", err)
		}
		if err := e.persister.Persist(ctx, domain.EventMemoryLedger, ledger); err != nil {
			return false, fmt.Errorf("compaction: persist ledger: %w", err)
		}
	}

	summaryPayload, err := json.Marshal(map[string]any{"summary": summary})
	if err != nil {
		return false, fmt.Errorf("compaction: marshal summary: %w", err)
	}
	if err := e.persister.Persist(ctx, domain.EventCompactSummary, summaryPayload); err != nil {
		return false, fmt.Errorf("compaction: persist summary: %w", err)
	}

	replacement := make([]domain.Message, 0, 1+len(tail))
	replacement = append(replacement, summaryMessage(summary))
	replacement = append(replacement, tail...)
	mgr.ReplaceHistory(replacement)
	mgr.ResetCompactionState()

	return true, nil
}

// summaryMessage is the synthetic user message standing in for the
// compacted head.
func summaryMessage(summary string) domain.Message {
	text := "The earlier part of this conversation was summarized to stay within the context window:\n\n" + summary
	return domain.Message{
		Role:    domain.RoleUser,
		Content: []domain.Content{{Type: domain.ContentText, Text: &domain.TextContent{Text: text}}},
	}
}

const summarizerSystemPrompt = "You are a conversation summarizer."

const summarizerInstructions = "You are summarizing a conversation history for context compaction. " +
	"Create a dense, comprehensive summary of the following conversation that preserves:\n" +
	"- Key decisions and outcomes\n" +
	"- Important code/files that were created or modified\n" +
	"- Current state of any ongoing tasks\n" +
	"- Any instructions or preferences the user expressed\n\n" +
	"Be thorough but concise. This summary will replace the original messages.\n\n" +
	"CONVERSATION TO SUMMARIZE:\n"

// summarize makes one non-streaming-style summary call: the provider's
// stream is drained to completion and only the final text is kept.
func (e *Engine) summarize(ctx context.Context, model string, head []domain.Message) (string, error) {
	var prompt strings.Builder
	prompt.WriteString(summarizerInstructions)
	for _, m := range head {
		fmt.Fprintf(&prompt, "[%s] %s\n", m.Role, renderMessage(m))
	}

	messages := []domain.Message{{
		Role:    domain.RoleUser,
		Content: []domain.Content{{Type: domain.ContentText, Text: &domain.TextContent{Text: prompt.String()}}},
	}}
	ch, err := e.provider.Stream(ctx, model, summarizerSystemPrompt, nil, messages, provider.Options{})
	if err != nil {
		return "", err
	}

	var summary string
	var streamErr string
	for ev := range ch {
		switch ev.Type {
		case provider.EventDone:
			if ev.Message != nil {
				for _, c := range ev.Message.Content {
					if c.Type == domain.ContentText {
						summary = c.Text.Text
						break
					}
				}
			}
		case provider.EventError:
			streamErr = ev.ErrorMessage
		}
	}
	if streamErr != "" {
		return "", fmt.Errorf("summary stream: %s", streamErr)
	}
	if summary == "" {
		return "", fmt.Errorf("model returned empty summary")
	}
	return summary, nil
}

// renderMessage flattens one message into plain text for the summary
// prompt.
func renderMessage(m domain.Message) string {
	var b strings.Builder
	for i, c := range m.Content {
		if i > 0 {
			b.WriteString(" ")
		}
		switch c.Type {
		case domain.ContentText:
			b.WriteString(c.Text.Text)
		case domain.ContentToolUse:
			args, _ := json.Marshal(c.ToolUse.Arguments)
			fmt.Fprintf(&b, "<tool_call name=%q args=%s>", c.ToolUse.Name, args)
		case domain.ContentToolResult:
			fmt.Fprintf(&b, "<tool_result>%s</tool_result>", c.ToolResult.Content)
		case domain.ContentThinking:
			// Thinking is never fed back into the summarizer.
		}
	}
	return b.String()
}

// splitHistory partitions messages into a head to summarize and a tail of
// the last preserveTurns assistant turns kept verbatim. The split never
// separates a tool call from its result: when the candidate boundary lands
// on a tool-result message, it is moved earlier until the pair stays whole.
func splitHistory(messages []domain.Message, preserveTurns int) (head, tail []domain.Message) {
	if len(messages) == 0 {
		return nil, nil
	}

	// Walk backwards to the user message that opened the Nth-from-last
	// assistant turn.
	turns := 0
	split := 0
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == domain.RoleAssistant {
			turns++
			if turns >= preserveTurns {
				split = i
				break
			}
		}
	}
	// Include the user message that prompted the first preserved turn.
	for split > 0 && messages[split-1].Role == domain.RoleUser {
		split--
	}
	// Never start the tail on a tool result (keep it with its call).
	for split > 0 && messages[split].Role == domain.RoleTool {
		split--
	}
	// Never end the head on an assistant message whose tool calls would be
	// answered inside the tail.
	for split > 0 && endsWithToolUse(messages[split-1]) {
		split--
	}

	if split <= 0 {
		return nil, messages
	}
	return messages[:split], messages[split:]
}

func endsWithToolUse(m domain.Message) bool {
	if m.Role != domain.RoleAssistant || len(m.Content) == 0 {
		return false
	}
	for _, c := range m.Content {
		if c.Type == domain.ContentToolUse {
			return true
		}
	}
	return false
}
