package anthropic

import (
	"sync"
	"time"

	"github.com/nstogner/agentrt/pkg/domain"
)

const (
	// DefaultWarmThreshold is the longest gap between two requests for
	// which the provider-side prompt cache is still assumed warm. The
	// default tracks a 5-minute ephemeral cache TTL with a safety margin.
	DefaultWarmThreshold = 4*time.Minute + 30*time.Second

	// DefaultRecentTurns is how many trailing assistant turns keep their
	// tool results verbatim when a cold-cache prune runs.
	DefaultRecentTurns = 3
)

const elidedToolResult = "(older tool result elided)"

// cachePruner elides older tool-result blocks when the prompt cache has
// gone cold: if the elapsed time since the previous request exceeds the
// warm threshold, every cached prefix will be re-written anyway, so
// re-uploading bulky tool output from old turns buys nothing.
type cachePruner struct {
	mu          sync.Mutex
	lastRequest time.Time

	warmThreshold time.Duration
	recentTurns   int

	now func() time.Time
}

func newCachePruner() *cachePruner {
	return &cachePruner{
		warmThreshold: DefaultWarmThreshold,
		recentTurns:   DefaultRecentTurns,
		now:           time.Now,
	}
}

// apply records the request time and returns messages, with tool results
// outside the recent-turn window elided when the cache is cold. The
// message list is never mutated in place; a pruned copy is returned.
func (c *cachePruner) apply(messages []domain.Message) []domain.Message {
	c.mu.Lock()
	now := c.now()
	last := c.lastRequest
	c.lastRequest = now
	c.mu.Unlock()

	if last.IsZero() || now.Sub(last) <= c.warmThreshold {
		return messages
	}
	return elideOldToolResults(messages, c.recentTurns)
}

// elideOldToolResults replaces the content of tool_result blocks that
// precede the last recentTurns assistant turns with a short placeholder,
// keeping the tool_use/tool_result pairing intact.
func elideOldToolResults(messages []domain.Message, recentTurns int) []domain.Message {
	// Find the index of the first message inside the protected tail:
	// walk backwards counting assistant messages.
	cutoff := 0
	turns := 0
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == domain.RoleAssistant {
			turns++
			if turns >= recentTurns {
				cutoff = i
				break
			}
		}
	}

	out := make([]domain.Message, len(messages))
	copy(out, messages)
	for i := 0; i < cutoff; i++ {
		m := out[i]
		changed := false
		for _, cb := range m.Content {
			if cb.Type == domain.ContentToolResult && cb.ToolResult.Content != elidedToolResult {
				changed = true
			}
		}
		if !changed {
			continue
		}
		content := make([]domain.Content, len(m.Content))
		copy(content, m.Content)
		for j, cb := range content {
			if cb.Type != domain.ContentToolResult {
				continue
			}
			content[j] = domain.Content{
				Type: domain.ContentToolResult,
				ToolResult: &domain.ToolResultContent{
					ToolUseID: cb.ToolResult.ToolUseID,
					Content:   elidedToolResult,
					IsError:   cb.ToolResult.IsError,
				},
			}
		}
		out[i] = domain.Message{Role: m.Role, Content: content}
	}
	return out
}
