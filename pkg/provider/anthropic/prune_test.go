package anthropic

import (
	"testing"
	"time"

	"github.com/nstogner/agentrt/pkg/domain"
)

func toolResultMsg(id, content string) domain.Message {
	return domain.Message{Role: domain.RoleTool, Content: []domain.Content{{
		Type:       domain.ContentToolResult,
		ToolResult: &domain.ToolResultContent{ToolUseID: id, Content: content},
	}}}
}

func assistantTextMsg(text string) domain.Message {
	return domain.Message{Role: domain.RoleAssistant, Content: []domain.Content{{
		Type: domain.ContentText,
		Text: &domain.TextContent{Text: text},
	}}}
}

func history() []domain.Message {
	return []domain.Message{
		{Role: domain.RoleUser, Content: []domain.Content{{Type: domain.ContentText, Text: &domain.TextContent{Text: "go"}}}},
		assistantTextMsg("turn 1"),
		toolResultMsg("t1", "big old output"),
		assistantTextMsg("turn 2"),
		toolResultMsg("t2", "more output"),
		assistantTextMsg("turn 3"),
		toolResultMsg("t3", "recent output"),
		assistantTextMsg("turn 4"),
	}
}

// TestPrunerWarmCacheKeepsToolResults: two requests one second apart stay
// inside the warm window, so nothing is elided.
func TestPrunerWarmCacheKeepsToolResults(t *testing.T) {
	now := time.Unix(1000, 0)
	p := newCachePruner()
	p.now = func() time.Time { return now }

	p.apply(history())
	now = now.Add(time.Second)
	out := p.apply(history())

	for i, m := range out {
		for _, c := range m.Content {
			if c.Type == domain.ContentToolResult && c.ToolResult.Content == elidedToolResult {
				t.Errorf("message %d elided on warm cache", i)
			}
		}
	}
}

// TestPrunerColdCacheElidesOldToolResults: a 5-minute gap exceeds the warm
// threshold, so tool results older than the recent-turn window are elided
// while the trailing turns keep theirs verbatim.
func TestPrunerColdCacheElidesOldToolResults(t *testing.T) {
	now := time.Unix(1000, 0)
	p := newCachePruner()
	p.now = func() time.Time { return now }

	p.apply(history())
	now = now.Add(5 * time.Minute)
	out := p.apply(history())

	// t1 precedes the last three assistant turns; t2 and t3 are inside the
	// protected tail.
	find := func(id string) string {
		for _, m := range out {
			for _, c := range m.Content {
				if c.Type == domain.ContentToolResult && c.ToolResult.ToolUseID == id {
					return c.ToolResult.Content
				}
			}
		}
		t.Fatalf("tool result %s missing after prune", id)
		return ""
	}
	if got := find("t1"); got != elidedToolResult {
		t.Errorf("t1 content = %q, want elided", got)
	}
	if got := find("t2"); got != "more output" {
		t.Errorf("t2 content = %q, want untouched", got)
	}
	if got := find("t3"); got != "recent output" {
		t.Errorf("t3 content = %q, want untouched", got)
	}
}

// TestPrunerDoesNotMutateInput checks the original slice survives a cold
// prune untouched.
func TestPrunerDoesNotMutateInput(t *testing.T) {
	msgs := history()
	elideOldToolResults(msgs, 2)
	if msgs[2].Content[0].ToolResult.Content != "big old output" {
		t.Error("input history mutated")
	}
}
