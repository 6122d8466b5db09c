// Package contextmgr builds the per-turn provider input and tracks token
// state: the ordered message history, the system prompt with its
// ancillary blocks (rules, memory, skills, subagent results, task
// context, dynamic rules), and the input-token baseline that drives
// compaction.
package contextmgr

import (
	"github.com/nstogner/agentrt/pkg/domain"
)

// Manager holds the ordered message history, system prompt, tool list,
// and working directory, and tracks the context-window baseline that
// drives compaction.
type Manager struct {
	systemPrompt     string
	workingDirectory string
	messages         []domain.Message
	toolDefs         []domain.ToolDefinition

	memory  string
	skills  []string
	subRes  []string
	task    string
	globals *RulesIndex
	dynamic *dynamicRules

	baselineInputTokens int64
}

// New builds a Manager. systemPrompt is the stable, non-rules system
// text (the agent's core persona/instructions); rules/memory/skills are
// added via the setters below and composed in the fixed stable→volatile
// order every Build call uses.
func New(systemPrompt, workingDirectory string, toolDefs []domain.ToolDefinition) *Manager {
	return &Manager{
		systemPrompt:     systemPrompt,
		workingDirectory: workingDirectory,
		toolDefs:         toolDefs,
		globals:          NewRulesIndex(),
		dynamic:          newDynamicRules(),
	}
}

// SetMemory sets the memory-ledger ancillary block's text.
func (m *Manager) SetMemory(text string) { m.memory = text }

// SetSkills sets the skills ancillary block's lines.
func (m *Manager) SetSkills(skills []string) { m.skills = skills }

// SetSubagentResults sets the subagent-result summaries ancillary block.
func (m *Manager) SetSubagentResults(results []string) { m.subRes = results }

// SetTaskContext sets the task-context ancillary block's text.
func (m *Manager) SetTaskContext(task string) { m.task = task }

// RulesIndex returns the manager's global+scoped rules index, for
// callers that configure it directly (e.g. the Orchestrator on resume).
func (m *Manager) RulesIndex() *RulesIndex { return m.globals }

// ObservePath feeds a file-path observation (emitted by tools as hooks)
// into the dynamic-rules activation set.
func (m *Manager) ObservePath(path string) {
	m.dynamic.touch(path, m.globals)
}

// Messages returns the current message history (read-only use; callers
// must not mutate the returned slice).
func (m *Manager) Messages() []domain.Message { return m.messages }

// AddMessage appends msg to the history. No check runs on append; the
// history is cleaned lazily by sanitize() at BuildContext time (see
// sanitize for what it repairs and what it leaves as is).
func (m *Manager) AddMessage(msg domain.Message) {
	m.messages = append(m.messages, msg)
}

// ReplaceHistory swaps the message history wholesale. Compaction uses it
// to install the summary message followed by the preserved tail.
func (m *Manager) ReplaceHistory(messages []domain.Message) {
	m.messages = messages
}

// SetBaselineInputTokens records the last reported total input tokens
// (including cache read/write), the context-window baseline that drives
// compaction.
func (m *Manager) SetBaselineInputTokens(tokens int64) { m.baselineInputTokens = tokens }

// BaselineInputTokens returns the tracked baseline.
func (m *Manager) BaselineInputTokens() int64 { return m.baselineInputTokens }

// BuildContext materializes the Context used by one provider call:
// sanitized messages, the composed system prompt (ancillary blocks in
// stable-before-volatile order), the tool list, and the working
// directory. The returned Context is transient: consumed once and
// discarded, never persisted.
func (m *Manager) BuildContext() domain.Context {
	return domain.Context{
		Messages:         sanitize(m.messages),
		SystemPrompt:     m.systemPrompt,
		Ancillary:        m.ancillaryBlocks(),
		Tools:            m.toolDefs,
		WorkingDirectory: m.workingDirectory,
	}
}

// ancillaryBlocks composes the fixed-order block list: rules, memory,
// skills, subagent results, task context, dynamic (path-activated)
// rules. Order is part of the cache-breakpoint stability contract;
// stable blocks precede volatile ones.
func (m *Manager) ancillaryBlocks() []domain.AncillaryBlock {
	var blocks []domain.AncillaryBlock
	if globals := m.globals.GlobalText(); globals != "" {
		blocks = append(blocks, domain.AncillaryBlock{Name: "rules", Text: globals, Stable: true})
	}
	if m.memory != "" {
		blocks = append(blocks, domain.AncillaryBlock{Name: "memory", Text: m.memory, Stable: true})
	}
	if len(m.skills) > 0 {
		blocks = append(blocks, domain.AncillaryBlock{Name: "skills", Text: joinLines(m.skills), Stable: true})
	}
	if len(m.subRes) > 0 {
		blocks = append(blocks, domain.AncillaryBlock{Name: "subagent_results", Text: joinLines(m.subRes), Stable: false})
	}
	if m.task != "" {
		blocks = append(blocks, domain.AncillaryBlock{Name: "task", Text: m.task, Stable: false})
	}
	if dyn := m.dynamic.text(m.globals); dyn != "" {
		blocks = append(blocks, domain.AncillaryBlock{Name: "dynamic_rules", Text: dyn, Stable: false})
	}
	return blocks
}

// ResetCompactionState clears the baseline and dynamic-rule activation
// at a compaction boundary.
func (m *Manager) ResetCompactionState() {
	m.baselineInputTokens = 0
	m.dynamic.reset()
}

func joinLines(lines []string) string {
	out := ""
	for i, l := range lines {
		if i > 0 {
			out += "\n"
		}
		out += l
	}
	return out
}

// sanitize drops stray tool results (those with no earlier, still
// unanswered tool_use of the same id) and any tool message left empty by
// that. It does not check the other direction: an assistant tool_use
// that never receives a tool_result passes through unchanged.
func sanitize(messages []domain.Message) []domain.Message {
	pending := map[string]bool{}
	out := make([]domain.Message, 0, len(messages))
	for _, msg := range messages {
		if msg.Role == domain.RoleAssistant {
			for _, c := range msg.Content {
				if c.Type == domain.ContentToolUse {
					pending[c.ToolUse.ID] = true
				}
			}
			out = append(out, msg)
			continue
		}
		if msg.Role == domain.RoleTool {
			var kept []domain.Content
			for _, c := range msg.Content {
				if c.Type != domain.ContentToolResult {
					kept = append(kept, c)
					continue
				}
				if pending[c.ToolResult.ToolUseID] {
					delete(pending, c.ToolResult.ToolUseID)
					kept = append(kept, c)
				}
				// else: stray tool result, dropped.
			}
			if len(kept) == 0 {
				continue
			}
			out = append(out, domain.Message{Role: msg.Role, Content: kept})
			continue
		}
		out = append(out, msg)
	}
	return out
}
