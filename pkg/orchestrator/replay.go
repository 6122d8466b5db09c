package orchestrator

import (
	"encoding/json"
	"fmt"

	"github.com/nstogner/agentrt/pkg/contextmgr"
	"github.com/nstogner/agentrt/pkg/domain"
)

// messagePayload is the stored shape of message.* event payloads.
type messagePayload struct {
	Content []domain.Content `json:"content"`
}

// toolResultPayload is the stored shape of tool.result event payloads.
type toolResultPayload struct {
	ToolCallID string `json:"toolCallId"`
	ToolName   string `json:"toolName"`
	Content    string `json:"content"`
	IsError    bool   `json:"isError"`
}

// replay folds the ordered event list into mgr: messages are rebuilt from
// message.* events with message.deleted tombstones applied, tool results
// are paired back to their calls by id, and memory/skills/subagent
// summaries are reinjected. A compact.summary event resets the rebuilt
// history to the synthetic summary message, matching the live manager's
// state after that compaction ran.
func replay(events []domain.Event, mgr *contextmgr.Manager) error {
	// First pass: collect deletion targets.
	deleted := make(map[string]bool)
	for _, e := range events {
		if e.Type != domain.EventMessageDeleted {
			continue
		}
		var p domain.MessageDeletedPayload
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return fmt.Errorf("replay: parse message.deleted %s: %w", e.ID, err)
		}
		deleted[p.TargetEventID] = true
	}

	var (
		messages []domain.Message
		skills   []string
		subRes   []string
	)
	for _, e := range events {
		if deleted[e.ID] {
			continue
		}
		switch e.Type {
		case domain.EventMessageUser, domain.EventMessageAssistant, domain.EventMessageSystem:
			var p messagePayload
			if err := json.Unmarshal(e.Payload, &p); err != nil {
				return fmt.Errorf("replay: parse %s %s: %w", e.Type, e.ID, err)
			}
			if len(p.Content) == 0 {
				continue
			}
			messages = append(messages, domain.Message{Role: roleFor(e.Type), Content: p.Content})

		case domain.EventToolResult:
			var p toolResultPayload
			if err := json.Unmarshal(e.Payload, &p); err != nil {
				return fmt.Errorf("replay: parse tool.result %s: %w", e.ID, err)
			}
			messages = append(messages, domain.Message{
				Role: domain.RoleTool,
				Content: []domain.Content{{
					Type:       domain.ContentToolResult,
					ToolResult: &domain.ToolResultContent{ToolUseID: p.ToolCallID, Content: p.Content, IsError: p.IsError},
				}},
			})

		case domain.EventCompactSummary:
			var p struct {
				Summary string `json:"summary"`
			}
			if err := json.Unmarshal(e.Payload, &p); err != nil {
				return fmt.Errorf("replay: parse compact.summary %s: %w", e.ID, err)
			}
			text := "The earlier part of this conversation was summarized to stay within the context window:\n\n" + p.Summary
			messages = []domain.Message{{
				Role:    domain.RoleUser,
				Content: []domain.Content{{Type: domain.ContentText, Text: &domain.TextContent{Text: text}}},
			}}

		case domain.EventContextCleared:
			messages = nil

		case domain.EventMemoryLedger:
			var p struct {
				Text string `json:"text"`
			}
			if err := json.Unmarshal(e.Payload, &p); err != nil {
				return fmt.Errorf("replay: parse memory.ledger %s: %w", e.ID, err)
			}
			mgr.SetMemory(p.Text)

		case domain.EventRulesLoaded:
			var p struct {
				Rules []struct {
					Name string `json:"name"`
					Glob string `json:"glob"`
					Text string `json:"text"`
				} `json:"rules"`
			}
			if err := json.Unmarshal(e.Payload, &p); err != nil {
				return fmt.Errorf("replay: parse rules.loaded %s: %w", e.ID, err)
			}
			for _, r := range p.Rules {
				if r.Glob == "" {
					mgr.RulesIndex().AddGlobal(r.Name, r.Text)
				} else {
					mgr.RulesIndex().AddScoped(r.Name, r.Glob, r.Text)
				}
			}

		case domain.EventSkillAdded:
			if name := payloadName(e.Payload); name != "" {
				skills = append(skills, name)
			}

		case domain.EventSkillRemoved:
			name := payloadName(e.Payload)
			kept := skills[:0]
			for _, s := range skills {
				if s != name {
					kept = append(kept, s)
				}
			}
			skills = kept

		case domain.EventSubagentCompleted:
			var p struct {
				Summary string `json:"summary"`
			}
			if err := json.Unmarshal(e.Payload, &p); err != nil {
				return fmt.Errorf("replay: parse subagent.completed %s: %w", e.ID, err)
			}
			if p.Summary != "" {
				subRes = append(subRes, p.Summary)
			}
		}
	}

	mgr.ReplaceHistory(messages)
	if len(skills) > 0 {
		mgr.SetSkills(skills)
	}
	if len(subRes) > 0 {
		mgr.SetSubagentResults(subRes)
	}
	return nil
}

func roleFor(t domain.EventType) domain.Role {
	switch t {
	case domain.EventMessageUser:
		return domain.RoleUser
	case domain.EventMessageAssistant:
		return domain.RoleAssistant
	default:
		return domain.RoleSystem
	}
}

func payloadName(payload []byte) string {
	var p struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(payload, &p); err != nil {
		return ""
	}
	return p.Name
}
