package domain

import "encoding/json"

// toolUseWire is the legacy wire shape for a tool_use content block: the
// parameter map travels under the key "input" even though the in-process
// value is named Arguments. Renaming the wire field would break every
// stored payload, so the alias is kept.
type toolUseWire struct {
	Type  ContentType    `json:"type"`
	ID    string         `json:"id"`
	Name  string         `json:"name"`
	Input map[string]any `json:"input"`
}

// MarshalJSON implements the wire convention described in toolUseWire.
func (c Content) MarshalJSON() ([]byte, error) {
	switch c.Type {
	case ContentText:
		return json.Marshal(struct {
			Type ContentType `json:"type"`
			Text string      `json:"text"`
		}{c.Type, c.Text.Text})
	case ContentThinking:
		return json.Marshal(struct {
			Type      ContentType `json:"type"`
			Thinking  string      `json:"thinking"`
			Signature string      `json:"signature,omitempty"`
			Redacted  []byte      `json:"redacted,omitempty"`
		}{c.Type, c.Thinking.Thinking, c.Thinking.Signature, c.Thinking.Redacted})
	case ContentToolUse:
		return json.Marshal(toolUseWire{c.Type, c.ToolUse.ID, c.ToolUse.Name, c.ToolUse.Arguments})
	case ContentToolResult:
		return json.Marshal(struct {
			Type      ContentType `json:"type"`
			ToolUseID string      `json:"tool_use_id"`
			Content   string      `json:"content"`
			IsError   bool        `json:"is_error,omitempty"`
		}{c.Type, c.ToolResult.ToolUseID, c.ToolResult.Content, c.ToolResult.IsError})
	default:
		return nil, errUnknownContentType(c.Type)
	}
}

// UnmarshalJSON implements the reverse of MarshalJSON.
func (c *Content) UnmarshalJSON(data []byte) error {
	var tag struct {
		Type ContentType `json:"type"`
	}
	if err := json.Unmarshal(data, &tag); err != nil {
		return err
	}
	c.Type = tag.Type
	switch tag.Type {
	case ContentText:
		var v struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		c.Text = &TextContent{Text: v.Text}
	case ContentThinking:
		var v struct {
			Thinking  string `json:"thinking"`
			Signature string `json:"signature"`
			Redacted  []byte `json:"redacted"`
		}
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		c.Thinking = &ThinkingContent{Thinking: v.Thinking, Signature: v.Signature, Redacted: v.Redacted}
	case ContentToolUse:
		var v toolUseWire
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		c.ToolUse = &ToolUseContent{ID: v.ID, Name: v.Name, Arguments: v.Input}
	case ContentToolResult:
		var v struct {
			ToolUseID string `json:"tool_use_id"`
			Content   string `json:"content"`
			IsError   bool   `json:"is_error"`
		}
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		c.ToolResult = &ToolResultContent{ToolUseID: v.ToolUseID, Content: v.Content, IsError: v.IsError}
	default:
		return errUnknownContentType(tag.Type)
	}
	return nil
}

type errUnknownContentType ContentType

func (e errUnknownContentType) Error() string {
	return "domain: unknown content type " + string(e)
}

// MessageDeletedPayload is the payload shape for an EventMessageDeleted
// event.
type MessageDeletedPayload struct {
	TargetEventID string `json:"targetEventId"`
	TargetType    string `json:"targetType"`
	Reason        string `json:"reason,omitempty"`
}
