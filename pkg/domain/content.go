package domain

// ContentType tags one block within a message's content list.
type ContentType string

const (
	ContentText       ContentType = "text"
	ContentThinking   ContentType = "thinking"
	ContentToolUse    ContentType = "tool_use"
	ContentToolResult ContentType = "tool_result"
)

// Content is one block of a message. Only the field matching Type is set.
//
// The wire field for a tool call's parameters is "input" by legacy
// convention; the in-process value is named Arguments. The MarshalJSON/
// UnmarshalJSON implementations in wire.go carry that alias across the
// boundary.
type Content struct {
	Type ContentType

	Text       *TextContent
	Thinking   *ThinkingContent
	ToolUse    *ToolUseContent
	ToolResult *ToolResultContent
}

type TextContent struct {
	Text string
}

type ThinkingContent struct {
	Thinking  string
	Signature string
	Redacted  []byte
}

type ToolUseContent struct {
	ID        string
	Name      string
	Arguments map[string]any
}

type ToolResultContent struct {
	ToolUseID string
	Content   string
	IsError   bool
}

// Message is one turn of conversation, independent of any vendor wire
// format.
type Message struct {
	Role    Role
	Content []Content
}
