package domain

// AncillaryBlock is one named, ordered block composed into a Context's
// system prompt. Order matters: it is part of the prompt-cache
// breakpoint stability contract (stable blocks precede volatile ones).
type AncillaryBlock struct {
	Name   string
	Text   string
	Stable bool // true for rules/memory/skills; false for dynamic/task blocks
}

// ToolDefinition describes one tool available to the model for a single
// Context. It mirrors tools.Tool's public shape without importing the
// tools package, avoiding an import cycle (domain is a leaf package).
type ToolDefinition struct {
	Name            string
	Description     string
	ParameterSchema map[string]any
}

// Context is the materialized input to one provider call. It is transient:
// built per turn, consumed once, and discarded — never persisted.
type Context struct {
	Messages         []Message
	SystemPrompt     string
	Ancillary        []AncillaryBlock
	Tools            []ToolDefinition
	WorkingDirectory string
}
