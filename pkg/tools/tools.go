// Package tools implements the name-addressed tool registry and
// dispatcher: a uniform name/category/parameter-schema triple plus an
// executor returning a ToolResult, looked up by name and dispatched with
// an error contract that never terminates the agent on an unknown tool.
// Concrete shell/filesystem/web tools live outside this core; the
// demonstration tools here exercise the dispatcher end-to-end.
package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nstogner/agentrt/pkg/domain"
)

// ContentBlock is one block of a ToolResult: either text or structured
// JSON, mirroring the shape of domain.Content's text/tool_result blocks
// without depending on them (ToolResult travels only within this
// package's and the Turn Runner's boundary, never persisted as-is).
type ContentBlock struct {
	Text string
	JSON any
}

// ToolResult is the uniform result contract every tool returns.
type ToolResult struct {
	ContentBlocks []ContentBlock
	IsError       bool
}

// Text returns a ToolResult carrying a single text block.
func Text(s string) ToolResult { return ToolResult{ContentBlocks: []ContentBlock{{Text: s}}} }

// Errorf returns an error ToolResult with a formatted message. Tool
// failures surface as error content rather than Go errors; they never
// terminate the turn.
func Errorf(format string, args ...any) ToolResult {
	return ToolResult{ContentBlocks: []ContentBlock{{Text: fmt.Sprintf(format, args...)}}, IsError: true}
}

// ExecContext carries the per-call state a tool implementation may need:
// the owning session and working directory. Cancellation arrives through
// the context.Context passed to Execute, which the tool contract requires
// honoring.
type ExecContext struct {
	SessionID        string
	WorkingDirectory string
}

// Tool is the {name, category, parameter_schema} triple plus its
// executor.
type Tool struct {
	Name            string
	Category        string
	Description     string
	ParameterSchema map[string]any
	Execute         func(ctx context.Context, params map[string]any, ec ExecContext) (ToolResult, error)
}

// Definition converts t into the provider-facing shape used to build a
// Context's tool list.
func (t Tool) Definition() domain.ToolDefinition {
	return domain.ToolDefinition{Name: t.Name, Description: t.Description, ParameterSchema: t.ParameterSchema}
}

// UnknownToolError is returned by Dispatch for a name with no registered
// Tool. It is a typed, non-fatal error: callers must surface it as a
// tool.result with is_error=true rather than aborting the turn.
type UnknownToolError struct {
	Name string
}

func (e *UnknownToolError) Error() string { return fmt.Sprintf("tools: unknown tool %q", e.Name) }

// Registry is a name-addressed map of tools.
type Registry struct {
	byName map[string]Tool
}

// NewRegistry builds an empty Registry.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]Tool)}
}

// Register adds or replaces a tool by name.
func (r *Registry) Register(t Tool) {
	r.byName[t.Name] = t
}

// Lookup returns the tool registered under name, if any.
func (r *Registry) Lookup(name string) (Tool, bool) {
	t, ok := r.byName[name]
	return t, ok
}

// Definitions returns every registered tool's provider-facing definition,
// ordered by name for deterministic context assembly.
func (r *Registry) Definitions() []domain.ToolDefinition {
	names := r.names()
	out := make([]domain.ToolDefinition, 0, len(names))
	for _, n := range names {
		out = append(out, r.byName[n].Definition())
	}
	return out
}

func (r *Registry) names() []string {
	out := make([]string, 0, len(r.byName))
	for n := range r.byName {
		out = append(out, n)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1] > out[j]; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}

// StopTurnRequested is the sentinel a tool returns to request early turn
// termination. Tools that want this behavior return it as the error from
// Execute; Dispatch recognizes it and does not wrap it as a generic
// failure.
var StopTurnRequested = fmt.Errorf("tools: stop turn requested")

// Dispatch looks up name in r and executes it. An unknown tool produces
// an error ToolResult and a non-nil *UnknownToolError (the caller decides
// whether to log it; it must never terminate the agent). A tool execution
// failure (any error other than StopTurnRequested) is wrapped into an
// error ToolResult the same way.
func (r *Registry) Dispatch(ctx context.Context, name string, params map[string]any, ec ExecContext) (ToolResult, error) {
	t, ok := r.byName[name]
	if !ok {
		err := &UnknownToolError{Name: name}
		return Errorf("unknown tool %q", name), err
	}
	result, err := t.Execute(ctx, params, ec)
	if err != nil {
		if err == StopTurnRequested {
			return result, StopTurnRequested
		}
		return Errorf("tool %q failed: %v", name, err), nil
	}
	return result, nil
}

// NoteStore is the minimal persistence surface the demonstration note
// tools need; cmd/agentrtd implements it with an adapter over the Event
// Store's full-text search.
type NoteStore interface {
	Search(ctx context.Context, query string) ([]NoteRef, error)
}

// NoteRef is a lightweight search result.
type NoteRef struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// InstructionSink receives the result of the update-instructions tool.
type InstructionSink interface {
	SetInstructions(ctx context.Context, instructions string) error
}

// RegisterDemoTools registers the small set of demonstration tools that
// exercise the dispatcher end-to-end: a read-only note query tool, an
// instruction-update tool, and an inert no-op tool used by turn-loop
// tests.
func RegisterDemoTools(r *Registry, notes NoteStore, instructions InstructionSink) {
	r.Register(Tool{
		Name:        "query_notes",
		Category:    "memory",
		Description: "Search previously stored notes by keyword.",
		ParameterSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{"query": map[string]any{"type": "string", "description": "The search query."}},
			"required":   []any{"query"},
		},
		Execute: func(ctx context.Context, params map[string]any, ec ExecContext) (ToolResult, error) {
			query, _ := params["query"].(string)
			if query == "" {
				return Errorf("'query' parameter is required"), nil
			}
			refs, err := notes.Search(ctx, query)
			if err != nil {
				return ToolResult{}, err
			}
			b, err := json.Marshal(refs)
			if err != nil {
				return ToolResult{}, err
			}
			return ToolResult{ContentBlocks: []ContentBlock{{JSON: json.RawMessage(b)}}}, nil
		},
	})

	r.Register(Tool{
		Name:        "update_instructions",
		Category:    "control",
		Description: "Replace the agent's self-set instructions.",
		ParameterSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{"instructions": map[string]any{"type": "string"}},
			"required":   []any{"instructions"},
		},
		Execute: func(ctx context.Context, params map[string]any, ec ExecContext) (ToolResult, error) {
			instr, _ := params["instructions"].(string)
			if err := instructions.SetInstructions(ctx, instr); err != nil {
				return ToolResult{}, err
			}
			return Text("Instructions updated successfully."), nil
		},
	})

	r.Register(Tool{
		Name:            "noop",
		Category:        "test",
		Description:     "Does nothing; used to exercise the dispatcher without side effects.",
		ParameterSchema: map[string]any{"type": "object", "properties": map[string]any{}},
		Execute: func(ctx context.Context, params map[string]any, ec ExecContext) (ToolResult, error) {
			return Text("ok"), nil
		},
	})
}
