package tools

import (
	"context"
	"errors"
	"testing"
)

func TestDispatchUnknownToolIsNonFatal(t *testing.T) {
	r := NewRegistry()
	result, err := r.Dispatch(context.Background(), "nope", nil, ExecContext{})

	var unknown *UnknownToolError
	if !errors.As(err, &unknown) {
		t.Fatalf("err = %v, want *UnknownToolError", err)
	}
	if unknown.Name != "nope" {
		t.Errorf("unknown.Name = %q", unknown.Name)
	}
	if !result.IsError {
		t.Error("result.IsError = false, want true")
	}
}

func TestDispatchWrapsExecutionFailure(t *testing.T) {
	r := NewRegistry()
	r.Register(Tool{
		Name: "boom",
		Execute: func(ctx context.Context, params map[string]any, ec ExecContext) (ToolResult, error) {
			return ToolResult{}, errors.New("disk on fire")
		},
	})

	result, err := r.Dispatch(context.Background(), "boom", nil, ExecContext{})
	if err != nil {
		t.Fatalf("err = %v, want nil (failure becomes error result)", err)
	}
	if !result.IsError {
		t.Fatal("result.IsError = false, want true")
	}
}

func TestDispatchPassesThroughStopSentinel(t *testing.T) {
	r := NewRegistry()
	r.Register(Tool{
		Name: "halt",
		Execute: func(ctx context.Context, params map[string]any, ec ExecContext) (ToolResult, error) {
			return Text("stopping"), StopTurnRequested
		},
	})

	result, err := r.Dispatch(context.Background(), "halt", nil, ExecContext{})
	if err != StopTurnRequested {
		t.Fatalf("err = %v, want StopTurnRequested", err)
	}
	if result.IsError {
		t.Error("stop sentinel marked as error result")
	}
}

func TestDefinitionsAreSortedByName(t *testing.T) {
	r := NewRegistry()
	for _, name := range []string{"zeta", "alpha", "mid"} {
		r.Register(Tool{Name: name})
	}
	defs := r.Definitions()
	want := []string{"alpha", "mid", "zeta"}
	if len(defs) != len(want) {
		t.Fatalf("got %d definitions", len(defs))
	}
	for i, d := range defs {
		if d.Name != want[i] {
			t.Errorf("defs[%d] = %s, want %s", i, d.Name, want[i])
		}
	}
}
