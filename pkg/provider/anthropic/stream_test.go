package anthropic

import (
	"context"
	"encoding/json"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"

	"github.com/nstogner/agentrt/pkg/domain"
	"github.com/nstogner/agentrt/pkg/provider"
)

// fakeStream feeds a fixed sequence of SDK events.
type fakeStream struct {
	events []sdk.MessageStreamEventUnion
	i      int
	err    error
	closed bool
}

func (s *fakeStream) Next() bool {
	if s.i >= len(s.events) {
		return false
	}
	s.i++
	return true
}

func (s *fakeStream) Current() sdk.MessageStreamEventUnion { return s.events[s.i-1] }
func (s *fakeStream) Err() error                           { return s.err }
func (s *fakeStream) Close() error                         { s.closed = true; return nil }

func wireEvent(t *testing.T, raw string) sdk.MessageStreamEventUnion {
	t.Helper()
	var ev sdk.MessageStreamEventUnion
	if err := json.Unmarshal([]byte(raw), &ev); err != nil {
		t.Fatalf("unmarshal wire event: %v", err)
	}
	return ev
}

func collect(t *testing.T, ch <-chan provider.NormalizedStreamEvent) []provider.NormalizedStreamEvent {
	t.Helper()
	var out []provider.NormalizedStreamEvent
	for ev := range ch {
		out = append(out, ev)
	}
	return out
}

// TestRunStreamReassemblesMessage drives a full text+thinking+tool stream
// through the chunk processor and checks that Done carries the reassembled
// assistant message and the vendor-reported usage totals.
func TestRunStreamReassemblesMessage(t *testing.T) {
	stream := &fakeStream{events: []sdk.MessageStreamEventUnion{
		wireEvent(t, `{"type":"message_start","message":{"id":"m1","usage":{"input_tokens":10,"cache_read_input_tokens":4,"cache_creation_input_tokens":2}}}`),
		wireEvent(t, `{"type":"content_block_start","index":0,"content_block":{"type":"thinking","thinking":""}}`),
		wireEvent(t, `{"type":"content_block_delta","index":0,"delta":{"type":"thinking_delta","thinking":"considering"}}`),
		wireEvent(t, `{"type":"content_block_delta","index":0,"delta":{"type":"signature_delta","signature":"sig1"}}`),
		wireEvent(t, `{"type":"content_block_stop","index":0}`),
		wireEvent(t, `{"type":"content_block_start","index":1,"content_block":{"type":"text","text":""}}`),
		wireEvent(t, `{"type":"content_block_delta","index":1,"delta":{"type":"text_delta","text":"Hel"}}`),
		wireEvent(t, `{"type":"content_block_delta","index":1,"delta":{"type":"text_delta","text":"lo"}}`),
		wireEvent(t, `{"type":"content_block_stop","index":1}`),
		wireEvent(t, `{"type":"content_block_start","index":2,"content_block":{"type":"tool_use","id":"t1","name":"read"}}`),
		wireEvent(t, `{"type":"content_block_delta","index":2,"delta":{"type":"input_json_delta","partial_json":"{\"path\":"}}`),
		wireEvent(t, `{"type":"content_block_delta","index":2,"delta":{"type":"input_json_delta","partial_json":"\"/etc/hosts\"}"}}`),
		wireEvent(t, `{"type":"content_block_stop","index":2}`),
		wireEvent(t, `{"type":"message_delta","delta":{"stop_reason":"tool_use"},"usage":{"output_tokens":5}}`),
		wireEvent(t, `{"type":"message_stop"}`),
	}}

	events := collect(t, runStream(context.Background(), stream))
	if len(events) == 0 {
		t.Fatal("no events emitted")
	}
	if events[0].Type != provider.EventStart {
		t.Fatalf("first event = %s, want Start", events[0].Type)
	}

	var done *provider.NormalizedStreamEvent
	var textDeltas string
	for i := range events {
		switch events[i].Type {
		case provider.EventTextDelta:
			textDeltas += events[i].TextDelta
		case provider.EventDone:
			done = &events[i]
		}
	}
	if textDeltas != "Hello" {
		t.Errorf("joined text deltas = %q, want %q", textDeltas, "Hello")
	}
	if done == nil {
		t.Fatal("no Done event")
	}
	if done.StopReason != "tool_use" {
		t.Errorf("stop reason = %q, want tool_use", done.StopReason)
	}
	if done.Usage.InputTokens != 10 || done.Usage.OutputTokens != 5 {
		t.Errorf("usage = %+v, want input 10 output 5", done.Usage)
	}
	if done.Usage.CacheReadInputTokens != 4 || done.Usage.CacheCreationInputTokens != 2 {
		t.Errorf("cache usage = %+v, want read 4 create 2", done.Usage)
	}

	msg := done.Message
	if msg == nil || len(msg.Content) != 3 {
		t.Fatalf("message content = %v, want 3 blocks", msg)
	}
	if msg.Content[0].Type != domain.ContentThinking || msg.Content[0].Thinking.Thinking != "considering" {
		t.Errorf("block 0 = %+v, want thinking %q", msg.Content[0], "considering")
	}
	if msg.Content[0].Thinking.Signature != "sig1" {
		t.Errorf("thinking signature = %q, want sig1", msg.Content[0].Thinking.Signature)
	}
	if msg.Content[1].Type != domain.ContentText || msg.Content[1].Text.Text != "Hello" {
		t.Errorf("block 1 = %+v, want text %q", msg.Content[1], "Hello")
	}
	tu := msg.Content[2]
	if tu.Type != domain.ContentToolUse || tu.ToolUse.Name != "read" || tu.ToolUse.ID != "t1" {
		t.Fatalf("block 2 = %+v, want tool_use read/t1", tu)
	}
	if got := tu.ToolUse.Arguments["path"]; got != "/etc/hosts" {
		t.Errorf("tool args path = %v, want /etc/hosts", got)
	}

	if !stream.closed {
		t.Error("underlying stream not closed")
	}
}

// TestRunStreamSurfacesError checks that a mid-stream decode error becomes
// a normalized Error event rather than a dropped channel.
func TestRunStreamSurfacesError(t *testing.T) {
	stream := &fakeStream{
		events: []sdk.MessageStreamEventUnion{
			wireEvent(t, `{"type":"message_start","message":{"id":"m1","usage":{"input_tokens":1}}}`),
		},
		err: context.DeadlineExceeded,
	}

	sawError := false
	for ev := range runStream(context.Background(), stream) {
		if ev.Type == provider.EventError {
			sawError = true
		}
	}
	if !sawError {
		t.Error("expected a normalized Error event")
	}
}

func TestDecodeArgsMalformedJSON(t *testing.T) {
	if got := decodeArgs(`{"a":`); len(got) != 0 {
		t.Errorf("malformed args = %v, want empty map", got)
	}
}
