package stream

import (
	"reflect"
	"testing"
)

func TestEncodeText(t *testing.T) {
	msg := Encode(TextChunk("hello"))
	if msg == nil {
		t.Fatal("expected message for text chunk")
	}
	if msg.Type != MessageTextDelta || msg.Content != "hello" {
		t.Errorf("unexpected encoding: %+v", msg)
	}
}

func TestEncodeToolUse(t *testing.T) {
	input := map[string]any{"path": "/tmp/x"}
	msg := Encode(ToolUseChunk("call-1", "read_file", input))
	if msg == nil {
		t.Fatal("expected message for tool_use chunk")
	}
	if msg.Type != MessageToolCall || msg.ID != "call-1" || msg.Name != "read_file" {
		t.Errorf("unexpected encoding: %+v", msg)
	}
	if !reflect.DeepEqual(msg.Input, input) {
		t.Errorf("input not carried through: %+v", msg.Input)
	}
}

func TestEncodeToolResult(t *testing.T) {
	msg := Encode(ToolResultChunk("call-1", "file contents", true))
	if msg == nil {
		t.Fatal("expected message for tool_result chunk")
	}
	if msg.Type != MessageToolResult || msg.ID != "call-1" || msg.Output != "file contents" || !msg.IsError {
		t.Errorf("unexpected encoding: %+v", msg)
	}
}

func TestEncodeDone(t *testing.T) {
	msg := Encode(DoneChunk())
	if msg == nil || msg.Type != MessageComplete {
		t.Errorf("unexpected encoding: %+v", msg)
	}
}

func TestEncodeError(t *testing.T) {
	msg := Encode(ErrorChunk("upstream failed"))
	if msg == nil || msg.Type != MessageError || msg.Message != "upstream failed" {
		t.Errorf("unexpected encoding: %+v", msg)
	}
}

func TestEncodeUsageHasNoWireProjection(t *testing.T) {
	if msg := Encode(UsageChunk(10, 20)); msg != nil {
		t.Errorf("usage chunks must encode to nil, got %+v", msg)
	}
}

// Every chunk kind must map to a documented wire shape or an explicit nil;
// a new kind silently falling through the encoder would desync the two
// transports.
func TestEncodeCoversAllKinds(t *testing.T) {
	cases := map[Kind]bool{
		KindText:       true,
		KindToolUse:    true,
		KindToolResult: true,
		KindUsage:      false,
		KindDone:       true,
		KindError:      true,
	}
	for kind, wantMessage := range cases {
		msg := Encode(Chunk{Kind: kind})
		if wantMessage && msg == nil {
			t.Errorf("kind %s: expected a wire message, got nil", kind)
		}
		if !wantMessage && msg != nil {
			t.Errorf("kind %s: expected nil, got %+v", kind, msg)
		}
	}
}

func TestEncodeForTagsMessageID(t *testing.T) {
	msg := EncodeFor(TextChunk("x"), "msg-42")
	if msg == nil || msg.MessageID != "msg-42" {
		t.Errorf("expected messageId tag, got %+v", msg)
	}
	if EncodeFor(UsageChunk(1, 1), "msg-42") != nil {
		t.Error("EncodeFor must preserve the nil projection for usage")
	}
}

func TestTerminal(t *testing.T) {
	if !DoneChunk().Terminal() || !ErrorChunk("x").Terminal() {
		t.Error("done and error chunks must be terminal")
	}
	if TextChunk("x").Terminal() || UsageChunk(1, 1).Terminal() || ToolUseChunk("id", "n", nil).Terminal() {
		t.Error("non-terminal chunk reported terminal")
	}
}
