package stream

// Server message types shared by the SSE and WebSocket transports.
const (
	MessageTextDelta  = "text_delta"
	MessageToolCall   = "tool_call"
	MessageToolResult = "tool_result"
	MessageComplete   = "message_complete"
	MessageError      = "error"
)

// ServerMessage is the wire-level projection of a Chunk. It is not
// persisted; transports rebuild it per delivery.
type ServerMessage struct {
	Type      string         `json:"type"`
	Content   string         `json:"content,omitempty"`
	ID        string         `json:"id,omitempty"`
	Name      string         `json:"name,omitempty"`
	Input     map[string]any `json:"input,omitempty"`
	Output    string         `json:"output,omitempty"`
	IsError   bool           `json:"isError,omitempty"`
	Message   string         `json:"message,omitempty"`
	MessageID string         `json:"messageId,omitempty"`
}

// Encode translates a chunk into its wire message, or nil for chunk kinds
// with no external projection (usage). Both transports must go through this
// single mapping so they can never diverge in what they expose for the same
// underlying event.
func Encode(c Chunk) *ServerMessage {
	switch c.Kind {
	case KindText:
		return &ServerMessage{Type: MessageTextDelta, Content: c.Content}
	case KindToolUse:
		return &ServerMessage{Type: MessageToolCall, ID: c.ToolID, Name: c.ToolName, Input: c.ToolInput}
	case KindToolResult:
		return &ServerMessage{Type: MessageToolResult, ID: c.ToolID, Output: c.ToolOutput, IsError: c.ToolIsError}
	case KindDone:
		return &ServerMessage{Type: MessageComplete}
	case KindError:
		return &ServerMessage{Type: MessageError, Message: c.ErrMessage}
	case KindUsage:
		// Token accounting is internal bookkeeping; transports skip it.
		return nil
	default:
		return nil
	}
}

// EncodeFor is Encode plus the messageId correlation tag used when a
// consumer multiplexes several turns over one connection.
func EncodeFor(c Chunk, messageID string) *ServerMessage {
	msg := Encode(c)
	if msg == nil {
		return nil
	}
	msg.MessageID = messageID
	return msg
}
