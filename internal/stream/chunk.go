package stream

// Kind discriminates the chunk union.
type Kind string

const (
	// KindText carries an incremental content fragment.
	KindText Kind = "text"
	// KindToolUse announces a tool invocation request.
	KindToolUse Kind = "tool_use"
	// KindToolResult carries a tool invocation outcome.
	KindToolResult Kind = "tool_result"
	// KindUsage carries token accounting. It has no wire projection.
	KindUsage Kind = "usage"
	// KindDone terminates a generation successfully.
	KindDone Kind = "done"
	// KindError terminates a generation with a failure message.
	KindError Kind = "error"
)

// Chunk is one incremental unit of upstream output. Exactly one Done or
// Error chunk terminates a generation; no chunks follow it.
type Chunk struct {
	Kind Kind

	// KindText
	Content string

	// KindToolUse / KindToolResult
	ToolID      string
	ToolName    string
	ToolInput   map[string]any
	ToolOutput  string
	ToolIsError bool

	// KindUsage
	InputTokens  int
	OutputTokens int

	// KindError
	ErrMessage string
}

// Terminal reports whether the chunk ends its generation.
func (c Chunk) Terminal() bool {
	return c.Kind == KindDone || c.Kind == KindError
}

// TextChunk builds a content fragment chunk.
func TextChunk(content string) Chunk {
	return Chunk{Kind: KindText, Content: content}
}

// ToolUseChunk builds a tool invocation request chunk.
func ToolUseChunk(id, name string, input map[string]any) Chunk {
	return Chunk{Kind: KindToolUse, ToolID: id, ToolName: name, ToolInput: input}
}

// ToolResultChunk builds a tool invocation outcome chunk.
func ToolResultChunk(id, output string, isError bool) Chunk {
	return Chunk{Kind: KindToolResult, ToolID: id, ToolOutput: output, ToolIsError: isError}
}

// UsageChunk builds a token accounting chunk.
func UsageChunk(inputTokens, outputTokens int) Chunk {
	return Chunk{Kind: KindUsage, InputTokens: inputTokens, OutputTokens: outputTokens}
}

// DoneChunk builds the terminal success chunk.
func DoneChunk() Chunk {
	return Chunk{Kind: KindDone}
}

// ErrorChunk builds the terminal failure chunk.
func ErrorChunk(message string) Chunk {
	return Chunk{Kind: KindError, ErrMessage: message}
}
