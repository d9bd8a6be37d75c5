// Package ports declares the interfaces the streaming core consumes. The
// concrete agent client and message store live outside this repository; the
// server is wired against these contracts.
package ports

import (
	"context"
	"time"

	"relay/internal/stream"
)

// GenerationRequest is one user turn submitted to the upstream agent.
type GenerationRequest struct {
	SessionID string
	MessageID string
	Content   string
}

// UpstreamClient produces the ordered chunk stream for a generation.
//
// Stream returns a channel that yields chunks in production order and is
// closed when the generation ends. A well-behaved client emits exactly one
// terminal chunk (done or error) before closing; the controller tolerates
// clients that close without one. The client must honor ctx cancellation
// promptly.
type UpstreamClient interface {
	Stream(ctx context.Context, req GenerationRequest) (<-chan stream.Chunk, error)
}

// ToolCallRecord captures one tool round-trip inside an assembled message.
type ToolCallRecord struct {
	ID      string         `json:"id"`
	Name    string         `json:"name"`
	Input   map[string]any `json:"input,omitempty"`
	Output  string         `json:"output,omitempty"`
	IsError bool           `json:"is_error,omitempty"`
}

// SavedMessage is the single logical message assembled from a generation's
// chunk stream, handed to the persistence collaborator after the terminal
// chunk.
type SavedMessage struct {
	SessionID    string           `json:"session_id"`
	MessageID    string           `json:"message_id"`
	Content      string           `json:"content"`
	ToolCalls    []ToolCallRecord `json:"tool_calls,omitempty"`
	InputTokens  int              `json:"input_tokens,omitempty"`
	OutputTokens int              `json:"output_tokens,omitempty"`
	Error        string           `json:"error,omitempty"`
	CompletedAt  time.Time        `json:"completed_at"`
}

// MessageStore persists assembled messages. Called by the transport layer,
// never by the streaming core itself.
type MessageStore interface {
	SaveMessage(ctx context.Context, msg SavedMessage) error
}
