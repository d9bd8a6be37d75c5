package http

import (
	"context"
	"time"

	"relay/internal/async"
	"relay/internal/logging"
	"relay/internal/server/app"
	"relay/internal/server/ports"
	"relay/internal/stream"
)

// Assembler folds a generation's chunk stream into the single logical
// message handed to the persistence collaborator. The core guarantees the
// feeding subscription sees every chunk exactly once, in order, before the
// terminal chunk; the assembler just accumulates.
type Assembler struct {
	sessionID string
	messageID string

	content      []byte
	toolCalls    []ports.ToolCallRecord
	inputTokens  int
	outputTokens int
	errMsg       string
}

// NewAssembler starts an empty assembly for one generation.
func NewAssembler(sessionID, messageID string) *Assembler {
	return &Assembler{sessionID: sessionID, messageID: messageID}
}

// Add folds one chunk into the assembly.
func (a *Assembler) Add(c stream.Chunk) {
	switch c.Kind {
	case stream.KindText:
		a.content = append(a.content, c.Content...)
	case stream.KindToolUse:
		a.toolCalls = append(a.toolCalls, ports.ToolCallRecord{
			ID:    c.ToolID,
			Name:  c.ToolName,
			Input: c.ToolInput,
		})
	case stream.KindToolResult:
		for i := range a.toolCalls {
			if a.toolCalls[i].ID == c.ToolID {
				a.toolCalls[i].Output = c.ToolOutput
				a.toolCalls[i].IsError = c.ToolIsError
				return
			}
		}
		// Result without a matching call; keep it rather than lose output.
		a.toolCalls = append(a.toolCalls, ports.ToolCallRecord{
			ID:      c.ToolID,
			Output:  c.ToolOutput,
			IsError: c.ToolIsError,
		})
	case stream.KindUsage:
		a.inputTokens += c.InputTokens
		a.outputTokens += c.OutputTokens
	case stream.KindError:
		// Partial output before a failure is kept: error means "stop
		// accumulating, what you have is incomplete", not "discard".
		a.errMsg = c.ErrMessage
	case stream.KindDone:
	}
}

// Message returns the assembled result.
func (a *Assembler) Message() ports.SavedMessage {
	return ports.SavedMessage{
		SessionID:    a.sessionID,
		MessageID:    a.messageID,
		Content:      string(a.content),
		ToolCalls:    a.toolCalls,
		InputTokens:  a.inputTokens,
		OutputTokens: a.outputTokens,
		Error:        a.errMsg,
		CompletedAt:  time.Now(),
	}
}

const saveTimeout = 10 * time.Second

// persistGeneration drains sub until the terminal chunk, then saves the
// assembled message. The subscription must be registered before Send so no
// chunk is missed. Runs in the background; the triggering handler has long
// since returned by the time the save fires.
func persistGeneration(store ports.MessageStore, sub *app.Subscription, sessionID, messageID string, logger logging.Logger) {
	async.Go(logger, "http.persistGeneration", func() {
		defer sub.Cancel()

		asm := NewAssembler(sessionID, messageID)
		for chunk := range sub.C {
			asm.Add(chunk)
			if chunk.Terminal() {
				break
			}
		}

		ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
		defer cancel()
		if err := store.SaveMessage(ctx, asm.Message()); err != nil {
			logger.Error("Failed to persist message %s for session %s: %v", messageID, sessionID, err)
			return
		}
		logger.Debug("Persisted message %s for session %s", messageID, sessionID)
	})
}
