package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"relay/internal/logging"
	"relay/internal/server/app"
	"relay/internal/stream"
)

const sseHeartbeatInterval = 30 * time.Second

// SSEHandler streams a session's chunks as Server-Sent Events.
type SSEHandler struct {
	registry *app.Registry
	buffer   int
	logger   logging.Logger
}

// NewSSEHandler creates a new SSE handler.
func NewSSEHandler(registry *app.Registry, buffer int) *SSEHandler {
	return &SSEHandler{
		registry: registry,
		buffer:   buffer,
		logger:   logging.NewComponentLogger("SSEHandler"),
	}
}

// HandleStream subscribes the connection to the session in the path and
// emits every encoded chunk as a `data: <JSON>` frame. The connection closes
// after a message_complete or error frame; a client disconnect unsubscribes
// without touching the generation or other subscribers.
func (h *SSEHandler) HandleStream(c *gin.Context) {
	sessionID := c.Param("id")
	_, sub, err := subscribeSession(h.registry, sessionID, h.buffer)
	if err != nil {
		c.String(http.StatusServiceUnavailable, "session unavailable")
		return
	}
	defer sub.Cancel()

	w := c.Writer
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering

	flusher, ok := w.(http.Flusher)
	if !ok {
		c.String(http.StatusInternalServerError, "streaming unsupported")
		return
	}

	h.logger.Info("SSE connection established: session=%s subscriber=%s", sessionID, sub.ID)

	// Comment frame so proxies see traffic before the first chunk.
	fmt.Fprintf(w, ": connected session=%s\n\n", sessionID)
	flusher.Flush()

	ticker := time.NewTicker(sseHeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case chunk, ok := <-sub.C:
			if !ok {
				// Session torn down; the terminal error frame (if any)
				// already went out before the channel closed.
				h.logger.Info("SSE subscription closed: session=%s", sessionID)
				return
			}
			msg := stream.Encode(chunk)
			if msg == nil {
				continue
			}
			data, err := json.Marshal(msg)
			if err != nil {
				h.logger.Error("Failed to encode chunk for session %s: %v", sessionID, err)
				continue
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
				h.logger.Error("Failed to write SSE frame for session %s: %v", sessionID, err)
				return
			}
			flusher.Flush()

			if chunk.Terminal() {
				h.logger.Info("SSE stream complete: session=%s", sessionID)
				return
			}

		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()

		case <-c.Request.Context().Done():
			h.logger.Info("SSE client disconnected: session=%s", sessionID)
			return
		}
	}
}
