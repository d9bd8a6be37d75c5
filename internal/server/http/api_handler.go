package http

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"relay/internal/logging"
	"relay/internal/server/app"
	"relay/internal/server/ports"
)

// APIHandler serves the session message endpoints.
type APIHandler struct {
	registry  *app.Registry
	store     ports.MessageStore
	buffer    int
	logger    logging.Logger
	startTime time.Time
}

// NewAPIHandler creates the handler. store may be nil when persistence is
// not configured; generations then stream without being saved.
func NewAPIHandler(registry *app.Registry, store ports.MessageStore, buffer int) *APIHandler {
	return &APIHandler{
		registry:  registry,
		store:     store,
		buffer:    buffer,
		logger:    logging.NewComponentLogger("APIHandler"),
		startTime: time.Now(),
	}
}

type sendMessageRequest struct {
	Content   string `json:"content" binding:"required"`
	MessageID string `json:"messageId"`
}

// HandleSendMessage triggers a generation for the session in the path. It
// returns 202 once the generation is accepted; output is delivered through
// the session's subscriptions, not this response.
func (h *APIHandler) HandleSendMessage(c *gin.Context) {
	sessionID := c.Param("id")

	var req sendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "content is required"})
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "content must not be empty"})
		return
	}

	messageID := req.MessageID
	if messageID == "" {
		messageID = uuid.NewString()
	}

	// The persistence subscription attaches before Send so it observes the
	// full chunk stream for this generation.
	var (
		sess *app.Session
		sub  *app.Subscription
	)
	if h.store != nil {
		var err error
		sess, sub, err = subscribeSession(h.registry, sessionID, h.buffer)
		if err != nil {
			h.writeSendError(c, err)
			return
		}
	} else {
		sess = h.registry.GetOrCreate(sessionID)
	}

	err := sess.Send(c.Request.Context(), ports.GenerationRequest{
		SessionID: sessionID,
		MessageID: messageID,
		Content:   req.Content,
	})
	if err != nil {
		if sub != nil {
			sub.Cancel()
		}
		h.writeSendError(c, err)
		return
	}

	if sub != nil {
		persistGeneration(h.store, sub, sessionID, messageID, h.logger)
	}

	c.JSON(http.StatusAccepted, gin.H{
		"session_id": sessionID,
		"message_id": messageID,
	})
}

// subscribeSession resolves a live session and attaches a subscription. A
// handle can go dead between lookup and subscribe when a reaper sweep or a
// delete races the caller; re-resolving through the registry yields a fresh
// session for the same id.
func subscribeSession(registry *app.Registry, sessionID string, buffer int) (*app.Session, *app.Subscription, error) {
	for attempt := 0; attempt < 3; attempt++ {
		sess := registry.GetOrCreate(sessionID)
		sub, err := sess.Subscribe(buffer)
		if err == nil {
			return sess, sub, nil
		}
	}
	return nil, nil, app.SessionClosedError(sessionID)
}

func (h *APIHandler) writeSendError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, app.ErrGenerationInProgress):
		c.JSON(http.StatusConflict, gin.H{"error": "generation in progress"})
	case errors.Is(err, app.ErrSessionClosed):
		c.JSON(http.StatusGone, gin.H{"error": "session closed"})
	default:
		h.logger.Error("Send failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

// HandleStop requests cancellation of the session's in-flight generation.
// Cancellation is session-scoped: any connection may stop a generation
// started by another. Stopping an idle session is a benign no-op, so the
// response is 202 either way.
func (h *APIHandler) HandleStop(c *gin.Context) {
	sessionID := c.Param("id")

	sess, err := h.registry.Get(sessionID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	sess.Stop()
	c.JSON(http.StatusAccepted, gin.H{"session_id": sessionID, "state": string(sess.State())})
}

// HandleDeleteSession tears the session down: pending generation cancelled,
// subscribers notified with a terminal error, entry removed.
func (h *APIHandler) HandleDeleteSession(c *gin.Context) {
	h.registry.Close(c.Param("id"))
	c.Status(http.StatusNoContent)
}

// HandleHealth reports process liveness and registry size.
func (h *APIHandler) HandleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"sessions": h.registry.Len(),
		"uptime":   time.Since(h.startTime).String(),
	})
}
