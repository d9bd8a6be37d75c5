package http

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"relay/internal/async"
	"relay/internal/logging"
	"relay/internal/server/app"
	"relay/internal/server/ports"
	"relay/internal/stream"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
	wsSendBuffer   = 256
)

// Client frame types.
const (
	clientTypeMessage = "message"
	clientTypeCancel  = "cancel"
)

// clientMessage is the frame vocabulary clients send.
type clientMessage struct {
	Type      string `json:"type"`
	Content   string `json:"content,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
	MessageID string `json:"messageId,omitempty"`
}

// WSHandler serves the WebSocket transport. It speaks the same chunk
// vocabulary as the SSE handler through the shared encoder; only the framing
// differs.
type WSHandler struct {
	registry *app.Registry
	store    ports.MessageStore
	buffer   int
	upgrader websocket.Upgrader
	logger   logging.Logger
}

// NewWSHandler creates the handler. store may be nil.
func NewWSHandler(registry *app.Registry, store ports.MessageStore, buffer int) *WSHandler {
	return &WSHandler{
		registry: registry,
		store:    store,
		buffer:   buffer,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				// Origin policy is enforced by the CORS middleware in front
				// of the upgrade.
				return true
			},
		},
		logger: logging.NewComponentLogger("WSHandler"),
	}
}

// wsConn is one upgraded connection. A dedicated writer goroutine owns all
// socket writes; subscription pumps and the read loop only touch the send
// channel.
type wsConn struct {
	ws   *websocket.Conn
	send chan *stream.ServerMessage
	done chan struct{}

	mu        sync.Mutex
	subs      map[string]*app.Subscription // sessionID -> subscription
	inflight  map[string]string            // sessionID -> messageID being generated
	closeOnce sync.Once
}

// HandleWS upgrades the connection and serves message/cancel frames until
// the client disconnects. A disconnect unsubscribes this connection from
// every session it touched but never cancels a running generation; its
// result must still be persisted.
func (h *WSHandler) HandleWS(c *gin.Context) {
	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("WebSocket upgrade failed: %v", err)
		return
	}

	conn := &wsConn{
		ws:       ws,
		send:     make(chan *stream.ServerMessage, wsSendBuffer),
		done:     make(chan struct{}),
		subs:     make(map[string]*app.Subscription),
		inflight: make(map[string]string),
	}
	h.logger.Info("WebSocket connection established: %s", ws.RemoteAddr())

	async.Go(h.logger, "ws.writer", func() { h.writeLoop(conn) })

	// Pre-bind when the client supplies a session up front so it starts
	// observing an in-flight generation without sending a message first.
	if sid := strings.TrimSpace(c.Query("session_id")); sid != "" {
		if _, err := h.bindSession(conn, sid); err != nil {
			h.logger.Warn("Pre-bind to session %s failed: %v", sid, err)
		}
	}

	h.readLoop(conn)
}

func (h *WSHandler) readLoop(conn *wsConn) {
	defer h.teardown(conn)

	for {
		var msg clientMessage
		if err := conn.ws.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Warn("WebSocket read error: %v", err)
			}
			return
		}

		switch msg.Type {
		case clientTypeMessage:
			h.handleClientMessage(conn, msg)
		case clientTypeCancel:
			h.handleClientCancel(conn, msg)
		default:
			conn.enqueue(&stream.ServerMessage{
				Type:    stream.MessageError,
				Message: "unknown message type: " + msg.Type,
			})
		}
	}
}

func (h *WSHandler) handleClientMessage(conn *wsConn, msg clientMessage) {
	if strings.TrimSpace(msg.Content) == "" {
		conn.enqueue(&stream.ServerMessage{
			Type:      stream.MessageError,
			Message:   "content must not be empty",
			MessageID: msg.MessageID,
		})
		return
	}

	sessionID := msg.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	messageID := msg.MessageID
	if messageID == "" {
		messageID = uuid.NewString()
	}

	sess, err := h.bindSession(conn, sessionID)
	if err != nil {
		conn.enqueue(&stream.ServerMessage{
			Type:      stream.MessageError,
			Message:   err.Error(),
			MessageID: messageID,
		})
		return
	}

	var persistSub *app.Subscription
	if h.store != nil {
		persistSub, err = sess.Subscribe(h.buffer)
		if err != nil {
			conn.enqueue(&stream.ServerMessage{
				Type:      stream.MessageError,
				Message:   err.Error(),
				MessageID: messageID,
			})
			return
		}
	}

	conn.setInflight(sessionID, messageID)
	err = sess.Send(context.Background(), ports.GenerationRequest{
		SessionID: sessionID,
		MessageID: messageID,
		Content:   msg.Content,
	})
	if err != nil {
		conn.clearInflight(sessionID)
		if persistSub != nil {
			persistSub.Cancel()
		}
		conn.enqueue(&stream.ServerMessage{
			Type:      stream.MessageError,
			Message:   err.Error(),
			MessageID: messageID,
		})
		return
	}

	if persistSub != nil {
		persistGeneration(h.store, persistSub, sessionID, messageID, h.logger)
	}
}

func (h *WSHandler) handleClientCancel(conn *wsConn, msg clientMessage) {
	// Cancellation is session-scoped. Without an explicit sessionId, stop
	// every session this connection is bound to.
	if msg.SessionID != "" {
		if sess, err := h.registry.Get(msg.SessionID); err == nil {
			sess.Stop()
		}
		return
	}
	for _, sessionID := range conn.sessionIDs() {
		if sess, err := h.registry.Get(sessionID); err == nil {
			sess.Stop()
		}
	}
}

// bindSession subscribes the connection to a session exactly once and starts
// the pump translating chunks into wire frames.
func (h *WSHandler) bindSession(conn *wsConn, sessionID string) (*app.Session, error) {
	conn.mu.Lock()
	bound := conn.subs[sessionID] != nil
	conn.mu.Unlock()
	if bound {
		return h.registry.GetOrCreate(sessionID), nil
	}

	sess, sub, err := subscribeSession(h.registry, sessionID, h.buffer)
	if err != nil {
		return nil, err
	}
	conn.mu.Lock()
	if conn.subs[sessionID] != nil {
		conn.mu.Unlock()
		sub.Cancel()
		return sess, nil
	}
	conn.subs[sessionID] = sub
	conn.mu.Unlock()

	async.Go(h.logger, "ws.pump", func() {
		for chunk := range sub.C {
			msg := stream.EncodeFor(chunk, conn.inflightID(sessionID))
			if msg == nil {
				continue
			}
			conn.enqueue(msg)
			if chunk.Terminal() {
				conn.clearInflight(sessionID)
			}
		}
		// Channel closed: session torn down or this connection left.
		conn.dropSub(sessionID)
	})
	return sess, nil
}

func (h *WSHandler) writeLoop(conn *wsConn) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	defer conn.ws.Close()

	for {
		select {
		case msg := <-conn.send:
			_ = conn.ws.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.ws.WriteJSON(msg); err != nil {
				h.logger.Warn("WebSocket write failed: %v", err)
				return
			}
		case <-ticker.C:
			_ = conn.ws.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-conn.done:
			return
		}
	}
}

func (h *WSHandler) teardown(conn *wsConn) {
	conn.closeOnce.Do(func() { close(conn.done) })

	conn.mu.Lock()
	subs := make([]*app.Subscription, 0, len(conn.subs))
	for _, sub := range conn.subs {
		subs = append(subs, sub)
	}
	conn.subs = make(map[string]*app.Subscription)
	conn.mu.Unlock()

	for _, sub := range subs {
		sub.Cancel()
	}
	_ = conn.ws.Close()
	h.logger.Info("WebSocket connection closed: %s", conn.ws.RemoteAddr())
}

// enqueue hands a frame to the writer without ever blocking a pump on a dead
// socket.
func (c *wsConn) enqueue(msg *stream.ServerMessage) {
	select {
	case c.send <- msg:
	case <-c.done:
	}
}

func (c *wsConn) setInflight(sessionID, messageID string) {
	c.mu.Lock()
	c.inflight[sessionID] = messageID
	c.mu.Unlock()
}

func (c *wsConn) clearInflight(sessionID string) {
	c.mu.Lock()
	delete(c.inflight, sessionID)
	c.mu.Unlock()
}

func (c *wsConn) inflightID(sessionID string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inflight[sessionID]
}

func (c *wsConn) dropSub(sessionID string) {
	c.mu.Lock()
	delete(c.subs, sessionID)
	c.mu.Unlock()
}

func (c *wsConn) sessionIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.subs))
	for id := range c.subs {
		ids = append(ids, id)
	}
	return ids
}
