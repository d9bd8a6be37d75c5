package app

import (
	"sync"

	"github.com/google/uuid"

	"relay/internal/logging"
	"relay/internal/stream"
)

// DefaultSubscriberBuffer is the queue depth used when a transport does not
// pick its own.
const DefaultSubscriberBuffer = 100

// Subscription is a listener's registration with the hub. Chunks arrive on C
// in upstream production order; the channel is closed on Cancel or session
// teardown.
type Subscription struct {
	ID string
	C  <-chan stream.Chunk

	cancel func()
	once   sync.Once
}

// Cancel removes the subscription from its session. Idempotent; other
// subscribers and the generation itself are unaffected.
func (s *Subscription) Cancel() {
	s.once.Do(s.cancel)
}

type subscriber struct {
	id string
	ch chan stream.Chunk
}

// Hub fans a session's chunk stream out to every registered subscriber.
// Delivery is a non-blocking channel send so a slow consumer's backpressure
// is a property of its own queue: a full buffer drops the chunk for that
// subscriber only and never stalls the shared upstream stream.
type Hub struct {
	mu sync.RWMutex
	// sessionID -> subscribers in registration order. Order is not
	// semantically significant but keeps iteration stable.
	subscribers map[string][]*subscriber

	logger  logging.Logger
	metrics *Metrics
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		subscribers: make(map[string][]*subscriber),
		logger:      logging.NewComponentLogger("Hub"),
		metrics:     defaultMetrics(),
	}
}

// Subscribe registers a new listener for sessionID. The listener starts
// receiving chunks published after this call; there is no replay of history,
// so a client reconnecting mid-stream sees a gap.
func (h *Hub) Subscribe(sessionID string, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	sub := &subscriber{id: uuid.NewString(), ch: make(chan stream.Chunk, buffer)}

	h.mu.Lock()
	h.subscribers[sessionID] = append(h.subscribers[sessionID], sub)
	count := len(h.subscribers[sessionID])
	h.mu.Unlock()

	h.metrics.subscribersActive.Inc()
	h.logger.Info("Subscriber %s registered for session %s (total: %d)", sub.id, sessionID, count)

	return &Subscription{
		ID:     sub.id,
		C:      sub.ch,
		cancel: func() { h.unsubscribe(sessionID, sub.id) },
	}
}

func (h *Hub) unsubscribe(sessionID, subID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs := h.subscribers[sessionID]
	for i, sub := range subs {
		if sub.id != subID {
			continue
		}
		h.subscribers[sessionID] = append(subs[:i], subs[i+1:]...)
		close(sub.ch)
		h.metrics.subscribersActive.Dec()
		h.logger.Info("Subscriber %s removed from session %s (remaining: %d)", subID, sessionID, len(h.subscribers[sessionID]))

		if len(h.subscribers[sessionID]) == 0 {
			delete(h.subscribers, sessionID)
		}
		return
	}
}

// Publish delivers chunk to every subscriber registered for sessionID at the
// moment of the call, in registration order, then returns. Callers must
// publish from a single goroutine per session to preserve upstream ordering.
func (h *Hub) Publish(sessionID string, chunk stream.Chunk) {
	// Sends happen under the read lock so a concurrent unsubscribe cannot
	// close a channel mid-delivery.
	h.mu.RLock()
	defer h.mu.RUnlock()

	subs := h.subscribers[sessionID]
	for i, sub := range subs {
		select {
		case sub.ch <- chunk:
			h.metrics.chunksPublished.WithLabelValues(string(chunk.Kind)).Inc()
		default:
			if chunk.Terminal() && h.forceTerminalDelivery(sessionID, i, len(subs), sub, chunk) {
				continue
			}
			h.logger.Warn("Subscriber queue full for session %s, dropping %s chunk (subscriber %d/%d)", sessionID, chunk.Kind, i+1, len(subs))
			h.metrics.chunksDropped.Inc()
		}
	}
}

// forceTerminalDelivery makes room for a terminal chunk on a saturated
// queue. A consumer that misses done/error would hang forever waiting for a
// generation that already ended, so terminal chunks displace the oldest
// buffered chunk rather than being dropped.
func (h *Hub) forceTerminalDelivery(sessionID string, idx, total int, sub *subscriber, chunk stream.Chunk) bool {
	// Retry first in case the consumer drained the queue after the initial
	// attempt.
	select {
	case sub.ch <- chunk:
		h.metrics.chunksPublished.WithLabelValues(string(chunk.Kind)).Inc()
		return true
	default:
	}

	select {
	case <-sub.ch:
	default:
		h.logger.Warn("Failed to free space for terminal %s chunk for session %s (subscriber %d/%d)", chunk.Kind, sessionID, idx+1, total)
		return false
	}

	select {
	case sub.ch <- chunk:
		h.logger.Warn("Subscriber queue saturated for session %s; dropped oldest chunk to deliver terminal %s (subscriber %d/%d)", sessionID, chunk.Kind, idx+1, total)
		h.metrics.chunksPublished.WithLabelValues(string(chunk.Kind)).Inc()
		h.metrics.chunksDropped.Inc()
		return true
	default:
		h.logger.Warn("Subscriber queue refilled before delivering terminal %s for session %s (subscriber %d/%d)", chunk.Kind, sessionID, idx+1, total)
		return false
	}
}

// ClientCount returns the number of subscribers registered for a session.
func (h *Hub) ClientCount(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers[sessionID])
}

// CloseSession delivers a terminal chunk to every subscriber of sessionID,
// closes their channels and forgets them. Used for best-effort teardown when
// the owning record is deleted.
func (h *Hub) CloseSession(sessionID string, terminal stream.Chunk) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs := h.subscribers[sessionID]
	if len(subs) == 0 {
		delete(h.subscribers, sessionID)
		return
	}
	for _, sub := range subs {
		select {
		case sub.ch <- terminal:
		default:
			// Best effort; teardown does not wait on a stalled consumer.
		}
		close(sub.ch)
		h.metrics.subscribersActive.Dec()
	}
	delete(h.subscribers, sessionID)
	h.logger.Info("Closed session %s, notified %d subscribers", sessionID, len(subs))
}
