package app

import (
	"sync"
	"time"

	"relay/internal/logging"
	"relay/internal/server/ports"
)

// Registry owns the map from session id to live session state. It is the
// only shared mutable structure across requests; transport handlers never
// touch the map directly.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session

	hub      *Hub
	upstream ports.UpstreamClient
	logger   logging.Logger
	metrics  *Metrics
}

// NewRegistry creates a registry bound to the hub and the upstream client.
func NewRegistry(upstream ports.UpstreamClient, hub *Hub) *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		hub:      hub,
		upstream: upstream,
		logger:   logging.NewComponentLogger("Registry"),
		metrics:  defaultMetrics(),
	}
}

// GetOrCreate returns the existing session for id or atomically creates a
// fresh idle one. Safe under concurrent calls for the same id; no duplicate
// session objects are ever handed out.
func (r *Registry) GetOrCreate(id string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	if sess, ok := r.sessions[id]; ok {
		return sess
	}
	sess := newSession(id, r.hub, r.upstream, logging.NewComponentLogger("Session"), r.metrics)
	r.sessions[id] = sess
	r.metrics.sessionsActive.Set(float64(len(r.sessions)))
	r.logger.Info("Session created: %s (total: %d)", id, len(r.sessions))
	return sess
}

// Get returns the session for id or ErrSessionNotFound.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[id]
	if !ok {
		return nil, SessionNotFoundError(id)
	}
	return sess, nil
}

// Close tears a session down synchronously and best-effort: cancels any
// pending generation, notifies all subscribers with a terminal error and
// removes the entry. It does not wait for graceful completion. Used when the
// owning conversation record is deleted.
func (r *Registry) Close(id string) {
	r.mu.Lock()
	sess, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
		r.metrics.sessionsActive.Set(float64(len(r.sessions)))
	}
	r.mu.Unlock()

	if !ok {
		return
	}
	sess.close()
	r.logger.Info("Session closed: %s", id)
}

// EvictIdle removes sessions that are idle, have zero subscribers and whose
// last activity is older than maxIdle. Returns the number evicted. A session
// with a pending generation or an attached subscriber survives regardless of
// age.
func (r *Registry) EvictIdle(maxIdle time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	evicted := 0
	for id, sess := range r.sessions {
		if !sess.evictable(maxIdle) {
			continue
		}
		delete(r.sessions, id)
		// Neutralize any handle a transport grabbed before the sweep: its
		// Send and Subscribe must fail rather than ghost a generation under
		// a recreated session with the same id.
		sess.close()
		evicted++
		r.metrics.sessionsEvicted.Inc()
		r.logger.Info("Session evicted: %s (idle > %s)", id, maxIdle)
	}
	if evicted > 0 {
		r.metrics.sessionsActive.Set(float64(len(r.sessions)))
	}
	return evicted
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
