package app

import (
	"context"
	"sync"
	"time"

	"relay/internal/async"
	"relay/internal/logging"
	"relay/internal/server/ports"
	"relay/internal/stream"
)

// State is the session's generation state.
type State string

const (
	// StateIdle means no generation is in flight.
	StateIdle State = "idle"
	// StateGenerating means the upstream stream is active.
	StateGenerating State = "generating"
	// StateCancelling means cancellation was requested and the session is
	// waiting for the upstream stream to close.
	StateCancelling State = "cancelling"
)

// generation is the single in-flight generation handle: the cancellation
// token for the upstream context plus the id of the triggering message.
type generation struct {
	messageID string
	cancel    context.CancelFunc
}

// Session serializes generations for one conversation and pipes the upstream
// chunk stream into the hub. At most one generation is in flight at any
// time; a second Send while not idle is rejected, never queued.
type Session struct {
	id       string
	hub      *Hub
	upstream ports.UpstreamClient
	logger   logging.Logger
	metrics  *Metrics

	mu           sync.Mutex
	state        State
	gen          *generation
	lastActivity time.Time
	closed       bool
}

func newSession(id string, hub *Hub, upstream ports.UpstreamClient, logger logging.Logger, metrics *Metrics) *Session {
	return &Session{
		id:           id,
		hub:          hub,
		upstream:     upstream,
		logger:       logger,
		metrics:      metrics,
		state:        StateIdle,
		lastActivity: time.Now(),
	}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// State returns the current generation state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Subscribe registers a listener for this session's chunk stream. A listener
// added mid-generation receives chunks from that point forward only. Once the
// session is closed or evicted it fails with ErrSessionClosed; a caller
// holding a stale handle must re-resolve the id through the registry.
func (s *Session) Subscribe(buffer int) (*Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, SessionClosedError(s.id)
	}
	s.lastActivity = time.Now()
	// Registration happens under the session lock so it cannot interleave
	// with close sweeping this session's hub entry.
	return s.hub.Subscribe(s.id, buffer), nil
}

// SubscriberCount reports how many listeners are attached.
func (s *Session) SubscriberCount() int {
	return s.hub.ClientCount(s.id)
}

// Send submits a user message and starts a generation. It returns once the
// upstream call is accepted; chunk delivery happens asynchronously via
// subscriptions. From any state other than idle it fails with
// ErrGenerationInProgress.
//
// A synchronous upstream failure is not returned to the caller: it is
// surfaced to subscribers as a terminal error chunk, matching how mid-stream
// failures arrive. Only state conflicts surface through the error return.
func (s *Session) Send(ctx context.Context, req ports.GenerationRequest) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return SessionClosedError(s.id)
	}
	if s.state != StateIdle {
		s.mu.Unlock()
		return GenerationInProgressError(s.id)
	}

	// Detach from the request context so the generation keeps running after
	// the HTTP handler returns; explicit cancellation flows through the
	// stored cancel function.
	genCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	// Reserve the generating state before calling upstream so the session
	// lock is never held across a slow accept: State and Stop stay
	// responsive, and a racing Stop cancels the pending call through genCtx.
	s.state = StateGenerating
	s.gen = &generation{messageID: req.MessageID, cancel: cancel}
	s.lastActivity = time.Now()
	upstream := s.upstream
	s.mu.Unlock()

	req.SessionID = s.id
	ch, err := upstream.Stream(genCtx, req)
	if err != nil {
		s.logger.Error("Upstream rejected generation for session %s: %v", s.id, err)
		outcome := outcomeFailed
		if s.State() == StateCancelling {
			outcome = outcomeCancelled
		}
		s.hub.Publish(s.id, stream.ErrorChunk(err.Error()))
		s.finishGeneration(outcome)
		return nil
	}

	s.logger.Info("Generation started: session=%s message=%s", s.id, req.MessageID)
	async.Go(s.logger, "session.pump", func() {
		s.pump(ch)
	})
	return nil
}

// pump forwards upstream chunks to the hub until the stream terminates.
// Every chunk is delivered before the controller inspects it, so no consumer
// can observe a state change ahead of the chunk that caused it.
func (s *Session) pump(ch <-chan stream.Chunk) {
	for chunk := range ch {
		s.hub.Publish(s.id, chunk)
		s.touch()

		if !chunk.Terminal() {
			continue
		}

		outcome := outcomeCompleted
		if chunk.Kind == stream.KindError {
			outcome = outcomeFailed
			if s.State() == StateCancelling {
				outcome = outcomeCancelled
			}
		}
		s.finishGeneration(outcome)

		// The contract says nothing follows a terminal chunk; drain so a
		// misbehaving producer can still exit.
		for range ch {
		}
		return
	}

	// Upstream closed without a terminal chunk: either cancellation cut the
	// stream short or the producer died. Synthesize the terminal error so
	// every consumer observes exactly one per generation.
	msg := "upstream closed stream unexpectedly"
	outcome := outcomeFailed
	if s.State() == StateCancelling {
		msg = "generation cancelled"
		outcome = outcomeCancelled
	}
	s.hub.Publish(s.id, stream.ErrorChunk(msg))
	s.touch()
	s.finishGeneration(outcome)
}

func (s *Session) finishGeneration(outcome string) {
	s.mu.Lock()
	if s.gen != nil {
		s.gen.cancel()
		s.gen = nil
	}
	s.state = StateIdle
	s.lastActivity = time.Now()
	s.mu.Unlock()

	s.metrics.generations.WithLabelValues(outcome).Inc()
	s.logger.Info("Generation finished: session=%s outcome=%s", s.id, outcome)
}

// Stop requests cancellation of the in-flight generation. It returns without
// waiting for the upstream to acknowledge; trailing chunks keep flowing to
// subscribers until the stream closes. Calling Stop when idle or already
// cancelling is a no-op, which also makes a stop racing a just-finished
// generation benign.
func (s *Session) Stop() {
	s.mu.Lock()
	if s.state != StateGenerating {
		s.mu.Unlock()
		return
	}
	s.state = StateCancelling
	s.gen.cancel()
	s.lastActivity = time.Now()
	s.mu.Unlock()

	s.logger.Info("Cancellation requested: session=%s", s.id)
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// close tears the session down: cancels any pending generation and notifies
// subscribers with a terminal error. Called by the registry with the session
// already unlinked from the map.
func (s *Session) close() {
	s.mu.Lock()
	s.closed = true
	if s.gen != nil {
		s.gen.cancel()
		s.gen = nil
	}
	s.state = StateIdle
	// Sweep the hub entry under the session lock so no subscriber can slip
	// in between the closed mark and the sweep.
	s.hub.CloseSession(s.id, stream.ErrorChunk("session closed"))
	s.mu.Unlock()
}

// evictable reports whether the idle reaper may remove this session: idle
// state, no subscribers, and no activity past maxIdle. A session with a
// pending generation is never evicted even without subscribers; its result
// must still be allowed to complete so it can be persisted.
func (s *Session) evictable(maxIdle time.Duration) bool {
	if s.hub.ClientCount(s.id) > 0 {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateIdle && time.Since(s.lastActivity) > maxIdle
}
