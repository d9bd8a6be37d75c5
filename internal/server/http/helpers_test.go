package http

import (
	"context"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"relay/internal/config"
	"relay/internal/server/app"
	"relay/internal/server/ports"
	"relay/internal/stream"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// timeout bounds every wait in this package's tests.
const timeout = 2 * time.Second

// scriptedUpstream emits a fixed chunk sequence, optionally waiting on a
// gate first.
type scriptedUpstream struct {
	chunks []stream.Chunk
	gate   chan struct{}
}

func (u *scriptedUpstream) Stream(ctx context.Context, req ports.GenerationRequest) (<-chan stream.Chunk, error) {
	out := make(chan stream.Chunk)
	go func() {
		defer close(out)
		if u.gate != nil {
			select {
			case <-u.gate:
			case <-ctx.Done():
				return
			}
		}
		for _, c := range u.chunks {
			select {
			case out <- c:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// memStore records saved messages for assertions.
type memStore struct {
	mu    sync.Mutex
	saved []ports.SavedMessage
}

func (s *memStore) SaveMessage(_ context.Context, msg ports.SavedMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = append(s.saved, msg)
	return nil
}

func (s *memStore) messages() []ports.SavedMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ports.SavedMessage, len(s.saved))
	copy(out, s.saved)
	return out
}

func (s *memStore) waitForSave(timeout time.Duration) (ports.SavedMessage, bool) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if msgs := s.messages(); len(msgs) > 0 {
			return msgs[0], true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return ports.SavedMessage{}, false
}

func testRouter(upstream ports.UpstreamClient, store ports.MessageStore) (*gin.Engine, *app.Registry) {
	cfg := config.Default()
	registry := app.NewRegistry(upstream, app.NewHub())
	return NewRouter(cfg, registry, store), registry
}

func doneChunks(words ...string) []stream.Chunk {
	chunks := make([]stream.Chunk, 0, len(words)+1)
	for _, w := range words {
		chunks = append(chunks, stream.TextChunk(w))
	}
	return append(chunks, stream.DoneChunk())
}
