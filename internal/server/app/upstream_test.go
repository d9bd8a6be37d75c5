package app

import (
	"context"
	"sync"
	"testing"
	"time"

	"relay/internal/server/ports"
	"relay/internal/stream"
)

// scriptedUpstream emits a fixed chunk sequence, optionally waiting on a
// gate first so tests can hold a generation open.
type scriptedUpstream struct {
	chunks []stream.Chunk
	gate   chan struct{} // if non-nil, emission waits for close(gate)
	err    error         // returned synchronously by Stream

	mu    sync.Mutex
	calls int
}

func (u *scriptedUpstream) Stream(ctx context.Context, req ports.GenerationRequest) (<-chan stream.Chunk, error) {
	if u.err != nil {
		return nil, u.err
	}
	u.mu.Lock()
	u.calls++
	u.mu.Unlock()

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

func (u *scriptedUpstream) callCount() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.calls
}

// manualUpstream lets the test feed chunks one by one. Closing feed ends the
// stream without a terminal chunk; ctx cancellation also ends it.
type manualUpstream struct {
	feed chan stream.Chunk
}

func newManualUpstream() *manualUpstream {
	return &manualUpstream{feed: make(chan stream.Chunk)}
}

func (u *manualUpstream) Stream(ctx context.Context, req ports.GenerationRequest) (<-chan stream.Chunk, error) {
	out := make(chan stream.Chunk)
	go func() {
		defer close(out)
		for {
			select {
			case c, ok := <-u.feed:
				if !ok {
					return
				}
				select {
				case out <- c:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// blockingAcceptUpstream parks inside Stream until released or cancelled,
// modeling a slow upstream accept.
type blockingAcceptUpstream struct {
	entered chan struct{} // closed once Stream is called
	release chan struct{}
}

func (u *blockingAcceptUpstream) Stream(ctx context.Context, req ports.GenerationRequest) (<-chan stream.Chunk, error) {
	close(u.entered)
	select {
	case <-u.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	out := make(chan stream.Chunk, 1)
	out <- stream.DoneChunk()
	close(out)
	return out, nil
}

func mustSubscribe(t *testing.T, sess *Session, buffer int) *Subscription {
	t.Helper()
	sub, err := sess.Subscribe(buffer)
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	return sub
}

// waitForState polls until the session reaches want or the deadline passes.
func waitForState(t *testing.T, sess *Session, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if sess.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("session %s never reached state %s (now %s)", sess.ID(), want, sess.State())
}

// collectUntilTerminal drains a subscription until its first terminal chunk.
func collectUntilTerminal(t *testing.T, sub *Subscription) []stream.Chunk {
	t.Helper()
	var got []stream.Chunk
	for {
		select {
		case chunk, ok := <-sub.C:
			if !ok {
				t.Fatalf("subscription closed before terminal chunk (got %d chunks)", len(got))
			}
			got = append(got, chunk)
			if chunk.Terminal() {
				return got
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for terminal chunk (got %d chunks)", len(got))
		}
	}
}

func textChunks(words ...string) []stream.Chunk {
	chunks := make([]stream.Chunk, 0, len(words)+1)
	for _, w := range words {
		chunks = append(chunks, stream.TextChunk(w))
	}
	return append(chunks, stream.DoneChunk())
}
