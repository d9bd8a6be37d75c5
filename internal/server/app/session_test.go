package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"relay/internal/server/ports"
	"relay/internal/stream"
)

func newTestSession(t *testing.T, upstream ports.UpstreamClient) (*Registry, *Session) {
	t.Helper()
	registry := NewRegistry(upstream, NewHub())
	return registry, registry.GetOrCreate("sess-" + t.Name())
}

func TestSendRejectedWhileGenerating(t *testing.T) {
	gate := make(chan struct{})
	upstream := &scriptedUpstream{chunks: textChunks("a"), gate: gate}
	_, sess := newTestSession(t, upstream)

	if err := sess.Send(context.Background(), ports.GenerationRequest{Content: "first"}); err != nil {
		t.Fatalf("first send failed: %v", err)
	}
	err := sess.Send(context.Background(), ports.GenerationRequest{Content: "second"})
	if !errors.Is(err, ErrGenerationInProgress) {
		t.Fatalf("expected ErrGenerationInProgress, got %v", err)
	}

	close(gate)
	waitForState(t, sess, StateIdle)
}

func TestConcurrentSendExactlyOneAccepted(t *testing.T) {
	gate := make(chan struct{})
	upstream := &scriptedUpstream{chunks: textChunks("a"), gate: gate}
	_, sess := newTestSession(t, upstream)

	const attempts = 16
	var wg sync.WaitGroup
	var mu sync.Mutex
	accepted, rejected := 0, 0

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := sess.Send(context.Background(), ports.GenerationRequest{Content: "race"})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				accepted++
			case errors.Is(err, ErrGenerationInProgress):
				rejected++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if accepted != 1 || rejected != attempts-1 {
		t.Fatalf("expected exactly 1 accepted, %d rejected; got %d/%d", attempts-1, accepted, rejected)
	}
	if upstream.callCount() != 1 {
		t.Fatalf("upstream invoked %d times, want 1", upstream.callCount())
	}

	close(gate)
	waitForState(t, sess, StateIdle)
}

func TestAllSubscribersObserveUpstreamOrder(t *testing.T) {
	upstream := &scriptedUpstream{chunks: textChunks("one", "two", "three", "four", "five")}
	_, sess := newTestSession(t, upstream)

	subs := []*Subscription{
		mustSubscribe(t, sess, 10),
		mustSubscribe(t, sess, 10),
		mustSubscribe(t, sess, 10),
	}
	if err := sess.Send(context.Background(), ports.GenerationRequest{Content: "go"}); err != nil {
		t.Fatalf("send failed: %v", err)
	}

	want := []string{"one", "two", "three", "four", "five"}
	for i, sub := range subs {
		got := collectUntilTerminal(t, sub)
		if len(got) != len(want)+1 {
			t.Fatalf("subscriber %d: got %d chunks, want %d", i, len(got), len(want)+1)
		}
		for j, w := range want {
			if got[j].Kind != stream.KindText || got[j].Content != w {
				t.Errorf("subscriber %d chunk %d: got %+v, want text %q", i, j, got[j], w)
			}
		}
		if got[len(got)-1].Kind != stream.KindDone {
			t.Errorf("subscriber %d: last chunk is %s, want done", i, got[len(got)-1].Kind)
		}
	}
}

func TestLateSubscriberSeesNoReplay(t *testing.T) {
	upstream := newManualUpstream()
	_, sess := newTestSession(t, upstream)

	early := mustSubscribe(t, sess, 10)
	if err := sess.Send(context.Background(), ports.GenerationRequest{Content: "go"}); err != nil {
		t.Fatalf("send failed: %v", err)
	}

	upstream.feed <- stream.TextChunk("one")
	upstream.feed <- stream.TextChunk("two")
	// Drain the early subscriber so we know both chunks were published
	// before the late subscriber attaches.
	for i := 0; i < 2; i++ {
		select {
		case <-early.C:
		case <-time.After(2 * time.Second):
			t.Fatal("early subscriber did not receive chunk")
		}
	}

	late := mustSubscribe(t, sess, 10)
	upstream.feed <- stream.TextChunk("three")
	upstream.feed <- stream.DoneChunk()

	got := collectUntilTerminal(t, late)
	if len(got) != 2 {
		t.Fatalf("late subscriber got %d chunks, want 2 (no replay)", len(got))
	}
	if got[0].Content != "three" {
		t.Errorf("late subscriber first chunk: got %q, want %q", got[0].Content, "three")
	}
}

func TestStopMidGenerationDeliversOneTerminalChunk(t *testing.T) {
	upstream := newManualUpstream()
	_, sess := newTestSession(t, upstream)

	sub1 := mustSubscribe(t, sess, 10)
	sub2 := mustSubscribe(t, sess, 10)
	if err := sess.Send(context.Background(), ports.GenerationRequest{Content: "go"}); err != nil {
		t.Fatalf("send failed: %v", err)
	}

	upstream.feed <- stream.TextChunk("partial")
	sess.Stop()
	waitForState(t, sess, StateIdle)

	for i, sub := range []*Subscription{sub1, sub2} {
		got := collectUntilTerminal(t, sub)
		terminals := 0
		for _, c := range got {
			if c.Terminal() {
				terminals++
			}
		}
		if terminals != 1 {
			t.Errorf("subscriber %d: got %d terminal chunks, want exactly 1", i, terminals)
		}
		if got[len(got)-1].Kind != stream.KindError {
			t.Errorf("subscriber %d: terminal kind %s, want error", i, got[len(got)-1].Kind)
		}
	}

	// The session must be reusable after cancellation.
	upstream2 := &scriptedUpstream{chunks: textChunks("again")}
	sess.upstream = upstream2
	if err := sess.Send(context.Background(), ports.GenerationRequest{Content: "again"}); err != nil {
		t.Fatalf("send after stop failed: %v", err)
	}
	waitForState(t, sess, StateIdle)
}

func TestStopWhenIdleIsNoOp(t *testing.T) {
	upstream := &scriptedUpstream{}
	_, sess := newTestSession(t, upstream)

	sub := mustSubscribe(t, sess, 10)
	sess.Stop()
	sess.Stop()

	select {
	case chunk := <-sub.C:
		t.Fatalf("stop on idle session delivered chunk %+v", chunk)
	case <-time.After(50 * time.Millisecond):
	}
	if sess.State() != StateIdle {
		t.Fatalf("state changed to %s", sess.State())
	}
}

func TestUnsubscribeDuringGeneration(t *testing.T) {
	upstream := newManualUpstream()
	_, sess := newTestSession(t, upstream)

	stay1 := mustSubscribe(t, sess, 10)
	stay2 := mustSubscribe(t, sess, 10)
	leaver := mustSubscribe(t, sess, 10)
	if err := sess.Send(context.Background(), ports.GenerationRequest{Content: "go"}); err != nil {
		t.Fatalf("send failed: %v", err)
	}

	recv := func(sub *Subscription) stream.Chunk {
		select {
		case c := <-sub.C:
			return c
		case <-time.After(2 * time.Second):
			t.Fatal("timed out receiving chunk")
			return stream.Chunk{}
		}
	}

	var leaverGot []stream.Chunk
	for i := 1; i <= 2; i++ {
		upstream.feed <- stream.TextChunk(string(rune('0' + i)))
		recv(stay1)
		recv(stay2)
		leaverGot = append(leaverGot, recv(leaver))
	}

	leaver.Cancel()
	leaver.Cancel() // idempotent

	for i := 3; i <= 5; i++ {
		upstream.feed <- stream.TextChunk(string(rune('0' + i)))
	}
	upstream.feed <- stream.DoneChunk()

	for i, sub := range []*Subscription{stay1, stay2} {
		var rest []stream.Chunk
		for {
			c, ok := <-sub.C
			if !ok {
				t.Fatalf("stayer %d channel closed early", i)
			}
			rest = append(rest, c)
			if c.Terminal() {
				break
			}
		}
		if len(rest) != 4 { // chunks 3-5 plus done
			t.Errorf("stayer %d: got %d chunks after unsubscribe point, want 4", i, len(rest))
		}
	}

	if len(leaverGot) != 2 {
		t.Fatalf("leaver got %d chunks, want exactly 2", len(leaverGot))
	}
	if _, ok := <-leaver.C; ok {
		t.Error("leaver received a chunk after cancel")
	}
	waitForState(t, sess, StateIdle)
}

func TestSendDoesNotHoldLockDuringUpstreamAccept(t *testing.T) {
	upstream := &blockingAcceptUpstream{entered: make(chan struct{}), release: make(chan struct{})}
	defer close(upstream.release)
	_, sess := newTestSession(t, upstream)
	sub := mustSubscribe(t, sess, 10)

	done := make(chan error, 1)
	go func() {
		done <- sess.Send(context.Background(), ports.GenerationRequest{Content: "go"})
	}()
	<-upstream.entered

	// The accept is still parked; state reads and cancellation must not be.
	if st := sess.State(); st != StateGenerating {
		t.Fatalf("state during upstream accept: %s, want generating", st)
	}
	sess.Stop()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("send returned %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Send did not return after cancellation")
	}

	got := collectUntilTerminal(t, sub)
	if len(got) != 1 || got[0].Kind != stream.KindError {
		t.Fatalf("expected single terminal error chunk, got %+v", got)
	}
	waitForState(t, sess, StateIdle)
}

func TestUpstreamSyncFailureSynthesizesErrorChunk(t *testing.T) {
	upstream := &scriptedUpstream{err: errors.New("model unavailable")}
	_, sess := newTestSession(t, upstream)

	sub := mustSubscribe(t, sess, 10)
	if err := sess.Send(context.Background(), ports.GenerationRequest{Content: "go"}); err != nil {
		t.Fatalf("send surfaced upstream failure synchronously: %v", err)
	}

	got := collectUntilTerminal(t, sub)
	if len(got) != 1 || got[0].Kind != stream.KindError || got[0].ErrMessage != "model unavailable" {
		t.Fatalf("expected single synthesized error chunk, got %+v", got)
	}
	if sess.State() != StateIdle {
		t.Fatalf("state after sync failure: %s, want idle", sess.State())
	}

	// The failure must not wedge the session.
	sess.upstream = &scriptedUpstream{chunks: textChunks("ok")}
	if err := sess.Send(context.Background(), ports.GenerationRequest{Content: "retry"}); err != nil {
		t.Fatalf("send after failure: %v", err)
	}
	waitForState(t, sess, StateIdle)
}

func TestUpstreamCloseWithoutTerminalSynthesizesError(t *testing.T) {
	upstream := newManualUpstream()
	_, sess := newTestSession(t, upstream)

	sub := mustSubscribe(t, sess, 10)
	if err := sess.Send(context.Background(), ports.GenerationRequest{Content: "go"}); err != nil {
		t.Fatalf("send failed: %v", err)
	}

	upstream.feed <- stream.TextChunk("partial")
	close(upstream.feed)

	got := collectUntilTerminal(t, sub)
	last := got[len(got)-1]
	if last.Kind != stream.KindError {
		t.Fatalf("expected synthesized error chunk, got %+v", last)
	}
	waitForState(t, sess, StateIdle)
}

func TestPartialOutputNotRetractedOnFailure(t *testing.T) {
	upstream := &scriptedUpstream{chunks: []stream.Chunk{
		stream.TextChunk("keep"),
		stream.TextChunk("this"),
		stream.ErrorChunk("mid-stream failure"),
	}}
	_, sess := newTestSession(t, upstream)

	sub := mustSubscribe(t, sess, 10)
	if err := sess.Send(context.Background(), ports.GenerationRequest{Content: "go"}); err != nil {
		t.Fatalf("send failed: %v", err)
	}

	got := collectUntilTerminal(t, sub)
	if len(got) != 3 {
		t.Fatalf("got %d chunks, want text,text,error", len(got))
	}
	if got[0].Content != "keep" || got[1].Content != "this" {
		t.Errorf("partial output was lost: %+v", got)
	}
	waitForState(t, sess, StateIdle)
}
