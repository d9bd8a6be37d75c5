// Package upstream holds client implementations of the agent producer port.
// The standalone binary ships only the demo client; real deployments inject
// their own agent or model client through ports.UpstreamClient.
package upstream

import (
	"context"
	"strings"
	"time"

	"relay/internal/server/ports"
	"relay/internal/stream"
)

// DemoClient streams the submitted content back word by word. It exists so
// the server can be exercised end to end without a model behind it.
type DemoClient struct {
	// Delay between chunks; zero means a small default to make streaming
	// visible.
	Delay time.Duration
}

var _ ports.UpstreamClient = (*DemoClient)(nil)

// Stream echoes the request content as text deltas followed by usage and
// done. Cancellation closes the stream promptly without a terminal chunk;
// the controller synthesizes one.
func (d *DemoClient) Stream(ctx context.Context, req ports.GenerationRequest) (<-chan stream.Chunk, error) {
	delay := d.Delay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}

	words := strings.Fields(req.Content)
	ch := make(chan stream.Chunk)
	go func() {
		defer close(ch)
		for i, word := range words {
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			text := word
			if i < len(words)-1 {
				text += " "
			}
			select {
			case ch <- stream.TextChunk(text):
			case <-ctx.Done():
				return
			}
		}
		select {
		case ch <- stream.UsageChunk(len(words), len(words)):
		case <-ctx.Done():
			return
		}
		select {
		case ch <- stream.DoneChunk():
		case <-ctx.Done():
		}
	}()
	return ch, nil
}
