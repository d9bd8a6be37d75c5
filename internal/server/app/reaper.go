package app

import (
	"context"
	"time"

	"relay/internal/logging"
)

// Reaper periodically evicts idle sessions. Exactly one instance runs per
// process; it is the only component allowed to remove an idle session with
// zero subscribers.
type Reaper struct {
	registry *Registry
	interval time.Duration
	maxIdle  time.Duration
	logger   logging.Logger
}

// NewReaper creates a reaper sweeping every interval, evicting sessions idle
// longer than maxIdle.
func NewReaper(registry *Registry, interval, maxIdle time.Duration) *Reaper {
	return &Reaper{
		registry: registry,
		interval: interval,
		maxIdle:  maxIdle,
		logger:   logging.NewComponentLogger("Reaper"),
	}
}

// Run sweeps until ctx is cancelled. It always returns nil so it can sit in
// an errgroup next to the HTTP server without aborting shutdown.
func (r *Reaper) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("Reaper running: interval=%s maxIdle=%s", r.interval, r.maxIdle)
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Reaper stopped")
			return nil
		case <-ticker.C:
			if n := r.registry.EvictIdle(r.maxIdle); n > 0 {
				r.logger.Info("Reaper evicted %d idle sessions (%d remaining)", n, r.registry.Len())
			}
		}
	}
}
