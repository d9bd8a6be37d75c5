package app

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors that report streaming core activity.
type Metrics struct {
	chunksPublished   *prometheus.CounterVec
	chunksDropped     prometheus.Counter
	subscribersActive prometheus.Gauge
	sessionsActive    prometheus.Gauge
	generations       *prometheus.CounterVec
	sessionsEvicted   prometheus.Counter
}

var (
	defaultMetricsOnce sync.Once
	sharedMetrics      *Metrics
)

// defaultMetrics returns the package-level metrics instance registered with
// the global Prometheus registry. The collectors are created only once to
// avoid duplicate registration panics when the registry is instantiated
// multiple times (e.g. in unit tests).
func defaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		sharedMetrics = MustNewMetrics(prometheus.DefaultRegisterer)
	})
	return sharedMetrics
}

// MustNewMetrics constructs a Metrics instance using the provided registerer.
// The caller supplies a fresh registry when unique metric names are required
// (for example in tests). Registration errors panic, mirroring promauto
// semantics so configuration bugs surface early.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	chunksPublished := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relay",
			Subsystem: "hub",
			Name:      "chunks_published_total",
			Help:      "Chunks delivered to subscriber queues, by chunk kind.",
		},
		[]string{"kind"},
	)
	chunksDropped := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "relay",
			Subsystem: "hub",
			Name:      "chunks_dropped_total",
			Help:      "Chunks dropped because a subscriber queue was full.",
		},
	)
	subscribersActive := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "relay",
			Subsystem: "hub",
			Name:      "subscribers_active",
			Help:      "Currently registered subscribers across all sessions.",
		},
	)
	sessionsActive := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "relay",
			Subsystem: "registry",
			Name:      "sessions_active",
			Help:      "Live sessions held by the registry.",
		},
	)
	generations := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relay",
			Subsystem: "session",
			Name:      "generations_total",
			Help:      "Finished generations, by outcome.",
		},
		[]string{"outcome"},
	)
	sessionsEvicted := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "relay",
			Subsystem: "registry",
			Name:      "sessions_evicted_total",
			Help:      "Idle sessions removed by the reaper.",
		},
	)

	reg.MustRegister(chunksPublished, chunksDropped, subscribersActive, sessionsActive, generations, sessionsEvicted)

	return &Metrics{
		chunksPublished:   chunksPublished,
		chunksDropped:     chunksDropped,
		subscribersActive: subscribersActive,
		sessionsActive:    sessionsActive,
		generations:       generations,
		sessionsEvicted:   sessionsEvicted,
	}
}

// Generation outcome labels.
const (
	outcomeCompleted = "completed"
	outcomeFailed    = "failed"
	outcomeCancelled = "cancelled"
)
