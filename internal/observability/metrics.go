// Package observability carries the Prometheus collectors and OpenTelemetry
// tracing setup shared by the orchestrator and the HTTP server.
package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors that report orchestrator activity.
type Metrics struct {
	tickDuration    *prometheus.HistogramVec
	commandFailures *prometheus.CounterVec
	appendConflicts prometheus.Counter
	runsActive      prometheus.Gauge
	eventsAppended  *prometheus.CounterVec
}

var (
	defaultMetricsOnce sync.Once
	sharedMetrics      *Metrics
)

// DefaultMetrics returns the package-level metrics instance registered with
// the global Prometheus registry. The collectors are created only once to
// avoid duplicate registration panics when several orchestrators run in one
// process (e.g. in unit tests).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		sharedMetrics = MustNewMetrics(prometheus.DefaultRegisterer)
	})
	return sharedMetrics
}

// MustNewMetrics constructs a Metrics instance using the provided registerer.
// The caller supplies a fresh registry when unique metric names are required
// (for example in tests). Registration errors panic, mirroring promauto and
// surfacing configuration bugs early.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	tickDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "helmsman",
			Subsystem: "orchestrator",
			Name:      "tick_duration_seconds",
			Help:      "Duration of one orchestrator tick.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"status"},
	)
	commandFailures := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "helmsman",
			Subsystem: "orchestrator",
			Name:      "command_failures_total",
			Help:      "Commands whose collaborator execution failed.",
		},
		[]string{"command", "reason"},
	)
	appendConflicts := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "helmsman",
			Subsystem: "eventstore",
			Name:      "append_conflicts_total",
			Help:      "Optimistic-concurrency conflicts resolved by retry.",
		},
	)
	runsActive := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "helmsman",
			Subsystem: "orchestrator",
			Name:      "runs_active",
			Help:      "Work item runs currently in flight.",
		},
	)
	eventsAppended := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "helmsman",
			Subsystem: "eventstore",
			Name:      "events_appended_total",
			Help:      "Events appended to mission logs by type.",
		},
		[]string{"type"},
	)

	collectors := []prometheus.Collector{tickDuration, commandFailures, appendConflicts, runsActive, eventsAppended}
	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
				switch collector {
				case tickDuration:
					tickDuration = already.ExistingCollector.(*prometheus.HistogramVec)
				case commandFailures:
					commandFailures = already.ExistingCollector.(*prometheus.CounterVec)
				case appendConflicts:
					appendConflicts = already.ExistingCollector.(prometheus.Counter)
				case runsActive:
					runsActive = already.ExistingCollector.(prometheus.Gauge)
				case eventsAppended:
					eventsAppended = already.ExistingCollector.(*prometheus.CounterVec)
				}
				continue
			}
			panic(err)
		}
	}

	return &Metrics{
		tickDuration:    tickDuration,
		commandFailures: commandFailures,
		appendConflicts: appendConflicts,
		runsActive:      runsActive,
		eventsAppended:  eventsAppended,
	}
}

// ObserveTick records one tick with its outcome label.
func (m *Metrics) ObserveTick(status string, duration time.Duration) {
	if m == nil || m.tickDuration == nil {
		return
	}
	m.tickDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// IncCommandFailure counts a collaborator failure for a command type.
func (m *Metrics) IncCommandFailure(command, reason string) {
	if m == nil || m.commandFailures == nil {
		return
	}
	m.commandFailures.WithLabelValues(command, reason).Inc()
}

// IncAppendConflict counts a revision conflict resolved by retry.
func (m *Metrics) IncAppendConflict() {
	if m == nil || m.appendConflicts == nil {
		return
	}
	m.appendConflicts.Inc()
}

// IncActiveRuns marks a run as in flight.
func (m *Metrics) IncActiveRuns() {
	if m == nil || m.runsActive == nil {
		return
	}
	m.runsActive.Inc()
}

// DecActiveRuns marks a run as finished or canceled.
func (m *Metrics) DecActiveRuns() {
	if m == nil || m.runsActive == nil {
		return
	}
	m.runsActive.Dec()
}

// IncEventAppended counts an appended event by type.
func (m *Metrics) IncEventAppended(eventType string) {
	if m == nil || m.eventsAppended == nil {
		return
	}
	m.eventsAppended.WithLabelValues(eventType).Inc()
}
