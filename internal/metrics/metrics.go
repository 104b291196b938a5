// Package metrics exposes the coordinator's internal state as Prometheus
// collectors, grounded on the teacher's telemetry/metrics provider
// (_examples/99souls-ariadne/engine/telemetry/metrics/prometheus.go) but
// simplified: our metric set is small and fixed (breaker state per
// endpoint, batch queue depth, dedupe table size, memory pressure level),
// so we register concrete collectors directly rather than building a
// generic dynamic-label Provider abstraction.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles the coordinator's Prometheus collectors.
type Registry struct {
	reg *prometheus.Registry

	BreakerState     *prometheus.GaugeVec
	BreakerOpenTotal *prometheus.CounterVec
	QueueDepth       *prometheus.GaugeVec
	FlushTotal       *prometheus.CounterVec
	FlushErrors      *prometheus.CounterVec
	DedupeGroups     prometheus.Gauge
	DedupeSuppressed prometheus.Counter
	MemoryPressure   prometheus.Gauge
	SourceMapHits    prometheus.Counter
	SourceMapMisses  prometheus.Counter
	SyncRoundtrips   prometheus.Counter
	SyncFailures     prometheus.Counter
}

// New constructs and registers the coordinator's metric collectors on a
// fresh registry.
func New() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		reg: reg,
		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "gasoline",
			Subsystem: "breaker",
			Name:      "state",
			Help:      "Circuit breaker state per endpoint (0=closed,1=open,2=half-open).",
		}, []string{"endpoint"}),
		BreakerOpenTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gasoline",
			Subsystem: "breaker",
			Name:      "open_total",
			Help:      "Count of times a circuit breaker transitioned to open.",
		}, []string{"endpoint"}),
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "gasoline",
			Subsystem: "batch",
			Name:      "queue_depth",
			Help:      "Pending items in a batch queue.",
		}, []string{"kind"}),
		FlushTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gasoline",
			Subsystem: "batch",
			Name:      "flush_total",
			Help:      "Count of batch flushes attempted.",
		}, []string{"kind"}),
		FlushErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gasoline",
			Subsystem: "batch",
			Name:      "flush_errors_total",
			Help:      "Count of batch flushes that failed.",
		}, []string{"kind"}),
		DedupeGroups: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gasoline",
			Subsystem: "dedupe",
			Name:      "groups",
			Help:      "Number of tracked error groups.",
		}),
		DedupeSuppressed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gasoline",
			Subsystem: "dedupe",
			Name:      "suppressed_total",
			Help:      "Count of duplicate occurrences suppressed by the dedup window.",
		}),
		MemoryPressure: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gasoline",
			Subsystem: "governor",
			Name:      "memory_pressure",
			Help:      "Memory pressure level (0=nominal,1=soft,2=hard).",
		}),
		SourceMapHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gasoline",
			Subsystem: "sourcemap",
			Name:      "cache_hits_total",
			Help:      "Source map cache hits.",
		}),
		SourceMapMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gasoline",
			Subsystem: "sourcemap",
			Name:      "cache_misses_total",
			Help:      "Source map cache misses.",
		}),
		SyncRoundtrips: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gasoline",
			Subsystem: "sync",
			Name:      "roundtrips_total",
			Help:      "Completed long-poll sync roundtrips.",
		}),
		SyncFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gasoline",
			Subsystem: "sync",
			Name:      "failures_total",
			Help:      "Failed long-poll sync roundtrips.",
		}),
	}

	reg.MustRegister(
		r.BreakerState, r.BreakerOpenTotal,
		r.QueueDepth, r.FlushTotal, r.FlushErrors,
		r.DedupeGroups, r.DedupeSuppressed,
		r.MemoryPressure,
		r.SourceMapHits, r.SourceMapMisses,
		r.SyncRoundtrips, r.SyncFailures,
	)
	return r
}

// Handler returns the HTTP handler serving this registry's /metrics page.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
