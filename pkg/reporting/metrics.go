package reporting

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics instruments the orchestration loop. All collectors live on a
// private registry so multiple orchestrators can coexist in one process.
type Metrics struct {
	registry *prometheus.Registry

	AnalysesTotal   *prometheus.CounterVec
	ExecutionsTotal *prometheus.CounterVec
	CrashesTotal    prometheus.Counter
	CoverageGained  prometheus.Counter
	SpawnedTotal    *prometheus.CounterVec
	QueueDepth      prometheus.Gauge
	CorpusSize      prometheus.Gauge
}

// NewMetrics creates the collector set on a fresh registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		AnalysesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vmslayer",
			Name:      "analyses_total",
			Help:      "Analyses executed, by analysis type and outcome.",
		}, []string{"type", "outcome"}),
		ExecutionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vmslayer",
			Name:      "executions_total",
			Help:      "Target executions, by candidate origin.",
		}, []string{"origin"}),
		CrashesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "vmslayer",
			Name:      "crashes_total",
			Help:      "Crashing executions observed.",
		}),
		CoverageGained: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "vmslayer",
			Name:      "coverage_blocks_gained_total",
			Help:      "Newly covered blocks across all executions.",
		}),
		SpawnedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vmslayer",
			Name:      "spawned_candidates_total",
			Help:      "Follow-up candidates enqueued on coverage gains, by origin.",
		}, []string{"origin"}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "vmslayer",
			Name:      "candidate_queue_depth",
			Help:      "Current candidate queue length.",
		}),
		CorpusSize: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "vmslayer",
			Name:      "corpus_size",
			Help:      "Inputs retained by the corpus manager.",
		}),
	}
}

// Registry exposes the private registry, e.g. to mount an HTTP handler.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
