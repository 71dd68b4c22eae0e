// Package metrics exposes Prometheus collectors describing provenance runs.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Step outcomes.
const (
	StepDiffed  = "diffed"
	StepSkipped = "skipped"
	StepFailed  = "failed"
)

// Metrics groups the run collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	steps        *prometheus.CounterVec
	nodes        *prometheus.CounterVec
	edges        *prometheus.CounterVec
	degraded     prometheus.Counter
	stepDuration prometheus.Histogram
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		steps: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "provgraph",
			Name:      "steps_total",
			Help:      "Pipeline steps processed by outcome.",
		}, []string{"status"}),
		nodes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "provgraph",
			Name:      "nodes_created_total",
			Help:      "Provenance nodes created by kind.",
		}, []string{"kind"}),
		edges: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "provgraph",
			Name:      "edges_total",
			Help:      "Provenance edges emitted by type and node kind.",
		}, []string{"type", "kind"}),
		degraded: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "provgraph",
			Name:      "used_columns_degraded_total",
			Help:      "Steps whose used-columns inference failed and fell back to empty.",
		}),
		stepDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "provgraph",
			Name:      "step_diff_seconds",
			Help:      "Time spent diffing one snapshot pair.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 10),
		}),
	}
}

func (m *Metrics) ObserveStep(status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.steps.WithLabelValues(status).Inc()
	if status == StepDiffed {
		m.stepDuration.Observe(elapsed.Seconds())
	}
}

func (m *Metrics) AddNodes(kind string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.nodes.WithLabelValues(kind).Add(float64(n))
}

func (m *Metrics) AddEdges(edgeType, kind string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.edges.WithLabelValues(edgeType, kind).Add(float64(n))
}

func (m *Metrics) Degraded() {
	if m == nil {
		return
	}
	m.degraded.Inc()
}

// WriteTextfile dumps every metric gathered by g in the node exporter textfile format.
func WriteTextfile(path string, g prometheus.Gatherer) error {
	return prometheus.WriteToTextfile(path, g)
}
