package graph

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetrics collects executor metrics under the "nodegraph"
// namespace:
//
//   - inflight_nodes: node computations currently running
//   - frontier_depth: ready nodes waiting for a slot, per graph
//   - step_latency_ms: node execution time by graph, node and status
//   - retries_total: retry attempts by graph and node
//   - backpressure_events_total: permit timeouts by graph
//   - permit_wait_ms: time spent waiting for governor permits
//   - checkpoint_saves_total: checkpoint saves by result (ok, error)
//   - runs_total: finished runs by graph and status
//
// Labels use graph and node IDs, never run IDs, to keep cardinality bounded.
type PrometheusMetrics struct {
	inflightNodes prometheus.Gauge
	frontierDepth *prometheus.GaugeVec
	stepLatency   *prometheus.HistogramVec
	retries       *prometheus.CounterVec
	backpressure  *prometheus.CounterVec
	permitWait    prometheus.Histogram
	checkpoints   *prometheus.CounterVec
	runs          *prometheus.CounterVec

	enabled atomic.Bool
}

// NewPrometheusMetrics registers the collectors with registry, or the default
// registerer when nil. Registering twice on one registry panics, so tests
// should pass a fresh prometheus.NewRegistry().
func NewPrometheusMetrics(registry prometheus.Registerer) *PrometheusMetrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	pm := &PrometheusMetrics{}
	pm.enabled.Store(true)

	pm.inflightNodes = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: "nodegraph",
		Name:      "inflight_nodes",
		Help:      "Node computations currently executing",
	})
	pm.frontierDepth = factory.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "nodegraph",
		Name:      "frontier_depth",
		Help:      "Ready nodes waiting for an execution slot",
	}, []string{"graph"})
	pm.stepLatency = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "nodegraph",
		Name:      "step_latency_ms",
		Help:      "Node execution duration in milliseconds",
		Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000},
	}, []string{"graph", "node_id", "status"})
	pm.retries = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "nodegraph",
		Name:      "retries_total",
		Help:      "Node retry attempts",
	}, []string{"graph", "node_id"})
	pm.backpressure = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "nodegraph",
		Name:      "backpressure_events_total",
		Help:      "Runs paused because a permit could not be acquired in time",
	}, []string{"graph"})
	pm.permitWait = factory.NewHistogram(prometheus.HistogramOpts{
		Namespace: "nodegraph",
		Name:      "permit_wait_ms",
		Help:      "Time spent waiting for resource governor permits",
		Buckets:   []float64{0.1, 1, 5, 10, 50, 100, 500, 1000, 5000},
	})
	pm.checkpoints = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "nodegraph",
		Name:      "checkpoint_saves_total",
		Help:      "Checkpoint save attempts by result",
	}, []string{"result"})
	pm.runs = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "nodegraph",
		Name:      "runs_total",
		Help:      "Finished runs by terminal status",
	}, []string{"graph", "status"})

	return pm
}

func (pm *PrometheusMetrics) on() bool { return pm != nil && pm.enabled.Load() }

// RecordStepLatency observes one node execution. status is success, error or
// timeout.
func (pm *PrometheusMetrics) RecordStepLatency(graph, nodeID string, latency time.Duration, status string) {
	if !pm.on() {
		return
	}
	pm.stepLatency.WithLabelValues(graph, nodeID, status).Observe(float64(latency.Microseconds()) / 1000)
}

func (pm *PrometheusMetrics) IncrementRetries(graph, nodeID string) {
	if !pm.on() {
		return
	}
	pm.retries.WithLabelValues(graph, nodeID).Inc()
}

func (pm *PrometheusMetrics) IncrementBackpressure(graph string) {
	if !pm.on() {
		return
	}
	pm.backpressure.WithLabelValues(graph).Inc()
}

func (pm *PrometheusMetrics) ObservePermitWait(d time.Duration) {
	if !pm.on() {
		return
	}
	pm.permitWait.Observe(float64(d.Microseconds()) / 1000)
}

// RecordCheckpoint counts a save attempt.
func (pm *PrometheusMetrics) RecordCheckpoint(err error) {
	if !pm.on() {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	pm.checkpoints.WithLabelValues(result).Inc()
}

func (pm *PrometheusMetrics) UpdateFrontierDepth(graph string, depth int) {
	if !pm.on() {
		return
	}
	pm.frontierDepth.WithLabelValues(graph).Set(float64(depth))
}

func (pm *PrometheusMetrics) NodeStarted() {
	if !pm.on() {
		return
	}
	pm.inflightNodes.Inc()
}

func (pm *PrometheusMetrics) NodeFinished() {
	if !pm.on() {
		return
	}
	pm.inflightNodes.Dec()
}

func (pm *PrometheusMetrics) RecordRun(graph string, status RunStatus) {
	if !pm.on() {
		return
	}
	pm.runs.WithLabelValues(graph, string(status)).Inc()
}

// Disable stops recording. Collectors stay registered.
func (pm *PrometheusMetrics) Disable() { pm.enabled.Store(false) }

// Enable resumes recording.
func (pm *PrometheusMetrics) Enable() { pm.enabled.Store(true) }

// Reset zeroes the gauges.
func (pm *PrometheusMetrics) Reset() {
	pm.inflightNodes.Set(0)
	pm.frontierDepth.Reset()
}
