package graph

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects Prometheus metrics for graph execution. All metrics are
// namespaced with "convograph".
//
// Exposed series:
//
//   - step_latency_ms (histogram): node execution duration in milliseconds.
//     Labels: node_id, status (success/error).
//   - checkpoint_writes_total (counter): checkpoint store writes.
//     Labels: status (success/error).
//   - runs_total (counter): finished runs.
//     Labels: status (completed/aborted/canceled).
//   - loop_iterations_total (counter): refinement loop passes taken before a
//     run converged. Labels: node_id.
//   - tool_executions_total (counter): sandboxed tool runs.
//     Labels: tool, status (success/fallback/error).
//
// Expose the registry via promhttp for scraping:
//
//	registry := prometheus.NewRegistry()
//	metrics := NewMetrics(registry)
//	http.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
//
// All methods are safe for concurrent use.
type Metrics struct {
	stepLatency      *prometheus.HistogramVec
	checkpointWrites *prometheus.CounterVec
	runs             *prometheus.CounterVec
	loopIterations   *prometheus.CounterVec
	toolExecutions   *prometheus.CounterVec
}

// NewMetrics creates and registers all execution metrics with the given
// registry. A nil registry falls back to prometheus.DefaultRegisterer.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &Metrics{
		stepLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "convograph",
			Name:      "step_latency_ms",
			Help:      "Node execution duration in milliseconds",
			Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000},
		}, []string{"node_id", "status"}),
		checkpointWrites: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "convograph",
			Name:      "checkpoint_writes_total",
			Help:      "Checkpoint store writes by outcome",
		}, []string{"status"}),
		runs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "convograph",
			Name:      "runs_total",
			Help:      "Finished runs by outcome",
		}, []string{"status"}),
		loopIterations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "convograph",
			Name:      "loop_iterations_total",
			Help:      "Refinement loop passes taken before convergence",
		}, []string{"node_id"}),
		toolExecutions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "convograph",
			Name:      "tool_executions_total",
			Help:      "Sandboxed tool runs by outcome",
		}, []string{"tool", "status"}),
	}
}

// RecordStepLatency records the execution duration of a node.
func (m *Metrics) RecordStepLatency(nodeID string, latency time.Duration, status string) {
	m.stepLatency.WithLabelValues(nodeID, status).Observe(float64(latency.Milliseconds()))
}

// IncrementCheckpointWrites counts one checkpoint write with the given
// outcome ("success" or "error").
func (m *Metrics) IncrementCheckpointWrites(status string) {
	m.checkpointWrites.WithLabelValues(status).Inc()
}

// IncrementRuns counts one finished run with the given outcome.
func (m *Metrics) IncrementRuns(status string) {
	m.runs.WithLabelValues(status).Inc()
}

// IncrementLoopIterations counts one pass of a bounded loop through nodeID.
func (m *Metrics) IncrementLoopIterations(nodeID string) {
	m.loopIterations.WithLabelValues(nodeID).Inc()
}

// IncrementToolExecutions counts one sandboxed tool run with the given
// outcome ("success", "fallback", or "error").
func (m *Metrics) IncrementToolExecutions(toolName, status string) {
	m.toolExecutions.WithLabelValues(toolName, status).Inc()
}
