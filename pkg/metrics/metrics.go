// Package metrics exposes the controller's Prometheus instrumentation on a
// dedicated registry, served at /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles every collector the controller updates.
type Metrics struct {
	registry *prometheus.Registry

	// DispatchesTotal counts subtask dispatch attempts by outcome
	// (ok, not_connected, error, nack).
	DispatchesTotal *prometheus.CounterVec

	// ExecutionsFinished counts terminal execution transitions by status.
	ExecutionsFinished *prometheus.CounterVec

	// TasksFinished counts terminal task transitions by verdict.
	TasksFinished *prometheus.CounterVec

	// HeartbeatsTotal counts heartbeat arrivals.
	HeartbeatsTotal prometheus.Counter

	// RunningExecutions tracks the number of RUNNING execution rows.
	RunningExecutions prometheus.Gauge

	// TickDuration observes scheduler tick latency.
	TickDuration prometheus.Histogram
}

// New creates the metrics set on a fresh registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: registry,
		DispatchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taskfleet_dispatches_total",
			Help: "Subtask dispatch attempts by outcome.",
		}, []string{"outcome"}),
		ExecutionsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taskfleet_executions_finished_total",
			Help: "Terminal subtask execution transitions by status.",
		}, []string{"status"}),
		TasksFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taskfleet_tasks_finished_total",
			Help: "Terminal task transitions by verdict.",
		}, []string{"verdict"}),
		HeartbeatsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "taskfleet_heartbeats_total",
			Help: "Heartbeat arrivals from agents.",
		}),
		RunningExecutions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "taskfleet_running_executions",
			Help: "Execution rows currently in RUNNING state.",
		}),
		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "taskfleet_scheduler_tick_seconds",
			Help:    "Scheduler tick duration.",
			Buckets: prometheus.DefBuckets,
		}),
	}

	registry.MustRegister(
		m.DispatchesTotal,
		m.ExecutionsFinished,
		m.TasksFinished,
		m.HeartbeatsTotal,
		m.RunningExecutions,
		m.TickDuration,
	)
	return m
}

// RegisterConnectedAgents registers a gauge fed by the hub's live room count.
func (m *Metrics) RegisterConnectedAgents(count func() int) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "taskfleet_connected_agents",
		Help: "Agents with a live channel connection.",
	}, func() float64 { return float64(count()) }))
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
