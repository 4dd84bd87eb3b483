// Package metrics exposes Prometheus collectors for the process manager.
// Every method is safe on a nil *Metrics so components can run without it.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "procman"

// Metrics holds a private registry and the collectors registered on it.
type Metrics struct {
	Registry *prometheus.Registry

	operations        *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	commits           *prometheus.CounterVec
	transitions       *prometheus.CounterVec
	instances         *prometheus.GaugeVec
	definitions       prometheus.Gauge
	reloads           *prometheus.CounterVec
	reloadDuration    prometheus.Histogram
}

// New builds and registers every collector, including the Go and process
// collectors.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		operations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "facade",
				Name:      "operations_total",
				Help:      "Total number of manager operations by outcome kind.",
			},
			[]string{"operation", "kind"},
		),
		operationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "facade",
				Name:      "operation_duration_seconds",
				Help:      "Duration of manager operations.",
				Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12),
			},
			[]string{"operation"},
		),
		commits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "engine",
				Name:      "commits_total",
				Help:      "Activity commits by result.",
			},
			[]string{"result"},
		),
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "engine",
				Name:      "transitions_total",
				Help:      "Resolved transitions by definition and target activity.",
			},
			[]string{"definition", "target"},
		),
		instances: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "engine",
				Name:      "instances",
				Help:      "Known instances by state.",
			},
			[]string{"state"},
		),
		definitions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "models",
				Name:      "definitions",
				Help:      "Definitions in the current snapshot.",
			},
		),
		reloads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "models",
				Name:      "reloads_total",
				Help:      "Model store reloads by result.",
			},
			[]string{"result"},
		),
		reloadDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "models",
				Name:      "reload_duration_seconds",
				Help:      "Duration of model store reloads.",
				Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
			},
		),
	}
	m.Registry.MustRegister(
		m.operations,
		m.operationDuration,
		m.commits,
		m.transitions,
		m.instances,
		m.definitions,
		m.reloads,
		m.reloadDuration,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
	return m
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// ObserveOperation records one manager call. kind is empty on success.
func (m *Metrics) ObserveOperation(operation, kind string, d time.Duration) {
	if m == nil {
		return
	}
	if kind == "" {
		kind = "ok"
	}
	m.operations.WithLabelValues(operation, kind).Inc()
	m.operationDuration.WithLabelValues(operation).Observe(d.Seconds())
}

// ObserveCommit counts a commit attempt by result.
func (m *Metrics) ObserveCommit(result string) {
	if m == nil {
		return
	}
	m.commits.WithLabelValues(result).Inc()
}

// ObserveTransition counts a resolved transition. An empty target means the
// instance ended.
func (m *Metrics) ObserveTransition(definitionID, target string) {
	if m == nil {
		return
	}
	if target == "" {
		target = "(end)"
	}
	m.transitions.WithLabelValues(definitionID, target).Inc()
}

// SetInstances publishes instance counts.
func (m *Metrics) SetInstances(running, ended int) {
	if m == nil {
		return
	}
	m.instances.WithLabelValues("running").Set(float64(running))
	m.instances.WithLabelValues("ended").Set(float64(ended))
}

// SetDefinitions publishes the number of definitions in the snapshot.
func (m *Metrics) SetDefinitions(n int) {
	if m == nil {
		return
	}
	m.definitions.Set(float64(n))
}

// ObserveReload records a model store reload.
func (m *Metrics) ObserveReload(err error, d time.Duration) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.reloads.WithLabelValues(result).Inc()
	m.reloadDuration.Observe(d.Seconds())
}
