package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "capability_server"

// PrometheusMetrics implements MetricsClient on a prometheus registry.
// Vectors are created lazily per metric name so components can record
// without pre-declaring every series.
type PrometheusMetrics struct {
	registry *prometheus.Registry

	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec

	opDuration *prometheus.HistogramVec
	opTotal    *prometheus.CounterVec
}

// NewPrometheusMetrics creates a metrics client with its own registry.
func NewPrometheusMetrics() *PrometheusMetrics {
	reg := prometheus.NewRegistry()

	m := &PrometheusMetrics{
		registry:   reg,
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
		opDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "operation_duration_seconds",
				Help:      "Duration of component operations in seconds",
				Buckets:   []float64{.005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"component", "operation", "status"},
		),
		opTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "operation_total",
				Help:      "Total number of component operations",
			},
			[]string{"component", "operation", "status"},
		),
	}
	reg.MustRegister(m.opDuration, m.opTotal)
	return m
}

// Registry exposes the underlying registry for the /metrics handler.
func (m *PrometheusMetrics) Registry() *prometheus.Registry { return m.registry }

func labelKeys(labels map[string]string) []string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	return keys
}

// IncrementCounter increments a named counter.
func (m *PrometheusMetrics) IncrementCounter(name string, value float64, labels map[string]string) {
	m.mu.Lock()
	vec, ok := m.counters[name]
	if !ok {
		vec = prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Name: name, Help: name},
			labelKeys(labels),
		)
		if err := m.registry.Register(vec); err != nil {
			m.mu.Unlock()
			return
		}
		m.counters[name] = vec
	}
	m.mu.Unlock()
	vec.With(labels).Add(value)
}

// RecordGauge sets a named gauge.
func (m *PrometheusMetrics) RecordGauge(name string, value float64, labels map[string]string) {
	m.mu.Lock()
	vec, ok := m.gauges[name]
	if !ok {
		vec = prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: name},
			labelKeys(labels),
		)
		if err := m.registry.Register(vec); err != nil {
			m.mu.Unlock()
			return
		}
		m.gauges[name] = vec
	}
	m.mu.Unlock()
	vec.With(labels).Set(value)
}

// RecordLatency records the duration of a named operation.
func (m *PrometheusMetrics) RecordLatency(operation string, duration time.Duration) {
	m.opDuration.WithLabelValues("", operation, "observed").Observe(duration.Seconds())
}

// RecordOperation records the outcome and latency of a component operation.
func (m *PrometheusMetrics) RecordOperation(component, operation string, success bool, duration time.Duration) {
	status := "success"
	if !success {
		status = "failure"
	}
	m.opTotal.WithLabelValues(component, operation, status).Inc()
	m.opDuration.WithLabelValues(component, operation, status).Observe(duration.Seconds())
}

// NoopMetrics discards all metrics.
type NoopMetrics struct{}

func (NoopMetrics) IncrementCounter(string, float64, map[string]string) {}
func (NoopMetrics) RecordGauge(string, float64, map[string]string)      {}
func (NoopMetrics) RecordLatency(string, time.Duration)                 {}
func (NoopMetrics) RecordOperation(string, string, bool, time.Duration) {}

// NewNoopMetrics creates a metrics client that does nothing.
func NewNoopMetrics() MetricsClient { return NoopMetrics{} }
