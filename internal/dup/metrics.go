package dup

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the Prometheus collectors updated by the backend adapter and
// the handlers. Each instance owns a private registry so tests and repeated
// runs in one process never collide.
type Metrics struct {
	Registry *prometheus.Registry

	operations *prometheus.CounterVec
	bytes      *prometheus.CounterVec
	retries    prometheus.Counter
	queued     prometheus.Gauge
	entries    *prometheus.CounterVec
	volumes    *prometheus.CounterVec
}

// NewMetrics creates and registers the collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dup",
			Subsystem: "backend",
			Name:      "operations_total",
			Help:      "Backend calls by operation and result.",
		}, []string{"operation", "result"}),
		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dup",
			Subsystem: "backend",
			Name:      "bytes_total",
			Help:      "Bytes transferred to and from the backend.",
		}, []string{"direction"}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dup",
			Subsystem: "backend",
			Name:      "retries_total",
			Help:      "Backend calls that failed and were retried.",
		}),
		queued: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dup",
			Subsystem: "backend",
			Name:      "uploads_in_flight",
			Help:      "Uploads queued or running.",
		}),
		entries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dup",
			Subsystem: "backup",
			Name:      "entries_total",
			Help:      "Source entries examined by backups, by outcome.",
		}, []string{"outcome"}),
		volumes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dup",
			Name:      "volumes_written_total",
			Help:      "Volumes sealed, by type.",
		}, []string{"type"}),
	}
	m.Registry.MustRegister(m.operations, m.bytes, m.retries, m.queued, m.entries, m.volumes)
	return m
}
