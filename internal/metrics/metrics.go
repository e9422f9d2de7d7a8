// Package metrics exposes Prometheus instruments for the ingest pipeline.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "blebridge"

type Metrics struct {
	registry *prometheus.Registry

	received         prometheus.Counter
	filtered         prometheus.Counter
	rejected         *prometheus.CounterVec
	upserts          *prometheus.CounterVec
	staleTransitions prometheus.Counter
	snapshotWrites   prometheus.Counter
	snapshotFailures prometheus.Counter
	devices          prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		received: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "advertisements_received_total",
			Help:      "Advertisement events taken from the inbound stream.",
		}),
		filtered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "advertisements_filtered_total",
			Help:      "Advertisement events dropped by the address allow-list.",
		}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payloads_rejected_total",
			Help:      "Payloads the decoder rejected, by reason.",
		}, []string{"reason"}),
		upserts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upserts_total",
			Help:      "Decoded readings offered to the device table, by outcome.",
		}, []string{"outcome"}),
		staleTransitions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stale_transitions_total",
			Help:      "Devices demoted from active to stale.",
		}),
		snapshotWrites: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshot_writes_total",
			Help:      "Snapshot files atomically replaced.",
		}),
		snapshotFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshot_failures_total",
			Help:      "Snapshot flushes that failed to encode or persist.",
		}),
		devices: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "devices",
			Help:      "Devices known to the table.",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.received,
		m.filtered,
		m.rejected,
		m.upserts,
		m.staleTransitions,
		m.snapshotWrites,
		m.snapshotFailures,
		m.devices,
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) Received() {
	if m != nil {
		m.received.Inc()
	}
}

func (m *Metrics) Filtered() {
	if m != nil {
		m.filtered.Inc()
	}
}

func (m *Metrics) Rejected(reason string) {
	if m != nil {
		m.rejected.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) Upserted(outcome string) {
	if m != nil {
		m.upserts.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) StaleTransitions(n int) {
	if m != nil && n > 0 {
		m.staleTransitions.Add(float64(n))
	}
}

func (m *Metrics) SnapshotWritten(devices int) {
	if m != nil {
		m.snapshotWrites.Inc()
		m.devices.Set(float64(devices))
	}
}

func (m *Metrics) SnapshotFailed() {
	if m != nil {
		m.snapshotFailures.Inc()
	}
}
