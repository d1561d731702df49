// Package metrics exposes ingestion counters and gauges to Prometheus.
//
// All recording methods are safe on a nil *Metrics, which records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"climate_monitor/telemetry"
)

const namespace = "climate"

// Metrics holds the process registry and every collector the pipeline updates.
type Metrics struct {
	registry *prometheus.Registry

	messagesReceived prometheus.Counter
	messagesDropped  prometheus.Counter
	accepted         prometheus.Counter
	rejected         *prometheus.CounterVec
	filtered         prometheus.Counter
	storageErrors    prometheus.Counter
	storageWrite     prometheus.Histogram
	nodes            *prometheus.GaugeVec
	brokerConnected  prometheus.Gauge
}

// New creates a registry with Go runtime and process collectors plus the
// climate_* metrics.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		messagesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Messages delivered by the broker.",
		}),
		messagesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_dropped_total",
			Help:      "Messages dropped because the handoff buffer was full.",
		}),
		accepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "readings_accepted_total",
			Help:      "Readings decoded and applied to the node store.",
		}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "readings_rejected_total",
			Help:      "Messages discarded by the decoder, by reason.",
		}, []string{"reason"}),
		filtered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "readings_filtered_total",
			Help:      "Messages from nodes outside the allow-list.",
		}),
		storageErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_errors_total",
			Help:      "Durable log writes that failed.",
		}),
		storageWrite: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "storage_write_seconds",
			Help:      "Latency of durable log writes.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
		nodes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "nodes",
			Help:      "Known nodes by liveness status.",
		}, []string{"status"}),
		brokerConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "broker_connected",
			Help:      "1 while the broker connection is up.",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.messagesReceived,
		m.messagesDropped,
		m.accepted,
		m.rejected,
		m.filtered,
		m.storageErrors,
		m.storageWrite,
		m.nodes,
		m.brokerConnected,
	)
	return m
}

// Registry returns the underlying Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

func (m *Metrics) MessageReceived() {
	if m != nil {
		m.messagesReceived.Inc()
	}
}

func (m *Metrics) MessageDropped() {
	if m != nil {
		m.messagesDropped.Inc()
	}
}

func (m *Metrics) ReadingAccepted() {
	if m != nil {
		m.accepted.Inc()
	}
}

// ReadingRejected counts a decoder rejection under telemetry.Reason(err).
func (m *Metrics) ReadingRejected(err error) {
	if m != nil {
		m.rejected.WithLabelValues(telemetry.Reason(err)).Inc()
	}
}

func (m *Metrics) ReadingFiltered() {
	if m != nil {
		m.filtered.Inc()
	}
}

// ObserveStorageWrite records one durable write. Failures also bump the error counter.
func (m *Metrics) ObserveStorageWrite(d time.Duration, err error) {
	if m == nil {
		return
	}
	m.storageWrite.Observe(d.Seconds())
	if err != nil {
		m.storageErrors.Inc()
	}
}

// SetNodeCounts publishes how many nodes are online and offline.
func (m *Metrics) SetNodeCounts(online, offline int) {
	if m == nil {
		return
	}
	m.nodes.WithLabelValues(telemetry.Online.String()).Set(float64(online))
	m.nodes.WithLabelValues(telemetry.Offline.String()).Set(float64(offline))
}

func (m *Metrics) SetBrokerConnected(up bool) {
	if m == nil {
		return
	}
	if up {
		m.brokerConnected.Set(1)
	} else {
		m.brokerConnected.Set(0)
	}
}
