// Package metrics exposes Prometheus instruments for the client engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"obelisk/event"
)

const namespace = "obelisk"

// Metrics groups the engine's instruments.
type Metrics struct {
	RequestsSent *prometheus.CounterVec
	Replies      *prometheus.CounterVec
	Timeouts     prometheus.Counter
	Reconnects   prometheus.Counter
	Dropped      prometheus.Counter
	RateLimited  prometheus.Counter
	Anomalies    *prometheus.CounterVec
	Pending      prometheus.Gauge
}

// New creates the instruments and registers them on reg. A nil reg gets a
// private registry so several clients can live in one process.
func New(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		RequestsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_sent_total",
			Help:      "Command requests written to the query socket, resends included.",
		}, []string{"command"}),
		Replies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replies_total",
			Help:      "Replies matched to a pending request.",
		}, []string{"command"}),
		Timeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "request_timeouts_total",
			Help:      "Pending requests whose timer expired.",
		}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_total",
			Help:      "Query socket rebuilds triggered by a timeout.",
		}),
		Dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_dropped_total",
			Help:      "Pending requests abandoned after the reconnect policy gave up.",
		}),
		RateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_rate_limited_total",
			Help:      "Requests rejected by the outbound rate limit.",
		}),
		Anomalies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "anomalies_total",
			Help:      "Tolerated protocol faults by kind and channel.",
		}, []string{"kind", "channel"}),
		Pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_requests",
			Help:      "Requests waiting for a reply.",
		}),
	}

	for _, c := range []prometheus.Collector{
		m.RequestsSent, m.Replies, m.Timeouts, m.Reconnects,
		m.Dropped, m.RateLimited, m.Anomalies, m.Pending,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// ObserveAnomaly counts an anomaly; subscribe it on an event.Bus.
func (m *Metrics) ObserveAnomaly(a event.Anomaly) {
	m.Anomalies.WithLabelValues(string(a.Kind), a.Channel.String()).Inc()
}

// ObserveDropped counts an abandoned request.
func (m *Metrics) ObserveDropped(event.RequestDropped) {
	m.Dropped.Inc()
}
