// Package metrics provides Prometheus instrumentation for the proxy.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "relayproxy"

// Direction labels for Bytes.
const (
	Upstream   = "upstream"
	Downstream = "downstream"
)

// Metrics holds the proxy's collectors.
type Metrics struct {
	SessionsActive  *prometheus.GaugeVec
	SessionsTotal   *prometheus.CounterVec
	Bytes           *prometheus.CounterVec
	ParseErrors     prometheus.Counter
	ConnectFailures *prometheus.CounterVec
	QueuedBytes     prometheus.Gauge
}

// New registers the collectors with reg. A nil reg registers nothing, which
// suits tests that build many loops.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		SessionsActive: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "sessions_active",
				Help:      "Number of sessions currently open",
			},
			[]string{"ingress"},
		),
		SessionsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sessions_total",
				Help:      "Total number of sessions accepted",
			},
			[]string{"ingress"},
		),
		Bytes: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bytes_total",
				Help:      "Bytes relayed, upstream is client to origin",
			},
			[]string{"direction"},
		),
		ParseErrors: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "parse_errors_total",
				Help:      "Client requests rejected by the HTTP parser",
			},
		),
		ConnectFailures: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "connect_failures_total",
				Help:      "Origin connects that failed",
			},
			[]string{"ingress"},
		),
		QueuedBytes: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queued_bytes",
				Help:      "Bytes waiting in outbound queues, sampled each poll interval",
			},
		),
	}
}
