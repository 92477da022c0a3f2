/*
Package metrics exposes the connection stack's counters to Prometheus. Every method is safe
to call on a nil *Metrics, which is what a Connection holds when metrics are disabled.
*/
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "rtm"

type Metrics struct {
	registry *prometheus.Registry

	reconnects     *prometheus.CounterVec
	commandsSent   *prometheus.CounterVec
	commandsMerged *prometheus.CounterVec
	commandsFailed *prometheus.CounterVec
	inFlight       *prometheus.GaugeVec
	state          *prometheus.GaugeVec
	frameBytes     *prometheus.CounterVec
}

func New() (*Metrics, error) {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "connection",
			Name:      "reconnects_total",
			Help:      "Reconnect attempts scheduled after a failure",
		}, []string{"app", "protocol"}),

		commandsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "commands",
			Name:      "sent_total",
			Help:      "Command frames written to a socket",
		}, []string{"app", "protocol"}),

		commandsMerged: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "commands",
			Name:      "merged_total",
			Help:      "Submissions folded into an equivalent command already in flight",
		}, []string{"app", "protocol"}),

		commandsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "commands",
			Name:      "failed_total",
			Help:      "Commands resolved with an error, by kind",
		}, []string{"app", "protocol", "reason"}),

		inFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "commands",
			Name:      "in_flight",
			Help:      "Commands waiting for an acknowledgement",
		}, []string{"app", "protocol"}),

		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "connection",
			Name:      "state",
			Help:      "Current connection state (0 disconnected, 1 connecting, 2 connected, 3 closing)",
		}, []string{"app", "protocol"}),

		frameBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "socket",
			Name:      "bytes_total",
			Help:      "Frame bytes moved over sockets, by direction",
		}, []string{"direction"}),
	}

	for _, c := range []prometheus.Collector{
		m.reconnects,
		m.commandsSent,
		m.commandsMerged,
		m.commandsFailed,
		m.inFlight,
		m.state,
		m.frameBytes,
		collectors.NewGoCollector(),
	} {
		if err := m.registry.Register(c); err != nil {
			return nil, err
		}
	}

	return m, nil
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry is exposed for tests and for callers that want to add their own collectors
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) Reconnect(app, protocol string) {
	if m == nil {
		return
	}
	m.reconnects.WithLabelValues(app, protocol).Inc()
}

func (m *Metrics) CommandSent(app, protocol string) {
	if m == nil {
		return
	}
	m.commandsSent.WithLabelValues(app, protocol).Inc()
}

func (m *Metrics) CommandMerged(app, protocol string) {
	if m == nil {
		return
	}
	m.commandsMerged.WithLabelValues(app, protocol).Inc()
}

func (m *Metrics) CommandFailed(app, protocol, reason string) {
	if m == nil {
		return
	}
	m.commandsFailed.WithLabelValues(app, protocol, reason).Inc()
}

func (m *Metrics) SetInFlight(app, protocol string, n int) {
	if m == nil {
		return
	}
	m.inFlight.WithLabelValues(app, protocol).Set(float64(n))
}

func (m *Metrics) SetState(app, protocol string, state int) {
	if m == nil {
		return
	}
	m.state.WithLabelValues(app, protocol).Set(float64(state))
}

func (m *Metrics) CountInbound(n int) {
	if m == nil {
		return
	}
	m.frameBytes.WithLabelValues("inbound").Add(float64(n))
}

func (m *Metrics) CountOutbound(n int) {
	if m == nil {
		return
	}
	m.frameBytes.WithLabelValues("outbound").Add(float64(n))
}
