// Package metrics holds the daemon's Prometheus collectors. A nil *Metrics
// is valid and records nothing, so components can take one unconditionally.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "mbmgps"

type Metrics struct {
	reg *prometheus.Registry

	atCommands  *prometheus.CounterVec
	unsolicited *prometheus.CounterVec
	nmeaLines   *prometheus.CounterVec
	companion   *prometheus.CounterVec
	reconnects  prometheus.Counter
	niRequests  prometheus.Counter
	fixes       prometheus.Counter
	ready       prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		atCommands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "at_commands_total",
			Help:      "AT commands completed, by result.",
		}, []string{"result"}),
		unsolicited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unsolicited_total",
			Help:      "Unsolicited modem lines, by prefix.",
		}, []string{"prefix"}),
		nmeaLines: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "nmea_lines_total",
			Help:      "Reads from the NMEA port, by outcome.",
		}, []string{"result"}),
		companion: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "companion_messages_total",
			Help:      "Messages received from the companion process, by tag.",
		}, []string{"tag"}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_total",
			Help:      "Control device connection attempts after a loss.",
		}),
		niRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ni_requests_total",
			Help:      "Network-initiated location requests received.",
		}),
		fixes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fixes_total",
			Help:      "Location fixes reported.",
		}),
		ready: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "device_ready",
			Help:      "1 while the control channel is open and ready.",
		}),
	}
	m.reg.MustRegister(m.atCommands, m.unsolicited, m.nmeaLines, m.companion, m.reconnects, m.niRequests, m.fixes, m.ready)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

func (m *Metrics) ATCommand(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.atCommands.WithLabelValues(result).Inc()
}

func (m *Metrics) Unsolicited(prefix string) {
	if m == nil {
		return
	}
	if prefix == "" {
		prefix = "other"
	}
	m.unsolicited.WithLabelValues(prefix).Inc()
}

// NMEALine records one read: "forwarded", "filtered" or "malformed".
func (m *Metrics) NMEALine(result string) {
	if m == nil {
		return
	}
	m.nmeaLines.WithLabelValues(result).Inc()
}

func (m *Metrics) CompanionMessage(tag string) {
	if m == nil {
		return
	}
	m.companion.WithLabelValues(tag).Inc()
}

func (m *Metrics) Reconnect() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

func (m *Metrics) NIRequest() {
	if m == nil {
		return
	}
	m.niRequests.Inc()
}

func (m *Metrics) Fix() {
	if m == nil {
		return
	}
	m.fixes.Inc()
}

func (m *Metrics) SetReady(ready bool) {
	if m == nil {
		return
	}
	if ready {
		m.ready.Set(1)
		return
	}
	m.ready.Set(0)
}
