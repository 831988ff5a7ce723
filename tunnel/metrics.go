package tunnel

import (
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the prometheus collectors shared by all tunnels of a process.
// Every series is labelled with the tunnel name.
type Metrics struct {
	accepted      *prometheus.CounterVec
	rejected      *prometheus.CounterVec
	handlerErrors *prometheus.CounterVec
	active        *prometheus.GaugeVec
	bytes         *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		accepted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "httptunnel",
			Name:      "connections_accepted_total",
			Help:      "Connections handed to a worker",
		}, []string{"tunnel"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "httptunnel",
			Name:      "connections_rejected_total",
			Help:      "Connections closed because every worker was busy",
		}, []string{"tunnel"}),
		handlerErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "httptunnel",
			Name:      "handler_errors_total",
			Help:      "Handlers that panicked",
		}, []string{"tunnel"}),
		active: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "httptunnel",
			Name:      "connections_active",
			Help:      "Connections currently being handled",
		}, []string{"tunnel"}),
		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "httptunnel",
			Name:      "bytes_total",
			Help:      "Bytes forwarded, by direction relative to the overlay",
		}, []string{"tunnel", "direction"}),
	}
	for _, c := range []prometheus.Collector{m.accepted, m.rejected, m.handlerErrors, m.active, m.bytes} {
		if err := reg.Register(c); err != nil {
			return nil, errors.Wrap(err, "register metrics")
		}
	}
	return m, nil
}

// TunnelMetrics is the view of Metrics for one tunnel. A nil *TunnelMetrics
// records nothing.
type TunnelMetrics struct {
	accepted      prometheus.Counter
	rejected      prometheus.Counter
	handlerErrors prometheus.Counter
	active        prometheus.Gauge
	sent          prometheus.Counter
	received      prometheus.Counter
}

// ForTunnel returns the series for the named tunnel.
func (m *Metrics) ForTunnel(name string) *TunnelMetrics {
	if m == nil {
		return nil
	}
	return &TunnelMetrics{
		accepted:      m.accepted.WithLabelValues(name),
		rejected:      m.rejected.WithLabelValues(name),
		handlerErrors: m.handlerErrors.WithLabelValues(name),
		active:        m.active.WithLabelValues(name),
		sent:          m.bytes.WithLabelValues(name, "to_overlay"),
		received:      m.bytes.WithLabelValues(name, "from_overlay"),
	}
}

func (t *TunnelMetrics) accept() {
	if t != nil {
		t.accepted.Inc()
		t.active.Inc()
	}
}

func (t *TunnelMetrics) done() {
	if t != nil {
		t.active.Dec()
	}
}

func (t *TunnelMetrics) reject() {
	if t != nil {
		t.rejected.Inc()
	}
}

func (t *TunnelMetrics) handlerError() {
	if t != nil {
		t.handlerErrors.Inc()
	}
}

// AddBytes records the byte counts of a finished connection.
func (t *TunnelMetrics) AddBytes(sent, received int64) {
	if t != nil {
		t.sent.Add(float64(sent))
		t.received.Add(float64(received))
	}
}
