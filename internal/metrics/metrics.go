package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for terminal sessions and the
// UI bridge. A nil *Metrics is valid and records nothing.
type Metrics struct {
	SessionsActive prometheus.Gauge
	SessionsOpened prometheus.Counter
	BytesRead      prometheus.Counter
	BytesWritten   prometheus.Counter
	WSClients      prometheus.Gauge
	GitCommands    *prometheus.CounterVec
}

// New registers all collectors on reg. Pass prometheus.NewRegistry() in
// tests to avoid duplicate registration on the default registerer.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		SessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "tabterm_sessions_active",
			Help: "Number of terminal sessions currently registered",
		}),
		SessionsOpened: f.NewCounter(prometheus.CounterOpts{
			Name: "tabterm_sessions_opened_total",
			Help: "Total number of terminal sessions spawned",
		}),
		BytesRead: f.NewCounter(prometheus.CounterOpts{
			Name: "tabterm_pty_bytes_read_total",
			Help: "Bytes read from pseudo-terminals",
		}),
		BytesWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "tabterm_pty_bytes_written_total",
			Help: "Bytes written to pseudo-terminals",
		}),
		WSClients: f.NewGauge(prometheus.GaugeOpts{
			Name: "tabterm_ws_clients",
			Help: "Number of connected websocket clients",
		}),
		GitCommands: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tabterm_git_commands_total",
				Help: "Git operations by name and result",
			},
			[]string{"op", "result"},
		),
	}
}

func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.SessionsOpened.Inc()
	m.SessionsActive.Inc()
}

func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.SessionsActive.Dec()
}

func (m *Metrics) Read(n int) {
	if m == nil {
		return
	}
	m.BytesRead.Add(float64(n))
}

func (m *Metrics) Written(n int) {
	if m == nil {
		return
	}
	m.BytesWritten.Add(float64(n))
}

func (m *Metrics) ClientConnected() {
	if m == nil {
		return
	}
	m.WSClients.Inc()
}

func (m *Metrics) ClientDisconnected() {
	if m == nil {
		return
	}
	m.WSClients.Dec()
}

// GitCommand records the outcome of one git operation.
func (m *Metrics) GitCommand(op string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.GitCommands.WithLabelValues(op, result).Inc()
}
