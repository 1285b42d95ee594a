package reader

import (
	"github.com/prometheus/client_golang/prometheus"

	"DataReader/pkg/wire"
)

// Metrics are the read statistics of a reader process. A nil *Metrics
// records nothing.
type Metrics struct {
	readRequests   prometheus.Counter
	readBytes      prometheus.Counter
	activeSessions prometheus.Gauge
	replies        *prometheus.CounterVec
	timeouts       *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		readRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "datareader",
			Name:      "read_requests_total",
			Help:      "Chunks served to retrieve clients",
		}),
		readBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "datareader",
			Name:      "read_bytes_total",
			Help:      "Bytes served to retrieve clients",
		}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "datareader",
			Name:      "active_sessions",
			Help:      "Retrieve sessions currently held",
		}),
		replies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "datareader",
			Name:      "replies_total",
			Help:      "Retrieve replies sent, by status",
		}, []string{"status"}),
		timeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "datareader",
			Name:      "session_timeouts_total",
			Help:      "Sessions discarded by the timeout sweep, by stage",
		}, []string{"stage"}),
	}
	for _, c := range []prometheus.Collector{m.readRequests, m.readBytes, m.activeSessions, m.replies, m.timeouts} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) read(n int) {
	if m == nil {
		return
	}
	m.readRequests.Inc()
	m.readBytes.Add(float64(n))
}

func (m *Metrics) opened() {
	if m != nil {
		m.activeSessions.Inc()
	}
}

func (m *Metrics) closed() {
	if m != nil {
		m.activeSessions.Dec()
	}
}

func (m *Metrics) reply(s wire.Status) {
	if m != nil {
		m.replies.WithLabelValues(s.String()).Inc()
	}
}

func (m *Metrics) timeout(s Stage) {
	if m != nil {
		m.timeouts.WithLabelValues(s.String()).Inc()
	}
}
