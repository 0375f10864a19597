package binlog

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors fed by streams, transaction
// parsers and TCP drivers. A nil *Metrics records nothing.
type Metrics struct {
	events       *prometheus.CounterVec
	faults       prometheus.Counter
	transactions prometheus.Counter
	reconnects   prometheus.Counter
	queueDepth   prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		events: f.NewCounterVec(prometheus.CounterOpts{
			Name: "binlog_events_total",
			Help: "Number of binlog events decoded, by event type.",
		}, []string{"type"}),
		faults: f.NewCounter(prometheus.CounterOpts{
			Name: "binlog_stream_faults_total",
			Help: "Number of times a binlog stream faulted.",
		}),
		transactions: f.NewCounter(prometheus.CounterOpts{
			Name: "binlog_transactions_total",
			Help: "Number of transactions assembled.",
		}),
		reconnects: f.NewCounter(prometheus.CounterOpts{
			Name: "binlog_reconnects_total",
			Help: "Number of times the network driver reconnected.",
		}),
		queueDepth: f.NewGauge(prometheus.GaugeOpts{
			Name: "binlog_queue_depth",
			Help: "Number of events waiting in the network driver queue.",
		}),
	}
}

func (m *Metrics) eventDecoded(t EventType) {
	if m != nil {
		m.events.WithLabelValues(t.String()).Inc()
	}
}

func (m *Metrics) streamFaulted() {
	if m != nil {
		m.faults.Inc()
	}
}

func (m *Metrics) transactionAssembled() {
	if m != nil {
		m.transactions.Inc()
	}
}

func (m *Metrics) reconnected() {
	if m != nil {
		m.reconnects.Inc()
	}
}

func (m *Metrics) setQueueDepth(n int) {
	if m != nil {
		m.queueDepth.Set(float64(n))
	}
}
