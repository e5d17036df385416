package reconcile

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the engine's Prometheus collectors. A nil *Metrics records
// nothing.
type Metrics struct {
	events     *prometheus.CounterVec
	mutations  *prometheus.CounterVec
	refreshes  *prometheus.HistogramVec
	feedErrors prometheus.Counter
	records    prometheus.Gauge
}

// NewMetrics registers the engine collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		events: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "schoolsync",
			Subsystem: "engine",
			Name:      "change_events_total",
			Help:      "Change events received from the feed by kind and outcome",
		}, []string{"kind", "outcome"}),
		mutations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "schoolsync",
			Subsystem: "engine",
			Name:      "mutations_total",
			Help:      "Local mutations by operation and status",
		}, []string{"op", "status"}),
		refreshes: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "schoolsync",
			Subsystem: "engine",
			Name:      "refresh_duration_seconds",
			Help:      "Full refresh latency in seconds",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"status"}),
		feedErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "schoolsync",
			Subsystem: "engine",
			Name:      "feed_errors_total",
			Help:      "Change feed subscription failures",
		}),
		records: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "schoolsync",
			Subsystem: "engine",
			Name:      "records",
			Help:      "Records currently held in the collection",
		}),
	}
}

func (m *Metrics) observeEvent(kind, outcome string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) observeMutation(op string, err error) {
	if m == nil {
		return
	}
	m.mutations.WithLabelValues(op, statusLabel(err)).Inc()
}

func (m *Metrics) observeRefresh(started time.Time, err error) {
	if m == nil {
		return
	}
	m.refreshes.WithLabelValues(statusLabel(err)).Observe(time.Since(started).Seconds())
}

func (m *Metrics) observeFeedError() {
	if m == nil {
		return
	}
	m.feedErrors.Inc()
}

func (m *Metrics) setRecords(n int) {
	if m == nil {
		return
	}
	m.records.Set(float64(n))
}

func statusLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
