package dashpoll

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors of the client. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	polls          *prometheus.CounterVec
	pollDuration   *prometheus.HistogramVec
	updatesApplied *prometheus.CounterVec
	seriesPoints   *prometheus.GaugeVec
}

// NewMetrics creates the collectors and registers them on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		polls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dashpoll_polls_total",
				Help: "Total poll iterations, labeled by poller and result.",
			},
			[]string{"poller", "result"},
		),
		pollDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dashpoll_poll_duration_seconds",
				Help:    "Duration of poll iterations.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"poller"},
		),
		updatesApplied: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dashpoll_updates_applied_total",
				Help: "Updates applied to the dashboard, labeled by kind (field or series).",
			},
			[]string{"kind"},
		),
		seriesPoints: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "dashpoll_series_points",
				Help: "Number of points currently held per series.",
			},
			[]string{"series"},
		),
	}

	reg.MustRegister(m.polls, m.pollDuration, m.updatesApplied, m.seriesPoints)
	return m
}

func (m *Metrics) observePoll(poller string, took time.Duration, err error) {
	if m == nil {
		return
	}

	result := "success"
	if err != nil {
		result = "failure"
	}

	m.polls.WithLabelValues(poller, result).Inc()
	m.pollDuration.WithLabelValues(poller).Observe(took.Seconds())
}

func (m *Metrics) updateApplied(kind string) {
	if m == nil {
		return
	}

	m.updatesApplied.WithLabelValues(kind).Inc()
}

func (m *Metrics) setSeriesLength(series string, length int) {
	if m == nil {
		return
	}

	m.seriesPoints.WithLabelValues(series).Set(float64(length))
}
