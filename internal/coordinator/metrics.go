package coordinator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus metrics for the rendezvous server.
type Metrics struct {
	RoundsTotal     *prometheus.CounterVec
	Registered      prometheus.Gauge
	RoundDuration   prometheus.Histogram
	BroadcastErrors prometheus.Counter
}

// NewMetrics creates and registers all coordinator metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		RoundsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "crossval_rounds_total",
				Help: "Completed validation rounds by outcome",
			},
			[]string{"outcome"}, // outcome: match, mismatch
		),

		Registered: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "crossval_participants_registered",
				Help: "Participants currently registered with the coordinator",
			},
		),

		RoundDuration: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Name:    "crossval_round_duration_seconds",
				Help:    "Time from first arrival to result broadcast for a sync point",
				Buckets: prometheus.DefBuckets,
			},
		),

		BroadcastErrors: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "crossval_broadcast_errors_total",
				Help: "Result broadcast write failures (non-fatal)",
			},
		),
	}
}
