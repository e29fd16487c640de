package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Favorites groups the collectors for favorites sync and toggling.
type Favorites struct {
	Toggles             *prometheus.CounterVec
	TransactionDuration prometheus.Histogram
	Snapshots           *prometheus.CounterVec
	ActiveSessions      prometheus.Gauge
}

// New registers the collectors with reg. A nil reg leaves them unregistered,
// which is what tests want.
func New(reg prometheus.Registerer) *Favorites {
	m := &Favorites{
		Toggles: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cinefav_favorite_toggles_total",
				Help: "Favorite toggle attempts by outcome",
			},
			[]string{"outcome"},
		),
		TransactionDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "cinefav_favorite_transaction_duration_seconds",
				Help:    "Duration of favorites read-modify-write transactions",
				Buckets: prometheus.DefBuckets,
			},
		),
		Snapshots: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cinefav_favorite_snapshots_total",
				Help: "Favorites snapshots received by result (applied, stale, error)",
			},
			[]string{"result"},
		),
		ActiveSessions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "cinefav_active_sessions",
				Help: "Signed-in users with a live favorites subscription",
			},
		),
	}

	if reg != nil {
		reg.MustRegister(m.Toggles, m.TransactionDuration, m.Snapshots, m.ActiveSessions)
	}
	return m
}
