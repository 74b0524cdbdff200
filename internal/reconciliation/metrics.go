package reconciliation

import "github.com/prometheus/client_golang/prometheus"

var (
	syncRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "walletgate",
		Subsystem: "reconciliation",
		Name:      "sync_total",
		Help:      "Reconciliation passes by outcome (ok, error, shared).",
	}, []string{"outcome"})

	alertTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "walletgate",
		Subsystem: "reconciliation",
		Name:      "alert_transitions_total",
		Help:      "Drift alert state changes (fired, resolved).",
	}, []string{"transition"})

	driftCents = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "walletgate",
		Subsystem: "reconciliation",
		Name:      "drift_cents",
		Help:      "Absolute difference between analytics and wallet spend, in cents.",
		Buckets:   []float64{0, 1, 5, 10, 50, 100, 1000, 10000},
	})

	syncDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "walletgate",
		Subsystem: "reconciliation",
		Name:      "sync_duration_seconds",
		Help:      "Duration of reconciliation passes in seconds.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30},
	})
)

func init() {
	prometheus.MustRegister(
		syncRuns,
		alertTransitions,
		driftCents,
		syncDuration,
	)
}
