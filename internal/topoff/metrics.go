package topoff

import "github.com/prometheus/client_golang/prometheus"

var (
	topoffAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "walletgate",
		Subsystem: "topoff",
		Name:      "attempts_total",
		Help:      "Auto top-up attempts by result (succeeded, failed, disabled, contended).",
	}, []string{"result"})

	topoffCents = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "walletgate",
		Subsystem: "topoff",
		Name:      "charged_cents_total",
		Help:      "Total cents charged by successful auto top-ups, fees included.",
	})

	cacheLookups = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "walletgate",
		Subsystem: "topoff",
		Name:      "settings_cache_total",
		Help:      "Settings cache lookups by result (hit, miss).",
	}, []string{"result"})
)

func init() {
	prometheus.MustRegister(topoffAttempts, topoffCents, cacheLookups)
}
