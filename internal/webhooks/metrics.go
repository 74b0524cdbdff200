package webhooks

import "github.com/prometheus/client_golang/prometheus"

var (
	webhookEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "walletgate",
		Subsystem: "stripe_webhook",
		Name:      "events_total",
		Help:      "Stripe webhook deliveries by event type and outcome.",
	}, []string{"type", "outcome"})

	webhookDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "walletgate",
		Subsystem: "stripe_webhook",
		Name:      "dispatch_duration_seconds",
		Help:      "Time spent applying a verified webhook event.",
		Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
	}, []string{"type"})
)

func init() {
	prometheus.MustRegister(webhookEvents, webhookDuration)
}
