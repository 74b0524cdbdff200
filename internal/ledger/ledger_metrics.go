package ledger

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// LedgerOpsTotal counts ledger operations by type.
	LedgerOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "walletgate",
			Name:      "ledger_operations_total",
			Help:      "Total ledger operations by type.",
		},
		[]string{"type"},
	)

	// LedgerOpDuration observes operation latency by type, including time
	// queued behind other work for the same organization.
	LedgerOpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "walletgate",
			Name:      "ledger_operation_duration_seconds",
			Help:      "Ledger operation duration in seconds.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		},
		[]string{"type"},
	)

	// LedgerRejectionsTotal counts refused reservations by reason.
	LedgerRejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "walletgate",
			Name:      "ledger_reservation_rejections_total",
			Help:      "Reservations refused by reason.",
		},
		[]string{"reason"},
	)

	// LedgerEscrowsTotal counts escrow lifecycle transitions.
	LedgerEscrowsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "walletgate",
			Name:      "ledger_escrows_total",
			Help:      "Escrow transitions by outcome (reserved, finalized, cancelled, missing).",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(
		LedgerOpsTotal,
		LedgerOpDuration,
		LedgerRejectionsTotal,
		LedgerEscrowsTotal,
	)
}

// observeOp increments the operation counter and returns a function to observe duration.
func observeOp(opType string) func() {
	LedgerOpsTotal.WithLabelValues(opType).Inc()
	start := time.Now()
	return func() {
		LedgerOpDuration.WithLabelValues(opType).Observe(time.Since(start).Seconds())
	}
}

func observeEscrow(outcome string) {
	LedgerEscrowsTotal.WithLabelValues(outcome).Inc()
}

func observeRejection(err error) {
	switch {
	case errors.Is(err, ErrInsufficientFunds):
		LedgerRejectionsTotal.WithLabelValues("insufficient_funds").Inc()
	case errors.Is(err, ErrDisputeSuspended):
		LedgerRejectionsTotal.WithLabelValues("dispute_suspended").Inc()
	default:
		LedgerRejectionsTotal.WithLabelValues("error").Inc()
	}
}
