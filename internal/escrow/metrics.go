package escrow

import "github.com/prometheus/client_golang/prometheus"

var (
	escrowsReaped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "walletgate",
		Subsystem: "escrow",
		Name:      "reaped_total",
		Help:      "Escrows cancelled by the reaper after exceeding their TTL.",
	})

	asyncTasks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "walletgate",
		Subsystem: "escrow",
		Name:      "async_tasks_total",
		Help:      "Background tasks started after finalize, by task and result.",
	}, []string{"task", "result"})
)

func init() {
	prometheus.MustRegister(escrowsReaped, asyncTasks)
}
