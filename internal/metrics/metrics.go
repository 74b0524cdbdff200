// Package metrics provides process-wide Prometheus instrumentation for the
// wallet gateway. Domain packages register their own collectors.
package metrics

import (
	"context"
	"database/sql"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, route, and status class.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "walletgate",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, route pattern, and status class.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and route.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "walletgate",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// HTTPInFlight tracks requests currently being served.
	HTTPInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "walletgate",
		Name:      "http_in_flight_requests",
		Help:      "Number of HTTP requests currently being served.",
	})

	dbOpenConnections = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "walletgate", Name: "db_open_connections",
		Help: "Number of open database connections.",
	}, []string{"db"})
	dbInUseConnections = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "walletgate", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	}, []string{"db"})
	dbIdleConnections = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "walletgate", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	}, []string{"db"})
	dbWaitDuration = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "walletgate", Name: "db_wait_duration_seconds_total",
		Help: "Total time waited for connections in seconds.",
	}, []string{"db"})

	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "walletgate", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		HTTPInFlight,
		dbOpenConnections,
		dbInUseConnections,
		dbIdleConnections,
		dbWaitDuration,
		GoroutineCount,
	)
}

// SampleDB copies the pool statistics of each named database into gauges.
func SampleDB(dbs map[string]*sql.DB) {
	for name, db := range dbs {
		if db == nil {
			continue
		}
		stats := db.Stats()
		dbOpenConnections.WithLabelValues(name).Set(float64(stats.OpenConnections))
		dbInUseConnections.WithLabelValues(name).Set(float64(stats.InUse))
		dbIdleConnections.WithLabelValues(name).Set(float64(stats.Idle))
		dbWaitDuration.WithLabelValues(name).Set(stats.WaitDuration.Seconds())
	}
	GoroutineCount.Set(float64(runtime.NumGoroutine()))
}

// StartDBStatsCollector samples pool stats every interval until ctx is done.
func StartDBStatsCollector(ctx context.Context, dbs map[string]*sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			SampleDB(dbs)
		}
	}
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		HTTPInFlight.Inc()
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(c.Request.Method, path))

		c.Next()

		timer.ObserveDuration()
		HTTPInFlight.Dec()
		HTTPRequestsTotal.WithLabelValues(c.Request.Method, path, statusBucket(c.Writer.Status())).Inc()
	}
}

// Handler serves the default Prometheus registry.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
