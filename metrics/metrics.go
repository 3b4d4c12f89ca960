// Package metrics registers the prometheus collectors shared by the API,
// the market providers and the scheduler.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "gridtrader"

var (
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path"},
	)

	GridOrdersFilled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "grid_orders_filled_total",
			Help:      "Grid orders filled, by side",
		},
		[]string{"side"},
	)

	SchedulerTaskDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "scheduler_task_duration_seconds",
			Help:      "Duration of one scheduler task run",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"task"},
	)

	SchedulerTaskErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduler_task_errors_total",
			Help:      "Scheduler task runs that returned an error",
		},
		[]string{"task"},
	)

	MarketRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "market_requests_total",
			Help:      "Market data provider calls, by result",
		},
		[]string{"provider", "result"},
	)

	ActiveGrids = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_grids",
			Help:      "Number of grids in active status",
		},
	)
)

// Handler serves the default registry
func Handler() http.Handler {
	return promhttp.Handler()
}

// GinMiddleware records request count and latency per route template.
// Unmatched routes are grouped under "unmatched" to bound label cardinality.
func GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		status := strconv.Itoa(c.Writer.Status())
		HTTPRequests.WithLabelValues(c.Request.Method, path, status).Inc()
		HTTPDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}

// ObserveTask records one scheduler task run
func ObserveTask(task string, started time.Time, err error) {
	SchedulerTaskDuration.WithLabelValues(task).Observe(time.Since(started).Seconds())
	if err != nil {
		SchedulerTaskErrors.WithLabelValues(task).Inc()
	}
}
