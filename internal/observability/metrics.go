package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "portroute",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"router", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "portroute",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"router", "method", "path", "status"},
	)
	forwards = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "portroute",
			Subsystem: "router",
			Name:      "forwards_total",
			Help:      "Write requests forwarded by the router, by result code.",
		},
		[]string{"result"},
	)
	forwardDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "portroute",
			Subsystem: "router",
			Name:      "forward_duration_seconds",
			Help:      "Router forward duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"result"},
	)
	routeEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "portroute",
			Subsystem: "router",
			Name:      "route_events_total",
			Help:      "Route table mutations.",
		},
		[]string{"event"},
	)
	activeRoutes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "portroute",
			Subsystem: "router",
			Name:      "routes",
			Help:      "Entries currently in the route table.",
		},
	)
	retryAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "portroute",
			Subsystem: "retry",
			Name:      "attempts_total",
			Help:      "Supervisor attempts by outcome.",
		},
		[]string{"outcome"},
	)
	clientWrites = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "portroute",
			Subsystem: "client",
			Name:      "write_duration_seconds",
			Help:      "Client write round-trip duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"result", "succeeded"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			httpDuration,
			forwards,
			forwardDuration,
			routeEvents,
			activeRoutes,
			retryAttempts,
			clientWrites,
		)
	})
}

func RecordHTTPRequest(router, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(router, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(router, method, path, statusLabel).Observe(duration.Seconds())
}

func RecordForward(result string, duration time.Duration) {
	RegisterMetrics()
	forwards.WithLabelValues(result).Inc()
	forwardDuration.WithLabelValues(result).Observe(duration.Seconds())
}

func RecordRouteEvent(event string, routes int) {
	RegisterMetrics()
	routeEvents.WithLabelValues(event).Inc()
	activeRoutes.Set(float64(routes))
}

func RecordRetryAttempt(outcome string) {
	RegisterMetrics()
	retryAttempts.WithLabelValues(outcome).Inc()
}

func RecordClientWrite(result string, succeeded bool, duration time.Duration) {
	RegisterMetrics()
	clientWrites.WithLabelValues(result, strconv.FormatBool(succeeded)).Observe(duration.Seconds())
}
