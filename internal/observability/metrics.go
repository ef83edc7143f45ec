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
			Namespace: "canvasd",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"method", "route", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "canvasd",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)
	ghostContainers = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "canvasd",
			Subsystem: "ghost",
			Name:      "containers_total",
			Help:      "Ghost containers by outcome (created, compensated).",
		},
		[]string{"outcome"},
	)
	integrityViolations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "canvasd",
			Subsystem: "graph",
			Name:      "integrity_violations_total",
			Help:      "Graph fetches aborted because of duplicate containers.",
		},
	)
	repairActions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "canvasd",
			Subsystem: "repair",
			Name:      "actions_total",
			Help:      "Repair job actions by kind and mode.",
		},
		[]string{"kind", "dry_run"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(httpRequests, httpDuration, ghostContainers, integrityViolations, repairActions)
	})
}

func RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(method, route, statusLabel).Inc()
	httpDuration.WithLabelValues(method, route, statusLabel).Observe(duration.Seconds())
}

func RecordGhosts(outcome string, n int) {
	if n <= 0 {
		return
	}
	RegisterMetrics()
	ghostContainers.WithLabelValues(outcome).Add(float64(n))
}

func RecordIntegrityViolation() {
	RegisterMetrics()
	integrityViolations.Inc()
}

func RecordRepair(kind string, dryRun bool, n int) {
	if n <= 0 {
		return
	}
	RegisterMetrics()
	repairActions.WithLabelValues(kind, strconv.FormatBool(dryRun)).Add(float64(n))
}
