package telemetry

import "github.com/prometheus/client_golang/prometheus"

var RequestsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "gatekeeper",
		Name:      "requests_total",
		Help:      "Total number of admission requests by provider and terminal outcome.",
	},
	[]string{"provider", "outcome"},
)

var CacheEventsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "gatekeeper",
		Subsystem: "cache",
		Name:      "events_total",
		Help:      "Total number of cache lookups by provider and kind (hit, miss, negative, bypass).",
	},
	[]string{"provider", "kind"},
)

var QueueDepth = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "gatekeeper",
		Subsystem: "queue",
		Name:      "depth",
		Help:      "Current number of deferred requests waiting per user.",
	},
	[]string{"user"},
)

var QuotaUsed = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "gatekeeper",
		Subsystem: "quota",
		Name:      "used",
		Help:      "Current daily quota usage per provider and user.",
	},
	[]string{"provider", "user"},
)

var UpstreamLatency = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "gatekeeper",
		Subsystem: "upstream",
		Name:      "latency_ms",
		Help:      "Upstream dispatch latency in milliseconds, labeled by provider.",
		Buckets:   []float64{10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
	},
	[]string{"provider"},
)

var UpstreamErrorsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "gatekeeper",
		Subsystem: "upstream",
		Name:      "errors_total",
		Help:      "Total number of classified upstream dispatch failures by provider and kind.",
	},
	[]string{"provider", "kind"},
)

var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "gatekeeper",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds by method, route, and status.",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
	},
	[]string{"method", "route", "status"},
)

var AlertsRaisedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "gatekeeper",
		Subsystem: "alerts",
		Name:      "raised_total",
		Help:      "Total number of threshold alerts raised by metric name.",
	},
	[]string{"metric"},
)

// All returns every gatekeeper metric for registration against a Prometheus
// registry.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		RequestsTotal,
		CacheEventsTotal,
		QueueDepth,
		QuotaUsed,
		UpstreamLatency,
		UpstreamErrorsTotal,
		HTTPRequestDuration,
		AlertsRaisedTotal,
	}
}
