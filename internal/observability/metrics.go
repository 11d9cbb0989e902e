package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registry *prometheus.Registry

	// HTTP request rate. Watch for: sudden drops (service down) or spikes (traffic surge).
	HTTPRequestsTotal *prometheus.CounterVec

	// HTTP request latency per route template.
	HTTPRequestDuration *prometheus.HistogramVec

	// Concurrent requests in flight. Watch for: saturation.
	HTTPRequestsInFlight prometheus.Gauge

	// Upstream call rate by operation (current, forecast, geocode, reverse_geocode) and status.
	WeatherAPICallsTotal *prometheus.CounterVec

	// Upstream latency. Watch for: p99 approaching the client timeout.
	WeatherAPIDuration *prometheus.HistogramVec

	// Upstream failures by category (timeout, network, upstream_5xx, ...).
	WeatherAPIErrorsTotal *prometheus.CounterVec

	// Cache lookups by payload (weather, forecast) and result (hit, miss, error).
	CacheLookupsTotal *prometheus.CounterVec

	// Cache writes by payload and result (success, error). Errors never reach the caller.
	CacheWritesTotal *prometheus.CounterVec

	// Store operation latency by operation (lookup, upsert) and status.
	CacheOperationDurationSeconds *prometheus.HistogramVec

	// Concurrent misses on the same bucket. Not coordinated, only observed.
	CacheStampedeDetectedTotal prometheus.Counter

	// Mock responses by operation and reason (no_credential, upstream_failure).
	MockResponsesTotal *prometheus.CounterVec

	// Circuit breaker state (0 closed, 1 half-open, 2 open).
	CircuitBreakerState *prometheus.GaugeVec

	CacheWarmingTotal           prometheus.Counter
	CacheWarmingErrorsTotal     prometheus.Counter
	CacheWarmingDurationSeconds prometheus.Histogram

	// Rate limit denials. Watch for: overload, capacity exceeded.
	RateLimitDeniedTotal prometheus.Counter
)

func init() {
	registry = prometheus.NewRegistry()

	registry.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "httpRequestsTotal",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "statusCode"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "httpRequestDurationSeconds",
			Help:    "HTTP request latency in seconds (per request)",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
	HTTPRequestsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "httpRequestsInFlight",
			Help: "Number of HTTP requests currently being served",
		},
	)
	WeatherAPICallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "weatherApiCallsTotal",
			Help: "Total number of upstream weather/geocoding API calls",
		},
		[]string{"operation", "status"},
	)
	WeatherAPIDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "weatherApiDurationSeconds",
			Help:    "Upstream API latency in seconds (per request)",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"operation", "status"},
	)
	WeatherAPIErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "weatherApiErrorsTotal",
			Help: "Upstream API failures by category",
		},
		[]string{"operation", "category"},
	)
	CacheLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheLookupsTotal",
			Help: "Geo-cache lookups by payload kind and result",
		},
		[]string{"payload", "result"},
	)
	CacheWritesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheWritesTotal",
			Help: "Geo-cache upserts by payload kind and result",
		},
		[]string{"payload", "result"},
	)
	CacheOperationDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cacheOperationDurationSeconds",
			Help:    "Geo-cache store latency in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"operation", "status"},
	)
	CacheStampedeDetectedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cacheStampedeDetectedTotal",
			Help: "Cache misses observed while another miss for the same bucket was in progress",
		},
	)
	MockResponsesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mockResponsesTotal",
			Help: "Responses served from synthetic data",
		},
		[]string{"operation", "reason"},
	)
	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuitBreakerState",
			Help: "Circuit breaker state: 0 closed, 1 half-open, 2 open",
		},
		[]string{"component"},
	)
	CacheWarmingTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cacheWarmingTotal",
			Help: "Cache warming runs",
		},
	)
	CacheWarmingErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cacheWarmingErrorsTotal",
			Help: "Cache warming runs with at least one failed coordinate",
		},
	)
	CacheWarmingDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cacheWarmingDurationSeconds",
			Help:    "Cache warming run duration in seconds",
			Buckets: []float64{.5, 1, 2.5, 5, 10, 30, 60},
		},
	)
	RateLimitDeniedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rateLimitDeniedTotal",
			Help: "Total number of requests denied by rate limiter (429)",
		},
	)

	registry.MustRegister(
		HTTPRequestsTotal, HTTPRequestDuration, HTTPRequestsInFlight,
		WeatherAPICallsTotal, WeatherAPIDuration, WeatherAPIErrorsTotal,
		CacheLookupsTotal, CacheWritesTotal, CacheOperationDurationSeconds, CacheStampedeDetectedTotal,
		MockResponsesTotal,
		CircuitBreakerState,
		CacheWarmingTotal, CacheWarmingErrorsTotal, CacheWarmingDurationSeconds,
		RateLimitDeniedTotal,
	)
}

// CircuitBreakerStateValue maps a breaker state name to the gauge value.
func CircuitBreakerStateValue(state string) float64 {
	switch state {
	case "half-open":
		return 1
	case "open":
		return 2
	default:
		return 0
	}
}

// SetCircuitBreakerState records the current breaker state for component.
func SetCircuitBreakerState(component, state string) {
	CircuitBreakerState.WithLabelValues(component).Set(CircuitBreakerStateValue(state))
}

// MetricsHandler returns an http.Handler that serves application and runtime metrics.
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
