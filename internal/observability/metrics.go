package observability

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kjstillabower/airly-service/internal/traffic"
)

var (
	registry *prometheus.Registry

	// HTTP request rate. Watch for: sudden drops (service down) or spikes (traffic surge).
	HTTPRequestsTotal *prometheus.CounterVec

	// HTTP request latency per request. Watch for: p95/p99 latency increases, SLO breaches.
	HTTPRequestDuration *prometheus.HistogramVec

	// Concurrent requests in flight. Watch for: saturation, capacity limits.
	HTTPRequestsInFlight prometheus.Gauge

	// Airly API call rate per endpoint. Watch for: error vs success ratio.
	AirlyAPICallsTotal *prometheus.CounterVec

	// Airly API latency per request. Watch for: p95 > 2s (upstream degradation).
	AirlyAPIDuration *prometheus.HistogramVec

	// Retry attempts for Airly API calls. Watch for: high retries = unstable upstream.
	AirlyAPIRetriesTotal prometheus.Counter

	// Airly API errors by category (see client.CategorizeError).
	AirlyAPIErrorsTotal *prometheus.CounterVec

	// Remaining Airly quota as reported by X-RateLimit-Remaining-* headers. Watch for: approaching 0.
	AirlyQuotaRemaining *prometheus.GaugeVec

	// Airly quota limit as reported by X-RateLimit-Limit-* headers.
	AirlyQuotaLimit *prometheus.GaugeVec

	// Calls delayed by the outbound limiter that keeps us under the Airly quota.
	AirlyOutboundThrottledTotal prometheus.Counter

	// Cache hits by cache type (measurements, meta).
	CacheHitsTotal *prometheus.CounterVec

	// Cache misses by cache type.
	CacheMissesTotal *prometheus.CounterVec

	// Cache errors by operation and category. Watch for: memcached connectivity.
	CacheErrorsTotal *prometheus.CounterVec

	// Cache operation latency by operation and result.
	CacheOperationDurationSeconds *prometheus.HistogramVec

	// Concurrent misses detected on the same key.
	CacheStampedeDetectedTotal *prometheus.CounterVec

	// Number of concurrent misses observed when a stampede was detected.
	CacheStampedeConcurrency *prometheus.HistogramVec

	// Callers served by a coalesced upstream request instead of their own.
	RequestCoalescingHitsTotal *prometheus.CounterVec

	// Time callers spent waiting on a coalesced request.
	RequestCoalescingWaitSeconds prometheus.Histogram

	// Stale cache serves after upstream failure.
	StaleCacheServesTotal *prometheus.CounterVec

	// Age of stale entries when served.
	StaleCacheAgeSeconds prometheus.Histogram

	// Cache warming runs, failures and duration.
	CacheWarmingTotal           prometheus.Counter
	CacheWarmingErrorsTotal     prometheus.Counter
	CacheWarmingDurationSeconds prometheus.Histogram

	// Measurement lookups by query kind (installation, nearest, point).
	MeasurementQueriesTotal *prometheus.CounterVec

	// Per-installation query count (allow-list; others go to "other").
	MeasurementQueriesByInstallationTotal *prometheus.CounterVec

	// Rate limit denials. Watch for: overload, capacity exceeded.
	RateLimitDeniedTotal prometheus.Counter

	// Circuit breaker state: 0 closed, 1 open, 2 half-open.
	CircuitBreakerState *prometheus.GaugeVec

	// Circuit breaker transitions by from/to state.
	CircuitBreakerTransitionsTotal *prometheus.CounterVec

	// In-flight requests when shutdown started.
	ShutdownInFlightRequests prometheus.Gauge

	trackedInstallationsMu sync.RWMutex
	trackedInstallations   map[int]struct{}

	rateLimitGaugesOnce sync.Once
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
	AirlyAPICallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "airlyApiCallsTotal",
			Help: "Total number of Airly API calls",
		},
		[]string{"endpoint", "status"},
	)
	AirlyAPIDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "airlyApiDurationSeconds",
			Help:    "Airly API latency in seconds (per request)",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"endpoint", "status"},
	)
	AirlyAPIRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "airlyApiRetriesTotal",
			Help: "Total number of retry attempts for Airly API calls",
		},
	)
	AirlyAPIErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "airlyApiErrorsTotal",
			Help: "Airly API errors by category",
		},
		[]string{"category"},
	)
	AirlyQuotaRemaining = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "airlyQuotaRemaining",
			Help: "Remaining Airly API requests in the current period (from X-RateLimit-Remaining-*)",
		},
		[]string{"period"},
	)
	AirlyQuotaLimit = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "airlyQuotaLimit",
			Help: "Airly API request limit for the period (from X-RateLimit-Limit-*)",
		},
		[]string{"period"},
	)
	AirlyOutboundThrottledTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "airlyOutboundThrottledTotal",
			Help: "Airly API calls delayed by the outbound rate limiter",
		},
	)
	CacheHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheHitsTotal",
			Help: "Total number of cache hits",
		},
		[]string{"cacheType"},
	)
	CacheMissesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheMissesTotal",
			Help: "Total number of cache misses",
		},
		[]string{"cacheType"},
	)
	CacheErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheErrorsTotal",
			Help: "Cache errors by operation and category",
		},
		[]string{"operation", "category"},
	)
	CacheOperationDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cacheOperationDurationSeconds",
			Help:    "Cache operation latency in seconds",
			Buckets: []float64{.0005, .001, .005, .01, .05, .1, .5},
		},
		[]string{"operation", "result"},
	)
	CacheStampedeDetectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheStampedeDetectedTotal",
			Help: "Concurrent cache misses detected on the same key",
		},
		[]string{"kind"},
	)
	CacheStampedeConcurrency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cacheStampedeConcurrency",
			Help:    "Concurrent misses on a key when a stampede was detected",
			Buckets: []float64{2, 3, 5, 10, 25, 50},
		},
		[]string{"kind"},
	)
	RequestCoalescingHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "requestCoalescingHitsTotal",
			Help: "Requests served by joining an in-flight upstream call",
		},
		[]string{"kind"},
	)
	RequestCoalescingWaitSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "requestCoalescingWaitSeconds",
			Help:    "Time spent waiting for a coalesced upstream call",
			Buckets: prometheus.DefBuckets,
		},
	)
	StaleCacheServesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "staleCacheServesTotal",
			Help: "Stale cache entries served after upstream failure",
		},
		[]string{"kind"},
	)
	StaleCacheAgeSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "staleCacheAgeSeconds",
			Help:    "Age of stale cache entries when served",
			Buckets: []float64{60, 300, 600, 1800, 3600, 7200},
		},
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
			Help: "Cache warming runs with at least one failed installation",
		},
	)
	CacheWarmingDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cacheWarmingDurationSeconds",
			Help:    "Cache warming duration in seconds",
			Buckets: []float64{.5, 1, 2.5, 5, 10, 30},
		},
	)
	MeasurementQueriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "measurementQueriesTotal",
			Help: "Measurement lookups by query kind",
		},
		[]string{"kind"},
	)
	MeasurementQueriesByInstallationTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "measurementQueriesByInstallationTotal",
			Help: "Installation measurement lookups (allow-list; others use installation=other)",
		},
		[]string{"installation"},
	)
	RateLimitDeniedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rateLimitDeniedTotal",
			Help: "Total number of requests denied by rate limiter (429)",
		},
	)
	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuitBreakerState",
			Help: "Circuit breaker state (0 closed, 1 open, 2 half-open)",
		},
		[]string{"component"},
	)
	CircuitBreakerTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuitBreakerTransitionsTotal",
			Help: "Circuit breaker state transitions",
		},
		[]string{"component", "from", "to"},
	)
	ShutdownInFlightRequests = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "shutdownInFlightRequests",
			Help: "In-flight requests at the start of graceful shutdown",
		},
	)

	registry.MustRegister(
		HTTPRequestsTotal, HTTPRequestDuration, HTTPRequestsInFlight,
		AirlyAPICallsTotal, AirlyAPIDuration, AirlyAPIRetriesTotal, AirlyAPIErrorsTotal,
		AirlyQuotaRemaining, AirlyQuotaLimit, AirlyOutboundThrottledTotal,
		CacheHitsTotal, CacheMissesTotal, CacheErrorsTotal, CacheOperationDurationSeconds,
		CacheStampedeDetectedTotal, CacheStampedeConcurrency,
		RequestCoalescingHitsTotal, RequestCoalescingWaitSeconds,
		StaleCacheServesTotal, StaleCacheAgeSeconds,
		CacheWarmingTotal, CacheWarmingErrorsTotal, CacheWarmingDurationSeconds,
		MeasurementQueriesTotal, MeasurementQueriesByInstallationTotal,
		RateLimitDeniedTotal,
		CircuitBreakerState, CircuitBreakerTransitionsTotal,
		ShutdownInFlightRequests,
	)
}

// RegisterRateLimitGauges registers load and rejects gauges for the rate-limited path.
// Call from main after config load with cfg.OverloadWindow.
func RegisterRateLimitGauges(window time.Duration) {
	rateLimitGaugesOnce.Do(func() {
		registry.MustRegister(
			prometheus.NewGaugeFunc(
				prometheus.GaugeOpts{
					Name: "rateLimitRequestsInWindow",
					Help: "Requests hitting rate-limited path in sliding window; load/capacity planning",
				},
				func() float64 { return float64(traffic.RequestCount(window)) },
			),
			prometheus.NewGaugeFunc(
				prometheus.GaugeOpts{
					Name: "rateLimitRejectsInWindow",
					Help: "429 responses in sliding window; are we rejecting requests",
				},
				func() float64 { return float64(traffic.DenialCount(window)) },
			),
		)
	})
}

// SetTrackedInstallations sets the allow-list for per-installation metrics.
func SetTrackedInstallations(ids []int) {
	trackedInstallationsMu.Lock()
	defer trackedInstallationsMu.Unlock()
	trackedInstallations = make(map[int]struct{}, len(ids))
	for _, id := range ids {
		trackedInstallations[id] = struct{}{}
	}
}

// RecordMeasurementQuery records a measurement lookup. installationID is 0 for
// nearest and point queries.
func RecordMeasurementQuery(kind string, installationID int) {
	MeasurementQueriesTotal.WithLabelValues(kind).Inc()
	if installationID == 0 {
		return
	}
	MeasurementQueriesByInstallationTotal.WithLabelValues(InstallationLabel(installationID)).Inc()
}

// InstallationLabel returns the metric label for an installation: its ID when tracked, "other" otherwise.
func InstallationLabel(id int) string {
	trackedInstallationsMu.RLock()
	_, ok := trackedInstallations[id]
	trackedInstallationsMu.RUnlock()
	if ok {
		return strconv.Itoa(id)
	}
	return "other"
}

// CircuitBreakerStateValue maps a circuit breaker state ordinal to the gauge value.
func CircuitBreakerStateValue(state int) float64 {
	return float64(state)
}

// SetCircuitBreakerStateGauge sets the circuit breaker state gauge for component.
func SetCircuitBreakerStateGauge(component string, value float64) {
	CircuitBreakerState.WithLabelValues(component).Set(value)
}

// RecordCircuitBreakerTransition counts a circuit breaker state change.
func RecordCircuitBreakerTransition(component, from, to string) {
	CircuitBreakerTransitionsTotal.WithLabelValues(component, from, to).Inc()
}

// RecordShutdownInFlight records how many requests were still running when shutdown began.
func RecordShutdownInFlight(n int64) {
	ShutdownInFlightRequests.Set(float64(n))
}

// MetricsHandler returns an http.Handler that serves application and runtime metrics.
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
