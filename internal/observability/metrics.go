package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kjstillabower/balloon-tracker-service/internal/overload"
)

var (
	registry *prometheus.Registry

	// HTTP request rate. Watch for: sudden drops (service down) or spikes (traffic surge).
	HTTPRequestsTotal *prometheus.CounterVec

	// HTTP request latency per request. Watch for: p95/p99 latency increases.
	HTTPRequestDuration *prometheus.HistogramVec

	// Concurrent requests in flight. Watch for: saturation, capacity limits.
	HTTPRequestsInFlight prometheus.Gauge

	// aprs.fi call rate by record kind (what=loc|wx) and status.
	APRSAPICallsTotal *prometheus.CounterVec

	// aprs.fi latency. Watch for: p95 > 2s (upstream degradation).
	APRSAPIDuration *prometheus.HistogramVec

	// Retry attempts against aprs.fi. Watch for: high retries = unstable upstream.
	APRSAPIRetriesTotal prometheus.Counter

	// Fetch failures by kind and error category (transport, validation, ...).
	FetchErrorsTotal *prometheus.CounterVec

	// Sync cycles by result (ok, partial, failed, skipped).
	SyncCyclesTotal *prometheus.CounterVec

	// Duration of one full sync cycle, stagger included.
	SyncCycleDuration prometheus.Histogram

	// Unix time of the last cycle that persisted without error. Watch for: staleness.
	SyncLastSuccessTimestamp prometheus.Gauge

	// Persist outcomes by kind, source (sync, http, mqtt) and outcome (inserted, duplicate, error).
	RecordsPersistedTotal *prometheus.CounterVec

	// Inbound sensor submissions by transport and result (accepted, invalid, error).
	SubmissionsTotal *prometheus.CounterVec

	// Query calls by procedure (getLocation, getWeathers, ...).
	QueriesTotal *prometheus.CounterVec

	// Latest-record cache hits by kind. Misses show up as store reads.
	CacheHitsTotal *prometheus.CounterVec

	// Cache errors by operation (get, set, delete).
	CacheErrorsTotal *prometheus.CounterVec

	// Stored-record events published, by result.
	EventsPublishedTotal *prometheus.CounterVec

	// Rate limit denials. Watch for: overload, capacity exceeded.
	RateLimitDeniedTotal prometheus.Counter

	// Circuit breaker state (0=closed, 1=open, 2=half_open) by component.
	CircuitBreakerState *prometheus.GaugeVec

	// Circuit breaker transitions by component, from and to state.
	CircuitBreakerTransitionsTotal *prometheus.CounterVec

	// Requests still in flight when shutdown began.
	ShutdownInFlightRequests prometheus.Gauge

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
	APRSAPICallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aprsApiCallsTotal",
			Help: "Total number of aprs.fi API calls",
		},
		[]string{"what", "status"},
	)
	APRSAPIDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "aprsApiDurationSeconds",
			Help:    "aprs.fi API latency in seconds (per request)",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"what", "status"},
	)
	APRSAPIRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "aprsApiRetriesTotal",
			Help: "Total number of retry attempts for aprs.fi calls",
		},
	)
	FetchErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fetchErrorsTotal",
			Help: "Fetch failures by record kind and error category",
		},
		[]string{"kind", "category"},
	)
	SyncCyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "syncCyclesTotal",
			Help: "Sync cycles by result",
		},
		[]string{"result"},
	)
	SyncCycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "syncCycleDurationSeconds",
			Help:    "Duration of one sync cycle including the stagger delay",
			Buckets: []float64{1, 5, 10, 15, 30, 60, 120},
		},
	)
	SyncLastSuccessTimestamp = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "syncLastSuccessTimestampSeconds",
			Help: "Unix time of the last sync cycle without errors",
		},
	)
	RecordsPersistedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recordsPersistedTotal",
			Help: "Persist outcomes by record kind, source and outcome",
		},
		[]string{"kind", "source", "outcome"},
	)
	SubmissionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "submissionsTotal",
			Help: "Inbound sensor submissions by transport and result",
		},
		[]string{"transport", "result"},
	)
	QueriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queriesTotal",
			Help: "Read queries by procedure",
		},
		[]string{"procedure"},
	)
	CacheHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheHitsTotal",
			Help: "Latest-record cache hits by record kind",
		},
		[]string{"kind"},
	)
	CacheErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheErrorsTotal",
			Help: "Cache errors by operation",
		},
		[]string{"operation"},
	)
	EventsPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventsPublishedTotal",
			Help: "Stored-record events published by result",
		},
		[]string{"kind", "result"},
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
			Help: "Circuit breaker state: 0=closed, 1=open, 2=half_open",
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
			Help: "Requests in flight when graceful shutdown started",
		},
	)

	registry.MustRegister(
		HTTPRequestsTotal, HTTPRequestDuration, HTTPRequestsInFlight,
		APRSAPICallsTotal, APRSAPIDuration, APRSAPIRetriesTotal, FetchErrorsTotal,
		SyncCyclesTotal, SyncCycleDuration, SyncLastSuccessTimestamp,
		RecordsPersistedTotal, SubmissionsTotal, QueriesTotal,
		CacheHitsTotal, CacheErrorsTotal, EventsPublishedTotal,
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
				func() float64 { return float64(overload.RequestCount(window)) },
			),
			prometheus.NewGaugeFunc(
				prometheus.GaugeOpts{
					Name: "rateLimitRejectsInWindow",
					Help: "429 responses in sliding window; are we rejecting requests",
				},
				func() float64 { return float64(overload.DenialCount(window)) },
			),
		)
	})
}

// RecordPersist counts one persist outcome.
func RecordPersist(kind, source, outcome string) {
	RecordsPersistedTotal.WithLabelValues(kind, source, outcome).Inc()
}

// RecordCircuitBreakerTransition counts a state change of the named breaker.
func RecordCircuitBreakerTransition(component, from, to string) {
	CircuitBreakerTransitionsTotal.WithLabelValues(component, from, to).Inc()
}

// SetCircuitBreakerStateGauge publishes the current breaker state.
func SetCircuitBreakerStateGauge(component string, value float64) {
	CircuitBreakerState.WithLabelValues(component).Set(value)
}

// CircuitBreakerStateValue maps a breaker state ordinal to its gauge value.
func CircuitBreakerStateValue(state int) float64 {
	return float64(state)
}

// RecordShutdownInFlight records how many requests were still running at shutdown.
func RecordShutdownInFlight(n int64) {
	ShutdownInFlightRequests.Set(float64(n))
}

// MetricsHandler returns an http.Handler that serves application and runtime metrics.
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
