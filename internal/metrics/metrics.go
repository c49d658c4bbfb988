package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var (
	// Registry is the dedicated Prometheus registry for the API
	Registry = prometheus.NewRegistry()
	// HTTPRequests counts requests by method, route and status
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "http_requests_total", Help: "Total HTTP requests."},
		[]string{"method", "path", "status"},
	)
	// HTTPDuration records request durations in seconds
	HTTPDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "http_request_duration_seconds", Help: "HTTP request duration in seconds.", Buckets: prometheus.DefBuckets},
		[]string{"method", "path", "status"},
	)
	// RateLimited counts requests rejected by the rate limiter
	RateLimited = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "http_rate_limited_total", Help: "Requests rejected with 429."},
	)

	// EligibilityResolutions counts resolver runs by outcome: changed, unchanged, exhausted
	EligibilityResolutions = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "trip_eligibility_resolutions_total", Help: "Eligibility resolutions by outcome."},
		[]string{"outcome"},
	)
	// EligibilityFailClosed counts resolutions that panicked and returned the empty set
	EligibilityFailClosed = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "trip_eligibility_fail_closed_total", Help: "Resolutions that failed closed."},
	)
	// EligibleSetSize observes how many stops were eligible after each resolution
	EligibleSetSize = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "trip_eligible_set_size", Help: "Size of the eligible set.", Buckets: []float64{0, 1, 2}},
	)
	// Arrivals counts arrival attempts by source and result: accepted, duplicate, rejected or error
	Arrivals = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "trip_arrivals_total", Help: "Stop arrivals by source and result."},
		[]string{"source", "result"},
	)
	// SaveConflicts counts optimistic-concurrency retries on trip saves
	SaveConflicts = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "trip_save_conflicts_total", Help: "Trip saves retried after a version conflict."},
	)
	// TripsCompleted counts completed trips
	TripsCompleted = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "trips_completed_total", Help: "Trips completed."},
	)

	// WebhookDeliveries counts webhook delivery outcomes by event type and status
	WebhookDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "webhook_deliveries_total", Help: "Webhook deliveries by event type and status."},
		[]string{"event_type", "status"},
	)
	// WebhookLatency tracks webhook delivery latencies in milliseconds
	WebhookLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "webhook_delivery_latency_ms", Help: "Webhook delivery latency in ms.", Buckets: []float64{10, 50, 100, 200, 500, 1000, 2000, 5000}},
		[]string{"event_type", "status"},
	)
)

// RegisterDefault registers all collectors on Registry once.
func RegisterDefault() {
	regOnce.Do(func() {
		Registry.MustRegister(HTTPRequests, HTTPDuration, RateLimited)
		Registry.MustRegister(EligibilityResolutions, EligibilityFailClosed, EligibleSetSize)
		Registry.MustRegister(Arrivals, SaveConflicts, TripsCompleted)
		Registry.MustRegister(WebhookDeliveries, WebhookLatency)
		// Go/process collectors on our registry
		Registry.MustRegister(collectors.NewGoCollector())
		Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	})
}

var regOnce sync.Once
