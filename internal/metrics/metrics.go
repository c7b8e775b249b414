// Package metrics provides Prometheus metrics for observability.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// namespace is the metrics namespace.
const namespace = "licensegate"

// Metrics holds all Prometheus metrics.
type Metrics struct {
	// Request metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Auth metrics
	AuthDecisions *prometheus.CounterVec // path: shared_secret|license, outcome: allow|deny
	AuthCacheHits *prometheus.CounterVec // result: hit|miss

	// Rate limit metrics
	RateLimitRejections *prometheus.CounterVec // scope, dimension: ip|license_key
	RateLimitFailures   prometheus.Counter     // counter store unavailable (failed closed)

	// Metering metrics
	TokensRecorded  prometheus.Counter
	UsageEvents     *prometheus.CounterVec // outcome: recorded|dropped|derive_failed
	CounterMisfires prometheus.Counter     // atomic add affected != 1 row

	// Delegate metrics
	StoreOutcomes *prometheus.CounterVec // mode: created|failed
}

// New creates a Metrics instance with all collectors registered on the default
// registry.
func New() *Metrics {
	return &Metrics{
		RequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "Total number of requests",
			},
			[]string{"endpoint", "status"},
		),
		RequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_duration_seconds",
				Help:      "Request duration in seconds",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
			[]string{"endpoint"},
		),
		AuthDecisions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "auth_decisions_total",
				Help:      "Authorization decisions by proof path and outcome",
			},
			[]string{"path", "outcome"},
		),
		AuthCacheHits: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "auth_cache_lookups_total",
				Help:      "Auth decision cache lookups",
			},
			[]string{"result"},
		),
		RateLimitRejections: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limit_rejections_total",
				Help:      "Requests rejected by the fixed-window limiter",
			},
			[]string{"scope", "dimension"},
		),
		RateLimitFailures: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limit_failures_total",
				Help:      "Counter store failures (limiter failed closed)",
			},
		),
		TokensRecorded: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tokens_recorded_total",
				Help:      "AI tokens accumulated onto license counters",
			},
		),
		UsageEvents: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "usage_events_total",
				Help:      "Usage metering attempts by outcome",
			},
			[]string{"outcome"},
		),
		CounterMisfires: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "usage_counter_misfires_total",
				Help:      "Atomic usage updates that affected an unexpected row count",
			},
		),
		StoreOutcomes: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "store_outcomes_total",
				Help:      "Normalized delegate store outcomes",
			},
			[]string{"mode"},
		),
	}
}

// Serve exposes /metrics on its own listener so the scrape path never competes
// with licensing traffic.
func Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return srv.ListenAndServe()
}
