// Package metrics holds the Prometheus collectors exported by TAuth and
// the HTTP instrumentation middleware. Collectors are package globals
// registered once with the default registry by [Init].
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tauth"

var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "http_in_flight_requests",
		Help:      "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests.",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latencies in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)

	// Authentications counts dispatcher outcomes by credential kind and
	// result ("ok" or the error kind).
	Authentications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "authentications_total",
			Help:      "Authentication attempts by credential kind and result.",
		},
		[]string{"credential", "result"},
	)

	// JWKSFetches counts key set fetches by provider kind and result.
	JWKSFetches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jwks_fetches_total",
			Help:      "Remote JWKS fetches by provider kind and result.",
		},
		[]string{"provider", "result"},
	)

	// KeyCacheLookups counts internal key verification cache lookups.
	KeyCacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "key_cache_lookups_total",
			Help:      "Internal key verification cache lookups by tier and result.",
		},
		[]string{"tier", "result"},
	)

	// PolicyDecisions counts policy engine decisions by policy and outcome
	// ("allow", "deny" or the error kind).
	PolicyDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "policy_decisions_total",
			Help:      "Policy engine decisions by policy and outcome.",
		},
		[]string{"policy", "outcome"},
	)
)

var initOnce sync.Once

// Init registers every collector with the default registry. Safe to call
// more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			Authentications, JWKSFetches, KeyCacheLookups, PolicyDecisions,
		)
	})
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveRequest records one finished HTTP request.
func ObserveRequest(method, route string, status int, d time.Duration) {
	code := strconv.Itoa(status)
	httpRequestDuration.WithLabelValues(method, route, code).Observe(d.Seconds())
	httpRequestsTotal.WithLabelValues(method, route, code).Inc()
}

// TrackInFlight increments the in-flight gauge and returns its decrement.
func TrackInFlight() func() {
	httpInFlight.Inc()
	return httpInFlight.Dec
}

// Instrument wraps a plain net/http handler. route maps a request to its
// label; nil uses the raw URL path.
func Instrument(next http.Handler, route func(*http.Request) string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		done := TrackInFlight()
		defer done()

		label := r.URL.Path
		if route != nil {
			label = route(r)
		}

		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)
		ObserveRequest(r.Method, label, sw.code, time.Since(start))
	})
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
