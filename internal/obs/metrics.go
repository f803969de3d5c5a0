package obs

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTP metrics
var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets, // [0.005..10]
		},
		[]string{"method", "path", "status"},
	)
)

// Domain metrics
var (
	ClaimsEnrichments = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "claims_enrichments_total",
			Help: "Claims enrichment calls by result.",
		},
		[]string{"result"},
	)

	SeedRecordsCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "seed_records_created_total",
			Help: "Records created by the seed run by kind.",
		},
		[]string{"kind"},
	)

	TokenRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "token_requests_total",
			Help: "Token endpoint requests by grant type and result.",
		},
		[]string{"grant_type", "result"},
	)

	GrantsRemoved = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "grants_removed_total",
		Help: "Expired grants removed by the cleaner.",
	})
)

var initOnce sync.Once

// Init registers every metric with the default registry.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			ClaimsEnrichments, SeedRecordsCreated, TokenRequests, GrantsRemoved,
		)
	})
}

// Handler serves the Prometheus exposition.
func Handler() http.Handler {
	return promhttp.Handler()
}

// CanonicalPath strips the query string and trailing slash so label values stay bounded.
func CanonicalPath(raw string) string {
	if i := strings.IndexAny(raw, "?#"); i >= 0 {
		raw = raw[:i]
	}
	if len(raw) > 1 {
		raw = strings.TrimRight(raw, "/")
	}
	if raw == "" {
		return "/"
	}
	return raw
}

// Instrument records latency and in-flight counts per request.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		defer httpInFlight.Dec()
		start := time.Now()

		sw := &StatusWriter{ResponseWriter: w, Code: http.StatusOK}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.Code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	})
}

// StatusWriter remembers the response status.
type StatusWriter struct {
	http.ResponseWriter
	Code int
}

func (w *StatusWriter) WriteHeader(code int) {
	w.Code = code
	w.ResponseWriter.WriteHeader(code)
}
