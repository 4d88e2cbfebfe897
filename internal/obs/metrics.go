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
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

// Auth metrics
var (
	gatewayOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatekeep_gateway_operations_total",
			Help: "Auth gateway operations by outcome.",
		},
		[]string{"op", "result"},
	)

	edgeDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatekeep_edge_decisions_total",
			Help: "Edge gate routing decisions by path class.",
		},
		[]string{"class", "decision"},
	)

	storeTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatekeep_store_transitions_total",
			Help: "Auth state transitions by message.",
		},
		[]string{"msg"},
	)
)

var initOnce sync.Once

// Init registers all metrics in the default registry. Safe to call twice.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			gatewayOps, edgeDecisions, storeTransitions,
		)
	})
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// GatewayOp counts one gateway call.
func GatewayOp(op string, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	gatewayOps.WithLabelValues(op, result).Inc()
}

// EdgeDecision counts one edge gate decision.
func EdgeDecision(class, decision string) {
	edgeDecisions.WithLabelValues(class, decision).Inc()
}

// StoreTransition counts one applied state message.
func StoreTransition(msg string) {
	storeTransitions.WithLabelValues(msg).Inc()
}

var canonicalExact = map[string]bool{
	"/":        true,
	"/metrics": true,
	"/healthz": true,
	"/readyz":  true,
}

// CanonicalPath bounds the path label: API and probe paths are kept, every
// other path collapses to its first segment.
func CanonicalPath(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" {
		return "/"
	}
	if canonicalExact[path] || strings.HasPrefix(path, "/v1/auth/") {
		return path
	}
	trimmed := strings.TrimPrefix(path, "/")
	if i := strings.IndexByte(trimmed, '/'); i >= 0 {
		return "/" + trimmed[:i] + "/*"
	}
	return path
}

// Instrument measures request rate, latency and concurrency.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		defer httpInFlight.Dec()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
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

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
