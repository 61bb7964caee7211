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

// HTTP-level metrics shared by every endpoint.
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

// Collaboration-plane metrics. Room/connection gauges are labelled by
// organization only; tournament identifiers never reach the metrics surface.
var (
	RoomsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "collab_rooms_active",
			Help: "Active rooms per organization.",
		},
		[]string{"org"},
	)

	ConnectionsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "collab_connections_active",
			Help: "Active websocket connections per organization.",
		},
		[]string{"org"},
	)

	MessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collab_messages_total",
			Help: "Messages applied to a room, by frame type.",
		},
		[]string{"type"},
	)

	FramesDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collab_frames_dropped_total",
			Help: "Outbound frames dropped instead of sent.",
		},
		[]string{"reason"},
	)

	RateLimitedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collab_rate_limited_total",
			Help: "Connections closed by the message rate limiter, by scope.",
		},
		[]string{"scope"},
	)

	RateLimitStoreErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "collab_ratelimit_store_errors_total",
		Help: "Shared counter store failures handled by the fail-open policy.",
	})

	RoomsEvictedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "collab_rooms_evicted_total",
		Help: "Idle rooms destroyed by the eviction sweep.",
	})

	readyGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "collab_ready",
		Help: "Whether the service currently reports ready.",
	})
)

var initOnce sync.Once

// Init registers all metrics in the default registry.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			RoomsActive, ConnectionsActive, MessagesTotal, FramesDropped,
			RateLimitedTotal, RateLimitStoreErrors, RoomsEvictedTotal,
			readyGauge,
		)
	})
}

// SetReady flips the readiness gauge.
func SetReady(ready bool) {
	if ready {
		readyGauge.Set(1)
		return
	}
	readyGauge.Set(0)
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Instrument wraps a handler with RPS/latency/in-flight measurements.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// CanonicalPath collapses per-request path segments so metric cardinality
// stays bounded. The websocket endpoint and the fixed API paths pass through.
func CanonicalPath(path string) string {
	if path == "" {
		return "/"
	}
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	return path
}

// statusWriter captures the response code for labelling.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
