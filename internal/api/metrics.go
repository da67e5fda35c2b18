package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// unmatched labels requests that hit no route, so unknown paths do not mint
// new series.
const unmatched = "unmatched"

// httpMetrics are the transport-level series. Job metrics live in the engine.
type httpMetrics struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
	inflight prometheus.Gauge
	streams  prometheus.Gauge
}

func newHTTPMetrics(reg prometheus.Registerer) *httpMetrics {
	return &httpMetrics{
		requests: register(reg, prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kiln_http_requests_total",
				Help: "HTTP requests by method, route pattern and status.",
			},
			[]string{"method", "route", "status"},
		)),
		duration: register(reg, prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "kiln_http_request_duration_seconds",
				Help:    "HTTP request duration by method and route pattern. Event streams are excluded.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		)),
		inflight: register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "kiln_http_requests_in_flight",
			Help: "HTTP requests currently being served.",
		})),
		streams: register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "kiln_http_event_streams_open",
			Help: "Open job event streams.",
		})),
	}
}

// register adds c to reg, or returns the collector already registered under
// the same descriptor so several servers can share one registry.
func register[T prometheus.Collector](reg prometheus.Registerer, c T) T {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

// metricsMiddleware records every request under its chi route pattern, so
// /v1/jobs/{token} is one series whatever the token.
func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		s.metrics.inflight.Inc()
		defer s.metrics.inflight.Dec()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		route := routePattern(r)
		s.metrics.requests.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		if ww.Header().Get("Content-Type") != "text/event-stream" {
			s.metrics.duration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		}
	})
}

// routePattern returns the matched chi route pattern, or "unmatched".
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
		return rctx.RoutePattern()
	}
	return unmatched
}

// metricsHandler serves the default gatherer, which also holds the engine's series.
func metricsHandler() http.Handler {
	return promhttp.Handler()
}
