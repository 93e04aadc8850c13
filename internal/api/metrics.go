package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the server-side Prometheus collectors. A nil *Metrics
// records nothing.
type Metrics struct {
	registry *prometheus.Registry

	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	SavesTotal      *prometheus.CounterVec
	SavedEntities   *prometheus.CounterVec
}

// NewMetrics creates a registry holding the HTTP and save collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "entitycache_http_requests_total",
				Help: "Total HTTP requests by route, method and status",
			},
			[]string{"route", "method", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "entitycache_http_request_duration_seconds",
				Help:    "HTTP request latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route", "method"},
		),
		SavesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "entitycache_saves_total",
				Help: "Total save requests by result",
			},
			[]string{"result"},
		),
		SavedEntities: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "entitycache_saved_entities_total",
				Help: "Total entities written by saves, by operation",
			},
			[]string{"operation"},
		),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Middleware records request counts and latency labelled by route pattern.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}
		m.RequestsTotal.WithLabelValues(route, r.Method, strconv.Itoa(wrapped.statusCode)).Inc()
		m.RequestDuration.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
	})
}

func (m *Metrics) saveResult(result string) {
	if m == nil {
		return
	}
	m.SavesTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) savedEntities(inserted, updated, deleted int) {
	if m == nil {
		return
	}
	m.SavedEntities.WithLabelValues("insert").Add(float64(inserted))
	m.SavedEntities.WithLabelValues("update").Add(float64(updated))
	m.SavedEntities.WithLabelValues("delete").Add(float64(deleted))
}
