package entity

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for save orchestration.
// A nil *Metrics records nothing.
type Metrics struct {
	SavesTotal         *prometheus.CounterVec
	SaveDuration       prometheus.Histogram
	SavedEntitiesTotal *prometheus.CounterVec
	TrackedEntities    prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		SavesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "entitycache_client_saves_total",
				Help: "Total number of SaveChanges calls by result",
			},
			[]string{"result"},
		),
		SaveDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "entitycache_client_save_duration_seconds",
				Help:    "Duration of SaveChanges round trips in seconds",
				Buckets: prometheus.DefBuckets,
			},
		),
		SavedEntitiesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "entitycache_client_saved_entities_total",
				Help: "Total number of entities applied by successful saves",
			},
			[]string{"outcome"},
		),
		TrackedEntities: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "entitycache_client_tracked_entities",
				Help: "Number of entities tracked after the last save",
			},
		),
	}
}

func (m *Metrics) saveSucceeded(d time.Duration, saved, deleted, tracked int) {
	if m == nil {
		return
	}
	m.SavesTotal.WithLabelValues("success").Inc()
	m.SaveDuration.Observe(d.Seconds())
	m.SavedEntitiesTotal.WithLabelValues("saved").Add(float64(saved))
	m.SavedEntitiesTotal.WithLabelValues("deleted").Add(float64(deleted))
	m.TrackedEntities.Set(float64(tracked))
}

func (m *Metrics) saveFailed(d time.Duration) {
	if m == nil {
		return
	}
	m.SavesTotal.WithLabelValues("failure").Inc()
	m.SaveDuration.Observe(d.Seconds())
}
