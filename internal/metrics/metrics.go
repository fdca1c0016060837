// Package metrics holds the Prometheus instruments of the scraper.
// All methods are safe on a nil *Metrics so components can run unmetered.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "fare_scraper"

// Metrics holds the scraper collectors. A nil *Metrics records nothing.
type Metrics struct {
	UpstreamRequests    *prometheus.CounterVec
	UpstreamBlocked     prometheus.Counter
	UpstreamRateLimited prometheus.Counter
	RouteOutcomes       *prometheus.CounterVec
	JourneyChanges      *prometheus.CounterVec
	AlertsCreated       *prometheus.CounterVec
	RunDuration         prometheus.Histogram
	BlockRate           prometheus.Gauge
}

// New registers the scraper metrics with reg (the default registerer when nil).
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		UpstreamRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_requests_total",
			Help:      "Upstream responses by HTTP status code.",
		}, []string{"status"}),
		UpstreamBlocked: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_blocked_total",
			Help:      "Upstream responses classified as blocked or banned.",
		}),
		UpstreamRateLimited: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_rate_limited_total",
			Help:      "Upstream responses with HTTP 429.",
		}),
		RouteOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "route_outcomes_total",
			Help:      "Per-route fetch outcomes.",
		}, []string{"outcome"}),
		JourneyChanges: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "journey_changes_total",
			Help:      "Journeys inserted, updated and deleted by reconciliation.",
		}, []string{"op"}),
		AlertsCreated: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_created_total",
			Help:      "Subscriber alerts by type.",
		}, []string{"type"}),
		RunDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall time of a full scraper run.",
			Buckets:   prometheus.ExponentialBuckets(5, 2, 10),
		}),
		BlockRate: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "block_rate_percent",
			Help:      "Blocked share of upstream requests since process start.",
		}),
	}
}

func (m *Metrics) ObserveResponse(status int, blocked, rateLimited bool) {
	if m == nil {
		return
	}
	m.UpstreamRequests.WithLabelValues(strconv.Itoa(status)).Inc()
	if blocked {
		m.UpstreamBlocked.Inc()
	}
	if rateLimited {
		m.UpstreamRateLimited.Inc()
	}
}

func (m *Metrics) ObserveRouteOutcome(outcome string) {
	if m == nil {
		return
	}
	m.RouteOutcomes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveSync(inserted, updated, deleted int) {
	if m == nil {
		return
	}
	m.JourneyChanges.WithLabelValues("insert").Add(float64(inserted))
	m.JourneyChanges.WithLabelValues("update").Add(float64(updated))
	m.JourneyChanges.WithLabelValues("delete").Add(float64(deleted))
}

func (m *Metrics) ObserveAlert(alertType string) {
	if m == nil {
		return
	}
	m.AlertsCreated.WithLabelValues(alertType).Inc()
}

func (m *Metrics) ObserveRun(d time.Duration, blockRate float64) {
	if m == nil {
		return
	}
	m.RunDuration.Observe(d.Seconds())
	m.BlockRate.Set(blockRate)
}
