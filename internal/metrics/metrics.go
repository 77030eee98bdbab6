// Package metrics holds the Prometheus instruments for the realtime service.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics contains every instrument the service records.
type Metrics struct {
	registry *prometheus.Registry

	// Subscription metrics
	ListenersActive prometheus.Gauge
	ListenerOpens   *prometheus.CounterVec
	CounterUpdates  prometheus.Counter
	MutationsTotal  *prometheus.CounterVec
	SessionsActive  prometheus.Gauge

	// Notification metrics
	NotificationsIngested *prometheus.CounterVec
	DuplicatesDropped     *prometheus.CounterVec
	RouteDecisions        *prometheus.CounterVec
	DisplayFailures       prometheus.Counter
	PushDeliveries        *prometheus.CounterVec
}

// New creates the instruments on a private registry so several instances can
// coexist (one per test).
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	m := &Metrics{registry: reg}

	m.ListenersActive = factory.NewGauge(prometheus.GaugeOpts{
		Name: "realtime_listeners_active",
		Help: "Number of live per-entity remote listeners",
	})
	m.ListenerOpens = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_listener_opens_total",
			Help: "Listener open attempts by result",
		},
		[]string{"result"}, // ok, error
	)
	m.CounterUpdates = factory.NewCounter(prometheus.CounterOpts{
		Name: "realtime_counter_updates_total",
		Help: "Counter updates forwarded to live sessions",
	})
	m.MutationsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_counter_mutations_total",
			Help: "Fire-and-forget counter mutations by field, direction and result",
		},
		[]string{"field", "direction", "result"},
	)
	m.SessionsActive = factory.NewGauge(prometheus.GaugeOpts{
		Name: "realtime_sessions_active",
		Help: "Number of connected live sessions",
	})

	m.NotificationsIngested = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_notifications_ingested_total",
			Help: "Notification events ingested by delivery source",
		},
		[]string{"source"},
	)
	m.DuplicatesDropped = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_notifications_duplicates_total",
			Help: "Notification events discarded by the seen-message window",
		},
		[]string{"source"},
	)
	m.RouteDecisions = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_route_decisions_total",
			Help: "Route decisions by the rule that produced them",
		},
		[]string{"rule"},
	)
	m.DisplayFailures = factory.NewCounter(prometheus.CounterOpts{
		Name: "realtime_display_failures_total",
		Help: "Local notification display or channel failures",
	})

	m.PushDeliveries = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_push_deliveries_total",
			Help: "Inbound pushes by the path that delivered them",
		},
		[]string{"path"}, // live, fcm, apns, web, none
	)

	return m
}

// Handler exposes the registry for scraping.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
