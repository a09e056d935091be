// Package punchmetrics exposes Prometheus metrics for the rendezvous daemon.
package punchmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// -------------------------------------------------------------------------
// Prometheus Metric Constants
// -------------------------------------------------------------------------

const (
	namespace = "gopunch"
	subsystem = "rendezvous"
)

// labelResult distinguishes punch outcomes.
const labelResult = "result"

// Result label values.
const (
	resultSuccess = "success"
	resultFailure = "failure"
)

// -------------------------------------------------------------------------
// Collector — Prometheus Rendezvous Metrics
// -------------------------------------------------------------------------

// Collector holds all rendezvous Prometheus metrics and implements
// registry.MetricsReporter.
//
// Session and listing gauges track current occupancy; the punch counters
// record join orchestration volume and outcome for alerting on traversal
// failure rates.
type Collector struct {
	// Sessions tracks the number of currently live sessions.
	Sessions prometheus.Gauge

	// Listings tracks the number of currently advertised listings.
	Listings prometheus.Gauge

	// PunchOrders counts punch orders dispatched to clients.
	PunchOrders prometheus.Counter

	// Punches counts completed join orchestrations, labeled by result.
	Punches *prometheus.CounterVec

	// EvictedSessions counts sessions removed by the timeout sweep.
	EvictedSessions prometheus.Counter
}

// NewCollector creates a Collector with all rendezvous metrics registered
// against the provided prometheus.Registerer. If reg is nil,
// prometheus.DefaultRegisterer is used.
//
// All metrics carry the "gopunch_rendezvous_" prefix (namespace_subsystem)
// to avoid collisions with other exporters.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(
		c.Sessions,
		c.Listings,
		c.PunchOrders,
		c.Punches,
		c.EvictedSessions,
	)

	return c
}

// newMetrics creates all Prometheus metric vectors without registering them.
func newMetrics() *Collector {
	return &Collector{
		Sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "sessions",
			Help:      "Number of currently live rendezvous sessions.",
		}),

		Listings: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "listings",
			Help:      "Number of currently advertised listings.",
		}),

		PunchOrders: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "punch_orders_total",
			Help:      "Total punch orders dispatched to client streams.",
		}),

		Punches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "punches_total",
			Help:      "Total join orchestrations by outcome.",
		}, []string{labelResult}),

		EvictedSessions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "evicted_sessions_total",
			Help:      "Total sessions evicted by the timeout sweep.",
		}),
	}
}

// -------------------------------------------------------------------------
// registry.MetricsReporter implementation
// -------------------------------------------------------------------------

// SessionOpened increments the live session gauge.
func (c *Collector) SessionOpened() { c.Sessions.Inc() }

// SessionClosed decrements the live session gauge.
func (c *Collector) SessionClosed() { c.Sessions.Dec() }

// ListingCreated increments the listing gauge.
func (c *Collector) ListingCreated() { c.Listings.Inc() }

// ListingRemoved decrements the listing gauge.
func (c *Collector) ListingRemoved() { c.Listings.Dec() }

// SessionsEvicted records n sweep evictions.
func (c *Collector) SessionsEvicted(n int) {
	c.EvictedSessions.Add(float64(n))
}

// PunchOrdered counts one dispatched punch order.
func (c *Collector) PunchOrdered() { c.PunchOrders.Inc() }

// PunchResult counts one completed join orchestration.
func (c *Collector) PunchResult(success bool) {
	if success {
		c.Punches.WithLabelValues(resultSuccess).Inc()
		return
	}
	c.Punches.WithLabelValues(resultFailure).Inc()
}
