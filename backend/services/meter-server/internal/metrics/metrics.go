// Package metrics exposes session and settlement counters in Prometheus format.
package metrics

import (
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"meterpay/backend/services/meter-server/internal/session"
)

const namespace = "meterpay"

// Collector turns lifecycle events into Prometheus series.
type Collector struct {
	registry *prometheus.Registry

	activeSessions  prometheus.Gauge
	sessionsStarted prometheus.Counter
	sessionsEnded   *prometheus.CounterVec
	rejections      *prometheus.CounterVec
	refunds         *prometheus.CounterVec
	refundedAmount  prometheus.Counter
	consumedAmount  prometheus.Counter
	sessionSeconds  prometheus.Histogram
	failures        prometheus.Counter
}

// New registers all series on a fresh registry.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Paid sessions currently being metered.",
		}),
		sessionsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_started_total",
			Help:      "Sessions started after a verified payment.",
		}),
		sessionsEnded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_ended_total",
			Help:      "Settled sessions by end reason.",
		}, []string{"reason"}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_rejections_total",
			Help:      "Connections rejected before a session started, by cause.",
		}, []string{"cause"}),
		refunds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refunds_total",
			Help:      "Refund attempts by status.",
		}, []string{"status"}),
		refundedAmount: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refunded_amount_total",
			Help:      "Amount returned to payers, in the smallest currency unit.",
		}),
		consumedAmount: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "consumed_amount_total",
			Help:      "Amount consumed by ended sessions, in the smallest currency unit.",
		}),
		sessionSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Metered duration of ended sessions.",
			Buckets:   []float64{10, 30, 60, 300, 600, 1800, 3600, 7200},
		}),
		failures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lifecycle_errors_total",
			Help:      "Errors raised while serving connections.",
		}),
	}
	c.registry.MustRegister(
		c.activeSessions,
		c.sessionsStarted,
		c.sessionsEnded,
		c.rejections,
		c.refunds,
		c.refundedAmount,
		c.consumedAmount,
		c.sessionSeconds,
		c.failures,
	)
	return c
}

// Handler serves the registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// SessionStarted counts a verified payment.
func (c *Collector) SessionStarted(session.Snapshot) {
	c.sessionsStarted.Inc()
	c.activeSessions.Inc()
}

// SessionEnded records a settlement.
func (c *Collector) SessionEnded(st session.Settlement) {
	c.activeSessions.Dec()
	c.sessionsEnded.WithLabelValues(session.EndReason(st.Cause)).Inc()
	c.consumedAmount.Add(float64(st.Session.ConsumedAmount))
	c.sessionSeconds.Observe(float64(st.Session.ElapsedSeconds))
	switch {
	case st.Refunded():
		c.refunds.WithLabelValues("issued").Inc()
		c.refundedAmount.Add(float64(st.RefundAmount))
	case st.RefundErr != nil:
		c.refunds.WithLabelValues("failed").Inc()
	}
}

// Observe handles lifecycle events not covered by the typed hooks.
func (c *Collector) Observe(ev session.Event) {
	switch ev.Type {
	case session.EventRejected:
		cause := "invalid_payment"
		if errors.Is(ev.Err, session.ErrProofTimeout) {
			cause = "proof_timeout"
		}
		c.rejections.WithLabelValues(cause).Inc()
	case session.EventError:
		c.failures.Inc()
	}
}
