// Package clustermetrics exposes Prometheus instrumentation for the
// cluster-RPC core: connection attempts, the Controller Client's
// failover/standby/reroute machinery, and the Forwarding Tree's fan-out
// shape.
package clustermetrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "clusterrpc"
	subsystem = "core"
)

const (
	labelEndpoint = "endpoint"
	labelOutcome  = "outcome"
)

// Collector holds every cluster-RPC Prometheus metric.
type Collector struct {
	// ConnectAttempts counts Connection Manager dial attempts per
	// endpoint, labeled by outcome ("ok" or "error").
	ConnectAttempts *prometheus.CounterVec

	// ControllerRetries counts Controller Client failover retries: one
	// increment per endpoint a send_recv_controller call had to advance
	// past after a failed attempt.
	ControllerRetries *prometheus.CounterVec

	// StandbyWaits counts IN_STANDBY_MODE backoff-and-retry cycles the
	// Controller Client has entered.
	StandbyWaits prometheus.Counter

	// Reroutes counts REROUTE redirections the Controller Client has
	// followed.
	Reroutes prometheus.Counter

	// AuthFailures counts Message Engine credential verification
	// failures.
	AuthFailures prometheus.Counter

	// FanoutSpan observes the bucket sizes Span produces for a
	// Forwarding Tree dispatch, one observation per bucket.
	FanoutSpan prometheus.Histogram

	// FanoutFailed counts synthesized FORWARD_FAILED return entries.
	FanoutFailed prometheus.Counter
}

// NewCollector creates a Collector and registers it against reg. If reg is
// nil, prometheus.DefaultRegisterer is used.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(
		c.ConnectAttempts,
		c.ControllerRetries,
		c.StandbyWaits,
		c.Reroutes,
		c.AuthFailures,
		c.FanoutSpan,
		c.FanoutFailed,
	)

	return c
}

func newMetrics() *Collector {
	return &Collector{
		ConnectAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "connect_attempts_total",
			Help:      "Total Connection Manager dial attempts, labeled by endpoint and outcome.",
		}, []string{labelEndpoint, labelOutcome}),

		ControllerRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "controller_retries_total",
			Help:      "Total Controller Client failover retries, labeled by the endpoint advanced past.",
		}, []string{labelEndpoint}),

		StandbyWaits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "standby_waits_total",
			Help:      "Total IN_STANDBY_MODE backoff-and-retry cycles entered by the Controller Client.",
		}),

		Reroutes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "reroutes_total",
			Help:      "Total REROUTE redirections followed by the Controller Client.",
		}),

		AuthFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "auth_failures_total",
			Help:      "Total Message Engine credential verification failures.",
		}),

		FanoutSpan: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "fanout_span_bucket_size",
			Help:      "Bucket sizes produced by Span for each Forwarding Tree dispatch.",
			Buckets:   prometheus.LinearBuckets(0, 8, 16),
		}),

		FanoutFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "fanout_failed_entries_total",
			Help:      "Total synthesized FORWARD_FAILED return entries.",
		}),
	}
}

// -------------------------------------------------------------------------
// Connection Manager
// -------------------------------------------------------------------------

// ObserveConnectAttempt records one dial attempt against endpoint.
func (c *Collector) ObserveConnectAttempt(endpoint string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	c.ConnectAttempts.WithLabelValues(endpoint, outcome).Inc()
}

// -------------------------------------------------------------------------
// Controller Client
// -------------------------------------------------------------------------

// IncControllerRetry records a failover retry past endpoint.
func (c *Collector) IncControllerRetry(endpoint string) {
	c.ControllerRetries.WithLabelValues(endpoint).Inc()
}

// IncStandbyWait records one IN_STANDBY_MODE backoff cycle.
func (c *Collector) IncStandbyWait() {
	c.StandbyWaits.Inc()
}

// IncReroute records one followed REROUTE redirection.
func (c *Collector) IncReroute() {
	c.Reroutes.Inc()
}

// -------------------------------------------------------------------------
// Message Engine
// -------------------------------------------------------------------------

// IncAuthFailure records one credential verification failure.
func (c *Collector) IncAuthFailure() {
	c.AuthFailures.Inc()
}

// -------------------------------------------------------------------------
// Forwarding Tree
// -------------------------------------------------------------------------

// ObserveSpan records the bucket sizes of a single Span result.
func (c *Collector) ObserveSpan(buckets []int) {
	for _, n := range buckets {
		c.FanoutSpan.Observe(float64(n))
	}
}

// IncFanoutFailed records n synthesized FORWARD_FAILED entries.
func (c *Collector) IncFanoutFailed(n int) {
	c.FanoutFailed.Add(float64(n))
}
