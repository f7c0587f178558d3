// Package metrics exposes prometheus collectors for the agent's core
// components, matching the teacher's prometheus/client_golang dependency.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collectors bundles every series the agent exports. Register once at
// startup against a prometheus.Registerer (typically
// prometheus.DefaultRegisterer, or a dedicated registry).
type Collectors struct {
	HeartbeatsSent     prometheus.Counter
	DispatchedRequests *prometheus.CounterVec
	DispatchDuration   *prometheus.HistogramVec
	QueueDepth         prometheus.Gauge
	CircuitBreakerOpen *prometheus.GaugeVec
	UpdateState        *prometheus.GaugeVec
	ReconnectCount     prometheus.Counter
}

func New(reg prometheus.Registerer) *Collectors {
	c := &Collectors{
		HeartbeatsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "endpoint_agent", Name: "heartbeats_sent_total",
			Help: "Total heartbeat frames sent to the control plane.",
		}),
		DispatchedRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "endpoint_agent", Name: "dispatched_requests_total",
			Help: "Requests dispatched, labeled by method and outcome kind.",
		}, []string{"method", "outcome"}),
		DispatchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "endpoint_agent", Name: "dispatch_duration_seconds",
			Help:    "Time from request admission to response/error.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method"}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "endpoint_agent", Name: "sleep_queue_depth",
			Help: "Requests currently parked awaiting wake from SLEEP.",
		}),
		CircuitBreakerOpen: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "endpoint_agent", Name: "tool_circuit_breaker_open",
			Help: "1 if a tool's circuit breaker is open, else 0.",
		}, []string{"tool"}),
		UpdateState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "endpoint_agent", Name: "update_engine_state",
			Help: "1 for the update engine's current state, labeled by state name.",
		}, []string{"state"}),
		ReconnectCount: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "endpoint_agent", Name: "session_reconnects_total",
			Help: "Total SessionLayer reconnect attempts.",
		}),
	}
	reg.MustRegister(
		c.HeartbeatsSent, c.DispatchedRequests, c.DispatchDuration,
		c.QueueDepth, c.CircuitBreakerOpen, c.UpdateState, c.ReconnectCount,
	)
	return c
}
