package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func TestNewRegistersEveryCollectorExactlyOnce(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := New(reg)
	require.NotNil(t, c)

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, want := range []string{
		"endpoint_agent_heartbeats_sent_total",
		"endpoint_agent_dispatched_requests_total",
		"endpoint_agent_dispatch_duration_seconds",
		"endpoint_agent_sleep_queue_depth",
		"endpoint_agent_tool_circuit_breaker_open",
		"endpoint_agent_update_engine_state",
		"endpoint_agent_session_reconnects_total",
	} {
		require.Truef(t, names[want], "expected %s to be registered, got families %v", want, names)
	}
}

func TestNewOnTheSameRegistererTwicePanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(reg)

	defer func() {
		require.NotNilf(t, recover(), "expected a duplicate registration to panic via MustRegister")
	}()
	New(reg)
}

func TestCollectorsRecordObservedValues(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := New(reg)

	c.HeartbeatsSent.Inc()
	c.DispatchedRequests.WithLabelValues("ping", "ok").Inc()
	c.QueueDepth.Set(3)

	var m dto.Metric
	require.NoError(t, c.HeartbeatsSent.Write(&m))
	require.Equal(t, float64(1), m.GetCounter().GetValue())

	var gm dto.Metric
	require.NoError(t, c.QueueDepth.Write(&gm))
	require.Equal(t, float64(3), gm.GetGauge().GetValue())
}
