package metric

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetricsRegistryHasCoreMetrics(t *testing.T) {
	r := NewMetricsRegistry()

	require.NotNil(t, r.CoreMetrics())
	require.NotNil(t, r.PrometheusRegistry())

	// Core metrics are gatherable without touching any vec labels.
	families, err := r.PrometheusRegistry().Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestRegisterAndUnregisterGauge(t *testing.T) {
	r := NewMetricsRegistry()

	gauge := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_active_streams",
		Help: "test gauge",
	})

	require.NoError(t, r.RegisterGauge("gateway", "active_streams", gauge))

	// Second registration under the same key is rejected.
	err := r.RegisterGauge("gateway", "active_streams", gauge)
	require.Error(t, err)

	assert.True(t, r.Unregister("gateway", "active_streams"))
	assert.False(t, r.Unregister("gateway", "active_streams"))
}

func TestRegisterCounterVec(t *testing.T) {
	r := NewMetricsRegistry()

	vec := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_requests_total",
		Help: "test counter vec",
	}, []string{"route"})

	require.NoError(t, r.RegisterCounterVec("gateway", "requests_total", vec))
	vec.WithLabelValues("/register").Inc()

	families, err := r.PrometheusRegistry().Gather()
	require.NoError(t, err)

	found := false
	for _, f := range families {
		if f.GetName() == "gateway_requests_total" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestCoreMetricLabels(t *testing.T) {
	r := NewMetricsRegistry()
	m := r.CoreMetrics()

	// Exercising representative vecs must not panic and must gather cleanly.
	m.StateTransitions.WithLabelValues("ready", "degraded").Inc()
	m.BreakerState.WithLabelValues("svc.a:process_data").Set(1)
	m.DeliveriesDropped.WithLabelValues("registry.state_changed", "timeout").Inc()

	_, err := r.PrometheusRegistry().Gather()
	require.NoError(t, err)
}
