package prometheus

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gaugeValue(t *testing.T, c *Collector, name, state string) float64 {
	t.Helper()
	metric := &dto.Metric{}
	require.NoError(t, c.circuitState.WithLabelValues(name, state).Write(metric))
	return metric.GetGauge().GetValue()
}

func TestRecordCircuitStateSetsGaugeForUppercaseBreakerLabels(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollectorWithConfig(CollectorConfig{Registry: reg})

	c.RecordCircuitState("tfl", "CLOSED")
	assert.Equal(t, 1.0, gaugeValue(t, c, "tfl", "closed"))
	assert.Equal(t, 0.0, gaugeValue(t, c, "tfl", "open"))
	assert.Equal(t, 0.0, gaugeValue(t, c, "tfl", "half_open"))

	c.RecordCircuitState("tfl", "OPEN")
	assert.Equal(t, 0.0, gaugeValue(t, c, "tfl", "closed"))
	assert.Equal(t, 1.0, gaugeValue(t, c, "tfl", "open"))
	assert.Equal(t, 0.0, gaugeValue(t, c, "tfl", "half_open"))

	c.RecordCircuitState("tfl", "HALF_OPEN")
	assert.Equal(t, 0.0, gaugeValue(t, c, "tfl", "closed"))
	assert.Equal(t, 0.0, gaugeValue(t, c, "tfl", "open"))
	assert.Equal(t, 1.0, gaugeValue(t, c, "tfl", "half_open"))
}
