package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCollectors(t *testing.T) {
	t.Run("counters accumulate", func(t *testing.T) {
		before := testutil.ToFloat64(InstructionsTotal.WithLabelValues("matmul", "ok"))
		InstructionsTotal.WithLabelValues("matmul", "ok").Inc()
		after := testutil.ToFloat64(InstructionsTotal.WithLabelValues("matmul", "ok"))
		assert.Equal(t, before+1, after)
	})

	t.Run("gauges set", func(t *testing.T) {
		TemperatureCelsius.Set(72)
		assert.Equal(t, 72.0, testutil.ToFloat64(TemperatureCelsius))

		ThermalState.Set(-1)
		assert.Equal(t, -1.0, testutil.ToFloat64(ThermalState))
	})

	t.Run("dma direction labels", func(t *testing.T) {
		DMATransferBytes.WithLabelValues("to_device").Add(4096)
		assert.GreaterOrEqual(t, testutil.ToFloat64(DMATransferBytes.WithLabelValues("to_device")), 4096.0)
	})
}
