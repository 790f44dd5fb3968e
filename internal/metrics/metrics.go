package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Instruction metrics
	InstructionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "npu_instruction_duration_ms",
		Help:    "Wall-clock duration from submit to observed completion in milliseconds",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 16), // 0.1ms to ~3.2s
	})

	InstructionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "npu_instructions_total",
		Help: "Total instructions submitted, by opcode and result",
	}, []string{"opcode", "result"})

	CompletionTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "npu_completion_timeouts_total",
		Help: "Total completion waits that expired before the device signaled done",
	})

	// Buffer metrics
	BuffersLive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "npu_dma_buffers_live",
		Help: "Number of DMA buffers currently registered",
	})

	BufferBytesLive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "npu_dma_buffer_bytes_live",
		Help: "Total bytes pinned in live DMA buffers",
	})

	DMATransferBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "npu_dma_transfer_bytes_total",
		Help: "Bytes moved between host memory and DMA buffers, by direction",
	}, []string{"direction"})

	// Telemetry metrics
	TemperatureCelsius = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "npu_temperature_celsius",
		Help: "Last sampled die temperature",
	})

	PowerMilliwatts = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "npu_power_milliwatts",
		Help: "Last sampled power draw",
	})

	ThermalState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "npu_thermal_state",
		Help: "Thermal classification: 0 normal, 1 warning, 2 critical, -1 unknown",
	})

	DeviceUtilization = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "npu_utilization_percent",
		Help: "Device utilization derived from the perf counters (0-100)",
	})
)
