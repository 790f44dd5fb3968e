// Package telemetry reads the device's performance counters and
// environmental sensors, and runs the background sampler that feeds
// the exported gauges. Sensor failures degrade monitoring; they never
// abort the datapath.
package telemetry

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/naqibannur/fpga-npu-pcie/internal/metrics"
	"github.com/naqibannur/fpga-npu-pcie/internal/mmio"
)

// ThermalState classifies the die temperature.
type ThermalState int

const (
	ThermalUnknown  ThermalState = -1
	ThermalNormal   ThermalState = 0
	ThermalWarning  ThermalState = 1
	ThermalCritical ThermalState = 2
)

func (s ThermalState) String() string {
	switch s {
	case ThermalNormal:
		return "normal"
	case ThermalWarning:
		return "warning"
	case ThermalCritical:
		return "critical"
	}
	return "unknown"
}

// Thermal thresholds in degrees Celsius.
const (
	thermalWarningC  = 75
	thermalCriticalC = 85
)

// ClassifyThermal maps a die temperature to its state.
func ClassifyThermal(celsius uint32) ThermalState {
	switch {
	case celsius > thermalCriticalC:
		return ThermalCritical
	case celsius >= thermalWarningC:
		return ThermalWarning
	default:
		return ThermalNormal
	}
}

// PerfCounters holds one coherent sample of the eight hardware
// counters.
type PerfCounters [mmio.PerfCounterMax]uint64

var counterNames = [mmio.PerfCounterMax]string{
	"cycles",
	"operations",
	"memory_reads",
	"memory_writes",
	"cache_hits",
	"cache_misses",
	"pipeline_stalls",
	"power_consumption",
}

// CounterName returns the label for counter index i.
func CounterName(i int) string {
	if i < 0 || i >= mmio.PerfCounterMax {
		return "unknown"
	}
	return counterNames[i]
}

// Snapshot is one point-in-time view of the device's counters and
// sensors.
type Snapshot struct {
	Counters     PerfCounters
	TemperatureC uint32
	PowerMW      uint32
	FanRPM       uint32
	Thermal      ThermalState
	Utilization  float64
	Taken        time.Time
}

// Health summarizes the sampler's view of the device.
type Health struct {
	Thermal    ThermalState
	Degraded   bool
	LastSample time.Time
}

// Monitor reads telemetry for one device and optionally samples it in
// the background.
type Monitor struct {
	ctl      mmio.Window
	interval time.Duration
	log      *zap.Logger

	// perfMu serializes counter access so reset cannot interleave with
	// a half-finished 64-bit read.
	perfMu sync.Mutex

	mu         sync.Mutex
	thermal    ThermalState
	degraded   bool
	lastSample time.Time
	prevCycles uint64
	prevStalls uint64

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewMonitor builds a monitor over the control window. interval paces
// the background sampler started by Start.
func NewMonitor(ctl mmio.Window, interval time.Duration, log *zap.Logger) *Monitor {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Monitor{
		ctl:      ctl,
		interval: interval,
		log:      log.Named("telemetry"),
		thermal:  ThermalUnknown,
	}
}

// readCounter assembles counter i from its split 32-bit halves. The
// halves are separate bus reads, so the high word is read before and
// after the low word; a mismatch means the counter carried between
// the reads and the sample is retried.
func (m *Monitor) readCounter(i int) (uint64, error) {
	var hi, lo uint32
	for attempt := 0; ; attempt++ {
		hi1, err := m.ctl.Read32(mmio.RegPerfHi(i))
		if err != nil {
			return 0, errors.Wrapf(err, "counter %s high word", CounterName(i))
		}
		lo, err = m.ctl.Read32(mmio.RegPerfLo(i))
		if err != nil {
			return 0, errors.Wrapf(err, "counter %s low word", CounterName(i))
		}
		hi, err = m.ctl.Read32(mmio.RegPerfHi(i))
		if err != nil {
			return 0, errors.Wrapf(err, "counter %s high word", CounterName(i))
		}
		if hi == hi1 || attempt >= 3 {
			return uint64(hi)<<32 | uint64(lo), nil
		}
	}
}

// ReadPerfCounters returns a coherent sample of all eight counters.
func (m *Monitor) ReadPerfCounters() (PerfCounters, error) {
	m.perfMu.Lock()
	defer m.perfMu.Unlock()

	var out PerfCounters
	for i := range out {
		v, err := m.readCounter(i)
		if err != nil {
			return PerfCounters{}, err
		}
		out[i] = v
	}
	return out, nil
}

// ResetPerfCounters zeroes all hardware counters and the sampler's
// utilization baseline.
func (m *Monitor) ResetPerfCounters() error {
	m.perfMu.Lock()
	defer m.perfMu.Unlock()
	if err := m.ctl.Write32(mmio.RegPerfCtrl, mmio.PerfCtrlReset); err != nil {
		return errors.Wrap(err, "resetting performance counters")
	}
	m.mu.Lock()
	m.prevCycles, m.prevStalls = 0, 0
	m.mu.Unlock()
	return nil
}

// Snapshot reads counters and sensors in one pass.
func (m *Monitor) Snapshot() (Snapshot, error) {
	counters, err := m.ReadPerfCounters()
	if err != nil {
		return Snapshot{}, err
	}
	temp, err := m.ctl.Read32(mmio.RegTemperature)
	if err != nil {
		return Snapshot{}, errors.Wrap(err, "temperature sensor")
	}
	power, err := m.ctl.Read32(mmio.RegPower)
	if err != nil {
		return Snapshot{}, errors.Wrap(err, "power sensor")
	}
	fan, err := m.ctl.Read32(mmio.RegFanSpeed)
	if err != nil {
		return Snapshot{}, errors.Wrap(err, "fan tachometer")
	}
	return Snapshot{
		Counters:     counters,
		TemperatureC: temp,
		PowerMW:      power,
		FanRPM:       fan,
		Thermal:      ClassifyThermal(temp),
		Utilization:  utilization(counters),
		Taken:        time.Now(),
	}, nil
}

// utilization derives a 0-100 figure from the cumulative counters.
func utilization(c PerfCounters) float64 {
	cycles := c[mmio.PerfCycles]
	if cycles == 0 {
		return 0
	}
	stalls := c[mmio.PerfPipelineStalls]
	if stalls >= cycles {
		return 0
	}
	return float64(cycles-stalls) / float64(cycles) * 100
}

// Health returns the sampler's last observed state.
func (m *Monitor) Health() Health {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Health{Thermal: m.thermal, Degraded: m.degraded, LastSample: m.lastSample}
}

// Start launches the background sampler. Stop must be called before
// the device is torn down.
func (m *Monitor) Start() {
	m.stop = make(chan struct{})
	m.wg.Add(1)
	go m.run()
}

// Stop halts the background sampler and waits for it to exit.
func (m *Monitor) Stop() {
	if m.stop == nil {
		return
	}
	close(m.stop)
	m.wg.Wait()
	m.stop = nil
}

func (m *Monitor) run() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.sample()
	for {
		select {
		case <-ticker.C:
			m.sample()
		case <-m.stop:
			return
		}
	}
}

// sample polls the sensors once and publishes the gauges. A failed
// read marks monitoring degraded and keeps the sampler alive.
func (m *Monitor) sample() {
	snap, err := m.Snapshot()
	if err != nil {
		m.log.Warn("telemetry sample failed", zap.Error(err))
		m.mu.Lock()
		m.degraded = true
		m.thermal = ThermalUnknown
		m.mu.Unlock()
		metrics.ThermalState.Set(float64(ThermalUnknown))
		return
	}

	delta := m.advance(snap)
	metrics.TemperatureCelsius.Set(float64(snap.TemperatureC))
	metrics.PowerMilliwatts.Set(float64(snap.PowerMW))
	metrics.ThermalState.Set(float64(snap.Thermal))
	metrics.DeviceUtilization.Set(delta)

	switch snap.Thermal {
	case ThermalCritical:
		m.log.Error("die temperature critical",
			zap.Uint32("celsius", snap.TemperatureC),
			zap.Uint32("power_mw", snap.PowerMW))
	case ThermalWarning:
		m.log.Warn("die temperature elevated",
			zap.Uint32("celsius", snap.TemperatureC))
	}
}

// advance updates the sampler state and returns the utilization over
// the interval since the previous sample.
func (m *Monitor) advance(snap Snapshot) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	cycles := snap.Counters[mmio.PerfCycles]
	stalls := snap.Counters[mmio.PerfPipelineStalls]
	reset := cycles < m.prevCycles || stalls < m.prevStalls
	dc := cycles - m.prevCycles
	ds := stalls - m.prevStalls
	m.prevCycles, m.prevStalls = cycles, stalls
	m.degraded = false
	m.thermal = snap.Thermal
	m.lastSample = snap.Taken

	if reset || dc == 0 || ds >= dc {
		return 0
	}
	return float64(dc-ds) / float64(dc) * 100
}
