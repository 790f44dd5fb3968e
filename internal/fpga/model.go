// Package fpga models the NPU card itself: the two BAR windows, the
// DMA arena behind them, the one-slot execution engine, the shared
// interrupt line, and the monitoring registers. The driver-side
// packages treat a Model exactly like real hardware; nothing above this
// package knows it is simulated.
package fpga

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/naqibannur/fpga-npu-pcie/internal/mmio"
	"github.com/naqibannur/fpga-npu-pcie/internal/nperr"
)

// arenaBase keeps physical address zero invalid so a null device
// address is never a valid operand.
const arenaBase = 0x1000

// Config sets the modeled card's parameters.
type Config struct {
	// ArenaSize is the DMA pool size in bytes.
	ArenaSize uint32
	// ExecLatency is how long one instruction occupies the datapath.
	ExecLatency time.Duration
	Logger      *zap.Logger
}

// Model is one simulated NPU card.
type Model struct {
	mu sync.Mutex

	regs  [mmio.ControlWindowLen / 4]uint32
	arena []byte

	// first-fit allocator over the arena, keyed by physical address
	allocs   map[uint32]uint32
	counters [mmio.PerfCounterMax]uint64

	irq      func()
	unplug   bool
	latency  time.Duration
	log      *zap.Logger
	execWG   sync.WaitGroup
	execBusy bool
	// gen invalidates in-flight executions across a device reset.
	gen uint64

	temperature float64
	lastExec    time.Time
}

// New builds a powered-on card. The status register reports READY once
// the driver has pulsed reset and set enable.
func New(cfg Config) *Model {
	if cfg.ArenaSize == 0 {
		cfg.ArenaSize = 64 << 20
	}
	if cfg.ExecLatency == 0 {
		cfg.ExecLatency = 2 * time.Millisecond
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	m := &Model{
		arena:       make([]byte, cfg.ArenaSize),
		allocs:      make(map[uint32]uint32),
		latency:     cfg.ExecLatency,
		log:         log.Named("fpga"),
		temperature: 45,
		lastExec:    time.Now(),
	}
	m.regs[mmio.RegStatus/4] = mmio.StatusReady
	m.regs[mmio.RegIntMask/4] = 1
	return m
}

// ControlWindow returns the BAR 0 view of the card.
func (m *Model) ControlWindow() mmio.Window { return &controlWindow{m} }

// DataWindow returns the BAR 1 view over the DMA arena.
func (m *Model) DataWindow() mmio.Window { return &dataWindow{m} }

// ConnectIRQ attaches the completion interrupt handler and returns a
// disconnect function. The line is shared: the handler must inspect
// STATUS and ignore interrupts that are not the card's.
func (m *Model) ConnectIRQ(handler func()) func() {
	m.mu.Lock()
	m.irq = handler
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		m.irq = nil
		m.mu.Unlock()
	}
}

// Unplug simulates surprise removal: both windows fail every access
// from now on and no further interrupts fire.
func (m *Model) Unplug() {
	m.mu.Lock()
	m.unplug = true
	m.irq = nil
	m.mu.Unlock()
}

// Drain blocks until any in-flight execution has retired. Tests use it
// to avoid leaking the exec goroutine past a test's lifetime.
func (m *Model) Drain() { m.execWG.Wait() }

// AllocCoherent carves a pinned region out of the DMA arena. First-fit;
// regions are 64-byte aligned like the card's DMA engine requires.
func (m *Model) AllocCoherent(size uint32) (mmio.DMARegion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unplug {
		return mmio.DMARegion{}, mmio.ErrUnmapped
	}
	if size == 0 {
		return mmio.DMARegion{}, nperr.ErrInvalidParameter
	}
	size = (size + 63) &^ 63
	phys := m.findGap(size)
	if phys == 0 {
		return mmio.DMARegion{}, nperr.ErrNoMemory
	}
	m.allocs[phys] = size
	off := phys - arenaBase
	return mmio.DMARegion{PhysAddr: phys, Mem: m.arena[off : off+size : off+size]}, nil
}

// FreeCoherent returns a region to the pool.
func (m *Model) FreeCoherent(region mmio.DMARegion) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.allocs[region.PhysAddr]; !ok {
		return nperr.ErrNotFound
	}
	delete(m.allocs, region.PhysAddr)
	return nil
}

func (m *Model) findGap(size uint32) uint32 {
	if uint64(size) > uint64(len(m.arena)) {
		return 0
	}
	// Walk candidate start addresses in allocation order. The pool is
	// small (tens of buffers) so first-fit over a map is fine.
	candidate := uint32(arenaBase)
	for {
		end := uint64(candidate) + uint64(size)
		if end > arenaBase+uint64(len(m.arena)) {
			return 0
		}
		conflict := uint32(0)
		for phys, sz := range m.allocs {
			if candidate < phys+sz && phys < candidate+size {
				if phys+sz > conflict {
					conflict = phys + sz
				}
			}
		}
		if conflict == 0 {
			return candidate
		}
		candidate = (conflict + 63) &^ 63
	}
}

// arenaRange resolves a physical address range to an arena slice.
func (m *Model) arenaRange(phys, size uint32) ([]byte, bool) {
	if phys < arenaBase {
		return nil, false
	}
	off := uint64(phys) - arenaBase
	end := off + uint64(size)
	if end > uint64(len(m.arena)) {
		return nil, false
	}
	return m.arena[off:end:end], true
}

// start launches the one-slot execution engine. Caller holds m.mu.
func (m *Model) start(highPriority bool) {
	if m.execBusy {
		// Second start while the datapath is occupied is a protocol
		// violation; latch the error bit instead of corrupting state.
		m.regs[mmio.RegStatus/4] |= mmio.StatusError
		m.regs[mmio.RegError/4] = uint32(nperr.CodeDeviceBusy)
		m.regs[mmio.RegErrorCount/4]++
		return
	}
	m.execBusy = true
	st := &m.regs[mmio.RegStatus/4]
	*st &^= mmio.StatusReady | mmio.StatusDone
	*st |= mmio.StatusBusy

	snapshot := m.regs
	latency := m.latency
	if highPriority {
		latency /= 2
	}

	m.execWG.Add(1)
	go m.execute(snapshot, latency, m.gen)
}

func (m *Model) execute(regs [mmio.ControlWindowLen / 4]uint32, latency time.Duration, gen uint64) {
	defer m.execWG.Done()
	time.Sleep(latency)

	m.mu.Lock()
	if m.unplug || m.gen != gen {
		// Device removed or reset mid-flight; the reset already
		// restored the register file.
		m.mu.Unlock()
		return
	}

	err := m.runKernel(&regs)

	st := &m.regs[mmio.RegStatus/4]
	*st &^= mmio.StatusBusy
	*st |= mmio.StatusReady
	if err != nil {
		*st |= mmio.StatusError
		m.regs[mmio.RegError/4] = uint32(nperr.CodeOf(err))
		m.regs[mmio.RegErrorCount/4]++
	} else {
		*st |= mmio.StatusDone
	}
	m.execBusy = false
	m.heat()

	irq := m.irq
	masked := m.regs[mmio.RegIntMask/4]&1 == 0
	m.mu.Unlock()

	if irq != nil && !masked {
		irq()
	}
}

// runKernel decodes the instruction slot and executes it against the
// arena. Caller holds m.mu.
func (m *Model) runKernel(regs *[mmio.ControlWindowLen / 4]uint32) error {
	op := regs[mmio.RegOpcode/4]
	size := regs[mmio.RegXferSize/4]

	if op == mmio.OpNone {
		// Legacy passthrough: data was staged via DATA_ADDR/DATA_SIZE,
		// nothing to compute.
		m.account(uint64(regs[mmio.RegDataSize/4]), 0)
		return nil
	}

	var params [8]uint32
	for i := range params {
		params[i] = regs[mmio.RegParam(i)/4]
	}
	in := kernelInput{
		src1:   regs[mmio.RegSrc1Addr/4],
		src2:   regs[mmio.RegSrc2Addr/4],
		dst:    regs[mmio.RegDstAddr/4],
		size:   size,
		params: params,
	}
	elems, err := m.dispatch(op, in)
	if err != nil {
		return err
	}
	m.account(uint64(size), elems)
	return nil
}

// account bumps the performance counters after a retired operation.
// Caller holds m.mu. The 64-bit counters are exposed as split 32-bit
// register pairs; see internal/telemetry for the torn-read hazard.
func (m *Model) account(bytes, elems uint64) {
	m.counters[mmio.PerfCycles] += 1200 + elems*2
	m.counters[mmio.PerfOperations] += elems
	m.counters[mmio.PerfMemoryReads] += bytes
	m.counters[mmio.PerfMemoryWrites] += bytes / 2
	m.counters[mmio.PerfCacheHits] += bytes / 64 * 7 / 8
	m.counters[mmio.PerfCacheMisses] += bytes / 64 / 8
	m.counters[mmio.PerfPipelineStalls] += elems / 32
	m.counters[mmio.PerfPowerConsumption] += 4 + elems/1024
}

// heat nudges the thermal model after each retired operation. Caller
// holds m.mu.
func (m *Model) heat() {
	m.cool()
	m.temperature += 3
	if m.temperature > 82 {
		m.temperature = 82
	}
	m.lastExec = time.Now()
}

// cool applies 1 degree per second of decay toward the 45 degree
// baseline. Caller holds m.mu.
func (m *Model) cool() {
	idle := time.Since(m.lastExec).Seconds()
	m.temperature -= idle
	if m.temperature < 45 {
		m.temperature = 45
	}
}

// dmaStart runs the DMA engine synchronously. Caller holds m.mu. The
// resulting DMACtrl bits are returned for the register file.
func (m *Model) dmaStart(ctrl uint32) uint32 {
	src := m.regs[mmio.RegDMASrc/4]
	dst := m.regs[mmio.RegDMADst/4]
	size := m.regs[mmio.RegDMASize/4]

	srcMem, okSrc := m.arenaRange(src, size)
	dstMem, okDst := m.arenaRange(dst, size)
	if size == 0 || !okSrc || !okDst {
		m.regs[mmio.RegError/4] = uint32(nperr.CodeDMAError)
		m.regs[mmio.RegErrorCount/4]++
		return (ctrl &^ (mmio.DMACtrlStart | mmio.DMACtrlBusy)) | mmio.DMACtrlError
	}
	copy(dstMem, srcMem)
	m.counters[mmio.PerfMemoryReads] += uint64(size)
	m.counters[mmio.PerfMemoryWrites] += uint64(size)
	return (ctrl &^ (mmio.DMACtrlStart | mmio.DMACtrlBusy | mmio.DMACtrlError)) | mmio.DMACtrlDone
}

// powerDraw derives the POWER register value in milliwatts. Caller
// holds m.mu.
func (m *Model) powerDraw() uint32 {
	mw := uint32(2500)
	if m.execBusy {
		mw += 1500
	}
	switch m.regs[mmio.RegCfgPowerMode/4] {
	case 1: // balanced
		mw = mw * 8 / 10
	case 2: // power save
		mw = mw * 6 / 10
	}
	return mw
}

// reset restores power-on state and aborts any in-flight execution.
// Caller holds m.mu. Performance counters survive a device reset; they
// have their own reset bit.
func (m *Model) reset() {
	m.gen++
	m.execBusy = false
	for i := range m.regs {
		off := uint32(i * 4)
		switch off {
		case mmio.RegCfgPEMask, mmio.RegCfgClock, mmio.RegCfgPowerMode, mmio.RegCfgCache, mmio.RegCfgDebug:
			// configuration survives reset
		default:
			m.regs[i] = 0
		}
	}
	m.regs[mmio.RegStatus/4] = mmio.StatusReady
	m.regs[mmio.RegIntMask/4] = 1
}
