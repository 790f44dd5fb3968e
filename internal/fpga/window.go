package fpga

import (
	"encoding/binary"

	"github.com/naqibannur/fpga-npu-pcie/internal/mmio"
)

// controlWindow is the BAR 0 register file with its side effects.
type controlWindow struct {
	m *Model
}

func (w *controlWindow) Len() uint32 { return mmio.ControlWindowLen }

func (w *controlWindow) Read32(offset uint32) (uint32, error) {
	m := w.m
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unplug {
		return 0, mmio.ErrUnmapped
	}
	if err := mmio.CheckOffset(offset, mmio.ControlWindowLen); err != nil {
		return 0, err
	}

	switch {
	case offset == mmio.RegTemperature:
		m.cool()
		return uint32(m.temperature), nil
	case offset == mmio.RegPower:
		return m.powerDraw(), nil
	case offset == mmio.RegFanSpeed:
		m.cool()
		return 1200 + uint32(m.temperature-45)*80, nil
	case offset >= mmio.RegPerfBase && offset < mmio.RegPerfBase+8*uint32(mmio.PerfCounterMax):
		idx := (offset - mmio.RegPerfBase) / 8
		v := m.counters[idx]
		if (offset-mmio.RegPerfBase)%8 == 4 {
			return uint32(v >> 32), nil
		}
		return uint32(v), nil
	}
	return m.regs[offset/4], nil
}

func (w *controlWindow) Write32(offset, value uint32) error {
	m := w.m
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unplug {
		return mmio.ErrUnmapped
	}
	if err := mmio.CheckOffset(offset, mmio.ControlWindowLen); err != nil {
		return err
	}

	switch offset {
	case mmio.RegControl:
		m.regs[offset/4] = value
		if value&mmio.CtrlReset != 0 {
			m.reset()
			return nil
		}
		if value&mmio.CtrlStart != 0 && value&mmio.CtrlEnable != 0 {
			m.start(value&mmio.CtrlHighPriority != 0)
		}
	case mmio.RegStatus:
		// Write-1-to-clear for the event bits; READY and BUSY are
		// hardware-owned.
		clearable := uint32(mmio.StatusDone | mmio.StatusError |
			mmio.StatusThermalWarning | mmio.StatusPowerWarning)
		m.regs[offset/4] &^= value & clearable
	case mmio.RegDMACtrl:
		if value&mmio.DMACtrlAbort != 0 {
			m.regs[offset/4] = 0
			return nil
		}
		if value&mmio.DMACtrlStart != 0 {
			m.regs[offset/4] = m.dmaStart(value)
			return nil
		}
		m.regs[offset/4] = value
	case mmio.RegPerfCtrl:
		if value&mmio.PerfCtrlReset != 0 {
			m.counters = [mmio.PerfCounterMax]uint64{}
		}
	case mmio.RegTemperature, mmio.RegPower, mmio.RegFanSpeed:
		// monitoring registers are read-only
	default:
		m.regs[offset/4] = value
	}
	return nil
}

// dataWindow is the BAR 1 word-granular view over the DMA arena.
type dataWindow struct {
	m *Model
}

func (w *dataWindow) Len() uint32 { return uint32(len(w.m.arena)) }

func (w *dataWindow) Read32(offset uint32) (uint32, error) {
	m := w.m
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unplug {
		return 0, mmio.ErrUnmapped
	}
	if err := mmio.CheckOffset(offset, w.Len()); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(m.arena[offset:]), nil
}

func (w *dataWindow) Write32(offset, value uint32) error {
	m := w.m
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unplug {
		return mmio.ErrUnmapped
	}
	if err := mmio.CheckOffset(offset, w.Len()); err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(m.arena[offset:], value)
	return nil
}
