// Package device owns the per-card context: BAR windows, the register
// protocol for probe/reset/config/status, single-session open
// semantics, and the debug register surface. A registry keyed by device
// index stands in for the multi-card case.
package device

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/naqibannur/fpga-npu-pcie/internal/mmio"
	"github.com/naqibannur/fpga-npu-pcie/internal/nperr"
)

// PCI identity of the card.
const (
	VendorID = 0x10EE // Xilinx
	DeviceID = 0x7024
)

// resetSettle is the minimum delay between pulsing reset and setting
// enable.
const resetSettle = 10 * time.Millisecond

// Hardware is the bus-level view of one NPU card: its two BARs, its
// DMA pool and its interrupt line.
type Hardware interface {
	ControlWindow() mmio.Window
	DataWindow() mmio.Window
	AllocCoherent(size uint32) (mmio.DMARegion, error)
	FreeCoherent(region mmio.DMARegion) error
	ConnectIRQ(handler func()) (disconnect func())
}

// Info is the static identity reported by the card.
type Info struct {
	VendorID        uint32
	DeviceID        uint32
	Revision        uint32
	PCIBus          uint32
	PCIDevice       uint32
	PCIFunction     uint32
	BoardName       string
	FPGAPart        uint32
	PECount         uint32
	MaxFrequencyMHz uint32
	MemorySize      uint64
	PCIeGeneration  uint32
	PCIeLanes       uint32
}

// Config is the device configuration block. It is replaced atomically
// under the device mutex and takes effect on the next submitted
// instruction.
type Config struct {
	PEEnableMask uint32
	ClockMHz     uint32
	PowerMode    uint32
	CachePolicy  uint32
	DebugLevel   uint32
}

// ErrorInfo is a snapshot of the card's error state.
type ErrorInfo struct {
	Code         nperr.Code
	Count        uint32
	Timestamp    time.Time
	Description  string
	RegisterDump [16]uint32
}

// Device is one probed card.
type Device struct {
	mu    sync.Mutex
	index int
	info  Info
	hw    Hardware
	ctl   mmio.Window
	data  mmio.Window

	irqDisconnect func()
	open          bool
	cfg           Config
	log           *zap.Logger
}

// Probe validates the card's BARs, brings it out of reset and returns
// a ready Device. A malformed BAR aborts initialization before any
// buffer exists.
func Probe(hw Hardware, index int, log *zap.Logger) (*Device, error) {
	ctl := hw.ControlWindow()
	if ctl == nil || ctl.Len() < mmio.ControlWindowLen {
		return nil, errors.Wrap(nperr.ErrDeviceError, "malformed control BAR")
	}
	data := hw.DataWindow()
	if data == nil || data.Len() < mmio.ControlWindowLen {
		return nil, errors.Wrap(nperr.ErrDeviceError, "malformed data BAR")
	}

	d := &Device{
		index: index,
		hw:    hw,
		ctl:   ctl,
		data:  data,
		log:   log.Named("device"),
		info: Info{
			VendorID:        VendorID,
			DeviceID:        DeviceID,
			Revision:        1,
			PCIBus:          1,
			PCIDevice:       uint32(index),
			PCIFunction:     0,
			BoardName:       "fpga-npu-pcie",
			FPGAPart:        0x7024,
			PECount:         16,
			MaxFrequencyMHz: 400,
			MemorySize:      uint64(data.Len()),
			PCIeGeneration:  3,
			PCIeLanes:       8,
		},
	}

	if err := d.resetLocked(); err != nil {
		return nil, errors.Wrap(err, "bringing device out of reset")
	}
	status, err := ctl.Read32(mmio.RegStatus)
	if err != nil {
		return nil, errors.Wrap(err, "reading status after reset")
	}
	if status&mmio.StatusReady == 0 {
		return nil, errors.Wrapf(nperr.ErrDeviceError, "device not ready after reset, status 0x%x", status)
	}

	d.log.Info("probed device",
		zap.Int("index", index),
		zap.Uint32("vendor", d.info.VendorID),
		zap.Uint32("device", d.info.DeviceID))
	return d, nil
}

// Index returns the registry index assigned at probe.
func (d *Device) Index() int { return d.index }

// Info returns the card's static identity.
func (d *Device) Info() Info { return d.info }

// ControlWindow exposes BAR 0 to the protocol packages.
func (d *Device) ControlWindow() mmio.Window { return d.ctl }

// DataWindow exposes BAR 1.
func (d *Device) DataWindow() mmio.Window { return d.data }

// AllocCoherent draws from the card's DMA pool.
func (d *Device) AllocCoherent(size uint32) (mmio.DMARegion, error) {
	return d.hw.AllocCoherent(size)
}

// FreeCoherent returns a region to the pool.
func (d *Device) FreeCoherent(region mmio.DMARegion) error {
	return d.hw.FreeCoherent(region)
}

// ConnectIRQ attaches the completion handler to the card's interrupt
// line, replacing any previous handler.
func (d *Device) ConnectIRQ(handler func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.irqDisconnect != nil {
		d.irqDisconnect()
	}
	d.irqDisconnect = d.hw.ConnectIRQ(handler)
}

// DisconnectIRQ detaches the completion handler.
func (d *Device) DisconnectIRQ() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.irqDisconnect != nil {
		d.irqDisconnect()
		d.irqDisconnect = nil
	}
}

// Open claims the device's single session. A second open fails
// DeviceBusy until Close is called.
func (d *Device) Open() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.open {
		return errors.Wrap(nperr.ErrDeviceBusy, "device already open")
	}
	d.open = true
	d.log.Info("device opened")
	return nil
}

// Close releases the session.
func (d *Device) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.open = false
	d.log.Info("device closed")
}

// IsOpen reports whether a session currently holds the device.
func (d *Device) IsOpen() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.open
}

// Reset pulses the reset bit, waits out the settle time, re-enables
// the card and reapplies the stored configuration. Reset aborts all
// in-flight work; callers coordinate with the completion synchronizer
// before invoking it.
func (d *Device) Reset() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.resetLocked(); err != nil {
		return err
	}
	return d.writeConfigLocked(d.cfg)
}

func (d *Device) resetLocked() error {
	if err := d.ctl.Write32(mmio.RegControl, mmio.CtrlReset); err != nil {
		return err
	}
	time.Sleep(resetSettle)
	return d.ctl.Write32(mmio.RegControl, mmio.CtrlEnable)
}

// ReadStatus is a pure, side-effect-free status register read.
func (d *Device) ReadStatus() (uint32, error) {
	return d.ctl.Read32(mmio.RegStatus)
}

// WriteConfig replaces the configuration block under the device mutex.
// The new values take effect on the next submitted instruction.
func (d *Device) WriteConfig(cfg Config) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.writeConfigLocked(cfg)
}

func (d *Device) writeConfigLocked(cfg Config) error {
	regs := []struct {
		off uint32
		val uint32
	}{
		{mmio.RegCfgPEMask, cfg.PEEnableMask},
		{mmio.RegCfgClock, cfg.ClockMHz},
		{mmio.RegCfgPowerMode, cfg.PowerMode},
		{mmio.RegCfgCache, cfg.CachePolicy},
		{mmio.RegCfgDebug, cfg.DebugLevel},
	}
	for _, r := range regs {
		if err := d.ctl.Write32(r.off, r.val); err != nil {
			return errors.Wrapf(err, "writing config register 0x%x", r.off)
		}
	}
	d.cfg = cfg
	return nil
}

// Config returns the last configuration written.
func (d *Device) Config() Config {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg
}

// LastError snapshots the card's error registers plus a dump of the
// first 16 registers.
func (d *Device) LastError() (ErrorInfo, error) {
	code, err := d.ctl.Read32(mmio.RegError)
	if err != nil {
		return ErrorInfo{}, err
	}
	count, err := d.ctl.Read32(mmio.RegErrorCount)
	if err != nil {
		return ErrorInfo{}, err
	}
	info := ErrorInfo{
		Code:      nperr.Code(code),
		Count:     count,
		Timestamp: time.Now(),
	}
	if sentinel := nperr.FromCode(info.Code); sentinel != nil {
		info.Description = sentinel.Error()
	} else {
		info.Description = "no error"
	}
	for i := range info.RegisterDump {
		v, err := d.ctl.Read32(uint32(i) * 4)
		if err != nil {
			return ErrorInfo{}, err
		}
		info.RegisterDump[i] = v
	}
	return info, nil
}

// ReadRegister reads one control register. Debug only.
func (d *Device) ReadRegister(offset uint32) (uint32, error) {
	return d.ctl.Read32(offset)
}

// WriteRegister writes one control register. Debug only.
func (d *Device) WriteRegister(offset, value uint32) error {
	return d.ctl.Write32(offset, value)
}

// DumpRegisters reads the 64 dumpable control registers. Debug only.
func (d *Device) DumpRegisters() ([64]uint32, error) {
	var dump [64]uint32
	for i := range dump {
		v, err := d.ctl.Read32(uint32(i) * 4)
		if err != nil {
			return dump, err
		}
		dump[i] = v
	}
	return dump, nil
}

// Remove tears the device down on surprise removal: the interrupt
// handler is detached and the session dropped. Register windows fail
// on their own once the BARs are gone.
func (d *Device) Remove() {
	d.DisconnectIRQ()
	d.mu.Lock()
	d.open = false
	d.mu.Unlock()
	d.log.Info("device removed")
}
