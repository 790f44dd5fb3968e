// Package npu is the user-space runtime for the NPU card. A Context
// wraps one opened device with buffer management, instruction
// submission, completion waiting and telemetry, and layers a
// tensor-level API on top.
package npu

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/naqibannur/fpga-npu-pcie/internal/buffer"
	"github.com/naqibannur/fpga-npu-pcie/internal/command"
	"github.com/naqibannur/fpga-npu-pcie/internal/completion"
	"github.com/naqibannur/fpga-npu-pcie/internal/config"
	"github.com/naqibannur/fpga-npu-pcie/internal/device"
	"github.com/naqibannur/fpga-npu-pcie/internal/mmio"
	"github.com/naqibannur/fpga-npu-pcie/internal/nperr"
	"github.com/naqibannur/fpga-npu-pcie/internal/telemetry"
)

// Context is one process's session on a device. The device admits a
// single session at a time; Open fails DeviceBusy while another
// Context holds it.
type Context struct {
	dev  *device.Device
	bufs *buffer.Manager
	comp *completion.Synchronizer
	sub  *command.Submitter
	mon  *telemetry.Monitor
	log  *zap.Logger

	waitTimeout time.Duration

	mu        sync.Mutex
	closed    bool
	staging   *buffer.Buffer
	stagedLen uint32
}

// Open claims the device and assembles the runtime over it: the
// buffer registry, the completion synchronizer wired to the interrupt
// line, and the background telemetry sampler.
func Open(dev *device.Device, cfg *config.Config, log *zap.Logger) (*Context, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := dev.Open(); err != nil {
		return nil, err
	}

	ctl := dev.ControlWindow()
	comp := completion.NewSynchronizer(ctl, log)
	dev.ConnectIRQ(comp.HandleInterrupt)

	mon := telemetry.NewMonitor(ctl, cfg.Telemetry.PollInterval, log)
	bufs := buffer.NewManager(dev, log)

	c := &Context{
		dev:         dev,
		bufs:        bufs,
		comp:        comp,
		sub:         command.NewSubmitter(ctl, bufs, comp, log),
		mon:         mon,
		log:         log.Named("npu"),
		waitTimeout: cfg.Device.WaitTimeout,
	}

	if err := dev.WriteConfig(device.Config{
		PEEnableMask: cfg.Device.PEEnableMask,
		ClockMHz:     cfg.Device.ClockMHz,
		PowerMode:    cfg.Device.PowerMode,
		CachePolicy:  cfg.Device.CachePolicy,
		DebugLevel:   cfg.Device.DebugLevel,
	}); err != nil {
		dev.DisconnectIRQ()
		dev.Close()
		return nil, errors.Wrap(err, "applying device configuration")
	}

	mon.Start()
	return c, nil
}

// Close aborts in-flight work, releases every buffer the session
// still holds and gives the device back.
func (c *Context) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.staging = nil
	c.mu.Unlock()

	c.mon.Stop()
	c.comp.Abort(errors.Wrap(nperr.ErrDeviceError, "session closed"))
	c.bufs.FreeAll()
	c.dev.DisconnectIRQ()
	c.dev.Close()
}

// Device exposes the underlying device context.
func (c *Context) Device() *device.Device { return c.dev }

// Buffers exposes the session's buffer registry.
func (c *Context) Buffers() *buffer.Manager { return c.bufs }

// Telemetry exposes the device monitor.
func (c *Context) Telemetry() *telemetry.Monitor { return c.mon }

// AllocBuffer registers a new DMA buffer and returns its id.
func (c *Context) AllocBuffer(size uint32) (uint32, error) {
	b, err := c.bufs.Allocate(size, buffer.FlagCoherent)
	if err != nil {
		return 0, err
	}
	return b.ID(), nil
}

// FreeBuffer drops the session's reference on a buffer.
func (c *Context) FreeBuffer(id uint32) error { return c.bufs.Free(id) }

// WriteBuffer copies host bytes into a buffer at the given offset.
func (c *Context) WriteBuffer(id, offset uint32, data []byte) error {
	return c.bufs.Transfer(id, offset, data, buffer.SyncToDevice)
}

// ReadBuffer copies buffer bytes at the given offset back to host
// memory.
func (c *Context) ReadBuffer(id, offset uint32, p []byte) error {
	return c.bufs.Transfer(id, offset, p, buffer.SyncFromDevice)
}

// Submit starts an instruction and returns its completion ticket
// without waiting.
func (c *Context) Submit(inst command.Instruction) (*completion.Ticket, error) {
	return c.sub.Submit(inst)
}

// Execute submits an instruction and blocks until it resolves, bounded
// by the session's wait timeout.
func (c *Context) Execute(inst command.Instruction) error {
	t, err := c.sub.Submit(inst)
	if err != nil {
		return err
	}
	return t.Wait(c.waitTimeout)
}

// ExecuteBatch runs instructions back to back. The datapath holds one
// instruction at a time, so the batch is sequential; the first failure
// stops it.
func (c *Context) ExecuteBatch(insts []command.Instruction) error {
	for i, inst := range insts {
		if err := c.Execute(inst); err != nil {
			return errors.Wrapf(err, "batch instruction %d (%s)", i, inst.Op)
		}
	}
	return nil
}

// Status reads the device status register.
func (c *Context) Status() (uint32, error) { return c.dev.ReadStatus() }

// Reset aborts any in-flight instruction and pulses the device reset.
// Reset is the only cancellation primitive the card has.
func (c *Context) Reset() error {
	c.comp.Abort(errors.Wrap(nperr.ErrDeviceError, "device reset"))
	return c.dev.Reset()
}

// Write stages host bytes through the legacy shared-buffer path: data
// lands in an internal staging buffer, its address and length go into
// the data registers, and a no-op instruction strobes the device.
func (c *Context) Write(data []byte) error {
	if len(data) == 0 || len(data) > buffer.MaxBufferSize {
		return errors.Wrapf(nperr.ErrInvalidParameter, "staged write of %d bytes", len(data))
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ensureStagingLocked(uint32(len(data))); err != nil {
		return err
	}
	if err := c.bufs.Transfer(c.staging.ID(), 0, data, buffer.SyncToDevice); err != nil {
		return err
	}

	ticket, err := c.comp.Begin("none", nil)
	if err != nil {
		return err
	}
	for _, w := range []struct {
		off, val uint32
	}{
		{mmio.RegOpcode, mmio.OpNone},
		{mmio.RegDataAddr, c.staging.PhysAddr()},
		{mmio.RegDataSize, uint32(len(data))},
		{mmio.RegControl, mmio.CtrlEnable | mmio.CtrlStart},
	} {
		if err := c.dev.ControlWindow().Write32(w.off, w.val); err != nil {
			c.comp.Abort(err)
			return errors.Wrapf(err, "staging register 0x%x", w.off)
		}
	}
	if err := ticket.Wait(c.waitTimeout); err != nil {
		return err
	}
	c.stagedLen = uint32(len(data))
	return nil
}

// Read copies back bytes from the staging buffer populated by the last
// Write. It returns the number of bytes copied, capped at the staged
// length.
func (c *Context) Read(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.staging == nil || c.stagedLen == 0 {
		return 0, errors.Wrap(nperr.ErrInvalidParameter, "nothing staged")
	}
	n := len(p)
	if uint32(n) > c.stagedLen {
		n = int(c.stagedLen)
	}
	if err := c.bufs.Transfer(c.staging.ID(), 0, p[:n], buffer.SyncFromDevice); err != nil {
		return 0, err
	}
	return n, nil
}

// ensureStagingLocked grows the staging buffer to cover size bytes.
func (c *Context) ensureStagingLocked(size uint32) error {
	if c.staging != nil && c.staging.Size() >= size {
		return nil
	}
	if c.staging != nil {
		if err := c.bufs.Free(c.staging.ID()); err != nil {
			return err
		}
		c.staging = nil
		c.stagedLen = 0
	}
	alloc := size
	if alloc < buffer.MinBufferSize {
		alloc = buffer.MinBufferSize
	}
	b, err := c.bufs.Allocate(alloc, buffer.FlagCoherent)
	if err != nil {
		return err
	}
	c.staging = b
	return nil
}
