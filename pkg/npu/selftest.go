package npu

import (
	"bytes"
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/naqibannur/fpga-npu-pcie/internal/buffer"
	"github.com/naqibannur/fpga-npu-pcie/internal/command"
	"github.com/naqibannur/fpga-npu-pcie/internal/mmio"
	"github.com/naqibannur/fpga-npu-pcie/internal/nperr"
)

const selfTestPattern = 0xDEADBEEF

// SelfTest exercises the full datapath: register access, buffer
// round trips, the DMA copy engine, a compute instruction and the
// legacy staged path. It leaves no buffers behind.
func (c *Context) SelfTest() error {
	c.log.Info("self-test started")

	// Register access.
	status, err := c.Status()
	if err != nil {
		return errors.Wrap(err, "self-test: status register")
	}
	if status&mmio.StatusReady == 0 {
		return errors.Wrapf(nperr.ErrDeviceError, "self-test: device not ready, status 0x%x", status)
	}

	// Host to buffer round trip with a skewed pattern, so a stuck
	// word or an off-by-one shows up.
	pattern := make([]byte, buffer.MinBufferSize)
	for i := 0; i < len(pattern)/4; i++ {
		binary.LittleEndian.PutUint32(pattern[i*4:], uint32(selfTestPattern)^uint32(i))
	}
	src, err := c.AllocBuffer(buffer.MinBufferSize)
	if err != nil {
		return errors.Wrap(err, "self-test: allocating source buffer")
	}
	defer c.freeQuiet(src)
	if err := c.WriteBuffer(src, 0, pattern); err != nil {
		return errors.Wrap(err, "self-test: buffer write")
	}
	got := make([]byte, len(pattern))
	if err := c.ReadBuffer(src, 0, got); err != nil {
		return errors.Wrap(err, "self-test: buffer read")
	}
	if !bytes.Equal(pattern, got) {
		return errors.Wrap(nperr.ErrDeviceError, "self-test: buffer round trip mismatch")
	}

	// Device-side DMA copy.
	dst, err := c.AllocBuffer(buffer.MinBufferSize)
	if err != nil {
		return errors.Wrap(err, "self-test: allocating copy buffer")
	}
	defer c.freeQuiet(dst)
	if err := c.sub.CopyBuffer(
		command.Operand{Buffer: dst},
		command.Operand{Buffer: src},
		buffer.MinBufferSize, c.waitTimeout); err != nil {
		return errors.Wrap(err, "self-test: dma copy")
	}
	if err := c.ReadBuffer(dst, 0, got); err != nil {
		return errors.Wrap(err, "self-test: copy readback")
	}
	if !bytes.Equal(pattern, got) {
		return errors.Wrap(nperr.ErrDMAError, "self-test: dma copy mismatch")
	}

	// One compute instruction through the interrupt path.
	a, err := NewMatrix(8, 8)
	if err != nil {
		return err
	}
	vals := make([]float32, 64)
	for i := range vals {
		vals[i] = float32(i)
	}
	if err := a.SetFloat32s(vals); err != nil {
		return err
	}
	sum, err := c.Add(a, a)
	if err != nil {
		return errors.Wrap(err, "self-test: compute")
	}
	for i, v := range sum.Float32s() {
		if v != 2*float32(i) {
			return errors.Wrapf(nperr.ErrDeviceError, "self-test: compute element %d is %v", i, v)
		}
	}

	// Legacy staged path.
	staged := []byte("npu self-test staged payload")
	if err := c.Write(staged); err != nil {
		return errors.Wrap(err, "self-test: staged write")
	}
	back := make([]byte, len(staged))
	if _, err := c.Read(back); err != nil {
		return errors.Wrap(err, "self-test: staged read")
	}
	if !bytes.Equal(staged, back) {
		return errors.Wrap(nperr.ErrDeviceError, "self-test: staged round trip mismatch")
	}

	c.log.Info("self-test passed")
	return nil
}

func (c *Context) freeQuiet(id uint32) {
	_ = c.bufs.Free(id)
}
