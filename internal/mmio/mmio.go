// Package mmio abstracts the memory-mapped register windows exposed by
// the NPU's PCI BARs. The driver-side packages speak to hardware only
// through the Window interface, which keeps the register protocol
// testable against recorded or simulated register files.
package mmio

import (
	"github.com/pkg/errors"

	"github.com/naqibannur/fpga-npu-pcie/internal/nperr"
)

// Window is one mapped BAR. Offsets are in bytes and must be 32-bit
// aligned. A window that has been torn down (device removed) fails
// every access with nperr.ErrDeviceError.
type Window interface {
	Read32(offset uint32) (uint32, error)
	Write32(offset, value uint32) error
	// Len returns the window size in bytes.
	Len() uint32
}

// DMARegion is one physically contiguous, pinned allocation from the
// device's DMA pool. Mem is the kernel-side mapping of the same pages
// PhysAddr points at; the physical address is stable for the region's
// whole lifetime.
type DMARegion struct {
	PhysAddr uint32
	Mem      []byte
}

// ErrUnmapped is returned by accesses to a window whose backing BAR is
// gone. It unwraps to nperr.ErrDeviceError.
var ErrUnmapped = errors.Wrap(nperr.ErrDeviceError, "register window unmapped")

// CheckOffset validates a register access against a window length.
func CheckOffset(offset, length uint32) error {
	if offset%4 != 0 || offset+4 > length {
		return errors.Wrapf(nperr.ErrInvalidParameter, "register offset 0x%x out of window (len 0x%x)", offset, length)
	}
	return nil
}
