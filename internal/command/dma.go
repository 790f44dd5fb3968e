package command

import (
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/naqibannur/fpga-npu-pcie/internal/mmio"
	"github.com/naqibannur/fpga-npu-pcie/internal/nperr"
)

// copyPollInterval paces the busy-poll on the DMA engine's status
// bits. Transfers inside the on-card arena finish in microseconds.
const copyPollInterval = 50 * time.Microsecond

// CopyBuffer moves size bytes between two registered buffers through
// the device's DMA engine, without staging through host memory. Both
// buffers are held for the duration of the transfer.
func (s *Submitter) CopyBuffer(dst, src Operand, size uint32, timeout time.Duration) error {
	if size == 0 {
		return errors.Wrap(nperr.ErrInvalidParameter, "zero-length copy")
	}

	srcBuf, err := s.bufs.Get(src.Buffer)
	if err != nil {
		return err
	}
	dstBuf, err := s.bufs.Get(dst.Buffer)
	if err != nil {
		return err
	}
	if uint64(src.Offset)+uint64(size) > uint64(srcBuf.Size()) {
		return errors.Wrapf(nperr.ErrDMAError, "source range [%d, %d) exceeds buffer %d size %d",
			src.Offset, uint64(src.Offset)+uint64(size), srcBuf.ID(), srcBuf.Size())
	}
	if uint64(dst.Offset)+uint64(size) > uint64(dstBuf.Size()) {
		return errors.Wrapf(nperr.ErrDMAError, "destination range [%d, %d) exceeds buffer %d size %d",
			dst.Offset, uint64(dst.Offset)+uint64(size), dstBuf.ID(), dstBuf.Size())
	}

	if err := s.bufs.Retain(srcBuf.ID()); err != nil {
		return err
	}
	defer func() {
		if err := s.bufs.Release(srcBuf.ID()); err != nil {
			s.log.Error("releasing copy source", zap.Uint32("buffer", srcBuf.ID()), zap.Error(err))
		}
	}()
	if err := s.bufs.Retain(dstBuf.ID()); err != nil {
		return err
	}
	defer func() {
		if err := s.bufs.Release(dstBuf.ID()); err != nil {
			s.log.Error("releasing copy destination", zap.Uint32("buffer", dstBuf.ID()), zap.Error(err))
		}
	}()

	for _, w := range []struct {
		off, val uint32
	}{
		{mmio.RegDMASrc, srcBuf.PhysAddr() + src.Offset},
		{mmio.RegDMADst, dstBuf.PhysAddr() + dst.Offset},
		{mmio.RegDMASize, size},
		{mmio.RegDMACtrl, uint32(mmio.DMACtrlStart)},
	} {
		if err := s.ctl.Write32(w.off, w.val); err != nil {
			return errors.Wrapf(err, "programming DMA register 0x%x", w.off)
		}
	}

	deadline := time.Now().Add(timeout)
	for {
		ctrl, err := s.ctl.Read32(mmio.RegDMACtrl)
		if err != nil {
			return errors.Wrap(err, "polling DMA engine")
		}
		switch {
		case ctrl&uint32(mmio.DMACtrlError) != 0:
			return errors.Wrapf(nperr.ErrDMAError, "copy of %d bytes failed", size)
		case ctrl&uint32(mmio.DMACtrlDone) != 0:
			return nil
		}
		if timeout > 0 && time.Now().After(deadline) {
			return errors.Wrapf(nperr.ErrTimeout, "copy of %d bytes", size)
		}
		time.Sleep(copyPollInterval)
	}
}

// AbortCopy asks the DMA engine to stop the transfer in progress. The
// engine acknowledges by raising its error bit.
func (s *Submitter) AbortCopy() error {
	return s.ctl.Write32(mmio.RegDMACtrl, uint32(mmio.DMACtrlAbort))
}
