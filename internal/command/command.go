// Package command encodes instructions into the device's register
// protocol. Submission validates every operand against the buffer
// registry before the first register write, takes in-flight references
// on the touched buffers, and hands back a completion ticket.
package command

import (
	"math"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/naqibannur/fpga-npu-pcie/internal/buffer"
	"github.com/naqibannur/fpga-npu-pcie/internal/completion"
	"github.com/naqibannur/fpga-npu-pcie/internal/mmio"
	"github.com/naqibannur/fpga-npu-pcie/internal/nperr"
)

// Opcode selects the accelerator operation.
type Opcode uint32

const (
	OpAdd       Opcode = mmio.OpAdd
	OpSub       Opcode = mmio.OpSub
	OpMul       Opcode = mmio.OpMul
	OpMAC       Opcode = mmio.OpMAC
	OpConv      Opcode = mmio.OpConv
	OpMatMul    Opcode = mmio.OpMatMul
	OpReLU      Opcode = mmio.OpReLU
	OpSigmoid   Opcode = mmio.OpSigmoid
	OpPooling   Opcode = mmio.OpPooling
	OpBatchNorm Opcode = mmio.OpBatchNorm
)

func (op Opcode) String() string {
	switch op {
	case OpAdd:
		return "add"
	case OpSub:
		return "sub"
	case OpMul:
		return "mul"
	case OpMAC:
		return "mac"
	case OpConv:
		return "conv"
	case OpMatMul:
		return "matmul"
	case OpReLU:
		return "relu"
	case OpSigmoid:
		return "sigmoid"
	case OpPooling:
		return "pooling"
	case OpBatchNorm:
		return "batch_norm"
	}
	return "unknown"
}

// Flags modify one instruction's submission.
type Flags uint32

const (
	FlagAsync        Flags = 1 << 0
	FlagHighPriority Flags = 1 << 1
	FlagProfile      Flags = 1 << 2
)

// Operand names a byte range inside a registered DMA buffer. A zero
// buffer id means the operand is unused by the operation.
type Operand struct {
	Buffer uint32
	Offset uint32
}

// Instruction is the unit of work submitted to the accelerator. It is
// ephemeral: built, submitted, discarded once completion is observed.
type Instruction struct {
	Op     Opcode
	Src1   Operand
	Src2   Operand
	Dst    Operand
	Size   uint32
	Params [8]uint32
	Flags  Flags
}

// PackPair packs two 16-bit values into one parameter word, high in
// the upper half.
func PackPair(hi, lo uint16) uint32 {
	return uint32(hi)<<16 | uint32(lo)
}

// PackFloat packs a float parameter as its raw bit pattern.
func PackFloat(f float32) uint32 {
	return math.Float32bits(f)
}

// Submitter owns the instruction slot's register protocol for one
// device.
type Submitter struct {
	ctl  mmio.Window
	bufs *buffer.Manager
	comp *completion.Synchronizer
	log  *zap.Logger
}

func NewSubmitter(ctl mmio.Window, bufs *buffer.Manager, comp *completion.Synchronizer, log *zap.Logger) *Submitter {
	return &Submitter{ctl: ctl, bufs: bufs, comp: comp, log: log.Named("command")}
}

// operandSpan is one validated operand: its buffer and the byte range
// the operation will touch.
type operandSpan struct {
	op   Operand
	span uint32
}

// spans lists the byte range each used operand must cover. For shaped
// operations the per-operand span comes from the packed dimensions,
// not the transfer size.
func (inst *Instruction) spans() ([]operandSpan, error) {
	switch inst.Op {
	case OpAdd, OpSub, OpMul, OpMAC:
		return []operandSpan{
			{inst.Src1, inst.Size},
			{inst.Src2, inst.Size},
			{inst.Dst, inst.Size},
		}, nil
	case OpReLU, OpSigmoid:
		return []operandSpan{
			{inst.Src1, inst.Size},
			{inst.Dst, inst.Size},
		}, nil
	case OpMatMul:
		m, k, n := inst.Params[0], inst.Params[1], inst.Params[2]
		if m == 0 || k == 0 || n == 0 || m > 0xFFFF || k > 0xFFFF || n > 0xFFFF {
			return nil, errors.Wrapf(nperr.ErrInvalidParameter, "matmul dimensions %dx%dx%d", m, k, n)
		}
		return []operandSpan{
			{inst.Src1, m * k * 4},
			{inst.Src2, k * n * 4},
			{inst.Dst, m * n * 4},
		}, nil
	case OpConv:
		ih, iw := inst.Params[2]>>16, inst.Params[2]&0xFFFF
		ic, oc := inst.Params[3]>>16, inst.Params[3]&0xFFFF
		kh, kw := inst.Params[4]>>16, inst.Params[4]&0xFFFF
		batch := inst.Params[5]
		if ih == 0 || iw == 0 || ic == 0 || oc == 0 || kh == 0 || kw == 0 || batch == 0 {
			return nil, errors.Wrap(nperr.ErrInvalidParameter, "conv dimensions must be nonzero")
		}
		return []operandSpan{
			{inst.Src1, batch * ic * ih * iw * 4},
			{inst.Src2, oc * ic * kh * kw * 4},
			{inst.Dst, inst.Size},
		}, nil
	case OpPooling:
		ih, iw := inst.Params[2]>>16, inst.Params[2]&0xFFFF
		ch, batch := inst.Params[3]>>16, inst.Params[3]&0xFFFF
		if ih == 0 || iw == 0 || ch == 0 || batch == 0 {
			return nil, errors.Wrap(nperr.ErrInvalidParameter, "pooling dimensions must be nonzero")
		}
		return []operandSpan{
			{inst.Src1, batch * ch * ih * iw * 4},
			{inst.Dst, inst.Size},
		}, nil
	case OpBatchNorm:
		ch := inst.Params[1]
		if ch == 0 {
			return nil, errors.Wrap(nperr.ErrInvalidParameter, "batch norm channels must be nonzero")
		}
		return []operandSpan{
			{inst.Src1, inst.Size},
			{inst.Src2, 4 * ch * 4},
			{inst.Dst, inst.Size},
		}, nil
	}
	return nil, errors.Wrapf(nperr.ErrInvalidParameter, "unknown opcode %d", uint32(inst.Op))
}

// Submit validates, encodes and starts one instruction. On a
// validation failure nothing is written to the device and no buffer
// reference moves. On success every touched buffer holds an extra
// reference until the returned ticket resolves.
func (s *Submitter) Submit(inst Instruction) (*completion.Ticket, error) {
	if inst.Size == 0 || inst.Size%4 != 0 {
		return nil, errors.Wrapf(nperr.ErrInvalidParameter, "transfer size %d", inst.Size)
	}

	spans, err := inst.spans()
	if err != nil {
		return nil, err
	}

	// Validate all bounds before any register write or refcount
	// change.
	type resolved struct {
		id   uint32
		phys uint32
	}
	ops := make([]resolved, len(spans))
	for i, sp := range spans {
		if sp.op.Buffer == 0 {
			return nil, errors.Wrapf(nperr.ErrInvalidParameter, "%s operand %d missing", inst.Op, i)
		}
		buf, err := s.bufs.Get(sp.op.Buffer)
		if err != nil {
			return nil, err
		}
		end := uint64(sp.op.Offset) + uint64(sp.span)
		if end > uint64(buf.Size()) {
			return nil, errors.Wrapf(nperr.ErrInvalidParameter,
				"%s operand %d range [%d, %d) exceeds buffer %d size %d",
				inst.Op, i, sp.op.Offset, end, buf.ID(), buf.Size())
		}
		ops[i] = resolved{id: buf.ID(), phys: buf.PhysAddr() + sp.op.Offset}
	}

	// Claim the single in-flight slot; the ticket's release drops the
	// references taken below.
	retained := make([]uint32, 0, len(ops))
	release := func() {
		for _, id := range retained {
			if err := s.bufs.Release(id); err != nil {
				s.log.Error("releasing in-flight buffer", zap.Uint32("buffer", id), zap.Error(err))
			}
		}
	}
	ticket, err := s.comp.Begin(inst.Op.String(), release)
	if err != nil {
		return nil, err
	}
	for _, op := range ops {
		if err := s.bufs.Retain(op.id); err != nil {
			s.comp.Abort(err)
			return nil, err
		}
		retained = append(retained, op.id)
	}

	var src2Phys uint32
	if len(ops) == 3 {
		src2Phys = ops[1].phys
	}
	if err := s.encode(inst, ops[0].phys, src2Phys, ops[len(ops)-1].phys); err != nil {
		s.comp.Abort(err)
		return nil, err
	}

	ctrl := uint32(mmio.CtrlEnable | mmio.CtrlStart)
	if inst.Flags&FlagHighPriority != 0 {
		ctrl |= mmio.CtrlHighPriority
	}
	if err := s.ctl.Write32(mmio.RegControl, ctrl); err != nil {
		s.comp.Abort(err)
		return nil, err
	}
	return ticket, nil
}

func (s *Submitter) encode(inst Instruction, src1, src2, dst uint32) error {
	writes := []struct {
		off uint32
		val uint32
	}{
		{mmio.RegOpcode, uint32(inst.Op)},
		{mmio.RegSrc1Addr, src1},
		{mmio.RegSrc2Addr, src2},
		{mmio.RegDstAddr, dst},
		{mmio.RegXferSize, inst.Size},
	}
	for i, p := range inst.Params {
		writes = append(writes, struct {
			off uint32
			val uint32
		}{mmio.RegParam(i), p})
	}
	for _, w := range writes {
		if err := s.ctl.Write32(w.off, w.val); err != nil {
			return errors.Wrapf(err, "encoding register 0x%x", w.off)
		}
	}
	return nil
}
