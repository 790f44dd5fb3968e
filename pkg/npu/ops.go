package npu

import (
	"encoding/binary"
	"math"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/naqibannur/fpga-npu-pcie/internal/buffer"
	"github.com/naqibannur/fpga-npu-pcie/internal/command"
	"github.com/naqibannur/fpga-npu-pcie/internal/nperr"
)

// allocFor rounds a payload size up to an allocatable buffer size.
func allocFor(n int) uint32 {
	if n < buffer.MinBufferSize {
		return buffer.MinBufferSize
	}
	return uint32(n)
}

// pack16 packs two dimensions into one parameter word, rejecting
// values the 16-bit fields cannot carry.
func pack16(hi, lo uint32) (uint32, error) {
	if hi > 0xFFFF || lo > 0xFFFF {
		return 0, errors.Wrapf(nperr.ErrInvalidParameter, "dimension pair %dx%d exceeds 16 bits", hi, lo)
	}
	return command.PackPair(uint16(hi), uint16(lo)), nil
}

// runOp stages the operands into fresh DMA buffers, executes one
// instruction and returns the result payload. The buffers live only
// for the call.
func (c *Context) runOp(op command.Opcode, src1, src2, dstInit []byte, dstLen int, params [8]uint32) ([]byte, error) {
	inst := command.Instruction{Op: op, Size: uint32(dstLen), Params: params}

	var held []uint32
	defer func() {
		for _, id := range held {
			if err := c.bufs.Free(id); err != nil {
				c.log.Error("freeing operand buffer", zap.Uint32("buffer", id), zap.Error(err))
			}
		}
	}()
	stage := func(payload []byte) (uint32, error) {
		b, err := c.bufs.Allocate(allocFor(len(payload)), buffer.FlagCoherent)
		if err != nil {
			return 0, err
		}
		held = append(held, b.ID())
		if payload != nil {
			if err := c.bufs.Transfer(b.ID(), 0, payload, buffer.SyncToDevice); err != nil {
				return 0, err
			}
		}
		return b.ID(), nil
	}

	id, err := stage(src1)
	if err != nil {
		return nil, err
	}
	inst.Src1 = command.Operand{Buffer: id}

	if src2 != nil {
		id, err = stage(src2)
		if err != nil {
			return nil, err
		}
		inst.Src2 = command.Operand{Buffer: id}
	}

	dst, err := c.bufs.Allocate(allocFor(dstLen), buffer.FlagCoherent)
	if err != nil {
		return nil, err
	}
	held = append(held, dst.ID())
	if dstInit != nil {
		if err := c.bufs.Transfer(dst.ID(), 0, dstInit, buffer.SyncToDevice); err != nil {
			return nil, err
		}
	}
	inst.Dst = command.Operand{Buffer: dst.ID()}

	if err := c.Execute(inst); err != nil {
		return nil, err
	}

	out := make([]byte, dstLen)
	if err := c.bufs.Transfer(dst.ID(), 0, out, buffer.SyncFromDevice); err != nil {
		return nil, err
	}
	return out, nil
}

func requireFloat32(ts ...*Tensor) error {
	for _, t := range ts {
		if t.Type != Float32 {
			return errors.Wrapf(nperr.ErrInvalidParameter, "device compute requires float32, got %s", t.Type)
		}
	}
	return nil
}

func (c *Context) elementwise(op command.Opcode, a, b *Tensor) (*Tensor, error) {
	if err := requireFloat32(a, b); err != nil {
		return nil, err
	}
	if a.Dims != b.Dims {
		return nil, errors.Wrapf(nperr.ErrInvalidParameter, "shape mismatch %v vs %v", a.Dims, b.Dims)
	}
	data, err := c.runOp(op, a.Data, b.Data, nil, a.Bytes(), [8]uint32{})
	if err != nil {
		return nil, err
	}
	return &Tensor{Dims: a.Dims, Type: Float32, Data: data}, nil
}

// Add computes a + b element-wise on the device.
func (c *Context) Add(a, b *Tensor) (*Tensor, error) { return c.elementwise(command.OpAdd, a, b) }

// Sub computes a - b element-wise on the device.
func (c *Context) Sub(a, b *Tensor) (*Tensor, error) { return c.elementwise(command.OpSub, a, b) }

// Multiply computes a * b element-wise on the device.
func (c *Context) Multiply(a, b *Tensor) (*Tensor, error) {
	return c.elementwise(command.OpMul, a, b)
}

// MAC computes acc + a*b element-wise on the device.
func (c *Context) MAC(a, b, acc *Tensor) (*Tensor, error) {
	if err := requireFloat32(a, b, acc); err != nil {
		return nil, err
	}
	if a.Dims != b.Dims || a.Dims != acc.Dims {
		return nil, errors.Wrapf(nperr.ErrInvalidParameter,
			"shape mismatch %v, %v, %v", a.Dims, b.Dims, acc.Dims)
	}
	data, err := c.runOp(command.OpMAC, a.Data, b.Data, acc.Data, a.Bytes(), [8]uint32{})
	if err != nil {
		return nil, err
	}
	return &Tensor{Dims: a.Dims, Type: Float32, Data: data}, nil
}

func (c *Context) activation(op command.Opcode, a *Tensor) (*Tensor, error) {
	if err := requireFloat32(a); err != nil {
		return nil, err
	}
	data, err := c.runOp(op, a.Data, nil, nil, a.Bytes(), [8]uint32{})
	if err != nil {
		return nil, err
	}
	return &Tensor{Dims: a.Dims, Type: Float32, Data: data}, nil
}

// ReLU applies max(0, x) element-wise on the device.
func (c *Context) ReLU(a *Tensor) (*Tensor, error) { return c.activation(command.OpReLU, a) }

// Sigmoid applies 1/(1+e^-x) element-wise on the device.
func (c *Context) Sigmoid(a *Tensor) (*Tensor, error) { return c.activation(command.OpSigmoid, a) }

// MatMul multiplies two matrices on the device: a is MxK, b is KxN,
// the result is MxN.
func (c *Context) MatMul(a, b *Tensor) (*Tensor, error) {
	if err := requireFloat32(a, b); err != nil {
		return nil, err
	}
	if a.Dims[0] != 1 || a.Dims[1] != 1 || b.Dims[0] != 1 || b.Dims[1] != 1 {
		return nil, errors.Wrapf(nperr.ErrInvalidParameter, "matmul of non-matrices %v x %v", a.Dims, b.Dims)
	}
	m, k, n := a.Dims[2], a.Dims[3], b.Dims[3]
	if b.Dims[2] != k {
		return nil, errors.Wrapf(nperr.ErrInvalidParameter,
			"inner dimensions disagree: %dx%d times %dx%d", m, k, b.Dims[2], n)
	}
	if m > 0xFFFF || k > 0xFFFF || n > 0xFFFF {
		return nil, errors.Wrapf(nperr.ErrInvalidParameter, "matmul %dx%dx%d exceeds 16-bit dimensions", m, k, n)
	}

	out, err := NewMatrix(m, n)
	if err != nil {
		return nil, err
	}
	data, err := c.runOp(command.OpMatMul, a.Data, b.Data, nil, out.Bytes(), [8]uint32{m, k, n})
	if err != nil {
		return nil, err
	}
	out.Data = data
	return out, nil
}

// Conv2D runs a 2-D convolution on the device. input is NCHW, weights
// are [outC, inC, kH, kW]; stride and pad are {vertical, horizontal}.
func (c *Context) Conv2D(input, weights *Tensor, stride, pad [2]uint32) (*Tensor, error) {
	if err := requireFloat32(input, weights); err != nil {
		return nil, err
	}
	batch, inC, inH, inW := input.Dims[0], input.Dims[1], input.Dims[2], input.Dims[3]
	outC, kC, kH, kW := weights.Dims[0], weights.Dims[1], weights.Dims[2], weights.Dims[3]
	if kC != inC {
		return nil, errors.Wrapf(nperr.ErrInvalidParameter,
			"weights expect %d input channels, tensor has %d", kC, inC)
	}
	if stride[0] == 0 || stride[1] == 0 {
		return nil, errors.Wrap(nperr.ErrInvalidParameter, "zero stride")
	}
	if inH+2*pad[0] < kH || inW+2*pad[1] < kW {
		return nil, errors.Wrapf(nperr.ErrInvalidParameter,
			"kernel %dx%d larger than padded input %dx%d", kH, kW, inH+2*pad[0], inW+2*pad[1])
	}
	outH := (inH+2*pad[0]-kH)/stride[0] + 1
	outW := (inW+2*pad[1]-kW)/stride[1] + 1

	var params [8]uint32
	var err error
	if params[0], err = pack16(stride[0], stride[1]); err != nil {
		return nil, err
	}
	if params[1], err = pack16(pad[0], pad[1]); err != nil {
		return nil, err
	}
	if params[2], err = pack16(inH, inW); err != nil {
		return nil, err
	}
	if params[3], err = pack16(inC, outC); err != nil {
		return nil, err
	}
	if params[4], err = pack16(kH, kW); err != nil {
		return nil, err
	}
	params[5] = batch

	out, err := NewTensor([4]uint32{batch, outC, outH, outW}, Float32)
	if err != nil {
		return nil, err
	}
	data, err := c.runOp(command.OpConv, input.Data, weights.Data, nil, out.Bytes(), params)
	if err != nil {
		return nil, err
	}
	out.Data = data
	return out, nil
}

const (
	poolMax = 0
	poolAvg = 1
)

func (c *Context) pool(input *Tensor, kernel, stride [2]uint32, mode uint32) (*Tensor, error) {
	if err := requireFloat32(input); err != nil {
		return nil, err
	}
	batch, ch, inH, inW := input.Dims[0], input.Dims[1], input.Dims[2], input.Dims[3]
	if kernel[0] == 0 || kernel[1] == 0 || stride[0] == 0 || stride[1] == 0 {
		return nil, errors.Wrap(nperr.ErrInvalidParameter, "zero pooling kernel or stride")
	}
	if inH < kernel[0] || inW < kernel[1] {
		return nil, errors.Wrapf(nperr.ErrInvalidParameter,
			"pooling window %dx%d larger than input %dx%d", kernel[0], kernel[1], inH, inW)
	}
	outH := (inH-kernel[0])/stride[0] + 1
	outW := (inW-kernel[1])/stride[1] + 1

	var params [8]uint32
	var err error
	if params[0], err = pack16(kernel[0], kernel[1]); err != nil {
		return nil, err
	}
	if params[1], err = pack16(stride[0], stride[1]); err != nil {
		return nil, err
	}
	if params[2], err = pack16(inH, inW); err != nil {
		return nil, err
	}
	if params[3], err = pack16(ch, batch); err != nil {
		return nil, err
	}
	params[4] = mode

	out, err := NewTensor([4]uint32{batch, ch, outH, outW}, Float32)
	if err != nil {
		return nil, err
	}
	data, err := c.runOp(command.OpPooling, input.Data, nil, nil, out.Bytes(), params)
	if err != nil {
		return nil, err
	}
	out.Data = data
	return out, nil
}

// MaxPool runs max pooling on the device.
func (c *Context) MaxPool(input *Tensor, kernel, stride [2]uint32) (*Tensor, error) {
	return c.pool(input, kernel, stride, poolMax)
}

// AvgPool runs average pooling on the device.
func (c *Context) AvgPool(input *Tensor, kernel, stride [2]uint32) (*Tensor, error) {
	return c.pool(input, kernel, stride, poolAvg)
}

// BatchNorm normalizes input per channel on the device:
// gamma*(x-mean)/sqrt(variance+eps) + beta. Each statistics slice
// holds one value per channel.
func (c *Context) BatchNorm(input *Tensor, gamma, beta, mean, variance []float32, eps float32) (*Tensor, error) {
	if err := requireFloat32(input); err != nil {
		return nil, err
	}
	ch := int(input.Dims[1])
	for name, stats := range map[string][]float32{
		"gamma": gamma, "beta": beta, "mean": mean, "variance": variance,
	} {
		if len(stats) != ch {
			return nil, errors.Wrapf(nperr.ErrInvalidParameter,
				"%s has %d values for %d channels", name, len(stats), ch)
		}
	}

	// The statistics travel as one packed operand: gamma, beta, mean,
	// variance back to back, each one channel-length run.
	stats := make([]byte, 4*ch*4)
	for i, stat := range [][]float32{gamma, beta, mean, variance} {
		for j, v := range stat {
			binary.LittleEndian.PutUint32(stats[(i*ch+j)*4:], math.Float32bits(v))
		}
	}

	params := [8]uint32{
		command.PackFloat(eps),
		uint32(ch),
		input.Dims[2] * input.Dims[3],
		input.Dims[0],
	}
	data, err := c.runOp(command.OpBatchNorm, input.Data, stats, nil, input.Bytes(), params)
	if err != nil {
		return nil, err
	}
	return &Tensor{Dims: input.Dims, Type: Float32, Data: data}, nil
}
