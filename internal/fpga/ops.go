package fpga

import (
	"encoding/binary"
	"math"

	"github.com/pkg/errors"

	"github.com/naqibannur/fpga-npu-pcie/internal/mmio"
	"github.com/naqibannur/fpga-npu-pcie/internal/nperr"
)

// kernelInput is the decoded instruction slot.
type kernelInput struct {
	src1, src2, dst uint32
	size            uint32
	params          [8]uint32
}

func unpackPair(v uint32) (hi, lo uint32) { return v >> 16, v & 0xFFFF }

func f32At(mem []byte, i int) float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(mem[i*4:]))
}

func putF32At(mem []byte, i int, v float32) {
	binary.LittleEndian.PutUint32(mem[i*4:], math.Float32bits(v))
}

// dispatch executes one operation against the arena and returns the
// element count for the perf counters. Caller holds m.mu.
func (m *Model) dispatch(op uint32, in kernelInput) (uint64, error) {
	switch op {
	case mmio.OpAdd, mmio.OpSub, mmio.OpMul, mmio.OpMAC:
		return m.elementwise(op, in)
	case mmio.OpReLU, mmio.OpSigmoid:
		return m.activation(op, in)
	case mmio.OpMatMul:
		return m.matmul(in)
	case mmio.OpConv:
		return m.conv2d(in)
	case mmio.OpPooling:
		return m.pooling(in)
	case mmio.OpBatchNorm:
		return m.batchNorm(in)
	}
	return 0, errors.Wrapf(nperr.ErrInvalidParameter, "unknown opcode %d", op)
}

func (m *Model) operand(phys, size uint32) ([]byte, error) {
	mem, ok := m.arenaRange(phys, size)
	if !ok {
		return nil, errors.Wrapf(nperr.ErrDMAError, "operand 0x%x+%d outside arena", phys, size)
	}
	return mem, nil
}

func (m *Model) elementwise(op uint32, in kernelInput) (uint64, error) {
	if in.size == 0 || in.size%4 != 0 {
		return 0, errors.Wrap(nperr.ErrInvalidParameter, "elementwise size must be a positive multiple of 4")
	}
	a, err := m.operand(in.src1, in.size)
	if err != nil {
		return 0, err
	}
	b, err := m.operand(in.src2, in.size)
	if err != nil {
		return 0, err
	}
	c, err := m.operand(in.dst, in.size)
	if err != nil {
		return 0, err
	}
	n := int(in.size / 4)
	for i := 0; i < n; i++ {
		x, y := f32At(a, i), f32At(b, i)
		switch op {
		case mmio.OpAdd:
			putF32At(c, i, x+y)
		case mmio.OpSub:
			putF32At(c, i, x-y)
		case mmio.OpMul:
			putF32At(c, i, x*y)
		case mmio.OpMAC:
			putF32At(c, i, f32At(c, i)+x*y)
		}
	}
	return uint64(n), nil
}

func (m *Model) activation(op uint32, in kernelInput) (uint64, error) {
	if in.size == 0 || in.size%4 != 0 {
		return 0, errors.Wrap(nperr.ErrInvalidParameter, "activation size must be a positive multiple of 4")
	}
	src, err := m.operand(in.src1, in.size)
	if err != nil {
		return 0, err
	}
	dst, err := m.operand(in.dst, in.size)
	if err != nil {
		return 0, err
	}
	n := int(in.size / 4)
	for i := 0; i < n; i++ {
		x := f32At(src, i)
		switch op {
		case mmio.OpReLU:
			if x < 0 {
				x = 0
			}
		case mmio.OpSigmoid:
			x = float32(1 / (1 + math.Exp(-float64(x))))
		}
		putF32At(dst, i, x)
	}
	return uint64(n), nil
}

// matmul: params[0]=M, params[1]=K, params[2]=N, row-major float32.
func (m *Model) matmul(in kernelInput) (uint64, error) {
	M, K, N := in.params[0], in.params[1], in.params[2]
	if M == 0 || K == 0 || N == 0 {
		return 0, errors.Wrap(nperr.ErrInvalidParameter, "matmul dimensions must be nonzero")
	}
	if in.size != M*N*4 {
		return 0, errors.Wrapf(nperr.ErrInvalidParameter, "matmul transfer size %d != M*N*4", in.size)
	}
	a, err := m.operand(in.src1, M*K*4)
	if err != nil {
		return 0, err
	}
	b, err := m.operand(in.src2, K*N*4)
	if err != nil {
		return 0, err
	}
	c, err := m.operand(in.dst, M*N*4)
	if err != nil {
		return 0, err
	}
	for i := 0; i < int(M); i++ {
		for j := 0; j < int(N); j++ {
			sum := float32(0)
			for l := 0; l < int(K); l++ {
				sum += f32At(a, i*int(K)+l) * f32At(b, l*int(N)+j)
			}
			putF32At(c, i*int(N)+j, sum)
		}
	}
	return uint64(M) * uint64(K) * uint64(N) * 2, nil
}

// conv2d: src1 is input NCHW, src2 is weights (Cout,Cin,kH,kW).
// params: [0]=strideH<<16|strideW, [1]=padH<<16|padW,
// [2]=inH<<16|inW, [3]=inC<<16|outC, [4]=kH<<16|kW, [5]=batch.
func (m *Model) conv2d(in kernelInput) (uint64, error) {
	sh, sw := unpackPair(in.params[0])
	ph, pw := unpackPair(in.params[1])
	ih, iw := unpackPair(in.params[2])
	ic, oc := unpackPair(in.params[3])
	kh, kw := unpackPair(in.params[4])
	batch := in.params[5]
	if sh == 0 || sw == 0 || kh == 0 || kw == 0 || ih == 0 || iw == 0 || ic == 0 || oc == 0 || batch == 0 {
		return 0, errors.Wrap(nperr.ErrInvalidParameter, "conv2d dimensions must be nonzero")
	}
	if ih+2*ph < kh || iw+2*pw < kw {
		return 0, errors.Wrap(nperr.ErrInvalidParameter, "conv2d kernel larger than padded input")
	}
	oh := (ih+2*ph-kh)/sh + 1
	ow := (iw+2*pw-kw)/sw + 1
	if in.size != batch*oc*oh*ow*4 {
		return 0, errors.Wrapf(nperr.ErrInvalidParameter, "conv2d transfer size %d != output size", in.size)
	}
	src, err := m.operand(in.src1, batch*ic*ih*iw*4)
	if err != nil {
		return 0, err
	}
	wts, err := m.operand(in.src2, oc*ic*kh*kw*4)
	if err != nil {
		return 0, err
	}
	dst, err := m.operand(in.dst, in.size)
	if err != nil {
		return 0, err
	}

	iH, iW, iC, oC := int(ih), int(iw), int(ic), int(oc)
	kH, kW, oH, oW := int(kh), int(kw), int(oh), int(ow)
	for n := 0; n < int(batch); n++ {
		for co := 0; co < oC; co++ {
			for y := 0; y < oH; y++ {
				for x := 0; x < oW; x++ {
					sum := float32(0)
					for ci := 0; ci < iC; ci++ {
						for dy := 0; dy < kH; dy++ {
							for dx := 0; dx < kW; dx++ {
								sy := y*int(sh) + dy - int(ph)
								sx := x*int(sw) + dx - int(pw)
								if sy < 0 || sy >= iH || sx < 0 || sx >= iW {
									continue
								}
								sIdx := ((n*iC+ci)*iH+sy)*iW + sx
								wIdx := ((co*iC+ci)*kH+dy)*kW + dx
								sum += f32At(src, sIdx) * f32At(wts, wIdx)
							}
						}
					}
					putF32At(dst, ((n*oC+co)*oH+y)*oW+x, sum)
				}
			}
		}
	}
	return uint64(batch) * uint64(oc) * uint64(oh) * uint64(ow) * uint64(ic) * uint64(kh) * uint64(kw) * 2, nil
}

// pooling: params: [0]=kH<<16|kW, [1]=strideH<<16|strideW,
// [2]=inH<<16|inW, [3]=channels<<16|batch, [4]=0 max / 1 avg.
func (m *Model) pooling(in kernelInput) (uint64, error) {
	kh, kw := unpackPair(in.params[0])
	sh, sw := unpackPair(in.params[1])
	ih, iw := unpackPair(in.params[2])
	ch, batch := unpackPair(in.params[3])
	kind := in.params[4]
	if kh == 0 || kw == 0 || sh == 0 || sw == 0 || ih < kh || iw < kw || ch == 0 || batch == 0 {
		return 0, errors.Wrap(nperr.ErrInvalidParameter, "pooling dimensions invalid")
	}
	if kind > 1 {
		return 0, errors.Wrap(nperr.ErrInvalidParameter, "pooling kind must be max or average")
	}
	oh := (ih-kh)/sh + 1
	ow := (iw-kw)/sw + 1
	if in.size != batch*ch*oh*ow*4 {
		return 0, errors.Wrapf(nperr.ErrInvalidParameter, "pooling transfer size %d != output size", in.size)
	}
	src, err := m.operand(in.src1, batch*ch*ih*iw*4)
	if err != nil {
		return 0, err
	}
	dst, err := m.operand(in.dst, in.size)
	if err != nil {
		return 0, err
	}

	iH, iW, oH, oW := int(ih), int(iw), int(oh), int(ow)
	for n := 0; n < int(batch); n++ {
		for c := 0; c < int(ch); c++ {
			plane := (n*int(ch) + c) * iH * iW
			outPlane := (n*int(ch) + c) * oH * oW
			for y := 0; y < oH; y++ {
				for x := 0; x < oW; x++ {
					var acc float32
					first := true
					for dy := 0; dy < int(kh); dy++ {
						for dx := 0; dx < int(kw); dx++ {
							v := f32At(src, plane+(y*int(sh)+dy)*iW+x*int(sw)+dx)
							if kind == 0 {
								if first || v > acc {
									acc = v
								}
							} else {
								acc += v
							}
							first = false
						}
					}
					if kind == 1 {
						acc /= float32(kh * kw)
					}
					putF32At(dst, outPlane+y*oW+x, acc)
				}
			}
		}
	}
	return uint64(batch) * uint64(ch) * uint64(oh) * uint64(ow) * uint64(kh) * uint64(kw), nil
}

// batchNorm: src2 holds gamma, beta, mean, variance back to back, each
// channels long. params: [0]=eps as raw float bits, [1]=channels,
// [2]=spatial (H*W), [3]=batch.
func (m *Model) batchNorm(in kernelInput) (uint64, error) {
	eps := math.Float32frombits(in.params[0])
	ch := in.params[1]
	spatial := in.params[2]
	batch := in.params[3]
	if ch == 0 || spatial == 0 || batch == 0 {
		return 0, errors.Wrap(nperr.ErrInvalidParameter, "batch norm dimensions must be nonzero")
	}
	if in.size != batch*ch*spatial*4 {
		return 0, errors.Wrapf(nperr.ErrInvalidParameter, "batch norm transfer size %d != tensor size", in.size)
	}
	src, err := m.operand(in.src1, in.size)
	if err != nil {
		return 0, err
	}
	stats, err := m.operand(in.src2, 4*ch*4)
	if err != nil {
		return 0, err
	}
	dst, err := m.operand(in.dst, in.size)
	if err != nil {
		return 0, err
	}

	C, S := int(ch), int(spatial)
	for n := 0; n < int(batch); n++ {
		for c := 0; c < C; c++ {
			gamma := f32At(stats, c)
			beta := f32At(stats, C+c)
			mean := f32At(stats, 2*C+c)
			variance := f32At(stats, 3*C+c)
			scale := gamma / float32(math.Sqrt(float64(variance+eps)))
			base := (n*C + c) * S
			for i := 0; i < S; i++ {
				putF32At(dst, base+i, (f32At(src, base+i)-mean)*scale+beta)
			}
		}
	}
	return uint64(batch) * uint64(ch) * uint64(spatial) * 2, nil
}
