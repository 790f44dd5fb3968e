package npu

import (
	"encoding/binary"
	"math"

	"github.com/pkg/errors"

	"github.com/naqibannur/fpga-npu-pcie/internal/nperr"
)

// DType is a tensor element type.
type DType int

const (
	Int8 DType = iota
	Int16
	Int32
	Float16
	Float32
)

// ElemSize returns the element width in bytes.
func (d DType) ElemSize() int {
	switch d {
	case Int8:
		return 1
	case Int16, Float16:
		return 2
	case Int32, Float32:
		return 4
	}
	return 0
}

func (d DType) String() string {
	switch d {
	case Int8:
		return "int8"
	case Int16:
		return "int16"
	case Int32:
		return "int32"
	case Float16:
		return "float16"
	case Float32:
		return "float32"
	}
	return "unknown"
}

// Tensor is a host-side NCHW tensor: Dims is [batch, channels, height,
// width] and Data holds the elements row-major, little-endian.
type Tensor struct {
	Dims [4]uint32
	Type DType
	Data []byte
}

// NewTensor allocates a zeroed tensor.
func NewTensor(dims [4]uint32, dt DType) (*Tensor, error) {
	if dt.ElemSize() == 0 {
		return nil, errors.Wrapf(nperr.ErrInvalidParameter, "data type %d", int(dt))
	}
	n := uint64(1)
	for _, d := range dims {
		if d == 0 {
			return nil, errors.Wrapf(nperr.ErrInvalidParameter, "tensor dims %v", dims)
		}
		n *= uint64(d)
	}
	size := n * uint64(dt.ElemSize())
	if size > 16<<20 {
		return nil, errors.Wrapf(nperr.ErrNoMemory, "tensor of %d bytes", size)
	}
	return &Tensor{Dims: dims, Type: dt, Data: make([]byte, size)}, nil
}

// NewMatrix allocates a rows x cols float32 tensor, the shape the
// matrix operations expect.
func NewMatrix(rows, cols uint32) (*Tensor, error) {
	return NewTensor([4]uint32{1, 1, rows, cols}, Float32)
}

// Elems returns the element count.
func (t *Tensor) Elems() int {
	n := 1
	for _, d := range t.Dims {
		n *= int(d)
	}
	return n
}

// Bytes returns the payload size.
func (t *Tensor) Bytes() int { return t.Elems() * t.Type.ElemSize() }

// Float32s decodes the payload. The tensor must be Float32.
func (t *Tensor) Float32s() []float32 {
	out := make([]float32, t.Elems())
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(t.Data[i*4:]))
	}
	return out
}

// SetFloat32s encodes vals into the payload. The tensor must be
// Float32 and vals must match the element count.
func (t *Tensor) SetFloat32s(vals []float32) error {
	if t.Type != Float32 {
		return errors.Wrapf(nperr.ErrInvalidParameter, "tensor is %s, not float32", t.Type)
	}
	if len(vals) != t.Elems() {
		return errors.Wrapf(nperr.ErrInvalidParameter, "%d values for %d elements", len(vals), t.Elems())
	}
	for i, v := range vals {
		binary.LittleEndian.PutUint32(t.Data[i*4:], math.Float32bits(v))
	}
	return nil
}

// Reshape changes the logical dimensions without touching the payload.
// The element count must be preserved.
func (t *Tensor) Reshape(dims [4]uint32) error {
	n := 1
	for _, d := range dims {
		if d == 0 {
			return errors.Wrapf(nperr.ErrInvalidParameter, "tensor dims %v", dims)
		}
		n *= int(d)
	}
	if n != t.Elems() {
		return errors.Wrapf(nperr.ErrInvalidParameter,
			"reshape %v to %v changes element count", t.Dims, dims)
	}
	t.Dims = dims
	return nil
}

// Transpose returns the transposed matrix. The tensor must be a
// matrix: batch and channel dimensions of 1. This runs on the host;
// the device operates on row-major data and layout changes are cheaper
// than a round trip.
func (t *Tensor) Transpose() (*Tensor, error) {
	if t.Dims[0] != 1 || t.Dims[1] != 1 {
		return nil, errors.Wrapf(nperr.ErrInvalidParameter, "transpose of non-matrix %v", t.Dims)
	}
	rows, cols := int(t.Dims[2]), int(t.Dims[3])
	es := t.Type.ElemSize()
	out := &Tensor{
		Dims: [4]uint32{1, 1, t.Dims[3], t.Dims[2]},
		Type: t.Type,
		Data: make([]byte, len(t.Data)),
	}
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			src := (r*cols + c) * es
			dst := (c*rows + r) * es
			copy(out.Data[dst:dst+es], t.Data[src:src+es])
		}
	}
	return out, nil
}

// Concat joins tensors along the channel axis. All inputs must agree
// on type, batch and spatial dimensions.
func Concat(tensors ...*Tensor) (*Tensor, error) {
	if len(tensors) == 0 {
		return nil, errors.Wrap(nperr.ErrInvalidParameter, "concat of nothing")
	}
	first := tensors[0]
	channels := uint32(0)
	for _, t := range tensors {
		if t.Type != first.Type || t.Dims[0] != first.Dims[0] ||
			t.Dims[2] != first.Dims[2] || t.Dims[3] != first.Dims[3] {
			return nil, errors.Wrapf(nperr.ErrInvalidParameter,
				"concat shape mismatch: %v vs %v", first.Dims, t.Dims)
		}
		channels += t.Dims[1]
	}

	out, err := NewTensor([4]uint32{first.Dims[0], channels, first.Dims[2], first.Dims[3]}, first.Type)
	if err != nil {
		return nil, err
	}
	batch := int(first.Dims[0])
	plane := int(first.Dims[2]) * int(first.Dims[3]) * first.Type.ElemSize()
	off := 0
	for n := 0; n < batch; n++ {
		for _, t := range tensors {
			chunk := int(t.Dims[1]) * plane
			src := n * chunk
			copy(out.Data[off:off+chunk], t.Data[src:src+chunk])
			off += chunk
		}
	}
	return out, nil
}
