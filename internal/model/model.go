// Package model holds loaded model blobs and their tensor descriptors.
// Model parsing is out of scope: descriptors are derived from the blob's
// size, the way the reference userspace library fabricates them.
package model

import (
	"os"

	"github.com/pkg/errors"

	"github.com/accelforge/aicore/internal/status"
)

// DType enumerates tensor element types.
type DType uint32

const (
	Float32 DType = iota
	Float16
	Int8
	Int16
	Int32
	UInt8
	BFloat16
)

// ElemSize is the byte width of one element.
func (d DType) ElemSize() int {
	switch d {
	case Float32, Int32:
		return 4
	case Float16, Int16, BFloat16:
		return 2
	case Int8, UInt8:
		return 1
	default:
		return 0
	}
}

func (d DType) String() string {
	switch d {
	case Float32:
		return "float32"
	case Float16:
		return "float16"
	case Int8:
		return "int8"
	case Int16:
		return "int16"
	case Int32:
		return "int32"
	case UInt8:
		return "uint8"
	case BFloat16:
		return "bfloat16"
	default:
		return "invalid"
	}
}

// TensorDesc describes one model input or output.
type TensorDesc struct {
	DType DType
	Shape []int
}

// ByteSize is the tensor's total size in bytes.
func (t TensorDesc) ByteSize() int64 {
	n := int64(t.DType.ElemSize())
	for _, d := range t.Shape {
		n *= int64(d)
	}
	return n
}

// Rank is the number of dimensions.
func (t TensorDesc) Rank() int { return len(t.Shape) }

// Loading flags.
const (
	LoadDefault uint32 = 0
)

// Model is an opaque loaded blob plus its fixed input/output descriptors.
type Model struct {
	data    []byte
	flags   uint32
	inputs  []TensorDesc
	outputs []TensorDesc
}

// Load copies data into an owned blob and derives descriptors. A blob whose
// size is exactly 4*n*n is treated as an n×n float32 weight matrix with a
// matching vector input and output; anything else gets a single opaque
// byte-tensor pair, as in the reference library.
func Load(data []byte, flags uint32) (*Model, error) {
	if len(data) == 0 {
		return nil, errors.Wrap(status.ErrInvalidArgument, "model size must be positive")
	}

	blob := make([]byte, len(data))
	copy(blob, data)

	m := &Model{data: blob, flags: flags}
	if n := squareMatrixDim(len(data)); n > 0 {
		m.inputs = []TensorDesc{{DType: Float32, Shape: []int{n}}}
		m.outputs = []TensorDesc{{DType: Float32, Shape: []int{n}}}
	} else {
		m.inputs = []TensorDesc{{DType: UInt8, Shape: []int{len(data)}}}
		m.outputs = []TensorDesc{{DType: UInt8, Shape: []int{len(data)}}}
	}
	return m, nil
}

// LoadFile reads path and loads it as a model blob.
func LoadFile(path string, flags uint32) (*Model, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(status.ErrIO, "reading model file: %v", err)
	}
	return Load(data, flags)
}

// squareMatrixDim returns n when size == 4*n*n, 0 otherwise.
func squareMatrixDim(size int) int {
	if size%4 != 0 {
		return 0
	}
	elems := size / 4
	n := 1
	for n*n < elems {
		n++
	}
	if n*n == elems {
		return n
	}
	return 0
}

// Size is the blob size in bytes.
func (m *Model) Size() int64 { return int64(len(m.data)) }

// Flags returns the loading flags.
func (m *Model) Flags() uint32 { return m.flags }

// Data exposes the blob for the compute engine.
func (m *Model) Data() []byte { return m.data }

// NumInputs reports the fixed input descriptor count.
func (m *Model) NumInputs() int { return len(m.inputs) }

// NumOutputs reports the fixed output descriptor count.
func (m *Model) NumOutputs() int { return len(m.outputs) }

// Input returns the descriptor at index.
func (m *Model) Input(index int) (TensorDesc, error) {
	if index < 0 || index >= len(m.inputs) {
		return TensorDesc{}, errors.Wrapf(status.ErrInvalidArgument, "input index %d out of range", index)
	}
	return m.inputs[index], nil
}

// Output returns the descriptor at index.
func (m *Model) Output(index int) (TensorDesc, error) {
	if index < 0 || index >= len(m.outputs) {
		return TensorDesc{}, errors.Wrapf(status.ErrInvalidArgument, "output index %d out of range", index)
	}
	return m.outputs[index], nil
}
