// Package tensor holds the dense row-major float32 tensor used by the rope
// and attention packages, plus the small set of kernels they need.
package tensor

import (
	"errors"
	"fmt"
)

// ErrShapeMismatch is matched by every shape or broadcast violation.
var ErrShapeMismatch = errors.New("shape mismatch")

type ShapeError struct {
	Op  string
	Msg string
}

func (e *ShapeError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Msg)
}

func (e *ShapeError) Unwrap() error {
	return ErrShapeMismatch
}

// ShapeErrorf builds a *ShapeError for op.
func ShapeErrorf(op, format string, args ...interface{}) error {
	return &ShapeError{Op: op, Msg: fmt.Sprintf(format, args...)}
}

type Tensor struct {
	data    []float32
	shape   []int
	strides []int
}

// New allocates a zeroed tensor.
func New(shape ...int) *Tensor {
	size := 1
	for _, d := range shape {
		if d < 0 {
			panic(fmt.Sprintf("tensor: negative dimension in shape %v", shape))
		}
		size *= d
	}
	return &Tensor{
		data:    make([]float32, size),
		shape:   append([]int(nil), shape...),
		strides: stridesFor(shape),
	}
}

// FromData wraps data without copying.
func FromData(data []float32, shape ...int) (*Tensor, error) {
	size := 1
	for _, d := range shape {
		if d < 0 {
			return nil, ShapeErrorf("FromData", "negative dimension in shape %v", shape)
		}
		size *= d
	}
	if size != len(data) {
		return nil, ShapeErrorf("FromData", "shape %v needs %d elements, got %d", shape, size, len(data))
	}
	return &Tensor{
		data:    data,
		shape:   append([]int(nil), shape...),
		strides: stridesFor(shape),
	}, nil
}

// MustFromData is FromData for literals in tests and examples.
func MustFromData(data []float32, shape ...int) *Tensor {
	t, err := FromData(data, shape...)
	if err != nil {
		panic(err)
	}
	return t
}

func stridesFor(shape []int) []int {
	strides := make([]int, len(shape))
	stride := 1
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = stride
		stride *= shape[i]
	}
	return strides
}

func (t *Tensor) Shape() []int {
	return append([]int(nil), t.shape...)
}

func (t *Tensor) Strides() []int {
	return append([]int(nil), t.strides...)
}

func (t *Tensor) Rank() int {
	return len(t.shape)
}

// Dim returns the size of axis i; negative i counts from the end.
func (t *Tensor) Dim(i int) int {
	if i < 0 {
		i += len(t.shape)
	}
	return t.shape[i]
}

func (t *Tensor) Len() int {
	return len(t.data)
}

// Data exposes the backing slice.
func (t *Tensor) Data() []float32 {
	return t.data
}

func (t *Tensor) offset(idx []int) int {
	if len(idx) != len(t.shape) {
		panic(fmt.Sprintf("tensor: index rank %d != tensor rank %d", len(idx), len(t.shape)))
	}
	off := 0
	for i, v := range idx {
		if v < 0 || v >= t.shape[i] {
			panic(fmt.Sprintf("tensor: index %v out of range for shape %v", idx, t.shape))
		}
		off += v * t.strides[i]
	}
	return off
}

func (t *Tensor) At(idx ...int) float32 {
	return t.data[t.offset(idx)]
}

func (t *Tensor) Set(v float32, idx ...int) {
	t.data[t.offset(idx)] = v
}

func (t *Tensor) Clone() *Tensor {
	out := New(t.shape...)
	copy(out.data, t.data)
	return out
}

// Reshape returns a view sharing t's data.
func (t *Tensor) Reshape(shape ...int) (*Tensor, error) {
	size := 1
	for _, d := range shape {
		size *= d
	}
	if size != len(t.data) {
		return nil, ShapeErrorf("Reshape", "cannot reshape %v to %v", t.shape, shape)
	}
	return &Tensor{data: t.data, shape: append([]int(nil), shape...), strides: stridesFor(shape)}, nil
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor%v", t.shape)
}

// SameShape reports whether a and b have identical shapes.
func SameShape(a, b *Tensor) bool {
	if len(a.shape) != len(b.shape) {
		return false
	}
	for i := range a.shape {
		if a.shape[i] != b.shape[i] {
			return false
		}
	}
	return true
}

// ExpectRank fails with ErrShapeMismatch unless t has the given rank.
func ExpectRank(op string, t *Tensor, rank int) error {
	if t == nil {
		return ShapeErrorf(op, "nil tensor")
	}
	if t.Rank() != rank {
		return ShapeErrorf(op, "expected rank %d, got shape %v", rank, t.shape)
	}
	return nil
}
