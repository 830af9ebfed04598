package heatcount

import (
	"errors"
	"fmt"
	"strings"
)

// ErrShapeMismatch is returned when two tensors or a tensor and a buffer do
// not have compatible shapes
var ErrShapeMismatch = errors.New("shape mismatch")

// Tensor is a dense row-major float32 buffer.  Image, heatmap and prediction
// tensors are always in NCHW format, a single sample drops the N axis.
type Tensor struct {
	// Shape holds the size of each dimension
	Shape []int
	// Data is the flattened tensor data
	Data []float32
}

// NewTensor allocates a zeroed tensor of the given shape
func NewTensor(shape ...int) Tensor {

	size := 1

	for _, d := range shape {
		size *= d
	}

	s := make([]int, len(shape))
	copy(s, shape)

	return Tensor{
		Shape: s,
		Data:  make([]float32, size),
	}
}

// NewTensorFrom wraps an existing buffer, the buffer length must match the
// product of the shape
func NewTensorFrom(data []float32, shape ...int) (Tensor, error) {

	size := 1

	for _, d := range shape {
		size *= d
	}

	if size != len(data) {
		return Tensor{}, fmt.Errorf("buffer of %d elements for shape %v: %w",
			len(data), shape, ErrShapeMismatch)
	}

	s := make([]int, len(shape))
	copy(s, shape)

	return Tensor{Shape: s, Data: data}, nil
}

// Empty returns true if the tensor holds no data
func (t Tensor) Empty() bool {
	return len(t.Data) == 0
}

// Len returns the number of elements in the tensor
func (t Tensor) Len() int {
	return len(t.Data)
}

// Dim returns the size of dimension i or 0 if the tensor has fewer dimensions
func (t Tensor) Dim(i int) int {

	if i < 0 || i >= len(t.Shape) {
		return 0
	}

	return t.Shape[i]
}

// Index converts a multi dimensional coordinate into a flat offset
func (t Tensor) Index(idx ...int) int {

	off := 0

	for i, v := range idx {
		off = off*t.Shape[i] + v
	}

	return off
}

// At returns the value at the given coordinate
func (t Tensor) At(idx ...int) float32 {
	return t.Data[t.Index(idx...)]
}

// Set stores a value at the given coordinate
func (t Tensor) Set(v float32, idx ...int) {
	t.Data[t.Index(idx...)] = v
}

// Clone returns a deep copy of the tensor
func (t Tensor) Clone() Tensor {

	out := NewTensor(t.Shape...)
	copy(out.Data, t.Data)

	return out
}

// SameShape reports whether both tensors have identical shapes
func (t Tensor) SameShape(o Tensor) bool {

	if len(t.Shape) != len(o.Shape) {
		return false
	}

	for i := range t.Shape {
		if t.Shape[i] != o.Shape[i] {
			return false
		}
	}

	return true
}

// SampleSize returns the number of elements of a single sample along the
// leading batch axis
func (t Tensor) SampleSize() int {

	if len(t.Shape) == 0 || t.Shape[0] == 0 {
		return 0
	}

	return len(t.Data) / t.Shape[0]
}

// Slice returns a view of the samples [from, to) along the batch axis.  The
// returned tensor shares memory with t.
func (t Tensor) Slice(from, to int) Tensor {

	size := t.SampleSize()
	shape := make([]int, len(t.Shape))
	copy(shape, t.Shape)
	shape[0] = to - from

	return Tensor{
		Shape: shape,
		Data:  t.Data[from*size : to*size],
	}
}

// Sample returns a view of sample n without the batch axis
func (t Tensor) Sample(n int) Tensor {

	size := t.SampleSize()
	shape := make([]int, len(t.Shape)-1)
	copy(shape, t.Shape[1:])

	return Tensor{
		Shape: shape,
		Data:  t.Data[n*size : (n+1)*size],
	}
}

// Concat joins tensors along the batch axis, all trailing dimensions must
// match
func Concat(ts ...Tensor) (Tensor, error) {

	if len(ts) == 0 {
		return Tensor{}, nil
	}

	first := ts[0]
	total := 0

	for _, t := range ts {
		if len(t.Shape) != len(first.Shape) {
			return Tensor{}, fmt.Errorf("concat rank %d with %d: %w",
				len(t.Shape), len(first.Shape), ErrShapeMismatch)
		}

		for i := 1; i < len(t.Shape); i++ {
			if t.Shape[i] != first.Shape[i] {
				return Tensor{}, fmt.Errorf("concat shape %v with %v: %w",
					t.Shape, first.Shape, ErrShapeMismatch)
			}
		}

		total += t.Shape[0]
	}

	shape := make([]int, len(first.Shape))
	copy(shape, first.Shape)
	shape[0] = total

	out := Tensor{
		Shape: shape,
		Data:  make([]float32, 0, total*first.SampleSize()),
	}

	for _, t := range ts {
		out.Data = append(out.Data, t.Data...)
	}

	return out, nil
}

// String returns the tensor shape in human readable form
func (t Tensor) String() string {

	dims := make([]string, len(t.Shape))

	for i, d := range t.Shape {
		dims[i] = fmt.Sprintf("%d", d)
	}

	return fmt.Sprintf("Tensor[%s]", strings.Join(dims, "x"))
}
