// Package tensor defines the parameter payload that
// circulates around the ring: an ordered sequence of
// typed, shaped binary tensors.
//
// The sequence length, the per-slot shapes and the
// per-slot element types form the wire contract between
// ranks.
// Every rank builds the same layout out-of-band; it is
// never negotiated.
package tensor

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"
)

// A DType is the element type of a Tensor.
type DType uint8

const (
	Float32 DType = iota + 1
	Float64
	Int32
	Int64
	Uint8
)

// Size gets the number of bytes in one element.
func (d DType) Size() int {
	switch d {
	case Float32, Int32:
		return 4
	case Float64, Int64:
		return 8
	case Uint8:
		return 1
	default:
		return 0
	}
}

// Valid reports whether d is a known element type.
func (d DType) Valid() bool {
	return d.Size() > 0
}

func (d DType) String() string {
	switch d {
	case Float32:
		return "float32"
	case Float64:
		return "float64"
	case Int32:
		return "int32"
	case Int64:
		return "int64"
	case Uint8:
		return "uint8"
	default:
		return fmt.Sprintf("DType(%d)", uint8(d))
	}
}

// Layout is the part of a Tensor that must agree across
// ranks.
type Layout struct {
	DType DType
	Shape []int
}

// Equal checks if two layouts describe the same slot.
func (l Layout) Equal(other Layout) bool {
	if l.DType != other.DType || len(l.Shape) != len(other.Shape) {
		return false
	}
	for i, x := range l.Shape {
		if other.Shape[i] != x {
			return false
		}
	}
	return true
}

// NumElements gets the product of the shape.
func (l Layout) NumElements() int {
	n := 1
	for _, x := range l.Shape {
		n *= x
	}
	return n
}

func (l Layout) String() string {
	dims := make([]string, len(l.Shape))
	for i, x := range l.Shape {
		dims[i] = fmt.Sprint(x)
	}
	return fmt.Sprintf("%s[%s]", l.DType, strings.Join(dims, ","))
}

// A Tensor is a named, shaped buffer of little-endian
// elements.
type Tensor struct {
	Name  string
	DType DType
	Shape []int
	Data  []byte
}

// New creates a zero tensor.
func New(name string, dtype DType, shape ...int) *Tensor {
	if !dtype.Valid() {
		panic(fmt.Sprintf("invalid dtype: %d", dtype))
	}
	for _, x := range shape {
		if x < 0 {
			panic("negative dimension")
		}
	}
	t := &Tensor{
		Name:  name,
		DType: dtype,
		Shape: append([]int{}, shape...),
	}
	t.Data = make([]byte, t.Layout().NumElements()*dtype.Size())
	return t
}

// Layout gets the tensor's element type and shape.
func (t *Tensor) Layout() Layout {
	return Layout{DType: t.DType, Shape: t.Shape}
}

// NumElements gets the number of elements.
func (t *Tensor) NumElements() int {
	return t.Layout().NumElements()
}

// Clone creates a deep copy of the tensor.
func (t *Tensor) Clone() *Tensor {
	return &Tensor{
		Name:  t.Name,
		DType: t.DType,
		Shape: append([]int{}, t.Shape...),
		Data:  append([]byte{}, t.Data...),
	}
}

// Float32 reads the i-th element of a float32 tensor.
func (t *Tensor) Float32(i int) float32 {
	t.mustBe(Float32)
	return math.Float32frombits(binary.LittleEndian.Uint32(t.Data[i*4:]))
}

// SetFloat32 writes the i-th element of a float32 tensor.
func (t *Tensor) SetFloat32(i int, x float32) {
	t.mustBe(Float32)
	binary.LittleEndian.PutUint32(t.Data[i*4:], math.Float32bits(x))
}

// Float64 reads the i-th element of a float64 tensor.
func (t *Tensor) Float64(i int) float64 {
	t.mustBe(Float64)
	return math.Float64frombits(binary.LittleEndian.Uint64(t.Data[i*8:]))
}

// SetFloat64 writes the i-th element of a float64 tensor.
func (t *Tensor) SetFloat64(i int, x float64) {
	t.mustBe(Float64)
	binary.LittleEndian.PutUint64(t.Data[i*8:], math.Float64bits(x))
}

// Int64 reads the i-th element of an int64 tensor.
func (t *Tensor) Int64(i int) int64 {
	t.mustBe(Int64)
	return int64(binary.LittleEndian.Uint64(t.Data[i*8:]))
}

// SetInt64 writes the i-th element of an int64 tensor.
func (t *Tensor) SetInt64(i int, x int64) {
	t.mustBe(Int64)
	binary.LittleEndian.PutUint64(t.Data[i*8:], uint64(x))
}

func (t *Tensor) mustBe(d DType) {
	if t.DType != d {
		panic(fmt.Sprintf("tensor %q has dtype %s, not %s", t.Name, t.DType, d))
	}
}
