package tensor

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

const wireFixedLen = 12

var (
	ErrTruncated   = errors.New("tensor: truncated encoding")
	ErrInvalidWire = errors.New("tensor: invalid encoding")
)

// Encode serializes a tensor for the given payload slot,
// where slots is the length of the whole payload.
//
// The encoding is a fixed big-endian header (slot, slot
// count, dtype, number of dimensions, name length),
// followed by the dimensions, the name, and the raw
// element bytes.
func Encode(slot, slots int, t *Tensor) []byte {
	if len(t.Shape) > math.MaxUint8 {
		panic("too many dimensions")
	}
	if len(t.Name) > math.MaxUint16 {
		panic("tensor name too long")
	}
	size := wireFixedLen + 8*len(t.Shape) + len(t.Name) + len(t.Data)
	buf := make([]byte, size)
	binary.BigEndian.PutUint32(buf[0:4], uint32(slot))
	binary.BigEndian.PutUint32(buf[4:8], uint32(slots))
	buf[8] = byte(t.DType)
	buf[9] = byte(len(t.Shape))
	binary.BigEndian.PutUint16(buf[10:12], uint16(len(t.Name)))
	off := wireFixedLen
	for _, x := range t.Shape {
		binary.BigEndian.PutUint64(buf[off:], uint64(x))
		off += 8
	}
	off += copy(buf[off:], t.Name)
	copy(buf[off:], t.Data)
	return buf
}

type wireTensor struct {
	slot   int
	slots  int
	layout Layout
	name   string
	data   []byte
}

func decodeWire(b []byte) (*wireTensor, error) {
	if len(b) < wireFixedLen {
		return nil, ErrTruncated
	}
	res := &wireTensor{
		slot:   int(binary.BigEndian.Uint32(b[0:4])),
		slots:  int(binary.BigEndian.Uint32(b[4:8])),
		layout: Layout{DType: DType(b[8])},
	}
	if !res.layout.DType.Valid() {
		return nil, fmt.Errorf("%w: unknown dtype %d", ErrInvalidWire, b[8])
	}
	if res.slot >= res.slots {
		return nil, fmt.Errorf("%w: slot %d of %d", ErrInvalidWire, res.slot, res.slots)
	}
	ndim := int(b[9])
	nameLen := int(binary.BigEndian.Uint16(b[10:12]))
	off := wireFixedLen
	if len(b) < off+8*ndim+nameLen {
		return nil, ErrTruncated
	}
	res.layout.Shape = make([]int, ndim)
	for i := range res.layout.Shape {
		dim := binary.BigEndian.Uint64(b[off:])
		if dim > math.MaxInt32 {
			return nil, fmt.Errorf("%w: dimension %d too large", ErrInvalidWire, dim)
		}
		res.layout.Shape[i] = int(dim)
		off += 8
	}
	res.name = string(b[off : off+nameLen])
	off += nameLen
	res.data = b[off:]
	if n, ok := byteSize(res.layout, len(res.data)); !ok || n != len(res.data) {
		return nil, fmt.Errorf("%w: %d data bytes for layout %s", ErrInvalidWire,
			len(res.data), res.layout)
	}
	return res, nil
}

// byteSize computes the data size of a layout, reporting
// false if it would exceed limit.
func byteSize(l Layout, limit int) (int, bool) {
	for _, x := range l.Shape {
		if x == 0 {
			return 0, true
		}
	}
	n := l.DType.Size()
	for _, x := range l.Shape {
		if n > limit/x {
			return 0, false
		}
		n *= x
	}
	return n, n <= limit
}

// Decode deserializes a tensor produced by Encode.
func Decode(b []byte) (slot, slots int, t *Tensor, err error) {
	w, err := decodeWire(b)
	if err != nil {
		return 0, 0, nil, err
	}
	return w.slot, w.slots, &Tensor{
		Name:  w.name,
		DType: w.layout.DType,
		Shape: w.layout.Shape,
		Data:  append([]byte{}, w.data...),
	}, nil
}

// DecodeInto deserializes an encoded tensor directly into
// an existing slot, overwriting dst's data in place.
//
// The slot count, slot index and layout must all agree
// with the receiver.
// Otherwise a *ShapeMismatchError is returned and dst is
// unchanged.
// A disagreeing slot count is reported with Slot -1.
func DecodeInto(dst *Tensor, slot, slots int, b []byte) error {
	w, err := decodeWire(b)
	if err != nil {
		return err
	}
	if w.slots != slots {
		return &ShapeMismatchError{
			Slot:   -1,
			Reason: fmt.Sprintf("sender has %d slots, expected %d", w.slots, slots),
		}
	}
	if w.slot != slot {
		return &ShapeMismatchError{
			Slot:   slot,
			Name:   dst.Name,
			Reason: fmt.Sprintf("received slot %d out of order", w.slot),
		}
	}
	if !w.layout.Equal(dst.Layout()) {
		return &ShapeMismatchError{
			Slot:     slot,
			Name:     dst.Name,
			Expected: dst.Layout(),
			Actual:   w.layout,
		}
	}
	copy(dst.Data, w.data)
	return nil
}
