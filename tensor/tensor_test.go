package tensor

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode(t *testing.T) {
	src := New("fc_1.weight", Float32, 3, 2)
	for i := 0; i < src.NumElements(); i++ {
		src.SetFloat32(i, float32(i)*1.5)
	}
	slot, slots, decoded, err := Decode(Encode(4, 6, src))
	require.NoError(t, err)
	assert.Equal(t, 4, slot)
	assert.Equal(t, 6, slots)
	assert.Equal(t, src, decoded)
}

func TestDecodeIntoInPlace(t *testing.T) {
	src := New("bias", Float64, 5)
	for i := 0; i < 5; i++ {
		src.SetFloat64(i, float64(i)-2)
	}
	dst := New("bias", Float64, 5)
	buf := dst.Data
	require.NoError(t, DecodeInto(dst, 1, 2, Encode(1, 2, src)))
	assert.Equal(t, src.Data, dst.Data)
	assert.Same(t, &buf[0], &dst.Data[0], "DecodeInto must not reallocate")
}

func TestDecodeIntoMismatch(t *testing.T) {
	dst := New("w", Float32, 2, 3)
	original := dst.Clone()

	cases := map[string]struct {
		src  *Tensor
		slot int
	}{
		"shape": {New("w", Float32, 3, 2), 0},
		"rank":  {New("w", Float32, 6), 0},
		"dtype": {New("w", Int32, 2, 3), 0},
		"slot":  {New("w", Float32, 2, 3), 1},
	}
	for name, c := range cases {
		t.Run(name, func(t *testing.T) {
			for i := range c.src.Data {
				c.src.Data[i] = 0xff
			}
			err := DecodeInto(dst, 0, 2, Encode(c.slot, 2, c.src))
			var mismatch *ShapeMismatchError
			require.True(t, errors.As(err, &mismatch), "unexpected error: %v", err)
			assert.Equal(t, 0, mismatch.Slot)
			assert.Equal(t, original, dst)
		})
	}
}

func TestDecodeIntoSlotCount(t *testing.T) {
	dst := New("w", Float32, 4)
	original := dst.Clone()
	for _, sent := range []int{5, 7} {
		err := DecodeInto(dst, 0, 6, Encode(0, sent, New("w", Float32, 4)))
		var mismatch *ShapeMismatchError
		require.True(t, errors.As(err, &mismatch), "unexpected error: %v", err)
		assert.Equal(t, -1, mismatch.Slot)
		assert.Equal(t, original, dst)
	}
}

func TestDecodeCorrupt(t *testing.T) {
	enc := Encode(0, 1, New("w", Float32, 4))
	_, _, _, err := Decode(enc[:5])
	assert.ErrorIs(t, err, ErrTruncated)
	_, _, _, err = Decode(enc[:len(enc)-1])
	assert.ErrorIs(t, err, ErrInvalidWire)

	bad := append([]byte{}, enc...)
	bad[8] = 99
	_, _, _, err = Decode(bad)
	assert.ErrorIs(t, err, ErrInvalidWire)

	_, _, _, err = Decode(Encode(3, 2, New("w", Float32, 4)))
	assert.ErrorIs(t, err, ErrInvalidWire, "slot beyond slot count")
}

func TestDecodeHugeShape(t *testing.T) {
	// Dimensions whose product overflows must not pass for
	// an empty tensor.
	huge := &Tensor{Name: "w", DType: Float32, Shape: []int{1 << 30, 1 << 30, 1 << 30}}
	_, _, _, err := Decode(Encode(0, 1, huge))
	assert.ErrorIs(t, err, ErrInvalidWire)

	huge.Shape = []int{1<<31 - 1, 1<<31 - 1, 4}
	_, _, _, err = Decode(Encode(0, 1, huge))
	assert.ErrorIs(t, err, ErrInvalidWire)

	empty := New("w", Float32, 1<<30, 0, 1<<30)
	_, _, decoded, err := Decode(Encode(0, 1, empty))
	require.NoError(t, err)
	assert.Empty(t, decoded.Data)
}

func TestPayloadCheckLayout(t *testing.T) {
	template := NewMLP(4, 3)
	require.Len(t, template, 6)
	require.NoError(t, template.Clone().CheckLayout(template))

	err := template[:5].CheckLayout(template)
	var mismatch *ShapeMismatchError
	require.True(t, errors.As(err, &mismatch))
	assert.Equal(t, -1, mismatch.Slot)

	other := NewMLP(4, 2)
	require.True(t, errors.As(other.CheckLayout(template), &mismatch))
	assert.Equal(t, 0, mismatch.Slot)
	assert.Equal(t, []int{3, 4}, mismatch.Expected.Shape)
}

func TestPayloadCopyFrom(t *testing.T) {
	dst := NewMLP(3, 2)
	src := NewMLP(3, 2)
	InitUniform(src, rand.New(rand.NewSource(1)))
	require.NoError(t, dst.CopyFrom(src))
	for i := range dst {
		assert.Equal(t, src[i].Data, dst[i].Data)
	}
	assert.Error(t, dst.CopyFrom(NewMLP(2, 2)))
}

func TestMLPLayout(t *testing.T) {
	p := NewMLP(10, 7)
	expected := []Layout{
		{Float32, []int{7, 10}},
		{Float32, []int{7}},
		{Float32, []int{7, 7}},
		{Float32, []int{7}},
		{Float32, []int{1, 7}},
		{Float32, []int{1}},
	}
	for i, l := range p.Layouts() {
		assert.True(t, l.Equal(expected[i]), "slot %d: %s", i, l)
	}
	assert.Equal(t, 4*(70+7+49+7+7+1), p.Bytes())
}

func TestInitUniformBounds(t *testing.T) {
	p := NewMLP(16, 4)
	InitUniform(p, rand.New(rand.NewSource(0)))
	for i := 0; i < p[0].NumElements(); i++ {
		x := p[0].Float32(i)
		assert.True(t, x >= -0.25 && x <= 0.25, "element %d out of bounds: %f", i, x)
	}
}
