package tensor

import (
	"fmt"
	"math"
	"math/rand"
)

// NewMLP creates the parameter template of a three-layer
// perceptron with the given input and hidden widths.
//
// The slots are the weight ([out, in]) and bias ([out])
// of each of the layers features->hidden, hidden->hidden
// and hidden->1, in that order.
// All slots are float32 and zero-initialized.
func NewMLP(features, hidden int) Payload {
	if features < 1 || hidden < 1 {
		panic("layer widths must be positive")
	}
	var res Payload
	widths := []int{features, hidden, hidden, 1}
	for i := 0; i < 3; i++ {
		in, out := widths[i], widths[i+1]
		res = append(res,
			New(fmt.Sprintf("fc_%d.weight", i+1), Float32, out, in),
			New(fmt.Sprintf("fc_%d.bias", i+1), Float32, out))
	}
	return res
}

// InitUniform fills every float tensor with samples from
// U(-1/sqrt(fanIn), 1/sqrt(fanIn)).
//
// The fan-in of a matrix is its last dimension; a vector
// uses the fan-in of the matrix preceding it.
func InitUniform(p Payload, rng *rand.Rand) {
	fanIn := 1
	for _, t := range p {
		if len(t.Shape) >= 2 {
			fanIn = t.Shape[len(t.Shape)-1]
		}
		bound := 1 / math.Sqrt(float64(fanIn))
		n := t.NumElements()
		switch t.DType {
		case Float32:
			for i := 0; i < n; i++ {
				t.SetFloat32(i, float32(bound*(rng.Float64()*2-1)))
			}
		case Float64:
			for i := 0; i < n; i++ {
				t.SetFloat64(i, bound*(rng.Float64()*2-1))
			}
		}
	}
}
