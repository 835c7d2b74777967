package collcomm

import (
	"context"

	"github.com/unixpickle/ringtrain/simulator"
	"github.com/unixpickle/ringtrain/tensor"
)

// FlopTime is the amount of virtual time it takes to
// perform a single floating-point operation.
const FlopTime = 1e-9

// An UpdateFn is the local update a rank applies to the
// payload before forwarding it.
//
// The payload may be modified in place and returned.
// If a different payload is returned, it must have the
// same layout; its contents are copied back into the
// circulating buffers.
type UpdateFn func(ctx context.Context, iteration int, p tensor.Payload) (tensor.Payload, error)

// Noop is an UpdateFn that forwards the payload as-is.
func Noop(ctx context.Context, iteration int, p tensor.Payload) (tensor.Payload, error) {
	return p, nil
}

// SimulatedUpdate wraps an UpdateFn so that it takes one
// FlopTime of virtual time per payload element.
func SimulatedUpdate(h *simulator.Handle, fn UpdateFn) UpdateFn {
	return func(ctx context.Context, iteration int, p tensor.Payload) (tensor.Payload, error) {
		var elements int
		for _, t := range p {
			elements += t.NumElements()
		}
		h.Sleep(FlopTime * float64(elements))
		return fn(ctx, iteration, p)
	}
}
