package tensor

import "fmt"

// A Payload is one full model state: an ordered sequence
// of tensors.
//
// Exactly one rank owns the active copy of a payload at
// any time during a ring traversal.
type Payload []*Tensor

// Layouts gets the layout of every slot.
func (p Payload) Layouts() []Layout {
	res := make([]Layout, len(p))
	for i, t := range p {
		res[i] = t.Layout()
	}
	return res
}

// Bytes gets the total number of data bytes.
func (p Payload) Bytes() int {
	var n int
	for _, t := range p {
		n += len(t.Data)
	}
	return n
}

// Clone creates a deep copy of the payload.
func (p Payload) Clone() Payload {
	res := make(Payload, len(p))
	for i, t := range p {
		res[i] = t.Clone()
	}
	return res
}

// CheckLayout makes sure that p has the same number of
// slots as template, and that every slot has the same
// dtype and shape.
//
// The returned error is a *ShapeMismatchError.
func (p Payload) CheckLayout(template Payload) error {
	if len(p) != len(template) {
		return &ShapeMismatchError{
			Slot:   -1,
			Reason: fmt.Sprintf("payload has %d slots, expected %d", len(p), len(template)),
		}
	}
	for i, t := range p {
		if !t.Layout().Equal(template[i].Layout()) {
			return &ShapeMismatchError{
				Slot:     i,
				Name:     template[i].Name,
				Expected: template[i].Layout(),
				Actual:   t.Layout(),
			}
		}
	}
	return nil
}

// CopyFrom overwrites every slot of p with the data in
// src, without reallocating p's buffers.
//
// If the layouts disagree, p is left untouched.
func (p Payload) CopyFrom(src Payload) error {
	if err := src.CheckLayout(p); err != nil {
		return err
	}
	for i, t := range p {
		copy(t.Data, src[i].Data)
	}
	return nil
}

// ShapeMismatchError indicates that a tensor's layout
// disagreed with the corresponding slot of the local
// template.
//
// This is a configuration mismatch between ranks rather
// than a transient fault.
type ShapeMismatchError struct {
	// Slot is the index of the offending slot, or -1 if
	// the payloads disagree on the number of slots.
	Slot int

	Name     string
	Expected Layout
	Actual   Layout

	// Reason optionally replaces the layout comparison in
	// the error message.
	Reason string
}

func (s *ShapeMismatchError) Error() string {
	if s.Reason != "" {
		if s.Slot < 0 {
			return "tensor: shape mismatch: " + s.Reason
		}
		return fmt.Sprintf("tensor: shape mismatch in slot %d (%s): %s", s.Slot, s.Name, s.Reason)
	}
	return fmt.Sprintf("tensor: shape mismatch in slot %d (%s): expected %s but got %s",
		s.Slot, s.Name, s.Expected, s.Actual)
}
