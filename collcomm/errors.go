package collcomm

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownRank = errors.New("collcomm: unknown rank")
	ErrRecvTimeout = errors.New("collcomm: receive timed out")
)

// An Op names a point-to-point operation.
type Op = string

const (
	OpSend Op = "send"
	OpRecv Op = "recv"
)

// TransportError is returned when a send or receive fails
// at the transport layer.
//
// It is fatal to the local rank; the protocol never
// retries.
type TransportError struct {
	Op   Op
	Rank int
	Peer int

	// Slot is the payload slot being transferred, or -1 if
	// the failure happened before any tensor moved.
	Slot int

	Err error
}

func (t *TransportError) Error() string {
	verb := "to"
	if t.Op == OpRecv {
		verb = "from"
	}
	if t.Slot < 0 {
		return fmt.Sprintf("collcomm: %s %s rank %d: %v", t.Op, verb, t.Peer, t.Err)
	}
	return fmt.Sprintf("collcomm: %s %s rank %d (slot %d): %v", t.Op, verb, t.Peer, t.Slot, t.Err)
}

func (t *TransportError) Unwrap() error {
	return t.Err
}
