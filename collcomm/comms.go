// Package collcomm moves parameter payloads between the
// ranks of a process group.
//
// A Comms object turns a byte-level Transport into a
// payload-level Communicator: a payload is sent as one
// message per tensor, in slot order, and received
// directly into the caller's buffers.
package collcomm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/unixpickle/ringtrain/metrics"
	"github.com/unixpickle/ringtrain/tensor"
)

// A Communicator sends and receives whole payloads to and
// from specific ranks.
//
// Calls block until the transport completes or fails, and
// must not be issued concurrently.
type Communicator interface {
	// Rank gets the local rank.
	Rank() int

	// Size gets the number of ranks.
	Size() int

	// Send transmits every tensor of the payload to dst.
	Send(ctx context.Context, payload tensor.Payload, dst int) error

	// Recv overwrites the payload, slot by slot, with the
	// next payload sent by src.
	Recv(ctx context.Context, payload tensor.Payload, src int) error
}

// A Transport delivers opaque messages between ranks.
//
// Messages from one source to one destination must arrive
// in the order they were sent.
// A send to the local rank must not block waiting for a
// matching receive.
type Transport interface {
	Rank() int
	Size() int

	// SendBytes blocks until the transport has accepted
	// the message for delivery.
	SendBytes(ctx context.Context, dst int, msg []byte) error

	// RecvBytes blocks until the next message from src
	// arrives.
	RecvBytes(ctx context.Context, src int) ([]byte, error)
}

// Comms implements Communicator on top of a Transport.
type Comms struct {
	Transport Transport
	Logger    zerolog.Logger
}

// NewComms creates a Comms object for a transport.
func NewComms(t Transport, logger zerolog.Logger) *Comms {
	return &Comms{Transport: t, Logger: logger}
}

// Rank gets the local rank.
func (c *Comms) Rank() int {
	return c.Transport.Rank()
}

// Size gets the number of ranks.
func (c *Comms) Size() int {
	return c.Transport.Size()
}

// Send encodes the tensors one at a time and sends them to
// dst in slot order.
//
// Failures are returned as a *TransportError.
func (c *Comms) Send(ctx context.Context, payload tensor.Payload, dst int) (err error) {
	start := time.Now()
	defer func() {
		c.record(metrics.OpSend, dst, payload, start, err)
	}()
	if err := c.checkPeer(OpSend, dst); err != nil {
		return err
	}
	for i, t := range payload {
		if err := c.Transport.SendBytes(ctx, dst, tensor.Encode(i, len(payload), t)); err != nil {
			return &TransportError{Op: OpSend, Rank: c.Rank(), Peer: dst, Slot: i, Err: err}
		}
	}
	return nil
}

// Recv receives one tensor per slot from src and decodes
// each directly into the corresponding slot of payload.
//
// Transport failures are returned as a *TransportError.
// If an incoming tensor disagrees with its slot, the error
// wraps a *tensor.ShapeMismatchError.
func (c *Comms) Recv(ctx context.Context, payload tensor.Payload, src int) (err error) {
	start := time.Now()
	defer func() {
		c.record(metrics.OpRecv, src, payload, start, err)
	}()
	if err := c.checkPeer(OpRecv, src); err != nil {
		return err
	}
	for i, t := range payload {
		msg, err := c.Transport.RecvBytes(ctx, src)
		if err != nil {
			return &TransportError{Op: OpRecv, Rank: c.Rank(), Peer: src, Slot: i, Err: err}
		}
		if err := tensor.DecodeInto(t, i, len(payload), msg); err != nil {
			var mismatch *tensor.ShapeMismatchError
			if errors.As(err, &mismatch) {
				return fmt.Errorf("collcomm: payload from rank %d: %w", src, err)
			}
			return &TransportError{Op: OpRecv, Rank: c.Rank(), Peer: src, Slot: i, Err: err}
		}
	}
	return nil
}

func (c *Comms) checkPeer(op Op, peer int) error {
	if peer < 0 || peer >= c.Size() {
		return &TransportError{Op: op, Rank: c.Rank(), Peer: peer, Slot: -1, Err: ErrUnknownRank}
	}
	return nil
}

func (c *Comms) record(op string, peer int, payload tensor.Payload, start time.Time, err error) {
	elapsed := time.Since(start)
	metrics.RecordTransfer(c.Rank(), peer, op, payload.Bytes(), elapsed, err == nil)
	if err != nil {
		c.Logger.Error().Err(err).Str("op", op).Int("peer", peer).Msg("payload transfer failed")
		return
	}
	c.Logger.Trace().Str("op", op).Int("peer", peer).Int("bytes", payload.Bytes()).
		Dur("elapsed", elapsed).Msg("payload transferred")
}
