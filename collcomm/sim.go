package collcomm

import (
	"context"

	"github.com/unixpickle/essentials"
	"github.com/unixpickle/ringtrain/simulator"
)

// SimTransport is a Transport for one node of a simulated
// network.
//
// Each SimTransport must only be used from the Goroutine
// that owns its Handle.
type SimTransport struct {
	// Handle is the node's main Goroutine's handle on the
	// event loop.
	Handle *simulator.Handle

	// Port is the current node's port.
	Port *simulator.Port

	// Ports contains ports to all the nodes in the
	// network, including the current node.
	// A node's rank is its index in Ports.
	Ports []*simulator.Port

	// Network is the network connecting the nodes.
	Network simulator.Network

	// Timeout, if non-zero, is the amount of virtual time
	// RecvBytes waits for a message before failing.
	Timeout float64

	// Messages that arrived from a source other than the
	// one being received from.
	pending map[*simulator.Port][]*simulator.Message
}

// SpawnTransports creates a SimTransport for every node in
// a network and calls f for each node in its own
// Goroutine.
func SpawnTransports(loop *simulator.EventLoop, network simulator.Network, nodes []*simulator.Node,
	f func(t *SimTransport)) {
	ports := make([]*simulator.Port, len(nodes))
	for i, node := range nodes {
		ports[i] = node.Port(loop)
	}
	for i := range nodes {
		port := ports[i]
		loop.Go(func(h *simulator.Handle) {
			f(&SimTransport{
				Handle:  h,
				Port:    port,
				Ports:   ports,
				Network: network,
			})
		})
	}
}

// Rank returns the current node's index in the list of
// nodes.
func (s *SimTransport) Rank() int {
	return s.IndexOf(s.Port)
}

// Size gets the number of nodes.
func (s *SimTransport) Size() int {
	return len(s.Ports)
}

// IndexOf returns any node's index.
func (s *SimTransport) IndexOf(p *simulator.Port) int {
	for i, port := range s.Ports {
		if port == p {
			return i
		}
	}
	panic("unreachable")
}

// SendBytes schedules a message to be sent to the
// destination.
//
// The simulated network accepts messages immediately, so
// this never blocks.
func (s *SimTransport) SendBytes(ctx context.Context, dst int, msg []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if dst < 0 || dst >= len(s.Ports) {
		return ErrUnknownRank
	}
	s.Network.Send(s.Handle, &simulator.Message{
		Source:  s.Port,
		Dest:    s.Ports[dst],
		Message: append([]byte{}, msg...),
		Size:    float64(len(msg)),
	})
	return nil
}

// RecvBytes receives the next message from src.
//
// Messages from other sources that arrive in the meantime
// are buffered for later calls.
func (s *SimTransport) RecvBytes(ctx context.Context, src int) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if src < 0 || src >= len(s.Ports) {
		return nil, ErrUnknownRank
	}
	source := s.Ports[src]
	if queue := s.pending[source]; len(queue) > 0 {
		msg := queue[0]
		essentials.OrderedDelete(&queue, 0)
		s.pending[source] = queue
		return msg.Message.([]byte), nil
	}
	for {
		var msg *simulator.Message
		if s.Timeout > 0 {
			msg = s.Port.RecvTimeout(s.Handle, s.Timeout)
			if msg == nil {
				return nil, ErrRecvTimeout
			}
		} else {
			msg = s.Port.Recv(s.Handle)
		}
		if msg.Source == source {
			return msg.Message.([]byte), nil
		}
		if s.pending == nil {
			s.pending = map[*simulator.Port][]*simulator.Message{}
		}
		s.pending[msg.Source] = append(s.pending[msg.Source], msg)
	}
}
