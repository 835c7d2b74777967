package simulator

import (
	"fmt"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
)

var nodeCounter int64

// A Node is one simulated machine.
type Node struct {
	id int64
}

// NewNode creates a Node with a unique ID.
func NewNode() *Node {
	return &Node{id: atomic.AddInt64(&nodeCounter, 1)}
}

func (n *Node) String() string {
	return fmt.Sprintf("node%d", n.id)
}

// Port opens a new receiving endpoint on the Node.
func (n *Node) Port(loop *EventLoop) *Port {
	return &Port{Node: n, Incoming: loop.Stream()}
}

// A Port is an endpoint on a Node. Messages are sent
// from and received on Ports.
type Port struct {
	Node *Node

	// Incoming yields *Message values.
	Incoming *EventStream
}

// Recv blocks until a message arrives on the port.
func (p *Port) Recv(h *Handle) *Message {
	return h.Poll(p.Incoming).Message.(*Message)
}

// RecvTimeout is like Recv, but returns nil if nothing
// arrives within timeout units of virtual time.
func (p *Port) RecvTimeout(h *Handle, timeout float64) *Message {
	ev := h.PollTimeout(timeout, p.Incoming)
	if ev == nil {
		return nil
	}
	return ev.Message.(*Message)
}

// A Message is a payload in transit between two Ports.
// Size is in the same unit as a network's Rate.
type Message struct {
	Source  *Port
	Dest    *Port
	Message interface{}
	Size    float64
}

// A Network carries Messages between Ports.
type Network interface {
	// Send queues messages for delivery without blocking.
	// Messages between one pair of nodes must arrive in
	// the order they were sent.
	Send(h *Handle, msgs ...*Message)
}

// An OrderedNetwork delivers messages to every node in
// send order, with bandwidth limits, random latency and
// nodes that can be disconnected.
//
// A message takes Size/Rate plus a random latency in
// [0, MaxRandomLatency) to arrive, and waits behind the
// messages already headed to the same node. A
// non-positive Rate means unlimited bandwidth.
type OrderedNetwork struct {
	Rate             float64
	MaxRandomLatency float64

	mu    sync.Mutex
	nodes map[*Node]*linkState
}

type linkState struct {
	down bool

	// busyUntil is the arrival time of the last message
	// headed to the node.
	busyUntil float64

	// Messages to or from the node that may not have
	// arrived yet.
	inFlight []*Timer
}

// arrivalGap keeps deliveries to one node strictly
// ordered, since timers with equal deadlines fire in a
// random order.
const arrivalGap = 1e-9

// NewOrderedNetwork creates an OrderedNetwork where every
// node is connected.
func NewOrderedNetwork(rate, maxRandomLatency float64) *OrderedNetwork {
	return &OrderedNetwork{
		Rate:             rate,
		MaxRandomLatency: maxRandomLatency,
		nodes:            map[*Node]*linkState{},
	}
}

// Send queues messages in order. Messages to or from a
// disconnected node are silently dropped.
func (o *OrderedNetwork) Send(h *Handle, msgs ...*Message) {
	o.mu.Lock()
	defer o.mu.Unlock()

	now := h.Time()
	for _, msg := range msgs {
		src, dst := o.state(msg.Source.Node), o.state(msg.Dest.Node)
		if src.down || dst.down {
			continue
		}
		transfer := rand.Float64() * o.MaxRandomLatency
		if o.Rate > 0 {
			transfer += msg.Size / o.Rate
		}
		arrival := now + transfer
		if dst.busyUntil > now {
			arrival = math.Max(dst.busyUntil+transfer, dst.busyUntil+arrivalGap)
		}
		dst.busyUntil = arrival

		t := h.Schedule(msg.Dest.Incoming, msg, arrival-now)
		src.track(t, now)
		if dst != src {
			dst.track(t, now)
		}
	}
}

// SetDown disconnects or reconnects a node.
//
// Disconnecting a node also drops every message still in
// flight to or from it.
func (o *OrderedNetwork) SetDown(h *Handle, node *Node, down bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	st := o.state(node)
	st.down = down
	if !down {
		return
	}
	for _, t := range st.inFlight {
		h.Cancel(t)
	}
	st.inFlight = nil
	st.busyUntil = 0
}

// IsDown reports whether a node is disconnected.
func (o *OrderedNetwork) IsDown(node *Node) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state(node).down
}

func (o *OrderedNetwork) state(n *Node) *linkState {
	st, ok := o.nodes[n]
	if !ok {
		st = &linkState{}
		o.nodes[n] = st
	}
	return st
}

// track records a new in-flight timer and forgets the
// ones that have already fired.
func (l *linkState) track(t *Timer, now float64) {
	live := l.inFlight[:0]
	for _, old := range l.inFlight {
		if old.Time() >= now {
			live = append(live, old)
		}
	}
	l.inFlight = append(live, t)
}
