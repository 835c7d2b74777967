// Package simulator runs simulated ranks in virtual time.
//
// Every simulated rank is a Goroutine started through an
// EventLoop. The clock only advances once all of them are
// blocked waiting for an event, so real computation time
// never shows up in the simulated timings.
package simulator

import (
	"container/heap"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"

	"github.com/unixpickle/essentials"
)

// ErrDeadlock is returned by EventLoop.Run when every
// Goroutine is waiting and no timer is left to fire.
var ErrDeadlock = errors.New("simulator: deadlock: every handle is waiting")

// An EventStream is a queue of events on one EventLoop.
// Events that arrive while nobody waits on the stream are
// buffered in arrival order.
type EventStream struct {
	loop    *EventLoop
	backlog []interface{}
}

// An Event is a message received on some EventStream.
type Event struct {
	Message interface{}
	Stream  *EventStream
}

// A Timer is a single delivery scheduled for the virtual
// future.
type Timer struct {
	deadline float64
	order    int64
	event    Event

	// Position in the loop's queue, or -1 once the timer
	// has fired or been canceled.
	index int
}

// Time gets the virtual time at which the timer fires.
func (t *Timer) Time() float64 {
	return t.deadline
}

// A Handle is one Goroutine's view of an EventLoop.
// Handles must not be shared between Goroutines.
type Handle struct {
	loop *EventLoop

	// Set while the Goroutine is blocked in Poll.
	waitingOn []*EventStream
	wake      chan *Event
}

// Time gets the current virtual time.
func (h *Handle) Time() float64 {
	return h.loop.Time()
}

// Poll blocks until one of the streams yields an event.
//
// Buffered events are consumed first, in the order the
// streams are listed.
func (h *Handle) Poll(streams ...*EventStream) *Event {
	wake := make(chan *Event, 1)
	h.loop.lockAndReschedule(func() {
		if h.waitingOn != nil {
			panic("simulator: Handle used by two Goroutines")
		}
		for _, s := range streams {
			if len(s.backlog) == 0 {
				continue
			}
			msg := s.backlog[0]
			essentials.OrderedDelete(&s.backlog, 0)
			wake <- &Event{Message: msg, Stream: s}
			return
		}
		h.waitingOn = streams
		h.wake = wake
	})
	return <-wake
}

// PollTimeout is like Poll, but returns nil once delay
// units of virtual time pass without an event.
//
// Buffered events win over the timeout, even for a zero
// delay.
func (h *Handle) PollTimeout(delay float64, streams ...*EventStream) *Event {
	expiry := h.loop.Stream()
	timer := h.Schedule(expiry, nil, delay)
	defer h.Cancel(timer)
	all := make([]*EventStream, 0, len(streams)+1)
	all = append(all, streams...)
	ev := h.Poll(append(all, expiry)...)
	if ev.Stream == expiry {
		return nil
	}
	return ev
}

// Schedule delivers msg on stream after delay units of
// virtual time.
func (h *Handle) Schedule(stream *EventStream, msg interface{}, delay float64) *Timer {
	if stream.loop != h.loop {
		panic("simulator: EventStream belongs to another EventLoop")
	}
	var t *Timer
	h.loop.locked(func() {
		deadline := h.loop.now + delay
		if math.IsNaN(deadline) || math.IsInf(deadline, 0) {
			panic(fmt.Sprintf("simulator: invalid deadline %f", deadline))
		}
		t = &Timer{
			deadline: deadline,
			order:    rand.Int63(),
			event:    Event{Message: msg, Stream: stream},
		}
		heap.Push(&h.loop.queue, t)
	})
	return t
}

// Cancel unschedules a timer. Canceling a timer that has
// already fired or been canceled is a no-op.
func (h *Handle) Cancel(t *Timer) {
	h.loop.locked(func() {
		if t.index >= 0 && t.index < len(h.loop.queue) && h.loop.queue[t.index] == t {
			heap.Remove(&h.loop.queue, t.index)
		}
	})
}

// Sleep blocks for delay units of virtual time.
func (h *Handle) Sleep(delay float64) {
	s := h.loop.Stream()
	h.Schedule(s, nil, delay)
	h.Poll(s)
}

// An EventLoop schedules the events of a simulated
// distributed system.
//
// Goroutines that use the loop must be started with Go.
type EventLoop struct {
	mu      sync.Mutex
	now     float64
	queue   timerQueue
	handles []*Handle

	running bool
	kick    chan struct{}
}

// NewEventLoop creates an event loop whose clock starts
// at zero.
func NewEventLoop() *EventLoop {
	return &EventLoop{kick: make(chan struct{}, 1)}
}

// Stream creates an EventStream on the loop.
func (e *EventLoop) Stream() *EventStream {
	return &EventStream{loop: e}
}

// Go starts f in a Goroutine with a fresh Handle.
func (e *EventLoop) Go(f func(h *Handle)) {
	h := &Handle{loop: e}
	e.locked(func() {
		e.handles = append(e.handles, h)
	})
	go func() {
		f(h)
		e.lockAndReschedule(func() {
			for i, other := range e.handles {
				if other == h {
					essentials.UnorderedDelete(&e.handles, i)
					return
				}
			}
			panic("simulator: released an unknown handle")
		})
	}()
}

// Run drives the loop until every Goroutine started with
// Go has returned.
//
// It returns ErrDeadlock if the Goroutines can never make
// progress. Run must not be called concurrently.
func (e *EventLoop) Run() error {
	e.locked(func() {
		if e.running {
			panic("simulator: EventLoop is already running")
		}
		e.running = true
	})
	defer e.locked(func() {
		e.running = false
	})

	for range e.kick {
		done, err := e.advance()
		if done {
			return err
		}
	}
	return nil
}

// MustRun is like Run, but panics on deadlock.
func (e *EventLoop) MustRun() {
	if err := e.Run(); err != nil {
		panic(err)
	}
}

// Time gets the current virtual time.
func (e *EventLoop) Time() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.now
}

func (e *EventLoop) locked(f func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	f()
}

// lockAndReschedule is like locked, but also wakes Run
// since f may have changed which handles are waiting.
func (e *EventLoop) lockAndReschedule(f func()) {
	e.locked(f)
	select {
	case e.kick <- struct{}{}:
	default:
	}
}

// advance fires timers until one of them wakes a waiting
// Goroutine. It reports done once the loop can no longer
// make progress.
func (e *EventLoop) advance() (done bool, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.handles) == 0 {
		return true, nil
	}
	for _, h := range e.handles {
		if h.waitingOn == nil {
			// Still computing in real time.
			return false, nil
		}
	}
	for e.queue.Len() > 0 {
		t := heap.Pop(&e.queue).(*Timer)
		e.now = math.Max(e.now, t.deadline)
		if e.dispatch(t.event) {
			return false, nil
		}
	}
	return true, ErrDeadlock
}

// dispatch hands ev to a random handle waiting on its
// stream, or buffers it. It reports whether a handle was
// woken.
func (e *EventLoop) dispatch(ev Event) bool {
	var waiting []*Handle
	for _, h := range e.handles {
		for _, s := range h.waitingOn {
			if s == ev.Stream {
				waiting = append(waiting, h)
				break
			}
		}
	}
	if len(waiting) == 0 {
		ev.Stream.backlog = append(ev.Stream.backlog, ev.Message)
		return false
	}
	h := waiting[rand.Intn(len(waiting))]
	h.wake <- &Event{Message: ev.Message, Stream: ev.Stream}
	h.waitingOn = nil
	h.wake = nil
	return true
}

// pendingTimers counts the scheduled timers.
func (e *EventLoop) pendingTimers() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.queue.Len()
}

// timerQueue is a min-heap of timers by deadline. Timers
// with equal deadlines fire in a random order.
type timerQueue []*Timer

func (q timerQueue) Len() int { return len(q) }

func (q timerQueue) Less(i, j int) bool {
	if q[i].deadline != q[j].deadline {
		return q[i].deadline < q[j].deadline
	}
	return q[i].order < q[j].order
}

func (q timerQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *timerQueue) Push(x interface{}) {
	t := x.(*Timer)
	t.index = len(*q)
	*q = append(*q, t)
}

func (q *timerQueue) Pop() interface{} {
	old := *q
	t := old[len(old)-1]
	old[len(old)-1] = nil
	t.index = -1
	*q = old[:len(old)-1]
	return t
}
