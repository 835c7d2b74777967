package ringpass

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/unixpickle/ringtrain/collcomm"
	"github.com/unixpickle/ringtrain/metrics"
	"github.com/unixpickle/ringtrain/ring"
	"github.com/unixpickle/ringtrain/tensor"
)

// A State is a step of the master or worker state
// machine.
type State int

const (
	StateInit State = iota
	StateSeed
	StateCycle
	StateDrain
	StateDone
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateSeed:
		return "seed"
	case StateCycle:
		return "cycle"
	case StateDrain:
		return "drain"
	case StateDone:
		return "done"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// A Transition records a rank entering a new state.
type Transition struct {
	Rank int
	From State
	To   State

	// Cycle is the number of cycles completed before the
	// transition.
	Cycle int
}

type loop struct {
	runner  *Runner
	top     ring.Topology
	comm    collcomm.Communicator
	update  collcomm.UpdateFn
	payload tensor.Payload
	logger  zerolog.Logger

	state  State
	result *Result
}

// runMaster runs Init -> Seed -> Cycle* -> Drain -> Done.
func (l *loop) runMaster(ctx context.Context) error {
	l.enter(StateSeed)
	if err := l.send(ctx); err != nil {
		return err
	}
	for i := 0; i < l.runner.Iterations-1; i++ {
		l.enter(StateCycle)
		if err := l.cycle(ctx); err != nil {
			return err
		}
	}
	l.enter(StateDrain)
	if err := l.recv(ctx); err != nil {
		return err
	}
	l.enter(StateDone)
	return nil
}

// runWorker runs Init -> Cycle* -> Done.
func (l *loop) runWorker(ctx context.Context) error {
	for i := 0; i < l.runner.Iterations; i++ {
		l.enter(StateCycle)
		if err := l.cycle(ctx); err != nil {
			return err
		}
	}
	l.enter(StateDone)
	return nil
}

func (l *loop) cycle(ctx context.Context) error {
	if err := l.recv(ctx); err != nil {
		return err
	}
	if err := l.applyUpdate(ctx); err != nil {
		return err
	}
	if err := l.send(ctx); err != nil {
		return err
	}
	l.result.Cycles++
	metrics.SetIterations(l.top.Rank(), l.top.Role().String(), l.result.Cycles)
	return nil
}

func (l *loop) send(ctx context.Context) error {
	ctx, cancel := l.hopContext(ctx)
	defer cancel()
	if err := l.comm.Send(ctx, l.payload, l.top.Next()); err != nil {
		return err
	}
	l.result.Sends++
	return nil
}

func (l *loop) recv(ctx context.Context) error {
	ctx, cancel := l.hopContext(ctx)
	defer cancel()
	if err := l.comm.Recv(ctx, l.payload, l.top.Previous()); err != nil {
		return err
	}
	l.result.Receives++
	return nil
}

func (l *loop) applyUpdate(ctx context.Context) error {
	updated, err := l.update(ctx, l.result.Cycles, l.payload)
	if err != nil {
		return fmt.Errorf("ringpass: local update (cycle %d): %w", l.result.Cycles, err)
	}
	if samePayload(updated, l.payload) {
		return nil
	}
	if err := l.payload.CopyFrom(updated); err != nil {
		return fmt.Errorf("ringpass: local update (cycle %d): %w", l.result.Cycles, err)
	}
	return nil
}

func (l *loop) hopContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if l.runner.HopTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, l.runner.HopTimeout)
}

func (l *loop) enter(s State) {
	t := Transition{Rank: l.top.Rank(), From: l.state, To: s, Cycle: l.result.Cycles}
	l.state = s
	l.logger.Debug().Str("from", t.From.String()).Str("to", t.To.String()).Int("cycle", t.Cycle).
		Msg("state transition")
	if l.runner.Observer != nil {
		l.runner.Observer(t)
	}
}

func samePayload(p1, p2 tensor.Payload) bool {
	if len(p1) != len(p2) {
		return false
	}
	for i, t := range p1 {
		if p2[i] != t {
			return false
		}
	}
	return true
}
