// Package ringpass circulates a payload around a ring of
// ranks, once per iteration.
//
// Rank 0 (the master) seeds the ring with its payload,
// then repeatedly receives the payload from its previous
// neighbor, updates it, and forwards it to its next
// neighbor.
// After the final lap, it drains the payload back out of
// the ring.
// Every other rank (a worker) only ever receives, updates
// and forwards.
//
// The master's extra seed send and drain receive offset
// the workers' receive-then-send cycles, so every rank
// performs exactly Iterations sends and Iterations
// receives, and the payload completes exactly Iterations
// laps.
package ringpass

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/unixpickle/ringtrain/collcomm"
	"github.com/unixpickle/ringtrain/ring"
	"github.com/unixpickle/ringtrain/tensor"
)

var ErrInvalidIterations = errors.New("ringpass: iterations must be at least 1")

// A Runner drives the ring loop for one rank.
type Runner struct {
	// Iterations is the number of laps the payload makes
	// around the ring.
	Iterations int

	// Update is applied to the payload before it is
	// forwarded.
	// If nil, collcomm.Noop is used.
	Update collcomm.UpdateFn

	// HopTimeout, if non-zero, bounds every individual
	// send and receive.
	// A zero HopTimeout waits forever, so a stalled
	// neighbor stalls the whole ring.
	HopTimeout time.Duration

	Logger zerolog.Logger

	// Observer, if non-nil, is called on every state
	// transition.
	Observer func(t Transition)
}

// Result summarizes a completed run on one rank.
type Result struct {
	Rank int
	Role ring.Role

	// Cycles is the number of receive-update-send cycles
	// this rank completed.
	Cycles int

	Sends    int
	Receives int

	Elapsed time.Duration
}

// Run executes the master loop if c is rank 0, or the
// worker loop otherwise.
//
// The payload is the local template: on the master it
// holds the initial state, and on workers its contents
// are overwritten by the first receive.
// When Run returns successfully on the master, the
// payload holds the state after the final lap.
func (r *Runner) Run(ctx context.Context, c collcomm.Communicator, payload tensor.Payload) (*Result, error) {
	if r.Iterations < 1 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidIterations, r.Iterations)
	}
	top, err := ring.New(c.Rank(), c.Size())
	if err != nil {
		return nil, err
	}
	update := r.Update
	if update == nil {
		update = collcomm.Noop
	}
	l := &loop{
		runner:  r,
		top:     top,
		comm:    c,
		update:  update,
		payload: payload,
		logger: r.Logger.With().Str("role", top.Role().String()).
			Int("prev", top.Previous()).Int("next", top.Next()).Logger(),
		result: &Result{Rank: top.Rank(), Role: top.Role()},
	}

	start := time.Now()
	l.logger.Info().Int("iterations", r.Iterations).Int("slots", len(payload)).
		Int("bytes", payload.Bytes()).Msg("joining ring")
	if top.Role() == ring.Master {
		err = l.runMaster(ctx)
	} else {
		err = l.runWorker(ctx)
	}
	l.result.Elapsed = time.Since(start)
	if err != nil {
		l.logger.Error().Err(err).Str("state", l.state.String()).Int("cycles", l.result.Cycles).
			Msg("ring loop failed")
		return l.result, err
	}
	l.logger.Info().Int("sends", l.result.Sends).Int("receives", l.result.Receives).
		Dur("elapsed", l.result.Elapsed).Msg("ring loop done")
	return l.result, nil
}
