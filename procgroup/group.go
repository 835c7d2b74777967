// Package procgroup bootstraps a group of processes that
// can exchange messages by rank.
//
// Rank 0 hosts a gRPC rendezvous service at the master
// address.
// Every rank opens a data plane listener, registers its
// address with the rendezvous, and receives the
// addresses of all other ranks together with a run ID
// minted by the master.
// The data plane is either framed TCP or gRPC.
// Messages a rank sends to itself never touch the
// network.
package procgroup

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/unixpickle/ringtrain/collcomm"
)

// abortTimeout bounds the abort notices sent by Close.
const abortTimeout = time.Second

var _ collcomm.Transport = (*Group)(nil)

// A dataPlane moves frames between the ranks of a group.
type dataPlane interface {
	// serve starts accepting traffic from peers.
	serve(g *Group) error

	// connect establishes outbound routes to every peer.
	connect(ctx context.Context, g *Group) error

	// send delivers a frame to a peer, which is never the
	// local rank.
	send(ctx context.Context, dst int, kind frameKind, payload []byte) error

	// close tears down every connection and listener.
	close() error
}

// A Group is an established process group.
//
// A Group implements collcomm.Transport.
// SendBytes and RecvBytes may be called concurrently for
// different peers.
type Group struct {
	opts     Options
	logger   zerolog.Logger
	listener net.Listener
	plane    dataPlane

	runID string
	addrs []string

	inboxes []*inbox

	closeOnce sync.Once
	closeErr  error
}

// Init establishes a process group.
//
// It blocks until every rank has joined the rendezvous
// and every peer is reachable.
// All failures are returned as a *BootstrapError.
func Init(ctx context.Context, opts Options, logger zerolog.Logger) (*Group, error) {
	opts = opts.withDefaults()
	fail := func(stage string, err error) (*Group, error) {
		logger.Error().Err(err).Str("stage", stage).Msg("bootstrap failed")
		return nil, &BootstrapError{Rank: opts.Rank, Stage: stage, Err: err}
	}
	if err := opts.validate(); err != nil {
		return fail(StageValidate, err)
	}
	if opts.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.ConnectTimeout)
		defer cancel()
	}
	// The caller's logger already carries the rank.
	logger = logger.With().Str("backend", string(opts.Backend)).Logger()

	g := &Group{
		opts:    opts,
		logger:  logger,
		inboxes: make([]*inbox, opts.WorldSize),
	}
	for i := range g.inboxes {
		g.inboxes[i] = newInbox()
	}
	switch opts.Backend {
	case BackendTCP:
		g.plane = newTCPPlane()
	case BackendGRPC:
		g.plane = newGRPCPlane()
	}

	listener, err := net.Listen("tcp", opts.ListenAddr)
	if err != nil {
		return fail(StageListen, err)
	}
	g.listener = listener
	advertised := opts.AdvertiseAddr
	if advertised == "" {
		advertised = listener.Addr().String()
	}

	var m *membership
	if opts.Rank == 0 {
		m, err = hostRendezvous(ctx, opts, advertised, logger)
	} else {
		m, err = joinRendezvous(ctx, opts, advertised, logger)
	}
	if err != nil {
		listener.Close()
		return fail(StageRendezvous, err)
	}
	g.runID = m.RunID
	g.addrs = m.Addrs
	g.logger = logger.With().Str("run", g.runID).Logger()

	if err := g.plane.serve(g); err != nil {
		g.plane.close()
		listener.Close()
		return fail(StageListen, err)
	}
	if err := g.plane.connect(ctx, g); err != nil {
		g.plane.close()
		return fail(StageConnect, err)
	}
	g.logger.Info().Int("world_size", opts.WorldSize).Str("addr", advertised).Msg("process group ready")
	return g, nil
}

// Rank gets the local rank.
func (g *Group) Rank() int {
	return g.opts.Rank
}

// Size gets the number of ranks in the group.
func (g *Group) Size() int {
	return g.opts.WorldSize
}

// RunID gets the identifier the master minted for this
// group.
func (g *Group) RunID() string {
	return g.runID
}

// Backend gets the data plane in use.
func (g *Group) Backend() Backend {
	return g.opts.Backend
}

// Addr gets the advertised data plane address of a rank.
func (g *Group) Addr(rank int) string {
	return g.addrs[rank]
}

// Logger gets the group's logger, which carries the rank
// and run ID.
func (g *Group) Logger() zerolog.Logger {
	return g.logger
}

// SendBytes delivers a message to dst.
//
// A message to the local rank is queued without blocking.
func (g *Group) SendBytes(ctx context.Context, dst int, msg []byte) error {
	if err := g.checkRank(dst); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if dst == g.opts.Rank {
		g.inboxes[dst].push(append([]byte{}, msg...))
		return nil
	}
	return g.plane.send(ctx, dst, frameTensor, msg)
}

// RecvBytes waits for the next message from src.
func (g *Group) RecvBytes(ctx context.Context, src int) ([]byte, error) {
	if err := g.checkRank(src); err != nil {
		return nil, err
	}
	return g.inboxes[src].pop(ctx)
}

// Close shuts down the group.
//
// If cause is non-nil, every peer is first told that
// this rank aborted, so that peers waiting on it fail
// instead of hanging.
// Only the first call has an effect.
func (g *Group) Close(cause error) error {
	g.closeOnce.Do(func() {
		if cause != nil {
			g.abortPeers(cause)
		}
		g.closeErr = g.plane.close()
		for _, in := range g.inboxes {
			in.fail(ErrClosed)
		}
		g.logger.Debug().Msg("process group closed")
	})
	return g.closeErr
}

func (g *Group) abortPeers(cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), abortTimeout)
	defer cancel()
	reason := []byte(cause.Error())
	for peer := 0; peer < g.opts.WorldSize; peer++ {
		if peer == g.opts.Rank {
			continue
		}
		if err := g.plane.send(ctx, peer, frameAbort, reason); err != nil {
			g.logger.Warn().Err(err).Int("peer", peer).Msg("abort notice not delivered")
		}
	}
	g.logger.Warn().Err(cause).Msg("aborted process group")
}

// deliver routes an incoming frame to its source's inbox.
func (g *Group) deliver(src int, kind frameKind, payload []byte) {
	switch kind {
	case frameTensor:
		g.inboxes[src].push(payload)
	case frameAbort:
		g.logger.Error().Int("peer", src).Str("reason", string(payload)).Msg("peer aborted")
		g.inboxes[src].fail(&AbortError{Peer: src, Reason: string(payload)})
	}
}

func (g *Group) checkRank(rank int) error {
	if rank < 0 || rank >= g.opts.WorldSize {
		return fmt.Errorf("%w: %d not in [0, %d)", collcomm.ErrUnknownRank, rank, g.opts.WorldSize)
	}
	return nil
}
