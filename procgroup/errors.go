package procgroup

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidOptions     = errors.New("procgroup: invalid options")
	ErrUnknownBackend     = errors.New("procgroup: unknown backend")
	ErrUnsupportedBackend = errors.New("procgroup: backend not supported")
	ErrRendezvous         = errors.New("procgroup: rendezvous rejected")
	ErrRunMismatch        = errors.New("procgroup: peer belongs to another run")
	ErrPeerAborted        = errors.New("procgroup: peer aborted")
	ErrPeerClosed         = errors.New("procgroup: peer closed connection")
	ErrClosed             = errors.New("procgroup: group closed")
)

// Bootstrap stages, in the order Init runs them.
const (
	StageValidate   = "validate"
	StageListen     = "listen"
	StageRendezvous = "rendezvous"
	StageConnect    = "connect"
)

// BootstrapError is returned when Init cannot establish
// the group.
type BootstrapError struct {
	Rank  int
	Stage string
	Err   error
}

func (b *BootstrapError) Error() string {
	return fmt.Sprintf("procgroup: bootstrap rank %d (%s): %v", b.Rank, b.Stage, b.Err)
}

func (b *BootstrapError) Unwrap() error {
	return b.Err
}

// AbortError is returned by receives from a peer that
// shut down with an error.
type AbortError struct {
	Peer   int
	Reason string
}

func (a *AbortError) Error() string {
	return fmt.Sprintf("procgroup: rank %d aborted: %s", a.Peer, a.Reason)
}

func (a *AbortError) Is(target error) bool {
	return target == ErrPeerAborted
}
