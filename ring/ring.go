// Package ring computes the neighbors and roles of ranks
// arranged in a logical ring.
package ring

import (
	"errors"
	"fmt"
)

// MasterRank is the rank that seeds and drains the ring.
const MasterRank = 0

var (
	ErrInvalidWorldSize = errors.New("ring: world size must be positive")
	ErrRankOutOfRange   = errors.New("ring: rank out of range")
)

// A Role determines which control loop a rank runs.
type Role int

const (
	Worker Role = iota
	Master
)

// RoleOf returns the role of a rank.
func RoleOf(rank int) Role {
	if rank == MasterRank {
		return Master
	}
	return Worker
}

func (r Role) String() string {
	switch r {
	case Master:
		return "master"
	case Worker:
		return "worker"
	default:
		return fmt.Sprintf("Role(%d)", int(r))
	}
}

// Next returns the rank that follows rank in a ring of
// size ranks.
func Next(rank, size int) int {
	return (rank + 1) % size
}

// Previous returns the rank that precedes rank in a ring
// of size ranks.
func Previous(rank, size int) int {
	return (rank - 1 + size) % size
}

// Topology is one rank's view of the ring.
//
// A Topology is computed once at startup and never
// changes for the lifetime of a run.
type Topology struct {
	rank int
	size int
}

// New creates the Topology for a rank.
//
// For size == 1, the single rank is its own next and
// previous neighbor.
func New(rank, size int) (Topology, error) {
	if size < 1 {
		return Topology{}, fmt.Errorf("%w: %d", ErrInvalidWorldSize, size)
	}
	if rank < 0 || rank >= size {
		return Topology{}, fmt.Errorf("%w: rank %d, world size %d", ErrRankOutOfRange, rank, size)
	}
	return Topology{rank: rank, size: size}, nil
}

// Rank gets the local rank.
func (t Topology) Rank() int {
	return t.rank
}

// Size gets the world size.
func (t Topology) Size() int {
	return t.size
}

// Next gets the rank payloads are sent to.
func (t Topology) Next() int {
	return Next(t.rank, t.size)
}

// Previous gets the rank payloads are received from.
func (t Topology) Previous() int {
	return Previous(t.rank, t.size)
}

// Role gets the local rank's role.
func (t Topology) Role() Role {
	return RoleOf(t.rank)
}

// Degenerate reports whether the ring consists of a
// single rank that talks to itself.
func (t Topology) Degenerate() bool {
	return t.size == 1
}

func (t Topology) String() string {
	return fmt.Sprintf("rank %d/%d (%s, prev=%d, next=%d)", t.rank, t.size, t.Role(),
		t.Previous(), t.Next())
}
