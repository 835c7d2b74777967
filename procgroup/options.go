package procgroup

import (
	"fmt"
	"net"
	"time"
)

// A Backend names the data plane a group uses.
type Backend string

const (
	BackendTCP  Backend = "tcp"
	BackendGRPC Backend = "grpc"
	BackendMPI  Backend = "mpi"
	BackendGloo Backend = "gloo"
)

// Backends lists every backend name Init recognizes,
// including the ones it cannot start.
var Backends = []Backend{BackendTCP, BackendGRPC, BackendMPI, BackendGloo}

// Known reports whether b is a recognized backend name.
func (b Backend) Known() bool {
	for _, x := range Backends {
		if x == b {
			return true
		}
	}
	return false
}

// Supported reports whether Init can start b.
func (b Backend) Supported() bool {
	return b == BackendTCP || b == BackendGRPC
}

// Options configures Init.
type Options struct {
	Rank      int
	WorldSize int
	Backend   Backend

	// MasterAddr and MasterPort locate the rendezvous
	// service, which rank 0 hosts.
	MasterAddr string
	MasterPort int

	// ListenAddr is the local data plane address.
	// It defaults to 127.0.0.1 with a random port.
	ListenAddr string

	// AdvertiseAddr, if set, is the data plane address
	// given to peers instead of the bound address.
	AdvertiseAddr string

	// ConnectTimeout, if non-zero, bounds the whole
	// bootstrap.
	ConnectTimeout time.Duration

	// Backoff paces dial and readiness retries.
	Backoff BackoffConfig

	// MaxMessageBytes bounds a single encoded tensor.
	// It defaults to DefaultMaxMessageBytes.
	MaxMessageBytes uint64
}

// DefaultMaxMessageBytes fits a float32 matrix with a
// billion elements.
const DefaultMaxMessageBytes = 4 << 30

func (o Options) withDefaults() Options {
	if o.ListenAddr == "" {
		o.ListenAddr = "127.0.0.1:0"
	}
	if o.Backoff == (BackoffConfig{}) {
		o.Backoff = DefaultBackoff()
	}
	if o.MaxMessageBytes == 0 {
		o.MaxMessageBytes = DefaultMaxMessageBytes
	}
	return o
}

func (o Options) validate() error {
	if o.WorldSize < 1 {
		return fmt.Errorf("%w: world size %d", ErrInvalidOptions, o.WorldSize)
	}
	if o.Rank < 0 || o.Rank >= o.WorldSize {
		return fmt.Errorf("%w: rank %d not in [0, %d)", ErrInvalidOptions, o.Rank, o.WorldSize)
	}
	if !o.Backend.Known() {
		return fmt.Errorf("%w: %q", ErrUnknownBackend, o.Backend)
	}
	if !o.Backend.Supported() {
		return fmt.Errorf("%w: %s", ErrUnsupportedBackend, o.Backend)
	}
	if o.MasterPort <= 0 || o.MasterPort > 65535 {
		return fmt.Errorf("%w: master port %d", ErrInvalidOptions, o.MasterPort)
	}
	if o.MasterAddr == "" {
		return fmt.Errorf("%w: empty master address", ErrInvalidOptions)
	}
	return nil
}

func (o Options) masterTarget() string {
	return net.JoinHostPort(o.MasterAddr, fmt.Sprint(o.MasterPort))
}
