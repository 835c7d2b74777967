package config

import (
	"fmt"
	"io"
)

const usageText = `Ring parameter passing

Usage: ringtrain --rank R --world-size N [options]

Required arguments:
    --rank [int] Rank of the local process, in [0, world size).
    --world-size [int] Total number of processes in the ring.

Optional arguments:
    --backend [string] Process group backend ('tcp', 'grpc', 'mpi' or 'gloo'). Default '%s'.
    --master [string] Address of the master process. Default '%s'.
    --master-port [int] Port of the master's rendezvous service. Default %d.
    --iterations [int] Number of laps the parameters make around the ring. Default %d.
    --announce-port [int] Reserved. Default %d.
    --communication-frequency [int] Reserved. Default %d.
    --listen [host:port] Local data plane address. Default 127.0.0.1 on a random port.
    --advertise [host:port] Data plane address given to peers. Default the listen address.
    --hop-timeout [duration] Bound on each send and receive. Default none.
    --connect-timeout [duration] Bound on the bootstrap. Default none.
    --metrics-addr [host:port] Serve Prometheus metrics on this address.
    --log-level [string] trace, debug, info, warn, error or disabled. Default info.
    --log-json Write logs as JSON.
    --features [int] Input features of the model. Default %d.
    --hidden [int] Hidden units of the model. Default %d.
    --seed [int] Seed for the master's initial parameters. Default %d.
    --config [path] TOML file with any of the settings above, using
        underscores instead of dashes. Flags override the file.
`

// Usage writes the command-line help.
func Usage(w io.Writer) {
	fmt.Fprintf(w, usageText, DefaultBackend, DefaultMasterAddr, DefaultMasterPort, DefaultIterations,
		DefaultAnnouncePort, DefaultCommunicationFrequency, DefaultFeatures, DefaultHidden, DefaultSeed)
}
