// Package metrics exports Prometheus instruments for ring
// traffic.
package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	OpSend = "send"
	OpRecv = "recv"
)

var (
	registerOnce sync.Once

	transfers = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ringtrain",
			Subsystem: "comm",
			Name:      "payloads_total",
			Help:      "Payload transfers by operation and outcome.",
		},
		[]string{"rank", "peer", "op", "success"},
	)
	transferBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ringtrain",
			Subsystem: "comm",
			Name:      "bytes_total",
			Help:      "Tensor bytes moved by completed transfers.",
		},
		[]string{"rank", "peer", "op"},
	)
	transferDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ringtrain",
			Subsystem: "comm",
			Name:      "transfer_duration_seconds",
			Help:      "Time spent blocked in one payload send or receive.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 10),
		},
		[]string{"rank", "op"},
	)
	iterations = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "ringtrain",
			Subsystem: "ring",
			Name:      "completed_iterations",
			Help:      "Local cycles completed by the ring loop.",
		},
		[]string{"rank", "role"},
	)
)

// Register adds the instruments to the default registry.
// It is safe to call more than once.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(transfers, transferBytes, transferDuration, iterations)
	})
}

// RecordTransfer records one payload send or receive.
func RecordTransfer(rank, peer int, op string, bytes int, duration time.Duration, success bool) {
	Register()
	rankLabel := strconv.Itoa(rank)
	peerLabel := strconv.Itoa(peer)
	transfers.WithLabelValues(rankLabel, peerLabel, op, strconv.FormatBool(success)).Inc()
	if success {
		transferBytes.WithLabelValues(rankLabel, peerLabel, op).Add(float64(bytes))
	}
	transferDuration.WithLabelValues(rankLabel, op).Observe(duration.Seconds())
}

// SetIterations records the number of completed local
// cycles.
func SetIterations(rank int, role string, n int) {
	Register()
	iterations.WithLabelValues(strconv.Itoa(rank), role).Set(float64(n))
}
