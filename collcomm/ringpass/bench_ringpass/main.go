package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/rs/zerolog"
	"github.com/unixpickle/essentials"
	"github.com/unixpickle/ringtrain/collcomm"
	"github.com/unixpickle/ringtrain/collcomm/ringpass"
	"github.com/unixpickle/ringtrain/simulator"
	"github.com/unixpickle/ringtrain/tensor"
)

const Iterations = 4

// RunInfo describes a specific network configuration.
type RunInfo struct {
	NumNodes int
	Latency  float64
	Rate     float64
}

// Run creates a network and runs the ring on every host,
// each in its own Goroutine.
func (r *RunInfo) Run(loop *simulator.EventLoop, hidden int, update func(h *simulator.Handle) collcomm.UpdateFn) {
	nodes := make([]*simulator.Node, r.NumNodes)
	for i := range nodes {
		nodes[i] = simulator.NewNode()
	}
	network := simulator.NewOrderedNetwork(r.Rate, r.Latency)
	collcomm.SpawnTransports(loop, network, nodes, func(t *collcomm.SimTransport) {
		runner := &ringpass.Runner{
			Iterations: Iterations,
			Update:     update(t.Handle),
			Logger:     zerolog.Nop(),
		}
		payload := tensor.NewMLP(hidden, hidden)
		_, err := runner.Run(context.Background(), collcomm.NewComms(t, zerolog.Nop()), payload)
		essentials.Must(err)
	})
	loop.MustRun()
}

func main() {
	updateNames := []string{"Noop", "Update"}
	updates := []func(h *simulator.Handle) collcomm.UpdateFn{
		func(h *simulator.Handle) collcomm.UpdateFn {
			return collcomm.Noop
		},
		func(h *simulator.Handle) collcomm.UpdateFn {
			return collcomm.SimulatedUpdate(h, collcomm.Noop)
		},
	}
	runs := []RunInfo{
		{
			NumNodes: 2,
			Latency:  0.1,
			Rate:     1e6,
		},
		{
			NumNodes: 16,
			Latency:  1e-3,
			Rate:     1e6,
		},
		{
			NumNodes: 32,
			Latency:  0.1,
			Rate:     1e9,
		},
		{
			NumNodes: 32,
			Latency:  1e-4,
			Rate:     1e9,
		},
	}
	hiddenSizes := []int{4, 100, 1000}

	// Markdown table header.
	fmt.Print("| Nodes | Latency | NIC rate | Bytes ")
	for _, name := range updateNames {
		fmt.Printf("| %s ", name)
	}
	fmt.Println("|")
	for i := 0; i < 4+len(updates); i++ {
		fmt.Print("|:--")
	}
	fmt.Println("|")

	// Markdown table body.
	for _, runInfo := range runs {
		for _, hidden := range hiddenSizes {
			fmt.Printf(
				"| %d | %s | %s | %d ",
				runInfo.NumNodes,
				strconv.FormatFloat(runInfo.Latency, 'f', -1, 64),
				strconv.FormatFloat(runInfo.Rate, 'E', -1, 64),
				tensor.NewMLP(hidden, hidden).Bytes(),
			)
			for _, update := range updates {
				loop := simulator.NewEventLoop()
				runInfo.Run(loop, hidden, update)
				fmt.Printf("| %f ", loop.Time())
			}
			fmt.Println("|")
		}
	}
}
