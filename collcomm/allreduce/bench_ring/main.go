// Command bench_ring measures how long a ring gradient sync
// takes on an in-process network for various cluster and
// model sizes, and prints the results as a Markdown table.
package main

import (
	"flag"
	"fmt"
	"strconv"
	"time"

	"github.com/golang/glog"
	"github.com/unixpickle/essentials"
	"github.com/unixpickle/gradsync/collcomm"
	"github.com/unixpickle/gradsync/collcomm/allreduce"
	"github.com/unixpickle/gradsync/gradstore"
)

// RunInfo describes a specific network configuration.
type RunInfo struct {
	NumWorkers int
	Latency    time.Duration
}

// Run creates a ring with one worker per rank and times a
// single synchronization step.
func (r *RunInfo) Run(vars []gradstore.Variable) time.Duration {
	network := collcomm.NewMemNetwork(r.NumWorkers, r.Latency)
	defer network.Close()
	transports := make([]collcomm.Transport, r.NumWorkers)
	for i := range transports {
		transports[i] = network.Endpoint(i)
	}
	sim, err := allreduce.NewSimulation(transports, vars, &gradstore.SGD{LearningRate: 0.01})
	essentials.Must(err)
	_, _, err = sim.AccumulateRandom()
	essentials.Must(err)

	start := time.Now()
	essentials.Must(sim.Run((*allreduce.Ring).Sync))
	return time.Since(start)
}

func main() {
	steps := flag.Int("steps", 3, "timed steps per configuration")
	flag.Parse()
	defer glog.Flush()
	if *steps < 1 {
		glog.Exitf("invalid step count: %d", *steps)
	}

	runs := []RunInfo{
		{NumWorkers: 2, Latency: 0},
		{NumWorkers: 4, Latency: 0},
		{NumWorkers: 8, Latency: 0},
		{NumWorkers: 8, Latency: time.Millisecond},
		{NumWorkers: 16, Latency: 100 * time.Microsecond},
	}
	numVars := []int{16, 256, 4096}

	// Markdown table header.
	fmt.Println("| Workers | Latency | Variables | Mean sync |")
	fmt.Println("|:--|:--|:--|:--|")

	// Markdown table body.
	for _, runInfo := range runs {
		for _, n := range numVars {
			vars := allreduce.RandomVariables(n)
			var total time.Duration
			for i := 0; i < *steps; i++ {
				total += runInfo.Run(vars)
			}
			fmt.Printf(
				"| %d | %s | %s | %s |\n",
				runInfo.NumWorkers,
				runInfo.Latency,
				strconv.Itoa(n),
				total/time.Duration(*steps),
			)
		}
	}
}
