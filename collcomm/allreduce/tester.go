package allreduce

import (
	"fmt"
	"math"
	"math/rand"
	"testing"

	"github.com/unixpickle/essentials"
	"github.com/unixpickle/gradsync/collcomm"
	"github.com/unixpickle/gradsync/gradstore"
)

// A Simulation is a set of workers, each with its own
// store and ring coordinator, running in one process.
type Simulation struct {
	Stores []*gradstore.Store
	Rings  []*Ring
}

// NewSimulation creates one worker per transport, where
// transports[i] belongs to the worker of rank i.
func NewSimulation(transports []collcomm.Transport, vars []gradstore.Variable,
	opt gradstore.Optimizer) (*Simulation, error) {
	names := make([]string, len(vars))
	for i, v := range vars {
		names[i] = v.Name
	}
	res := &Simulation{}
	for rank, transport := range transports {
		store, err := gradstore.NewStore(vars, opt)
		if err != nil {
			return nil, err
		}
		ring, err := NewRing(rank, len(transports), names, store, transport)
		if err != nil {
			return nil, err
		}
		res.Stores = append(res.Stores, store)
		res.Rings = append(res.Rings, ring)
	}
	return res, nil
}

// Run calls f on every worker's ring at once and returns
// the first error, if any.
func (s *Simulation) Run(f func(r *Ring) error) error {
	errs := make([]error, len(s.Rings))
	essentials.ConcurrentMap(len(s.Rings), len(s.Rings), func(i int) {
		errs[i] = f(s.Rings[i])
	})
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// AccumulateRandom gives every worker random gradients and
// sample counts, and returns their cluster-wide sums.
func (s *Simulation) AccumulateRandom() (collcomm.Gradients, int, error) {
	sum := collcomm.Gradients{}
	var total int
	for _, store := range s.Stores {
		grads := collcomm.Gradients{}
		for _, v := range store.Variables() {
			vec := make([]float64, len(v.Value))
			for i := range vec {
				vec[i] = rand.NormFloat64()
			}
			grads[v.Name] = vec
			if sum[v.Name] == nil {
				sum[v.Name] = make([]float64, len(vec))
			}
			collcomm.Sum(sum[v.Name], vec)
		}
		count := rand.Intn(10) + 1
		if err := store.Accumulate(grads, count); err != nil {
			return nil, 0, err
		}
		total += count
	}
	return sum, total, nil
}

// RandomVariables creates numVars variables of assorted
// sizes.
func RandomVariables(numVars int) []gradstore.Variable {
	res := make([]gradstore.Variable, numVars)
	for i := range res {
		value := make([]float64, 1+i%3)
		for j := range value {
			value[j] = rand.NormFloat64()
		}
		res[i] = gradstore.Variable{Name: fmt.Sprintf("var%d", i), Value: value}
	}
	return res
}

// RunRingTests runs a battery of tests on rings connected
// by the transports from makeTransports.
func RunRingTests(t *testing.T, makeTransports func(t *testing.T, size int) []collcomm.Transport) {
	for _, numWorkers := range []int{1, 2, 3, 5, 8} {
		for _, numVars := range []int{numWorkers, numWorkers*2 + 3} {
			testName := fmt.Sprintf("Workers=%d,Vars=%d", numWorkers, numVars)
			t.Run(testName, func(t *testing.T) {
				sim, err := NewSimulation(makeTransports(t, numWorkers), RandomVariables(numVars),
					&gradstore.SGD{LearningRate: 0.1})
				if err != nil {
					t.Fatal(err)
				}
				sum, total, err := sim.AccumulateRandom()
				if err != nil {
					t.Fatal(err)
				}

				if err := sim.Run((*Ring).ScatterReduce); err != nil {
					t.Fatal(err)
				}
				verifyScatterResults(t, sim, sum, total)

				if err := sim.Run((*Ring).AllGather); err != nil {
					t.Fatal(err)
				}
				verifyGatherResults(t, sim, sum, total)
			})
		}
	}
}

func verifyScatterResults(t *testing.T, sim *Simulation, sum collcomm.Gradients, total int) {
	for rank, ring := range sim.Rings {
		store := sim.Stores[rank]
		if store.SampleCount() != total {
			t.Errorf("worker %d has count %d but expected %d", rank, store.SampleCount(), total)
		}
		rng := ring.Ranges()[ring.ReducedPartition()]
		for _, name := range ring.names[rng.Start:rng.End] {
			if !vecsClose(store.Gradient(name), sum[name]) {
				t.Errorf("worker %d: reduced %s is %v but expected %v", rank, name,
					store.Gradient(name), sum[name])
			}
		}
	}
}

func verifyGatherResults(t *testing.T, sim *Simulation, sum collcomm.Gradients, total int) {
	first := sim.Stores[0]
	for rank, store := range sim.Stores {
		if store.SampleCount() != total {
			t.Errorf("worker %d has count %d but expected %d", rank, store.SampleCount(), total)
		}
		for name, expected := range sum {
			actual := store.Gradient(name)
			if !vecsClose(actual, expected) {
				t.Errorf("worker %d: %s is %v but expected %v", rank, name, actual, expected)
				continue
			}
			for i, x := range actual {
				if x != first.Gradient(name)[i] {
					t.Errorf("worker %d: %s is not identical to worker 0", rank, name)
					break
				}
			}
		}
	}
}

func vecsClose(actual, expected []float64) bool {
	if len(actual) != len(expected) {
		return false
	}
	for i, x := range expected {
		if math.Abs(x-actual[i]) > 1e-8 {
			return false
		}
	}
	return true
}
