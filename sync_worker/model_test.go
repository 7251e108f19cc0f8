package main

import (
	"math"
	"math/rand"
	"testing"

	"github.com/unixpickle/gradsync/collcomm"
	"github.com/unixpickle/gradsync/collcomm/allreduce"
	"github.com/unixpickle/gradsync/gradstore"
)

func TestModelRingSync(t *testing.T) {
	const dim = 4
	for _, numWorkers := range []int{2, 3, dim + 1} {
		network := collcomm.NewMemNetwork(numWorkers, 0)
		transports := make([]collcomm.Transport, numWorkers)
		for i := range transports {
			transports[i] = network.Endpoint(i)
		}
		model := newLinearModel(dim, rand.New(rand.NewSource(1)))
		sim, err := allreduce.NewSimulation(transports, model.Variables(),
			&gradstore.SGD{LearningRate: 0.1})
		if err != nil {
			t.Fatalf("%d workers: %v", numWorkers, err)
		}

		data := newTargetModel(dim)
		for i, store := range sim.Stores {
			xs, ys := data.Sample(rand.New(rand.NewSource(int64(i))), 8)
			grads, _ := lossGradient(store, xs, ys)
			if err := store.Accumulate(grads, len(xs)); err != nil {
				t.Fatal(err)
			}
		}
		if err := sim.Run((*allreduce.Ring).Sync); err != nil {
			t.Fatalf("%d workers: %v", numWorkers, err)
		}
		for _, name := range sim.Stores[0].Names() {
			expected := sim.Stores[0].Value(name)[0]
			for i, store := range sim.Stores[1:] {
				if actual := store.Value(name)[0]; math.Abs(actual-expected) > 1e-8 {
					t.Errorf("%d workers: worker %d has %s=%f but worker 0 has %f",
						numWorkers, i+1, name, actual, expected)
				}
			}
		}
		network.Close()
	}
}

func TestLossGradient(t *testing.T) {
	const dim = 3
	const epsilon = 1e-6
	model := newLinearModel(dim, rand.New(rand.NewSource(2)))
	store, err := gradstore.NewStore(model.Variables(), &gradstore.SGD{LearningRate: 1})
	if err != nil {
		t.Fatal(err)
	}
	xs, ys := newTargetModel(dim).Sample(rand.New(rand.NewSource(3)), 5)
	grads, loss := lossGradient(store, xs, ys)

	for _, name := range store.Names() {
		value := store.Value(name)
		old := value[0]
		value[0] = old + epsilon
		_, shifted := lossGradient(store, xs, ys)
		value[0] = old
		approx := (shifted - loss) / epsilon
		if math.Abs(approx-grads[name][0]) > 1e-3 {
			t.Errorf("%s: expected gradient %f but got %f", name, approx, grads[name][0])
		}
	}
}
