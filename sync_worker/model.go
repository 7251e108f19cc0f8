package main

import (
	"fmt"
	"math/rand"

	"github.com/unixpickle/gradsync/collcomm"
	"github.com/unixpickle/gradsync/gradstore"
)

// linearModel holds randomly initialized weights for
// y = w*x + b.
//
// Every weight is its own variable, so a ring can split
// the model across up to len(w)+1 workers.
type linearModel struct {
	w []float64
	b float64
}

func newLinearModel(dim int, gen *rand.Rand) *linearModel {
	res := &linearModel{w: make([]float64, dim), b: gen.NormFloat64()}
	for i := range res.w {
		res.w[i] = gen.NormFloat64()
	}
	return res
}

func (l *linearModel) Variables() []gradstore.Variable {
	res := make([]gradstore.Variable, 0, len(l.w)+1)
	for i, x := range l.w {
		res = append(res, gradstore.Variable{Name: weightName(i), Value: []float64{x}})
	}
	return append(res, gradstore.Variable{Name: "b", Value: []float64{l.b}})
}

// zeroValues gets all-zero values for a model's variables.
func zeroValues(dim int) collcomm.Gradients {
	res := collcomm.Gradients{"b": {0}}
	for i := 0; i < dim; i++ {
		res[weightName(i)] = []float64{0}
	}
	return res
}

func weightName(i int) string {
	return fmt.Sprintf("w%d", i)
}

// targetModel generates noisy samples from a fixed linear
// function that is the same on every worker.
type targetModel struct {
	linearModel
}

func newTargetModel(dim int) *targetModel {
	return &targetModel{linearModel: *newLinearModel(dim, rand.New(rand.NewSource(1337)))}
}

func (t *targetModel) Sample(gen *rand.Rand, n int) ([][]float64, []float64) {
	xs := make([][]float64, n)
	ys := make([]float64, n)
	for i := range xs {
		x := make([]float64, len(t.w))
		for j := range x {
			x[j] = gen.NormFloat64()
		}
		xs[i] = x
		ys[i] = dot(t.w, x) + t.b + 0.01*gen.NormFloat64()
	}
	return xs, ys
}

// lossGradient computes the gradient of the squared error
// 0.5*(w*x+b-y)^2, summed over the samples, along with the
// summed loss.
func lossGradient(store *gradstore.Store, xs [][]float64, ys []float64) (collcomm.Gradients, float64) {
	dim := len(store.Names()) - 1
	w := make([]float64, dim)
	for j := range w {
		w[j] = store.Value(weightName(j))[0]
	}
	b := store.Value("b")[0]

	gw := make([]float64, dim)
	var gb, loss float64
	for i, x := range xs {
		diff := dot(w, x) + b - ys[i]
		loss += 0.5 * diff * diff
		for j, xj := range x {
			gw[j] += diff * xj
		}
		gb += diff
	}

	grads := collcomm.Gradients{"b": {gb}}
	for j, g := range gw {
		grads[weightName(j)] = []float64{g}
	}
	return grads, loss
}

func dot(v1, v2 []float64) float64 {
	var res float64
	for i, x := range v1 {
		res += x * v2[i]
	}
	return res
}
