package gradstore

import (
	"github.com/pkg/errors"
	"golang.org/x/exp/constraints"
)

// An Optimizer updates variables from gradients that were
// summed over count samples.
type Optimizer interface {
	Update(params, grads map[string][]float64, count int) error
}

// SGD is plain stochastic gradient descent on the mean
// gradient.
type SGD struct {
	LearningRate float64
}

// Update subtracts LearningRate times the mean gradient
// from every variable.
func (s *SGD) Update(params, grads map[string][]float64, count int) error {
	if count <= 0 {
		return errors.Errorf("invalid sample count %d", count)
	}
	for name, grad := range grads {
		param, ok := params[name]
		if !ok {
			return errors.Errorf("no variable for gradient %q", name)
		}
		axpy(param, grad, -s.LearningRate/float64(count))
	}
	return nil
}

// axpy computes y += a*x.
func axpy[F constraints.Float](y, x []F, a F) {
	if len(y) != len(x) {
		panic("mismatching lengths")
	}
	for i, v := range x {
		y[i] += a * v
	}
}
