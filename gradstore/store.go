// Package gradstore holds a worker's trainable variables
// and the gradients accumulated for them between
// optimizer steps.
package gradstore

import (
	"github.com/pkg/errors"
	"github.com/unixpickle/gradsync/collcomm"
)

// A Variable is a named trainable parameter.
//
// Every worker must build the same list of Variables, in
// the same order, at startup.
type Variable struct {
	Name  string
	Value []float64
}

// A Store accumulates summed gradients and a sample count
// for an ordered set of variables.
//
// A Store is not safe for concurrent use. During gradient
// synchronization it is only touched by the coordination
// Goroutine.
type Store struct {
	optimizer Optimizer

	names  []string
	params map[string][]float64
	grads  collcomm.Gradients
	count  int
}

// NewStore creates a Store with zero gradients.
//
// The variable values are copied.
func NewStore(vars []Variable, opt Optimizer) (*Store, error) {
	s := &Store{
		optimizer: opt,
		params:    map[string][]float64{},
		grads:     collcomm.Gradients{},
	}
	for _, v := range vars {
		if _, ok := s.params[v.Name]; ok {
			return nil, collcomm.ConfigError("duplicate variable %q", v.Name)
		}
		s.names = append(s.names, v.Name)
		s.params[v.Name] = append([]float64{}, v.Value...)
		s.grads[v.Name] = make([]float64, len(v.Value))
	}
	return s, nil
}

// Names gets the ordered variable names.
func (s *Store) Names() []string {
	return append([]string{}, s.names...)
}

// Variables gets a copy of the current variable values,
// in order.
func (s *Store) Variables() []Variable {
	res := make([]Variable, len(s.names))
	for i, name := range s.names {
		res[i] = Variable{Name: name, Value: append([]float64{}, s.params[name]...)}
	}
	return res
}

// Value gets the current value of a variable.
func (s *Store) Value(name string) []float64 {
	return s.params[name]
}

// SetValues overwrites variable values, e.g. with weights
// agreed upon by the cluster.
func (s *Store) SetValues(values collcomm.Gradients) error {
	if err := s.checkShapes(values); err != nil {
		return errors.Wrap(err, "set values")
	}
	for name, vec := range values {
		copy(s.params[name], vec)
	}
	return nil
}

// Gradient gets the accumulated gradient for a variable.
func (s *Store) Gradient(name string) []float64 {
	return s.grads[name]
}

// Gradients gets a copy of all accumulated gradients.
func (s *Store) Gradients() collcomm.Gradients {
	return s.grads.Copy()
}

// SampleCount gets the number of samples the gradients
// were summed over.
func (s *Store) SampleCount() int {
	return s.count
}

// SetSampleCount overrides the sample count.
func (s *Store) SetSampleCount(count int) {
	s.count = count
}

// Accumulate adds gradients computed over count samples.
func (s *Store) Accumulate(grads collcomm.Gradients, count int) error {
	if err := s.merge("accumulate", grads, collcomm.Sum); err != nil {
		return err
	}
	s.count += count
	return nil
}

// Overwrite replaces gradients, leaving the sample count
// as it is.
func (s *Store) Overwrite(grads collcomm.Gradients) error {
	return s.merge("overwrite", grads, collcomm.Replace)
}

func (s *Store) merge(op string, grads collcomm.Gradients, fn collcomm.ReduceFn) error {
	if err := s.checkShapes(grads); err != nil {
		return errors.Wrap(err, op)
	}
	for name, vec := range grads {
		fn(s.grads[name], vec)
	}
	return nil
}

// ApplyUpdate runs the optimizer on the accumulated
// gradients and then clears them.
//
// If no samples were accumulated, the variables are left
// unchanged.
func (s *Store) ApplyUpdate() error {
	if s.count > 0 {
		if err := s.optimizer.Update(s.params, s.grads, s.count); err != nil {
			return errors.Wrap(err, "apply update")
		}
	}
	for _, vec := range s.grads {
		for i := range vec {
			vec[i] = 0
		}
	}
	s.count = 0
	return nil
}

func (s *Store) checkShapes(grads collcomm.Gradients) error {
	for name, vec := range grads {
		param, ok := s.params[name]
		if !ok {
			return errors.Errorf("unknown variable %q", name)
		}
		if len(param) != len(vec) {
			return errors.Errorf("variable %q has size %d but got %d values",
				name, len(param), len(vec))
		}
	}
	return nil
}
