package gradstore

import (
	"errors"
	"math"
	"reflect"
	"testing"

	"github.com/unixpickle/gradsync/collcomm"
)

func testVariables() []Variable {
	return []Variable{
		{Name: "w", Value: []float64{1, 2}},
		{Name: "b", Value: []float64{0.5}},
	}
}

func TestStoreMerge(t *testing.T) {
	s, err := NewStore(testVariables(), &SGD{LearningRate: 1})
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(s.Names(), []string{"w", "b"}) {
		t.Errorf("unexpected names: %v", s.Names())
	}

	if err := s.Accumulate(collcomm.Gradients{"w": {1, 1}}, 2); err != nil {
		t.Fatal(err)
	}
	if err := s.Accumulate(collcomm.Gradients{"w": {2, 3}, "b": {4}}, 3); err != nil {
		t.Fatal(err)
	}
	if g := s.Gradient("w"); !reflect.DeepEqual(g, []float64{3, 4}) {
		t.Errorf("unexpected w gradient: %v", g)
	}
	if s.SampleCount() != 5 {
		t.Errorf("expected count 5 but got %d", s.SampleCount())
	}

	if err := s.Overwrite(collcomm.Gradients{"b": {10}}); err != nil {
		t.Fatal(err)
	}
	if g := s.Gradient("b"); g[0] != 10 {
		t.Errorf("unexpected b gradient: %v", g)
	}
	if s.SampleCount() != 5 {
		t.Errorf("overwrite changed count to %d", s.SampleCount())
	}
}

func TestStoreShapeErrors(t *testing.T) {
	s, err := NewStore(testVariables(), &SGD{LearningRate: 1})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Accumulate(collcomm.Gradients{"x": {1}}, 1); err == nil {
		t.Error("expected error for unknown variable")
	}
	if err := s.Overwrite(collcomm.Gradients{"w": {1}}); err == nil {
		t.Error("expected error for wrong size")
	}
	if s.SampleCount() != 0 {
		t.Errorf("failed accumulate changed count to %d", s.SampleCount())
	}

	_, err = NewStore([]Variable{{Name: "a"}, {Name: "a"}}, nil)
	if !errors.Is(err, collcomm.ErrConfiguration) {
		t.Errorf("expected configuration error but got %v", err)
	}
}

func TestStoreApplyUpdate(t *testing.T) {
	s, err := NewStore(testVariables(), &SGD{LearningRate: 0.5})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Accumulate(collcomm.Gradients{"w": {4, -4}, "b": {2}}, 2); err != nil {
		t.Fatal(err)
	}
	if err := s.ApplyUpdate(); err != nil {
		t.Fatal(err)
	}

	// Mean gradients are {2, -2} and {1}.
	expected := map[string][]float64{"w": {0, 3}, "b": {0}}
	for name, exp := range expected {
		for i, x := range exp {
			if math.Abs(s.Value(name)[i]-x) > 1e-9 {
				t.Errorf("%s[%d]: expected %f but got %f", name, i, x, s.Value(name)[i])
			}
		}
	}
	if s.SampleCount() != 0 || s.Gradient("w")[0] != 0 {
		t.Error("accumulator was not cleared")
	}

	// An empty accumulator leaves the variables alone.
	if err := s.ApplyUpdate(); err != nil {
		t.Fatal(err)
	}
	if s.Value("w")[1] != 3 {
		t.Errorf("empty update changed w to %v", s.Value("w"))
	}
}

func TestStoreSetValues(t *testing.T) {
	vars := testVariables()
	s, err := NewStore(vars, &SGD{LearningRate: 1})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.SetValues(collcomm.Gradients{"w": {7, 8}}); err != nil {
		t.Fatal(err)
	}
	if vars[0].Value[0] != 1 {
		t.Error("store aliases the caller's variables")
	}
	got := s.Variables()
	if !reflect.DeepEqual(got[0].Value, []float64{7, 8}) || got[1].Value[0] != 0.5 {
		t.Errorf("unexpected variables: %v", got)
	}
}
