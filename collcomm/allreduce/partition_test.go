package allreduce

import (
	"errors"
	"reflect"
	"testing"

	"github.com/unixpickle/gradsync/collcomm"
)

func TestPartitionVariables(t *testing.T) {
	for numWorkers := 1; numWorkers <= 9; numWorkers++ {
		for numVars := numWorkers; numVars <= 4*numWorkers+5; numVars++ {
			ranges, err := PartitionVariables(numVars, numWorkers)
			if err != nil {
				t.Fatalf("W=%d L=%d: %v", numWorkers, numVars, err)
			}
			if len(ranges) != numWorkers {
				t.Fatalf("W=%d L=%d: got %d ranges", numWorkers, numVars, len(ranges))
			}
			var next int
			for i, r := range ranges {
				if r.Start != next {
					t.Fatalf("W=%d L=%d: range %d starts at %d, expected %d",
						numWorkers, numVars, i, r.Start, next)
				}
				if i < numWorkers-1 && r.Len() != numVars/numWorkers {
					t.Fatalf("W=%d L=%d: range %d has length %d", numWorkers, numVars, i, r.Len())
				}
				if r.Len() < numVars/numWorkers {
					t.Fatalf("W=%d L=%d: range %d is too short", numWorkers, numVars, i)
				}
				next = r.End
			}
			if next != numVars {
				t.Fatalf("W=%d L=%d: ranges end at %d", numWorkers, numVars, next)
			}
		}
	}
}

func TestPartitionVariablesRemainder(t *testing.T) {
	ranges, err := PartitionVariables(6, 3)
	if err != nil {
		t.Fatal(err)
	}
	if expected := []Range{{0, 2}, {2, 4}, {4, 6}}; !reflect.DeepEqual(ranges, expected) {
		t.Errorf("expected %v but got %v", expected, ranges)
	}

	ranges, err = PartitionVariables(11, 4)
	if err != nil {
		t.Fatal(err)
	}
	if expected := []Range{{0, 2}, {2, 4}, {4, 6}, {6, 11}}; !reflect.DeepEqual(ranges, expected) {
		t.Errorf("expected %v but got %v", expected, ranges)
	}
}

func TestPartitionVariablesErrors(t *testing.T) {
	for _, args := range [][2]int{{2, 3}, {0, 1}, {5, 0}} {
		_, err := PartitionVariables(args[0], args[1])
		if !errors.Is(err, collcomm.ErrConfiguration) {
			t.Errorf("L=%d W=%d: expected configuration error but got %v", args[0], args[1], err)
		}
	}
}
