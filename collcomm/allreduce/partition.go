package allreduce

import "github.com/unixpickle/gradsync/collcomm"

// A Range is a half-open range [Start, End) of indices
// into the ordered variable list.
type Range struct {
	Start int
	End   int
}

// Len gets the number of variables in the range.
func (r Range) Len() int {
	return r.End - r.Start
}

// PartitionVariables splits numVars ordered variables
// into numWorkers contiguous ranges.
//
// The first numWorkers-1 ranges get exactly
// numVars/numWorkers variables each, and the last range
// takes the remainder as well, so it may be larger.
//
// It is a configuration error to have fewer variables
// than workers.
func PartitionVariables(numVars, numWorkers int) ([]Range, error) {
	if numWorkers < 1 {
		return nil, collcomm.ConfigError("invalid worker count %d", numWorkers)
	}
	partLength := numVars / numWorkers
	if partLength == 0 {
		return nil, collcomm.ConfigError("cannot split %d variables across %d workers",
			numVars, numWorkers)
	}
	ranges := make([]Range, numWorkers)
	for i := range ranges[:numWorkers-1] {
		ranges[i] = Range{Start: i * partLength, End: (i + 1) * partLength}
	}
	ranges[numWorkers-1] = Range{Start: (numWorkers - 1) * partLength, End: numVars}
	return ranges, nil
}
