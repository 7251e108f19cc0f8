package collcomm

import "golang.org/x/exp/constraints"

// A ReduceFn merges a received vector into a local vector
// in place.
type ReduceFn func(dst, src []float64)

// Sum is the scatter-reduce merge: it adds src to dst.
func Sum(dst, src []float64) {
	addInto(dst, src)
}

// Replace is the all-gather merge: it overwrites dst with
// src.
func Replace(dst, src []float64) {
	if len(dst) != len(src) {
		panic("mismatching lengths")
	}
	copy(dst, src)
}

func addInto[F constraints.Float](dst, src []F) {
	if len(dst) != len(src) {
		panic("mismatching lengths")
	}
	for i, x := range src {
		dst[i] += x
	}
}
