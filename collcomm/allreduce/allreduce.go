// Package allreduce implements ring all-reduce of
// gradients between workers that each hold a full set of
// locally accumulated gradients.
package allreduce

import "github.com/unixpickle/gradsync/collcomm"

// GradientStore is the part of a worker's gradient
// accumulator that the ring exchange reads and merges
// into.
//
// gradstore.Store implements GradientStore.
type GradientStore interface {
	// Gradient gets the accumulated gradient of a
	// variable.
	Gradient(name string) []float64

	// SampleCount gets the number of samples that the
	// gradients were summed over.
	SampleCount() int

	// Accumulate adds gradients and their sample count.
	Accumulate(grads collcomm.Gradients, count int) error

	// Overwrite replaces gradients, keeping the count.
	Overwrite(grads collcomm.Gradients) error

	// ApplyUpdate runs the optimizer on the aggregate.
	ApplyUpdate() error
}

// A Synchronizer makes a worker's gradients consistent with
// the rest of the cluster and applies the update.
//
// Sync must be called by every worker once per
// optimization step.
type Synchronizer interface {
	Sync() error
}
