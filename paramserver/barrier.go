package paramserver

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/unixpickle/gradsync/collcomm"
)

// A Barrier blocks a fixed number of parties until all of
// them have arrived, and can be reused round after round.
//
// If any party gives up waiting, the barrier breaks: every
// waiting and future party gets ErrAggregationTimeout.
type Barrier struct {
	parties int

	lock    sync.Mutex
	arrived int
	gen     *generation
	broken  error
}

type generation struct {
	done chan struct{}
	err  error
}

// NewBarrier creates a barrier for some number of parties.
func NewBarrier(parties int) *Barrier {
	return &Barrier{
		parties: parties,
		gen:     &generation{done: make(chan struct{})},
	}
}

// Wait blocks until every party has called Wait for the
// current round.
//
// The last party to arrive calls onRelease, if it is not
// nil, before any party is released.
// If ctx is done before the round completes, the barrier
// breaks.
func (b *Barrier) Wait(ctx context.Context, onRelease func()) error {
	b.lock.Lock()
	if b.broken != nil {
		b.lock.Unlock()
		return b.broken
	}
	b.arrived++
	if b.arrived == b.parties {
		if onRelease != nil {
			onRelease()
		}
		b.arrived = 0
		close(b.gen.done)
		b.gen = &generation{done: make(chan struct{})}
		b.lock.Unlock()
		return nil
	}
	gen := b.gen
	b.lock.Unlock()

	select {
	case <-gen.done:
		return gen.err
	case <-ctx.Done():
	}

	b.lock.Lock()
	defer b.lock.Unlock()
	select {
	case <-gen.done:
		return gen.err
	default:
	}
	b.broken = errors.Wrapf(collcomm.ErrAggregationTimeout, "%d of %d parties arrived: %v",
		b.arrived, b.parties, ctx.Err())
	gen.err = b.broken
	close(gen.done)
	return b.broken
}

// Err gets the error that broke the barrier, if any.
func (b *Barrier) Err() error {
	b.lock.Lock()
	defer b.lock.Unlock()
	return b.broken
}
