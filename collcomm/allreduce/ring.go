package allreduce

import (
	"context"
	"sync/atomic"

	"github.com/golang/glog"
	"github.com/pkg/errors"
	"github.com/unixpickle/gradsync/collcomm"
)

// A Ring synchronizes one worker's gradients with the rest
// of a ring using scatter-reduce followed by all-gather.
//
// Each step, every worker sends 2*(size-1) messages to its
// successor and receives as many from its predecessor.
// Every message carries one partition of the variables, so
// the traffic on each link does not grow with the number
// of workers.
//
// A Ring is not safe to use from multiple Goroutines.
// Once a step fails, every later step fails as well.
type Ring struct {
	rank      int
	size      int
	names     []string
	ranges    []Range
	store     GradientStore
	transport collcomm.Transport
	slot      *Slot

	step      int
	cursor    int
	sendSeq   uint64
	recvSeq   atomic.Uint64
	lastCount int
}

// NewRing creates the ring coordinator for the worker at
// rank and registers its listeners on the transport.
//
// The names are the ordered variable names, which must be
// identical on every worker.
// If size is 1, the transport may be nil.
func NewRing(rank, size int, names []string, store GradientStore,
	transport collcomm.Transport) (*Ring, error) {
	if size < 1 || rank < 0 || rank >= size {
		return nil, collcomm.ConfigError("invalid rank %d for ring of size %d", rank, size)
	}
	if transport == nil && size > 1 {
		return nil, collcomm.ConfigError("ring of size %d needs a transport", size)
	}
	ranges, err := PartitionVariables(len(names), size)
	if err != nil {
		return nil, err
	}
	r := &Ring{
		rank:      rank,
		size:      size,
		names:     append([]string{}, names...),
		ranges:    ranges,
		store:     store,
		transport: transport,
		slot:      NewSlot(),
	}
	if transport != nil {
		transport.Listen(collcomm.Scatter, r.receive)
		transport.Listen(collcomm.Gather, r.receive)
	}
	return r, nil
}

// Ranges gets the partition table shared by every worker.
func (r *Ring) Ranges() []Range {
	return append([]Range{}, r.ranges...)
}

// ReducedPartition gets the index of the partition that
// this worker holds the cluster-wide sum of right after
// ScatterReduce.
func (r *Ring) ReducedPartition() int {
	return (r.rank + 1) % r.size
}

// Sync runs a full step: ScatterReduce, AllGather, and
// then the store's optimizer update.
func (r *Ring) Sync() error {
	if err := r.ScatterReduce(); err != nil {
		return err
	}
	if err := r.AllGather(); err != nil {
		return err
	}
	if err := r.store.ApplyUpdate(); err != nil {
		return errors.Wrapf(err, "worker %d step %d", r.rank, r.step)
	}
	r.step++
	return nil
}

// ScatterReduce runs size-1 rounds in which every received
// partition is added to the local gradients, along with its
// sample count.
//
// Afterwards, the partition at ReducedPartition() and the
// sample count are summed over the entire cluster.
func (r *Ring) ScatterReduce() error {
	if err := r.slot.Err(); err != nil {
		return err
	}
	r.cursor = r.rank
	for round := 0; round < r.size-1; round++ {
		count := r.lastCount
		if round == 0 {
			count = r.store.SampleCount()
		}
		if err := r.send(collcomm.Scatter, round, count); err != nil {
			return err
		}
		err := r.slot.Drain(collcomm.Scatter, func(msg *collcomm.Message) error {
			if err := r.checkPartition(msg); err != nil {
				return err
			}
			if err := r.store.Accumulate(msg.Gradients, msg.SampleCount); err != nil {
				return collcomm.ProtocolError("worker %d scatter round %d: %v", r.rank, round, err)
			}
			r.lastCount = msg.SampleCount
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// AllGather runs size-1 rounds in which every received
// partition overwrites the local gradients.
//
// It must directly follow ScatterReduce. Afterwards, the
// store holds the cluster-wide sum for every variable.
func (r *Ring) AllGather() error {
	if err := r.slot.Err(); err != nil {
		return err
	}
	for round := 0; round < r.size-1; round++ {
		if err := r.send(collcomm.Gather, round, 0); err != nil {
			return err
		}
		err := r.slot.Drain(collcomm.Gather, func(msg *collcomm.Message) error {
			if err := r.checkPartition(msg); err != nil {
				return err
			}
			if err := r.store.Overwrite(msg.Gradients); err != nil {
				return collcomm.ProtocolError("worker %d gather round %d: %v", r.rank, round, err)
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// send sends the partition at the cursor and advances the
// cursor to the partition that will be received next.
func (r *Ring) send(stage collcomm.Stage, round, count int) error {
	index := r.cursor
	rng := r.ranges[index]
	grads := make(collcomm.Gradients, rng.Len())
	for _, name := range r.names[rng.Start:rng.End] {
		grads[name] = append([]float64{}, r.store.Gradient(name)...)
	}
	r.cursor = (r.cursor + r.size - 1) % r.size

	msg := &collcomm.Message{
		From:        r.rank,
		Seq:         r.sendSeq,
		Stage:       stage,
		SampleCount: count,
		Gradients:   grads,
	}
	r.sendSeq++
	glog.V(1).Infof("worker %d step %d: %s round %d sending partition %d (%d values, count %d)",
		r.rank, r.step, stage, round, index, grads.Size(), count)
	if err := r.transport.Send(msg); err != nil {
		err = errors.Wrapf(err, "worker %d step %d: %s round %d", r.rank, r.step, stage, round)
		r.slot.Fail(err)
		return err
	}
	return nil
}

// checkPartition makes sure a message holds exactly the
// partition at the cursor.
func (r *Ring) checkPartition(msg *collcomm.Message) error {
	rng := r.ranges[r.cursor]
	if len(msg.Gradients) != rng.Len() {
		return collcomm.ProtocolError("worker %d expected partition %d (%d variables) but got %d variables",
			r.rank, r.cursor, rng.Len(), len(msg.Gradients))
	}
	for _, name := range r.names[rng.Start:rng.End] {
		if _, ok := msg.Gradients[name]; !ok {
			return collcomm.ProtocolError("worker %d expected partition %d but %q is missing",
				r.rank, r.cursor, name)
		}
	}
	return nil
}

// receive is the listener callback for both stages.
func (r *Ring) receive(ctx context.Context, msg *collcomm.Message) error {
	if pred := collcomm.Predecessor(r.rank, r.size); msg.From != pred {
		err := collcomm.ProtocolError("worker %d got message from worker %d instead of %d",
			r.rank, msg.From, pred)
		r.slot.Fail(err)
		return err
	}
	if !r.recvSeq.CompareAndSwap(msg.Seq, msg.Seq+1) {
		err := collcomm.ProtocolError("worker %d expected message %d but got %s message %d",
			r.rank, r.recvSeq.Load(), msg.Stage, msg.Seq)
		r.slot.Fail(err)
		return err
	}
	glog.V(2).Infof("worker %d: received %s message %d", r.rank, msg.Stage, msg.Seq)
	if err := r.slot.Deposit(ctx, msg); err != nil {
		if err == ctx.Err() {
			// The sequence number was used up, so the step cannot go on.
			err = collcomm.TransportError(err, "worker %d: %s message %d abandoned by worker %d",
				r.rank, msg.Stage, msg.Seq, msg.From)
			r.slot.Fail(err)
		}
		return err
	}
	return nil
}
