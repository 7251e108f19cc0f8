// Package collcomm defines the messages, transports, and
// reduction functions that workers use to exchange
// gradient partitions with their ring neighbors.
package collcomm

import (
	"context"
	"fmt"
)

// Gradients maps variable names to gradient vectors.
//
// A message carrying Gradients holds a contiguous slice of
// the globally ordered variable list, never the whole list
// (unless there is only one worker).
type Gradients map[string][]float64

// Copy creates a deep copy of the gradients, so that a
// receiver can never alias a sender's buffers.
func (g Gradients) Copy() Gradients {
	res := make(Gradients, len(g))
	for name, vec := range g {
		res[name] = append([]float64{}, vec...)
	}
	return res
}

// Size gets the total number of scalars in the gradients.
func (g Gradients) Size() int {
	var n int
	for _, vec := range g {
		n += len(vec)
	}
	return n
}

// A Stage identifies which phase of a ring exchange a
// message belongs to.
type Stage int

const (
	Scatter Stage = iota
	Gather
)

func (s Stage) String() string {
	switch s {
	case Scatter:
		return "scatter"
	case Gather:
		return "gather"
	}
	return fmt.Sprintf("Stage(%d)", int(s))
}

// A Message is a gradient partition sent from one worker
// to its successor in the ring.
type Message struct {
	// From is the rank of the sending worker.
	From int

	// Seq is the number of messages the sender had sent
	// on this link before this one.
	Seq uint64

	Stage Stage

	// SampleCount is the number of samples the gradients
	// were summed over. It is ignored during Gather.
	SampleCount int

	Gradients Gradients
}

// A Handler is called on a listener Goroutine for every
// message delivered to a worker.
//
// A Handler may block, in which case the link stalls until
// it returns; later messages on the same link are not
// delivered before earlier ones.
// Once ctx is done, the sender no longer waits for the
// message, and a blocked Handler should give up on it.
type Handler func(ctx context.Context, msg *Message) error

// A Transport connects a worker to its ring neighbors.
type Transport interface {
	// Send delivers a message to the successor.
	//
	// Messages sent by one worker arrive in the order
	// they were sent, and each one triggers exactly one
	// Handler call on the receiver.
	Send(msg *Message) error

	// Listen registers the Handler for messages of a
	// given stage coming from the predecessor.
	// It must be called before any peer sends.
	Listen(stage Stage, h Handler)

	// Close releases the transport's resources.
	Close() error
}

// Successor gets the rank that rank sends to in a ring of
// size workers.
func Successor(rank, size int) int {
	return (rank + 1) % size
}

// Predecessor gets the rank that rank receives from in a
// ring of size workers.
func Predecessor(rank, size int) int {
	return (rank + size - 1) % size
}
