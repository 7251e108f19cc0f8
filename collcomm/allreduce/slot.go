package allreduce

import (
	"context"
	"sync"

	"github.com/unixpickle/gradsync/collcomm"
)

// A Slot hands one received message at a time from a
// transport's listener Goroutine to the coordination
// Goroutine.
//
// Deposit blocks while a message is waiting to be drained,
// and Drain blocks until a message is waiting, so at most
// one message is ever outstanding.
type Slot struct {
	lock sync.Mutex
	cond *sync.Cond

	msg *collcomm.Message
	err error
}

// NewSlot creates an empty Slot.
func NewSlot() *Slot {
	s := &Slot{}
	s.cond = sync.NewCond(&s.lock)
	return s
}

// Deposit stores a message once the slot is empty.
//
// It returns an error without storing anything if the slot
// has failed, or if ctx is done before the slot empties.
func (s *Slot) Deposit(ctx context.Context, msg *collcomm.Message) error {
	stop := context.AfterFunc(ctx, func() {
		s.lock.Lock()
		defer s.lock.Unlock()
		s.cond.Broadcast()
	})
	defer stop()

	s.lock.Lock()
	defer s.lock.Unlock()
	for s.msg != nil && s.err == nil && ctx.Err() == nil {
		s.cond.Wait()
	}
	if s.err != nil {
		return s.err
	} else if err := ctx.Err(); err != nil {
		return err
	}
	s.msg = msg
	s.cond.Broadcast()
	return nil
}

// Drain waits for a message, merges it with merge, and
// empties the slot.
//
// The message must be tagged with the given stage.
// The merge runs while the slot is locked, so no new
// message can be deposited until it returns.
// If merge fails, the slot fails with the same error.
func (s *Slot) Drain(stage collcomm.Stage, merge func(msg *collcomm.Message) error) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	for s.msg == nil && s.err == nil {
		s.cond.Wait()
	}
	if s.err != nil {
		return s.err
	}
	msg := s.msg
	if msg.Stage != stage {
		s.failLocked(collcomm.ProtocolError("awaiting %s message but got %s message %d",
			stage, msg.Stage, msg.Seq))
		return s.err
	}
	if err := merge(msg); err != nil {
		s.failLocked(err)
		return err
	}
	s.msg = nil
	s.cond.Broadcast()
	return nil
}

// Fail makes every pending and future Deposit and Drain
// return err.
//
// Only the first failure is kept.
func (s *Slot) Fail(err error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.failLocked(err)
}

// Err gets the error the slot failed with, if any.
func (s *Slot) Err() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.err
}

func (s *Slot) failLocked(err error) {
	if s.err == nil {
		s.err = err
		s.cond.Broadcast()
	}
}
