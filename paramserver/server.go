// Package paramserver implements centralized gradient
// synchronization through a parameter service.
package paramserver

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/pkg/errors"
	"github.com/unixpickle/gradsync/collcomm"
)

// An Aggregate is the result of a round of pushes.
type Aggregate struct {
	// Gradients is the sum of every pushed gradient map.
	// Since each push is itself summed over its samples,
	// this is the sample-weighted sum of the workers'
	// mean gradients.
	Gradients collcomm.Gradients

	// SampleCount is the sum of the pushed sample counts.
	SampleCount int
}

// Service is the parameter service as seen by a worker.
//
// Both *Server (in-process) and *Client (over gRPC)
// implement it.
type Service interface {
	// VariableWeightsInit offers a worker's initial weights
	// and returns the weights that every worker must use.
	VariableWeightsInit(ctx context.Context, workerID string,
		weights collcomm.Gradients) (collcomm.Gradients, error)

	// PushGradients adds a worker's gradients to the
	// current round and blocks until every worker has
	// pushed.
	PushGradients(ctx context.Context, workerID string, grads collcomm.Gradients,
		count int) error

	// PullGradients gets the aggregate of the current
	// round and blocks until every worker has pulled it.
	PullGradients(ctx context.Context, workerID string) (*Aggregate, error)
}

// A Server aggregates gradients from a fixed number of
// workers, one round at a time.
type Server struct {
	numWorkers int

	// RoundTimeout bounds how long a worker waits for the
	// others to push or pull.
	// If 0, only the caller's context applies.
	RoundTimeout time.Duration

	lock       sync.Mutex
	initWorker string
	initValues collcomm.Gradients
	round      int
	pushed     map[string]bool
	sum        collcomm.Gradients
	count      int
	aggregate  *Aggregate

	pushBarrier *Barrier
	pullBarrier *Barrier
}

// NewServer creates a server for numWorkers workers.
func NewServer(numWorkers int, roundTimeout time.Duration) *Server {
	return &Server{
		numWorkers:   numWorkers,
		RoundTimeout: roundTimeout,
		pushed:       map[string]bool{},
		sum:          collcomm.Gradients{},
		pushBarrier:  NewBarrier(numWorkers),
		pullBarrier:  NewBarrier(numWorkers),
	}
}

// VariableWeightsInit keeps the first weights it is
// offered and returns them to every caller.
func (s *Server) VariableWeightsInit(ctx context.Context, workerID string,
	weights collcomm.Gradients) (collcomm.Gradients, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.initValues == nil {
		s.initValues = weights.Copy()
		s.initWorker = workerID
		glog.Infof("initial weights (%d variables) set by worker %s", len(weights), workerID)
	}
	return s.initValues.Copy(), nil
}

// PushGradients adds gradients to the current round.
func (s *Server) PushGradients(ctx context.Context, workerID string, grads collcomm.Gradients,
	count int) error {
	ctx, cancel := s.roundContext(ctx)
	defer cancel()

	if err := s.addPush(workerID, grads, count); err != nil {
		return err
	}
	if err := s.pushBarrier.Wait(ctx, s.freezeRound); err != nil {
		return errors.Wrap(err, "push gradients")
	}
	return nil
}

// PullGradients gets the aggregate of the current round,
// as it was when the last worker pushed.
//
// Once every worker has pulled, the next round begins.
func (s *Server) PullGradients(ctx context.Context, workerID string) (*Aggregate, error) {
	ctx, cancel := s.roundContext(ctx)
	defer cancel()

	s.lock.Lock()
	if !s.pushed[workerID] {
		s.lock.Unlock()
		return nil, collcomm.ProtocolError("worker %s pulled without pushing in round %d",
			workerID, s.round)
	}
	if s.aggregate == nil {
		s.lock.Unlock()
		return nil, collcomm.ProtocolError("worker %s pulled before round %d was complete",
			workerID, s.round)
	}
	agg := &Aggregate{Gradients: s.aggregate.Gradients.Copy(), SampleCount: s.aggregate.SampleCount}
	s.lock.Unlock()

	if err := s.pullBarrier.Wait(ctx, s.finishRound); err != nil {
		return nil, errors.Wrap(err, "pull gradients")
	}
	return agg, nil
}

func (s *Server) addPush(workerID string, grads collcomm.Gradients, count int) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.pushed[workerID] {
		return collcomm.ProtocolError("worker %s pushed twice in round %d", workerID, s.round)
	}
	if len(s.pushed) == s.numWorkers {
		return collcomm.ProtocolError("worker %s pushed to round %d after all %d workers",
			workerID, s.round, s.numWorkers)
	}
	for name, vec := range grads {
		if sum, ok := s.sum[name]; ok && len(sum) != len(vec) {
			return errors.Errorf("gradient %q has size %d but previous pushes had %d",
				name, len(vec), len(sum))
		}
	}
	for name, vec := range grads {
		if sum, ok := s.sum[name]; ok {
			collcomm.Sum(sum, vec)
		} else {
			s.sum[name] = append([]float64{}, vec...)
		}
	}
	s.count += count
	s.pushed[workerID] = true
	glog.V(1).Infof("round %d: push from worker %s (%d/%d)", s.round, workerID,
		len(s.pushed), s.numWorkers)
	return nil
}

// freezeRound runs once the last worker pushes.
func (s *Server) freezeRound() {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.aggregate = &Aggregate{Gradients: s.sum, SampleCount: s.count}
}

// finishRound runs once the last worker pulls.
func (s *Server) finishRound() {
	s.lock.Lock()
	defer s.lock.Unlock()
	glog.V(1).Infof("round %d complete (%d samples)", s.round, s.count)
	s.round++
	s.pushed = map[string]bool{}
	s.sum = collcomm.Gradients{}
	s.count = 0
	s.aggregate = nil
}

func (s *Server) roundContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.RoundTimeout > 0 {
		return context.WithTimeout(ctx, s.RoundTimeout)
	}
	return context.WithCancel(ctx)
}
