package collcomm

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/pkg/errors"
	"github.com/unixpickle/essentials"
)

// A MemNetwork connects the workers of a ring inside one
// process.
//
// Every link delivers messages in order, each one after an
// optional random delay, and workers can be taken down to
// emulate unreachable peers.
type MemNetwork struct {
	// MaxRandomLatency bounds the random delay that is
	// added before each delivery.
	// If it is 0, messages are delivered immediately.
	MaxRandomLatency time.Duration

	endpoints []*MemEndpoint

	lock      sync.Mutex
	downNodes map[int]bool
}

// NewMemNetwork creates a ring of size workers.
func NewMemNetwork(size int, maxRandomLatency time.Duration) *MemNetwork {
	n := &MemNetwork{
		MaxRandomLatency: maxRandomLatency,
		downNodes:        map[int]bool{},
	}
	n.endpoints = make([]*MemEndpoint, size)
	for i := range n.endpoints {
		n.endpoints[i] = newMemEndpoint(n, i)
	}
	return n
}

// Size gets the number of workers in the ring.
func (n *MemNetwork) Size() int {
	return len(n.endpoints)
}

// Endpoint gets the Transport for a worker.
func (n *MemNetwork) Endpoint(rank int) *MemEndpoint {
	return n.endpoints[rank]
}

// SetDown marks a worker as unreachable or reachable.
//
// Messages that are in flight to or from a down worker
// are dropped, and sends involving it fail.
func (n *MemNetwork) SetDown(rank int, down bool) {
	n.lock.Lock()
	defer n.lock.Unlock()
	n.downNodes[rank] = down
}

// Close closes every endpoint.
func (n *MemNetwork) Close() error {
	for _, e := range n.endpoints {
		e.Close()
	}
	return nil
}

func (n *MemNetwork) isDown(rank int) bool {
	n.lock.Lock()
	defer n.lock.Unlock()
	return n.downNodes[rank]
}

func (n *MemNetwork) randomLatency() time.Duration {
	if n.MaxRandomLatency <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(n.MaxRandomLatency)))
}

// A MemEndpoint is one worker's Transport on a
// MemNetwork.
type MemEndpoint struct {
	network *MemNetwork
	rank    int

	lock     sync.Mutex
	handlers map[Stage]Handler
	pending  []*Message
	closed   bool
	notifyCh chan struct{}
}

func newMemEndpoint(n *MemNetwork, rank int) *MemEndpoint {
	m := &MemEndpoint{
		network:  n,
		rank:     rank,
		handlers: map[Stage]Handler{},
		notifyCh: make(chan struct{}, 1),
	}
	go m.deliverLoop()
	return m
}

// Rank gets the worker's position in the ring.
func (m *MemEndpoint) Rank() int {
	return m.rank
}

// Send queues the message for the successor and returns
// without waiting for it to be handled.
func (m *MemEndpoint) Send(msg *Message) error {
	dest := Successor(m.rank, m.network.Size())
	if m.network.isDown(m.rank) || m.network.isDown(dest) {
		return errors.Wrapf(ErrTransport, "send from worker %d: worker %d is unreachable",
			m.rank, dest)
	}

	m.lock.Lock()
	defer m.lock.Unlock()
	if m.closed {
		return errors.Wrapf(ErrTransport, "send from worker %d: endpoint closed", m.rank)
	}
	m.pending = append(m.pending, msg)
	select {
	case m.notifyCh <- struct{}{}:
	default:
	}
	return nil
}

// Listen registers the handler for a stage.
func (m *MemEndpoint) Listen(stage Stage, h Handler) {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.handlers[stage] = h
}

// Close stops delivering this endpoint's outgoing
// messages.
//
// It does not wait for a handler that is currently
// blocked to return.
func (m *MemEndpoint) Close() error {
	m.lock.Lock()
	defer m.lock.Unlock()
	if !m.closed {
		m.closed = true
		close(m.notifyCh)
	}
	return nil
}

func (m *MemEndpoint) handler(stage Stage) Handler {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.handlers[stage]
}

func (m *MemEndpoint) popPending() (*Message, bool) {
	m.lock.Lock()
	defer m.lock.Unlock()
	if len(m.pending) == 0 {
		return nil, false
	}
	msg := m.pending[0]
	essentials.OrderedDelete(&m.pending, 0)
	return msg, true
}

// deliverLoop runs the link to the successor.
// Deliveries are serialized, which keeps the link
// ordered even with random delays.
func (m *MemEndpoint) deliverLoop() {
	for range m.notifyCh {
		for {
			msg, ok := m.popPending()
			if !ok {
				break
			}
			m.deliver(msg)
		}
	}
}

func (m *MemEndpoint) deliver(msg *Message) {
	if latency := m.network.randomLatency(); latency > 0 {
		time.Sleep(latency)
	}
	dest := m.network.Endpoint(Successor(m.rank, m.network.Size()))
	if m.network.isDown(m.rank) || m.network.isDown(dest.rank) {
		glog.V(2).Infof("dropped %s message %d from worker %d to worker %d",
			msg.Stage, msg.Seq, m.rank, dest.rank)
		return
	}
	h := dest.handler(msg.Stage)
	if h == nil {
		glog.Errorf("worker %d has no %s handler; dropped message %d", dest.rank, msg.Stage,
			msg.Seq)
		return
	}
	glog.V(2).Infof("delivering %s message %d from worker %d to worker %d",
		msg.Stage, msg.Seq, m.rank, dest.rank)
	if err := h(context.Background(), msg); err != nil {
		glog.Errorf("worker %d: handle %s message %d: %v", dest.rank, msg.Stage, msg.Seq, err)
	}
}
