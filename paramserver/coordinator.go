package paramserver

import (
	"context"
	"time"

	"github.com/golang/glog"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/unixpickle/gradsync/collcomm"
	"github.com/unixpickle/gradsync/gradstore"
)

// Store is the part of a worker's variable and gradient
// storage that centralized synchronization uses.
//
// gradstore.Store implements Store.
type Store interface {
	Variables() []gradstore.Variable
	SetValues(values collcomm.Gradients) error
	Gradients() collcomm.Gradients
	SampleCount() int
	SetSampleCount(count int)
	Overwrite(grads collcomm.Gradients) error
	ApplyUpdate() error
}

// A Coordinator synchronizes a worker through a parameter
// service.
type Coordinator struct {
	service  Service
	store    Store
	workerID string

	// Timeout bounds each call to Sync.
	// If 0, Sync waits as long as the service does.
	Timeout time.Duration

	initialized bool
	step        int
}

// NewCoordinator creates a coordinator with a fresh worker
// ID.
func NewCoordinator(service Service, store Store) *Coordinator {
	return &Coordinator{
		service:  service,
		store:    store,
		workerID: uuid.NewString(),
	}
}

// WorkerID gets the ID the worker uses with the service.
func (c *Coordinator) WorkerID() string {
	return c.workerID
}

// InitSync replaces the local variables with the weights
// agreed upon by the service, so that every worker starts
// from the same point.
func (c *Coordinator) InitSync(ctx context.Context) error {
	values := collcomm.Gradients{}
	for _, v := range c.store.Variables() {
		values[v.Name] = v.Value
	}
	agreed, err := c.service.VariableWeightsInit(ctx, c.workerID, values)
	if err != nil {
		return errors.Wrap(err, "init sync")
	}
	if err := c.store.SetValues(agreed); err != nil {
		return collcomm.ProtocolError("init sync: %v", err)
	}
	c.initialized = true
	glog.V(1).Infof("worker %s: initialized %d variables", c.workerID, len(agreed))
	return nil
}

// StepSync pushes the local gradients, pulls back the
// cluster-wide aggregate, and applies the update.
//
// InitSync is run first if it has not been yet.
func (c *Coordinator) StepSync(ctx context.Context) error {
	if !c.initialized {
		if err := c.InitSync(ctx); err != nil {
			return err
		}
	}
	err := c.service.PushGradients(ctx, c.workerID, c.store.Gradients(), c.store.SampleCount())
	if err != nil {
		return errors.Wrapf(err, "step %d", c.step)
	}
	agg, err := c.service.PullGradients(ctx, c.workerID)
	if err != nil {
		return errors.Wrapf(err, "step %d", c.step)
	}
	if err := c.store.Overwrite(agg.Gradients); err != nil {
		return collcomm.ProtocolError("step %d: %v", c.step, err)
	}
	c.store.SetSampleCount(agg.SampleCount)
	if err := c.store.ApplyUpdate(); err != nil {
		return errors.Wrapf(err, "step %d", c.step)
	}
	glog.V(1).Infof("worker %s: step %d synced %d samples", c.workerID, c.step, agg.SampleCount)
	c.step++
	return nil
}

// Sync runs StepSync, bounded by Timeout.
func (c *Coordinator) Sync() error {
	ctx := context.Background()
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}
	return c.StepSync(ctx)
}
