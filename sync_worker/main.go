// Command sync_worker trains a synthetic linear regression
// model on one worker of a cluster, synchronizing gradients
// either around a ring or through a parameter service.
package main

import (
	"flag"
	"math/rand"
	"time"

	"github.com/golang/glog"
	"github.com/unixpickle/essentials"
	"github.com/unixpickle/gradsync/cluster"
	"github.com/unixpickle/gradsync/collcomm/allreduce"
	"github.com/unixpickle/gradsync/gradstore"
	"github.com/unixpickle/gradsync/paramserver"
	"github.com/unixpickle/gradsync/ringrpc"
)

const (
	modeRing = "ring"
	modePS   = "ps"
)

func main() {
	var clusterPath, workers, ps, mode string
	var rank, steps, batch, dim int
	var lr float64
	var timeout time.Duration
	flag.StringVar(&clusterPath, "cluster", "", "path to a JSON cluster config")
	flag.StringVar(&workers, "workers", "", "comma-separated worker addresses (without -cluster)")
	flag.StringVar(&ps, "ps", "", "parameter service address (without -cluster)")
	flag.IntVar(&rank, "rank", 0, "index of this worker in the worker list")
	flag.StringVar(&mode, "mode", modeRing, "synchronization mode: ring or ps")
	flag.IntVar(&steps, "steps", 100, "number of training steps")
	flag.IntVar(&batch, "batch", 32, "samples per worker per step")
	flag.IntVar(&dim, "dim", 8, "number of input features")
	flag.Float64Var(&lr, "lr", 0.1, "learning rate")
	flag.DurationVar(&timeout, "timeout", time.Minute, "timeout for each sync (0 for no limit)")
	flag.Parse()
	defer glog.Flush()

	c := loadCluster(clusterPath, workers, ps)
	if rank < 0 || rank >= c.Size() {
		glog.Exitf("rank %d out of range for %d workers", rank, c.Size())
	}
	if steps < 1 || batch < 1 || dim < 1 {
		glog.Exit("steps, batch, and dim must be positive")
	}

	model := newLinearModel(dim, rand.New(rand.NewSource(int64(rank))))
	store, err := gradstore.NewStore(model.Variables(), &gradstore.SGD{LearningRate: lr})
	essentials.Must(err)

	var syncer allreduce.Synchronizer
	switch mode {
	case modeRing:
		if dim+1 < c.Size() {
			glog.Exitf("ring mode splits the model by variable: %d workers need -dim of "+
				"at least %d", c.Size(), c.Size()-1)
		}
		// Without an init phase, every worker must start from the same weights.
		essentials.Must(store.SetValues(zeroValues(dim)))
		transport, err := ringrpc.NewTransport(&ringrpc.Config{
			Cluster:     c,
			Rank:        rank,
			SendTimeout: timeout,
		})
		essentials.Must(essentials.AddCtx("ring transport", err))
		defer transport.Close()
		ring, err := allreduce.NewRing(rank, c.Size(), store.Names(), store, transport)
		essentials.Must(err)
		syncer = ring
	case modePS:
		if c.ParameterServer == "" {
			glog.Exit("ps mode requires a parameter service address")
		}
		client, err := paramserver.Dial(c.ParameterServer)
		essentials.Must(err)
		defer client.Close()
		coord := paramserver.NewCoordinator(client, store)
		coord.Timeout = timeout
		glog.Infof("worker %d has ID %s", rank, coord.WorkerID())
		syncer = coord
	default:
		glog.Exitf("unknown mode: %s", mode)
	}

	data := newTargetModel(dim)
	gen := rand.New(rand.NewSource(int64(rank) + 1000))
	for step := 0; step < steps; step++ {
		xs, ys := data.Sample(gen, batch)
		grads, loss := lossGradient(store, xs, ys)
		essentials.Must(store.Accumulate(grads, batch))
		if err := syncer.Sync(); err != nil {
			glog.Fatalf("step %d: %v", step, err)
		}
		glog.Infof("step %d: local loss %f", step, loss/float64(batch))
	}
}

func loadCluster(path, workers, ps string) *cluster.Config {
	var c *cluster.Config
	var err error
	if path != "" {
		c, err = cluster.Load(path)
	} else {
		c, err = cluster.Parse(workers, ps)
	}
	if err != nil {
		glog.Exitf("cluster config: %v", err)
	}
	return c
}
