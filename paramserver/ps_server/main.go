// Command ps_server hosts a parameter service for a fixed
// number of workers.
package main

import (
	"flag"
	"net"
	"time"

	"github.com/golang/glog"
	"github.com/unixpickle/essentials"
	"github.com/unixpickle/gradsync/paramserver"
	"google.golang.org/grpc"
)

func main() {
	var addr string
	var numWorkers int
	var roundTimeout time.Duration
	flag.StringVar(&addr, "addr", ":7070", "address to listen on")
	flag.IntVar(&numWorkers, "workers", 2, "number of workers per round")
	flag.DurationVar(&roundTimeout, "round-timeout", time.Minute,
		"how long workers wait for each other (0 for no limit)")
	flag.Parse()
	defer glog.Flush()

	if numWorkers < 1 {
		glog.Exitf("invalid worker count: %d", numWorkers)
	}

	lis, err := net.Listen("tcp", addr)
	essentials.Must(essentials.AddCtx("listen", err))

	g := grpc.NewServer()
	paramserver.NewServer(numWorkers, roundTimeout).Register(g)
	glog.Infof("parameter service for %d workers listening on %s", numWorkers, lis.Addr())
	if err := g.Serve(lis); err != nil {
		glog.Fatalf("serve: %v", err)
	}
}
