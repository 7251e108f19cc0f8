// Package ringrpc implements a ring transport on top of
// gRPC.
//
// Every worker runs a gRPC server that its predecessor
// calls, and a client connection to its successor.
// A send is a unary call that returns once the successor
// has accepted the message, so a link never has more than
// one message in flight and delivery order is preserved.
package ringrpc

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/pkg/errors"
	"github.com/unixpickle/gradsync/cluster"
	"github.com/unixpickle/gradsync/collcomm"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

const deliverMethod = "/gradsync.Ring/Deliver"

// Config configures a worker's Transport.
type Config struct {
	Cluster *cluster.Config
	Rank    int

	// Listener receives connections from the predecessor.
	// If nil, the transport listens on the worker's
	// address from Cluster.
	Listener net.Listener

	// Dialer connects to the successor.
	// If nil, a TCP connection is used.
	Dialer func(ctx context.Context, addr string) (net.Conn, error)

	// SendTimeout bounds each Send, including the time the
	// successor spends waiting to accept the message.
	// If 0, sends never time out.
	SendTimeout time.Duration
}

// A Transport is a collcomm.Transport over gRPC.
type Transport struct {
	rank        int
	size        int
	successor   string
	sendTimeout time.Duration

	server *grpc.Server
	conn   *grpc.ClientConn

	lock     sync.Mutex
	handlers map[collcomm.Stage]collcomm.Handler
	ready    chan struct{}
}

// NewTransport starts serving the worker's endpoint and
// connects to its successor.
//
// Incoming messages are held back until handlers for both
// stages are registered.
func NewTransport(c *Config) (*Transport, error) {
	if c.Cluster == nil {
		return nil, collcomm.ConfigError("ring transport: missing cluster config")
	}
	if err := c.Cluster.Validate(); err != nil {
		return nil, err
	}
	if c.Rank < 0 || c.Rank >= c.Cluster.Size() {
		return nil, collcomm.ConfigError("ring transport: rank %d out of range", c.Rank)
	}

	lis := c.Listener
	if lis == nil {
		var err error
		lis, err = net.Listen("tcp", c.Cluster.Workers[c.Rank])
		if err != nil {
			return nil, collcomm.TransportError(err, "listen on %s", c.Cluster.Workers[c.Rank])
		}
	}

	t := &Transport{
		rank:        c.Rank,
		size:        c.Cluster.Size(),
		successor:   c.Cluster.Successor(c.Rank),
		sendTimeout: c.SendTimeout,
		handlers:    map[collcomm.Stage]collcomm.Handler{},
		ready:       make(chan struct{}),
	}

	opts := []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	if c.Dialer != nil {
		opts = append(opts, grpc.WithContextDialer(c.Dialer))
	}
	conn, err := grpc.Dial(t.successor, opts...)
	if err != nil {
		lis.Close()
		return nil, collcomm.TransportError(err, "connect to %s", t.successor)
	}
	t.conn = conn

	t.server = grpc.NewServer()
	t.server.RegisterService(&ringServiceDesc, t)
	go func() {
		glog.Infof("worker %d: ring endpoint listening at %v", t.rank, lis.Addr())
		if err := t.server.Serve(lis); err != nil {
			glog.Errorf("worker %d: ring endpoint stopped: %v", t.rank, err)
		}
	}()

	return t, nil
}

// Send delivers the message to the successor and waits
// until it has been accepted.
func (t *Transport) Send(msg *collcomm.Message) error {
	ctx := context.Background()
	if t.sendTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.sendTimeout)
		defer cancel()
	}
	err := t.conn.Invoke(ctx, deliverMethod, collcomm.EncodeMessage(msg), new(emptypb.Empty),
		grpc.WaitForReady(true))
	if err == nil {
		return nil
	}
	if status.Code(err) == codes.FailedPrecondition {
		return collcomm.ProtocolError("successor %s rejected %s message %d: %s", t.successor,
			msg.Stage, msg.Seq, status.Convert(err).Message())
	}
	return collcomm.TransportError(err, "send %s message %d to %s", msg.Stage, msg.Seq, t.successor)
}

// Listen registers the handler for a stage.
func (t *Transport) Listen(stage collcomm.Stage, h collcomm.Handler) {
	t.lock.Lock()
	defer t.lock.Unlock()
	t.handlers[stage] = h
	if len(t.handlers) == 2 && !t.isReady() {
		close(t.ready)
	}
}

// Close stops the server and the client connection.
func (t *Transport) Close() error {
	t.server.Stop()
	return t.conn.Close()
}

func (t *Transport) isReady() bool {
	select {
	case <-t.ready:
		return true
	default:
		return false
	}
}

// Deliver handles a message from the predecessor.
func (t *Transport) Deliver(ctx context.Context, in *structpb.Struct) (*emptypb.Empty, error) {
	msg, err := collcomm.DecodeMessage(in)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	select {
	case <-t.ready:
	case <-ctx.Done():
		return nil, status.FromContextError(ctx.Err()).Err()
	}

	t.lock.Lock()
	h := t.handlers[msg.Stage]
	t.lock.Unlock()

	glog.V(2).Infof("worker %d: delivering %s message %d from worker %d", t.rank, msg.Stage,
		msg.Seq, msg.From)
	if err := h(ctx, msg); err != nil {
		if errors.Is(err, collcomm.ErrProtocolViolation) {
			return nil, status.Error(codes.FailedPrecondition, err.Error())
		} else if ctx.Err() != nil {
			return nil, status.FromContextError(ctx.Err()).Err()
		}
		return nil, status.Error(codes.Aborted, err.Error())
	}
	return new(emptypb.Empty), nil
}

type ringServer interface {
	Deliver(ctx context.Context, in *structpb.Struct) (*emptypb.Empty, error)
}

func deliverHandler(srv interface{}, ctx context.Context, dec func(interface{}) error,
	interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ringServer).Deliver(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: deliverMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(ringServer).Deliver(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

var ringServiceDesc = grpc.ServiceDesc{
	ServiceName: "gradsync.Ring",
	HandlerType: (*ringServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Deliver", Handler: deliverHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "ringrpc",
}
