package paramserver

import (
	"context"

	"github.com/pkg/errors"
	"github.com/unixpickle/gradsync/collcomm"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	serviceName      = "gradsync.ParameterService"
	initMethod       = "/gradsync.ParameterService/VariableWeightsInit"
	pushMethod       = "/gradsync.ParameterService/PushGradients"
	pullMethod       = "/gradsync.ParameterService/PullGradients"
	workerField      = "worker"
	gradientsField   = "gradients"
	sampleCountField = "sample_count"
)

// Register adds the server's service to a gRPC server.
func (s *Server) Register(g *grpc.Server) {
	g.RegisterService(&serviceDesc, &rpcServer{server: s})
}

// A Client calls a parameter service over gRPC.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to a parameter service.
//
// The connection is insecure; extra options, such as a
// custom dialer, are appended.
func Dial(addr string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	}, opts...)
	conn, err := grpc.Dial(addr, opts...)
	if err != nil {
		return nil, collcomm.TransportError(err, "connect to parameter service %s", addr)
	}
	return &Client{conn: conn}, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// VariableWeightsInit offers initial weights to the
// service.
func (c *Client) VariableWeightsInit(ctx context.Context, workerID string,
	weights collcomm.Gradients) (collcomm.Gradients, error) {
	out := new(structpb.Struct)
	err := c.conn.Invoke(ctx, initMethod, encodeRequest(workerID, weights, 0), out,
		grpc.WaitForReady(true))
	if err != nil {
		return nil, fromStatus(err, "variable weights init")
	}
	res, err := collcomm.DecodeGradients(out)
	if err != nil {
		return nil, collcomm.ProtocolError("variable weights init: %v", err)
	}
	return res, nil
}

// PushGradients pushes gradients for the current round.
func (c *Client) PushGradients(ctx context.Context, workerID string, grads collcomm.Gradients,
	count int) error {
	err := c.conn.Invoke(ctx, pushMethod, encodeRequest(workerID, grads, count),
		new(emptypb.Empty), grpc.WaitForReady(true))
	if err != nil {
		return fromStatus(err, "push gradients")
	}
	return nil
}

// PullGradients pulls the aggregate of the current round.
func (c *Client) PullGradients(ctx context.Context, workerID string) (*Aggregate, error) {
	out := new(structpb.Struct)
	err := c.conn.Invoke(ctx, pullMethod, encodeRequest(workerID, nil, 0), out,
		grpc.WaitForReady(true))
	if err != nil {
		return nil, fromStatus(err, "pull gradients")
	}
	_, grads, count, err := decodeRequest(out)
	if err != nil {
		return nil, collcomm.ProtocolError("pull gradients: %v", err)
	}
	return &Aggregate{Gradients: grads, SampleCount: count}, nil
}

func encodeRequest(workerID string, grads collcomm.Gradients, count int) *structpb.Struct {
	return &structpb.Struct{
		Fields: map[string]*structpb.Value{
			workerField:      structpb.NewStringValue(workerID),
			gradientsField:   structpb.NewStructValue(collcomm.EncodeGradients(grads)),
			sampleCountField: structpb.NewNumberValue(float64(count)),
		},
	}
}

func decodeRequest(in *structpb.Struct) (string, collcomm.Gradients, int, error) {
	fields := in.GetFields()
	gradsValue, ok := fields[gradientsField].GetKind().(*structpb.Value_StructValue)
	if !ok {
		return "", nil, 0, errors.New("missing gradients")
	}
	grads, err := collcomm.DecodeGradients(gradsValue.StructValue)
	if err != nil {
		return "", nil, 0, err
	}
	count := fields[sampleCountField].GetNumberValue()
	if count < 0 {
		return "", nil, 0, errors.Errorf("invalid sample count %v", count)
	}
	return fields[workerField].GetStringValue(), grads, int(count), nil
}

// toStatus converts a server error into a gRPC status.
func toStatus(err error) error {
	switch {
	case errors.Is(err, collcomm.ErrAggregationTimeout):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, collcomm.ErrProtocolViolation):
		return status.Error(codes.FailedPrecondition, err.Error())
	}
	return status.Error(codes.InvalidArgument, err.Error())
}

// fromStatus converts a gRPC error into the error taxonomy.
func fromStatus(err error, op string) error {
	st := status.Convert(err)
	switch st.Code() {
	case codes.DeadlineExceeded:
		return errors.Wrapf(collcomm.ErrAggregationTimeout, "%s: %s", op, st.Message())
	case codes.FailedPrecondition, codes.InvalidArgument:
		return collcomm.ProtocolError("%s: %s", op, st.Message())
	}
	return collcomm.TransportError(err, "%s", op)
}

// rpcServer adapts a Server to the gRPC handlers.
type rpcServer struct {
	server *Server
}

func (r *rpcServer) variableWeightsInit(ctx context.Context, in *structpb.Struct) (interface{}, error) {
	workerID, weights, _, err := decodeRequest(in)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	res, err := r.server.VariableWeightsInit(ctx, workerID, weights)
	if err != nil {
		return nil, toStatus(err)
	}
	return collcomm.EncodeGradients(res), nil
}

func (r *rpcServer) pushGradients(ctx context.Context, in *structpb.Struct) (interface{}, error) {
	workerID, grads, count, err := decodeRequest(in)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if err := r.server.PushGradients(ctx, workerID, grads, count); err != nil {
		return nil, toStatus(err)
	}
	return new(emptypb.Empty), nil
}

func (r *rpcServer) pullGradients(ctx context.Context, in *structpb.Struct) (interface{}, error) {
	workerID, _, _, err := decodeRequest(in)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	agg, err := r.server.PullGradients(ctx, workerID)
	if err != nil {
		return nil, toStatus(err)
	}
	return encodeRequest(workerID, agg.Gradients, agg.SampleCount), nil
}

type rpcMethod func(r *rpcServer, ctx context.Context, in *structpb.Struct) (interface{}, error)

func unaryHandler(fullMethod string, m rpcMethod) func(srv interface{}, ctx context.Context,
	dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error,
		interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return m(srv.(*rpcServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req interface{}) (interface{}, error) {
			return m(srv.(*rpcServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*interface{})(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "VariableWeightsInit",
			Handler:    unaryHandler(initMethod, (*rpcServer).variableWeightsInit),
		},
		{
			MethodName: "PushGradients",
			Handler:    unaryHandler(pushMethod, (*rpcServer).pushGradients),
		},
		{
			MethodName: "PullGradients",
			Handler:    unaryHandler(pullMethod, (*rpcServer).pullGradients),
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "paramserver",
}
