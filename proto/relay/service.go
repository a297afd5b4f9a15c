// ABOUTME: Hand-written gRPC bindings for the RelayControl service.
// ABOUTME: One bidirectional stream per worker carries registrations and envelopes.

package relay

import (
	"context"

	"google.golang.org/grpc"
)

const (
	serviceName            = "relay.RelayControl"
	workerStreamMethodName = "WorkerStream"

	// WorkerStreamFullMethod is the full gRPC method name of the worker stream.
	WorkerStreamFullMethod = "/" + serviceName + "/" + workerStreamMethodName
)

// RelayControl_WorkerStreamServer is the host side of a worker stream.
type RelayControl_WorkerStreamServer interface {
	Send(*HostFrame) error
	Recv() (*WorkerFrame, error)
	grpc.ServerStream
}

// RelayControl_WorkerStreamClient is the worker side of a worker stream.
type RelayControl_WorkerStreamClient interface {
	Send(*WorkerFrame) error
	Recv() (*HostFrame, error)
	grpc.ClientStream
}

// RelayControlServer is implemented by the relay host.
type RelayControlServer interface {
	WorkerStream(RelayControl_WorkerStreamServer) error
}

// RelayControlClient opens worker streams.
type RelayControlClient interface {
	WorkerStream(ctx context.Context, opts ...grpc.CallOption) (RelayControl_WorkerStreamClient, error)
}

type relayControlClient struct {
	cc grpc.ClientConnInterface
}

// NewRelayControlClient wraps a client connection.
func NewRelayControlClient(cc grpc.ClientConnInterface) RelayControlClient {
	return &relayControlClient{cc: cc}
}

func (c *relayControlClient) WorkerStream(ctx context.Context, opts ...grpc.CallOption) (RelayControl_WorkerStreamClient, error) {
	opts = append([]grpc.CallOption{CallOption()}, opts...)
	stream, err := c.cc.NewStream(ctx, &relayControlServiceDesc.Streams[0], WorkerStreamFullMethod, opts...)
	if err != nil {
		return nil, err
	}
	return &workerStreamClient{stream}, nil
}

type workerStreamClient struct {
	grpc.ClientStream
}

func (x *workerStreamClient) Send(m *WorkerFrame) error {
	return x.ClientStream.SendMsg(m)
}

func (x *workerStreamClient) Recv() (*HostFrame, error) {
	m := new(HostFrame)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

type workerStreamServer struct {
	grpc.ServerStream
}

func (x *workerStreamServer) Send(m *HostFrame) error {
	return x.ServerStream.SendMsg(m)
}

func (x *workerStreamServer) Recv() (*WorkerFrame, error) {
	m := new(WorkerFrame)
	if err := x.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func workerStreamHandler(srv any, stream grpc.ServerStream) error {
	return srv.(RelayControlServer).WorkerStream(&workerStreamServer{stream})
}

var relayControlServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*RelayControlServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    workerStreamMethodName,
			Handler:       workerStreamHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "relay.proto",
}

// RegisterRelayControlServer registers the host implementation on s.
func RegisterRelayControlServer(s grpc.ServiceRegistrar, srv RelayControlServer) {
	s.RegisterService(&relayControlServiceDesc, srv)
}
