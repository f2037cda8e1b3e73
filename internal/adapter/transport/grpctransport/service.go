// Package grpctransport carries task messages over a bidirectional gRPC
// stream. Messages use a JSON codec, so no generated protobuf code is needed.
package grpctransport

import (
	"context"
	"encoding/json"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"

	"llmshell/internal/domain"
)

const (
	serviceName       = "llmshell.worker.v1.WorkerService"
	channelMethod     = "/" + serviceName + "/Channel"
	codecName         = "json"
	workerNameHeader  = "x-llmshell-worker"
	authorizationMeta = "authorization"
)

func init() {
	// Calls select this codec with grpc.CallContentSubtype("json"); other
	// gRPC services in the process keep using protobuf.
	encoding.RegisterCodec(jsonCodec{})
}

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return codecName }

// WorkerService_ChannelServer is the worker end of the Channel stream.
type WorkerService_ChannelServer = grpc.BidiStreamingServer[domain.TaskMessage, domain.TaskMessage]

// WorkerService_ChannelClient is the controller end of the Channel stream.
type WorkerService_ChannelClient = grpc.BidiStreamingClient[domain.TaskMessage, domain.TaskMessage]

// WorkerServiceServer is the server API for WorkerService.
type WorkerServiceServer interface {
	Channel(WorkerService_ChannelServer) error
}

// WorkerServiceClient is the client API for WorkerService.
type WorkerServiceClient interface {
	Channel(ctx context.Context, opts ...grpc.CallOption) (WorkerService_ChannelClient, error)
}

type workerServiceClient struct {
	cc grpc.ClientConnInterface
}

// NewWorkerServiceClient creates a WorkerServiceClient.
func NewWorkerServiceClient(cc grpc.ClientConnInterface) WorkerServiceClient {
	return &workerServiceClient{cc}
}

func (c *workerServiceClient) Channel(ctx context.Context, opts ...grpc.CallOption) (WorkerService_ChannelClient, error) {
	opts = append(opts, grpc.CallContentSubtype(codecName))
	stream, err := c.cc.NewStream(ctx, &WorkerService_ServiceDesc.Streams[0], channelMethod, opts...)
	if err != nil {
		return nil, err
	}
	return &grpc.GenericClientStream[domain.TaskMessage, domain.TaskMessage]{ClientStream: stream}, nil
}

// RegisterWorkerServiceServer registers srv with a gRPC server.
func RegisterWorkerServiceServer(s grpc.ServiceRegistrar, srv WorkerServiceServer) {
	s.RegisterService(&WorkerService_ServiceDesc, srv)
}

func _WorkerService_Channel_Handler(srv any, stream grpc.ServerStream) error {
	return srv.(WorkerServiceServer).Channel(&grpc.GenericServerStream[domain.TaskMessage, domain.TaskMessage]{ServerStream: stream})
}

// WorkerService_ServiceDesc describes WorkerService for grpc.Server.
var WorkerService_ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*WorkerServiceServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Channel",
			Handler:       _WorkerService_Channel_Handler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "worker.proto",
}
