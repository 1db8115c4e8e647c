package assist

import (
	"context"

	"google.golang.org/grpc"
)

// Full method names of the assist service.
const (
	ServiceName                    = "assist.AssistService"
	StreamAudioFullMethod          = "/assist.AssistService/StreamAudio"
	InterruptSessionFullMethod     = "/assist.AssistService/InterruptSession"
	GenerateWelcomeAudioFullMethod = "/assist.AssistService/GenerateWelcomeAudio"
)

// AssistServiceClient is the client surface of the assist service.
type AssistServiceClient interface {
	StreamAudio(ctx context.Context, in *StreamRequest, opts ...grpc.CallOption) (AssistService_StreamAudioClient, error)
	InterruptSession(ctx context.Context, in *InterruptRequest, opts ...grpc.CallOption) (*InterruptResponse, error)
	GenerateWelcomeAudio(ctx context.Context, in *WelcomeRequest, opts ...grpc.CallOption) (AssistService_GenerateWelcomeAudioClient, error)
}

type assistServiceClient struct {
	cc grpc.ClientConnInterface
}

// NewAssistServiceClient returns a client bound to conn. Callers must dial
// with the assist Codec forced (see conn.Manager).
func NewAssistServiceClient(cc grpc.ClientConnInterface) AssistServiceClient {
	return &assistServiceClient{cc: cc}
}

// AssistService_StreamAudioClient receives the generation stream.
type AssistService_StreamAudioClient interface {
	Recv() (*StreamResponse, error)
	grpc.ClientStream
}

type assistStreamAudioClient struct {
	grpc.ClientStream
}

func (x *assistStreamAudioClient) Recv() (*StreamResponse, error) {
	m := new(StreamResponse)
	if err := x.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// AssistService_GenerateWelcomeAudioClient receives the welcome-audio stream.
type AssistService_GenerateWelcomeAudioClient interface {
	Recv() (*WelcomeResponse, error)
	grpc.ClientStream
}

type assistWelcomeAudioClient struct {
	grpc.ClientStream
}

func (x *assistWelcomeAudioClient) Recv() (*WelcomeResponse, error) {
	m := new(WelcomeResponse)
	if err := x.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (c *assistServiceClient) StreamAudio(ctx context.Context, in *StreamRequest, opts ...grpc.CallOption) (AssistService_StreamAudioClient, error) {
	stream, err := c.cc.NewStream(ctx, &ServiceDesc.Streams[0], StreamAudioFullMethod, opts...)
	if err != nil {
		return nil, err
	}
	x := &assistStreamAudioClient{ClientStream: stream}
	if err := x.ClientStream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}

func (c *assistServiceClient) InterruptSession(ctx context.Context, in *InterruptRequest, opts ...grpc.CallOption) (*InterruptResponse, error) {
	out := new(InterruptResponse)
	if err := c.cc.Invoke(ctx, InterruptSessionFullMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *assistServiceClient) GenerateWelcomeAudio(ctx context.Context, in *WelcomeRequest, opts ...grpc.CallOption) (AssistService_GenerateWelcomeAudioClient, error) {
	stream, err := c.cc.NewStream(ctx, &ServiceDesc.Streams[1], GenerateWelcomeAudioFullMethod, opts...)
	if err != nil {
		return nil, err
	}
	x := &assistWelcomeAudioClient{ClientStream: stream}
	if err := x.ClientStream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}

// AssistServiceServer is the server surface of the assist service.
type AssistServiceServer interface {
	StreamAudio(*StreamRequest, AssistService_StreamAudioServer) error
	InterruptSession(context.Context, *InterruptRequest) (*InterruptResponse, error)
	GenerateWelcomeAudio(*WelcomeRequest, AssistService_GenerateWelcomeAudioServer) error
}

// AssistService_StreamAudioServer sends the generation stream.
type AssistService_StreamAudioServer interface {
	Send(*StreamResponse) error
	grpc.ServerStream
}

type assistStreamAudioServer struct {
	grpc.ServerStream
}

func (x *assistStreamAudioServer) Send(m *StreamResponse) error {
	return x.ServerStream.SendMsg(m)
}

// AssistService_GenerateWelcomeAudioServer sends the welcome-audio stream.
type AssistService_GenerateWelcomeAudioServer interface {
	Send(*WelcomeResponse) error
	grpc.ServerStream
}

type assistWelcomeAudioServer struct {
	grpc.ServerStream
}

func (x *assistWelcomeAudioServer) Send(m *WelcomeResponse) error {
	return x.ServerStream.SendMsg(m)
}

// RegisterAssistServiceServer registers srv with the gRPC server.
func RegisterAssistServiceServer(s grpc.ServiceRegistrar, srv AssistServiceServer) {
	s.RegisterService(&ServiceDesc, srv)
}

func streamAudioHandler(srv any, stream grpc.ServerStream) error {
	m := new(StreamRequest)
	if err := stream.RecvMsg(m); err != nil {
		return err
	}
	return srv.(AssistServiceServer).StreamAudio(m, &assistStreamAudioServer{ServerStream: stream})
}

func interruptSessionHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(InterruptRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AssistServiceServer).InterruptSession(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: InterruptSessionFullMethod,
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(AssistServiceServer).InterruptSession(ctx, req.(*InterruptRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func generateWelcomeAudioHandler(srv any, stream grpc.ServerStream) error {
	m := new(WelcomeRequest)
	if err := stream.RecvMsg(m); err != nil {
		return err
	}
	return srv.(AssistServiceServer).GenerateWelcomeAudio(m, &assistWelcomeAudioServer{ServerStream: stream})
}

// ServiceDesc is the grpc.ServiceDesc for the assist service.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*AssistServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "InterruptSession",
			Handler:    interruptSessionHandler,
		},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "StreamAudio",
			Handler:       streamAudioHandler,
			ServerStreams: true,
		},
		{
			StreamName:    "GenerateWelcomeAudio",
			Handler:       generateWelcomeAudioHandler,
			ServerStreams: true,
		},
	},
	Metadata: "assist.proto",
}
