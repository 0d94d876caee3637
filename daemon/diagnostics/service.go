package diagnostics

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const ServiceName = "piperpc.Diagnostics"

const (
	EchoMethod  = "/" + ServiceName + "/Echo"
	PingMethod  = "/" + ServiceName + "/Ping"
	CountMethod = "/" + ServiceName + "/Count"
	SumMethod   = "/" + ServiceName + "/Sum"
	ChatMethod  = "/" + ServiceName + "/Chat"
)

type DiagnosticsServer interface {
	Echo(context.Context, *wrapperspb.StringValue) (*wrapperspb.StringValue, error)
	Ping(context.Context, *emptypb.Empty) (*wrapperspb.StringValue, error)
	Count(*wrapperspb.Int32Value, CountServer) error
	Sum(SumServer) error
	Chat(ChatServer) error
}

type CountServer interface {
	Send(*wrapperspb.Int32Value) error
	grpc.ServerStream
}

type SumServer interface {
	Recv() (*wrapperspb.Int32Value, error)
	SendAndClose(*wrapperspb.Int32Value) error
	grpc.ServerStream
}

type ChatServer interface {
	Recv() (*wrapperspb.StringValue, error)
	Send(*wrapperspb.StringValue) error
	grpc.ServerStream
}

func RegisterDiagnosticsServer(r grpc.ServiceRegistrar, srv DiagnosticsServer) {
	r.RegisterService(&ServiceDesc, srv)
}

var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*DiagnosticsServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Echo", Handler: echoHandler},
		{MethodName: "Ping", Handler: pingHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Count", Handler: countHandler, ServerStreams: true},
		{StreamName: "Sum", Handler: sumHandler, ClientStreams: true},
		{StreamName: "Chat", Handler: chatHandler, ServerStreams: true, ClientStreams: true},
	},
}

func echoHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(DiagnosticsServer).Echo(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: EchoMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(DiagnosticsServer).Echo(ctx, req.(*wrapperspb.StringValue))
	}
	return interceptor(ctx, in, info, handler)
}

func pingHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(DiagnosticsServer).Ping(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: PingMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(DiagnosticsServer).Ping(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

type countServer struct {
	grpc.ServerStream
}

func (x *countServer) Send(m *wrapperspb.Int32Value) error {
	return x.ServerStream.SendMsg(m)
}

func countHandler(srv interface{}, stream grpc.ServerStream) error {
	in := new(wrapperspb.Int32Value)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(DiagnosticsServer).Count(in, &countServer{stream})
}

type sumServer struct {
	grpc.ServerStream
}

func (x *sumServer) Recv() (*wrapperspb.Int32Value, error) {
	m := new(wrapperspb.Int32Value)
	if err := x.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (x *sumServer) SendAndClose(m *wrapperspb.Int32Value) error {
	return x.ServerStream.SendMsg(m)
}

func sumHandler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(DiagnosticsServer).Sum(&sumServer{stream})
}

type chatServer struct {
	grpc.ServerStream
}

func (x *chatServer) Recv() (*wrapperspb.StringValue, error) {
	m := new(wrapperspb.StringValue)
	if err := x.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (x *chatServer) Send(m *wrapperspb.StringValue) error {
	return x.ServerStream.SendMsg(m)
}

func chatHandler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(DiagnosticsServer).Chat(&chatServer{stream})
}
