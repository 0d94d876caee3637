package diagnostics

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

type Client struct {
	cc grpc.ClientConnInterface
}

func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc}
}

func (c *Client) Echo(ctx context.Context, in *wrapperspb.StringValue, opts ...grpc.CallOption) (out *wrapperspb.StringValue, err error) {
	out = new(wrapperspb.StringValue)
	if err = c.cc.Invoke(ctx, EchoMethod, in, out, opts...); err != nil {
		out = nil
	}
	return
}

func (c *Client) Ping(ctx context.Context, opts ...grpc.CallOption) (out *wrapperspb.StringValue, err error) {
	out = new(wrapperspb.StringValue)
	if err = c.cc.Invoke(ctx, PingMethod, &emptypb.Empty{}, out, opts...); err != nil {
		out = nil
	}
	return
}

type CountClient interface {
	Recv() (*wrapperspb.Int32Value, error)
	grpc.ClientStream
}

type countClient struct {
	grpc.ClientStream
}

func (x *countClient) Recv() (*wrapperspb.Int32Value, error) {
	m := new(wrapperspb.Int32Value)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (c *Client) Count(ctx context.Context, n int32, opts ...grpc.CallOption) (CountClient, error) {
	stream, err := c.cc.NewStream(ctx, &ServiceDesc.Streams[0], CountMethod, opts...)
	if err != nil {
		return nil, err
	}
	if err = stream.SendMsg(wrapperspb.Int32(n)); err != nil {
		return nil, err
	}
	if err = stream.CloseSend(); err != nil {
		return nil, err
	}
	return &countClient{stream}, nil
}

type SumClient interface {
	Send(*wrapperspb.Int32Value) error
	CloseAndRecv() (*wrapperspb.Int32Value, error)
	grpc.ClientStream
}

type sumClient struct {
	grpc.ClientStream
}

func (x *sumClient) Send(m *wrapperspb.Int32Value) error {
	return x.ClientStream.SendMsg(m)
}

func (x *sumClient) CloseAndRecv() (*wrapperspb.Int32Value, error) {
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	m := new(wrapperspb.Int32Value)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (c *Client) Sum(ctx context.Context, opts ...grpc.CallOption) (SumClient, error) {
	stream, err := c.cc.NewStream(ctx, &ServiceDesc.Streams[1], SumMethod, opts...)
	if err != nil {
		return nil, err
	}
	return &sumClient{stream}, nil
}

type ChatClient interface {
	Send(*wrapperspb.StringValue) error
	Recv() (*wrapperspb.StringValue, error)
	grpc.ClientStream
}

type chatClient struct {
	grpc.ClientStream
}

func (x *chatClient) Send(m *wrapperspb.StringValue) error {
	return x.ClientStream.SendMsg(m)
}

func (x *chatClient) Recv() (*wrapperspb.StringValue, error) {
	m := new(wrapperspb.StringValue)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (c *Client) Chat(ctx context.Context, opts ...grpc.CallOption) (ChatClient, error) {
	stream, err := c.cc.NewStream(ctx, &ServiceDesc.Streams[2], ChatMethod, opts...)
	if err != nil {
		return nil, err
	}
	return &chatClient{stream}, nil
}
