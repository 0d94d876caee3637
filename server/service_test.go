package server

import (
	"context"
	"errors"
	"sync/atomic"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const testServiceName = "piperpc.test.Calls"

type callsServer interface {
	Identity(context.Context, *wrapperspb.Int32Value) (*wrapperspb.Int32Value, error)
	Block(context.Context, *wrapperspb.Int32Value) (*wrapperspb.Int32Value, error)
	Fail(context.Context, *wrapperspb.Int32Value) (*wrapperspb.Int32Value, error)
	Wait(grpc.ServerStream) error
	TakeOne(grpc.ServerStream) error
}

type calls struct {
	count   int32
	started chan struct{}
	ended   chan struct{}
}

func newCalls() *calls {
	return &calls{
		started: make(chan struct{}, 1),
		ended:   make(chan struct{}, 1),
	}
}

func (c *calls) Count() int32 {
	return atomic.LoadInt32(&c.count)
}

func (c *calls) Identity(ctx context.Context, in *wrapperspb.Int32Value) (*wrapperspb.Int32Value, error) {
	atomic.AddInt32(&c.count, 1)
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if v := md.Get("x-echo"); len(v) > 0 {
			grpc.SetTrailer(ctx, metadata.Pairs("x-echo", v[0]))
		}
	}
	return wrapperspb.Int32(in.GetValue()), nil
}

func (c *calls) Block(ctx context.Context, in *wrapperspb.Int32Value) (*wrapperspb.Int32Value, error) {
	atomic.AddInt32(&c.count, 1)
	c.started <- struct{}{}
	<-ctx.Done()
	c.ended <- struct{}{}
	return nil, ctx.Err()
}

func (c *calls) Fail(ctx context.Context, in *wrapperspb.Int32Value) (*wrapperspb.Int32Value, error) {
	atomic.AddInt32(&c.count, 1)
	switch in.GetValue() {
	case 0:
		return nil, status.Error(codes.NotFound, "nope")
	case 1:
		return nil, errors.New("secret internals")
	}
	panic("handler panic")
}

//	Wait ignores the request stream and returns once the call is cancelled.
func (c *calls) Wait(stream grpc.ServerStream) error {
	atomic.AddInt32(&c.count, 1)
	c.started <- struct{}{}
	<-stream.Context().Done()
	c.ended <- struct{}{}
	return stream.Context().Err()
}

//	TakeOne answers with the first streamed message and leaves the rest.
func (c *calls) TakeOne(stream grpc.ServerStream) error {
	atomic.AddInt32(&c.count, 1)
	in := new(wrapperspb.Int32Value)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return stream.SendMsg(in)
}

func clientStreamHandler(name string, call func(callsServer, grpc.ServerStream) error) grpc.StreamDesc {
	return grpc.StreamDesc{
		StreamName: name,
		Handler: func(srv interface{}, stream grpc.ServerStream) error {
			return call(srv.(callsServer), stream)
		},
		ClientStreams: true,
	}
}

func unaryHandler(method string, call func(callsServer, context.Context, *wrapperspb.Int32Value) (*wrapperspb.Int32Value, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(wrapperspb.Int32Value)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(callsServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethodName(testServiceName, method)}
			return interceptor(ctx, in, info, func(ctx context.Context, req interface{}) (interface{}, error) {
				return call(srv.(callsServer), ctx, req.(*wrapperspb.Int32Value))
			})
		},
	}
}

var callsServiceDesc = grpc.ServiceDesc{
	ServiceName: testServiceName,
	HandlerType: (*callsServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryHandler("Identity", callsServer.Identity),
		unaryHandler("Block", callsServer.Block),
		unaryHandler("Fail", callsServer.Fail),
	},
	Streams: []grpc.StreamDesc{
		clientStreamHandler("Wait", callsServer.Wait),
		clientStreamHandler("TakeOne", callsServer.TakeOne),
	},
}

func method(name string) string {
	return fullMethodName(testServiceName, name)
}
