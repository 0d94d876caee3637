package client

import (
	"context"

	"github.com/op/go-logging"
	"google.golang.org/grpc"

	"krypt.co/piperpc/common/log"
	"krypt.co/piperpc/common/protocol"
	"krypt.co/piperpc/common/transport"
)

//	Channel issues calls to the server listening under one channel name.
//	Every call gets its own connection, so a Channel is safe for concurrent
//	use and holds no resources between calls.
type Channel struct {
	name string
	opts Options
	log  *logging.Logger
}

var _ grpc.ClientConnInterface = (*Channel)(nil)

func NewChannel(name string, opts Options) *Channel {
	if opts.Marshaller == nil {
		opts.Marshaller = transport.ProtoMarshaller{}
	}
	return &Channel{
		name: name,
		opts: opts,
		log:  log.Logger(opts.Log),
	}
}

func (c *Channel) Name() string {
	return c.name
}

func (c *Channel) Invoke(ctx context.Context, method string, args interface{}, reply interface{}, opts ...grpc.CallOption) (err error) {
	call := c.newCall(ctx, method, protocol.Unary, opts)
	defer call.dispose()
	defer call.applyCallOptions()

	if err = call.connect(); err != nil {
		return
	}
	if err = call.sendRequest(args, true); err != nil {
		return
	}
	err = call.awaitResponse(reply)
	return
}

func (c *Channel) NewStream(ctx context.Context, desc *grpc.StreamDesc, method string, opts ...grpc.CallOption) (stream grpc.ClientStream, err error) {
	call := c.newCall(ctx, method, protocol.KindOf(desc.ClientStreams, desc.ServerStreams), opts)
	if err = call.connect(); err != nil {
		call.applyCallOptions()
		call.dispose()
		return
	}
	if err = call.sendRequest(nil, false); err != nil {
		call.applyCallOptions()
		call.dispose()
		return
	}
	stream = newClientStream(call, desc)
	return
}
