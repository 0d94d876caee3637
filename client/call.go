package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/op/go-logging"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"krypt.co/piperpc/common/deadline"
	"krypt.co/piperpc/common/protocol"
	"krypt.co/piperpc/common/transport"
)

type CallState int32

const (
	Connecting CallState = iota
	Sending
	AwaitingResponse
	Succeeded
	Failed
	Cancelled
)

func (s CallState) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Sending:
		return "sending"
	case AwaitingResponse:
		return "awaiting response"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	case Cancelled:
		return "cancelled"
	}
	return fmt.Sprintf("CallState(%d)", int32(s))
}

func (s CallState) Terminal() bool {
	return s >= Succeeded
}

var errChannelClosed = errors.New("channel closed before response")

//	the Cancel frame is best effort; don't hold up teardown for it
const cancelSendTimeout = 100 * time.Millisecond

//	call is the state of one RPC over its own connection.
type call struct {
	channel  *Channel
	method   string
	kind     protocol.MethodKind
	deadline deadline.Deadline
	callOpts []grpc.CallOption
	log      *logging.Logger

	//	caller's context
	parent context.Context
	//	caller's context combined with the deadline
	ctx    context.Context
	cancel context.CancelFunc

	transport *transport.Transport
	stopAbort func() bool
	state     int32

	headersOnce  sync.Once
	headersReady chan struct{}
	headers      metadata.MD
	trailers     metadata.MD

	disposeOnce sync.Once
}

func (c *Channel) newCall(ctx context.Context, method string, kind protocol.MethodKind, callOpts []grpc.CallOption) *call {
	d := deadline.FromContext(ctx)
	callCtx, cancel := d.Context(ctx)
	return &call{
		channel:      c,
		method:       method,
		kind:         kind,
		deadline:     d,
		callOpts:     callOpts,
		log:          c.log,
		parent:       ctx,
		ctx:          callCtx,
		cancel:       cancel,
		headersReady: make(chan struct{}),
	}
}

func (c *call) State() CallState {
	return CallState(atomic.LoadInt32(&c.state))
}

func (c *call) setState(s CallState) {
	atomic.StoreInt32(&c.state, int32(s))
}

//	cancelled maps an interrupted step to DeadlineExceeded or Canceled.
func (c *call) cancelled(step string) error {
	c.setState(Cancelled)
	code := c.deadline.Code()
	c.log.Debugf("%s %s while %s", c.method, code, step)
	return status.Errorf(code, "call %s while %s", code, step)
}

func (c *call) fail(code codes.Code, format string, args ...interface{}) error {
	c.setState(Failed)
	err := status.Errorf(code, format, args...)
	c.log.Debugf("%s failed: %v", c.method, err)
	return err
}

//	ioFailure classifies an error from the transport.
func (c *call) ioFailure(step string, err error) error {
	switch {
	case c.ctx.Err() != nil:
		return c.cancelled(step)
	case protocol.IsViolation(err) || errors.Is(err, protocol.ErrInvalidHeader):
		return c.fail(codes.Internal, "protocol violation while %s: %v", step, err)
	}
	return c.fail(codes.Unavailable, "connection failed while %s: %v", step, err)
}

func (c *call) connect() (err error) {
	c.setState(Connecting)
	if c.ctx.Err() != nil {
		return c.cancelled("connecting")
	}
	dialCtx := c.ctx
	if timeout := c.channel.opts.ConnectTimeout; timeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(c.ctx, timeout)
		defer cancel()
	}
	conn, err := c.channel.opts.dialer()(dialCtx, c.channel.name)
	if err != nil {
		if c.ctx.Err() != nil {
			return c.cancelled("connecting")
		}
		return c.fail(codes.Unavailable, "failed to connect to %s: %v", c.channel.name, err)
	}
	c.transport = transport.New(conn, transport.Config{Arena: c.channel.opts.Arena})
	c.stopAbort = context.AfterFunc(c.ctx, c.abort)
	return
}

//	abort runs once the call's context ends: tell the server, then close the
//	channel so pending reads and writes return.
func (c *call) abort() {
	if !c.State().Terminal() {
		ctx, cancel := context.WithTimeout(context.Background(), cancelSendTimeout)
		if err := c.transport.SendControl(ctx, protocol.ControlCancel); err != nil {
			c.log.Debugf("%s: cancel not sent: %v", c.method, err)
		}
		cancel()
	}
	c.transport.Close()
}

func (c *call) request() *protocol.Request {
	expiry, _ := c.deadline.Expiry()
	md, _ := metadata.FromOutgoingContext(c.ctx)
	return &protocol.Request{
		Method:   c.method,
		Kind:     c.kind,
		Deadline: protocol.DeadlineOf(expiry, c.deadline.IsSet()),
		Headers:  md,
	}
}

//	sendRequest writes the Request frame, carrying args as payload when
//	withPayload is set.
func (c *call) sendRequest(args interface{}, withPayload bool) (err error) {
	c.setState(Sending)
	var serialize transport.PayloadSerializer
	var marshalErr error
	if withPayload {
		inner := transport.Serializer(c.channel.opts.Marshaller, args)
		serialize = func(ctx *transport.SerializationContext) error {
			marshalErr = inner(ctx)
			return marshalErr
		}
	}
	err = c.transport.SendFrame(context.Background(), c.request(), serialize)
	switch {
	case err == nil:
		c.setState(AwaitingResponse)
	case marshalErr != nil:
		err = c.fail(codes.Internal, "failed to marshal request: %v", marshalErr)
	default:
		err = c.ioFailure("sending request", err)
	}
	return
}

func (c *call) setHeaders(md metadata.MD) {
	c.headersOnce.Do(func() {
		c.headers = md
		close(c.headersReady)
	})
}

//	awaitResponse reads until the terminal Response of a unary call.
func (c *call) awaitResponse(reply interface{}) (err error) {
	for {
		var frame *transport.Frame
		frame, err = c.transport.ReadFrame(context.Background())
		if err == io.EOF {
			err = errChannelClosed
		}
		if err != nil {
			return c.ioFailure("awaiting response", err)
		}

		switch envelope := frame.Envelope.(type) {
		case *protocol.ResponseHeaders:
			c.setHeaders(envelope.Metadata)
			frame.Release()
		case *protocol.Response:
			err = c.complete(envelope, frame, reply)
			frame.Release()
			return
		default:
			frame.Release()
			return c.ioFailure("awaiting response", protocol.Unexpected(envelope, "awaiting response"))
		}
	}
}

//	complete records the trailers of a Response and, if it carries OK,
//	decodes its payload into reply.
func (c *call) complete(response *protocol.Response, frame *transport.Frame, reply interface{}) error {
	c.setHeaders(nil)
	c.trailers = response.Trailers.Metadata
	if response.Trailers.Code != codes.OK {
		c.setState(Failed)
		return status.Error(response.Trailers.Code, response.Trailers.Detail)
	}
	if reply != nil {
		if err := frame.Decode(c.channel.opts.Marshaller, reply); err != nil {
			return c.fail(codes.Internal, "failed to unmarshal response: %v", err)
		}
	}
	c.setState(Succeeded)
	return nil
}

func (c *call) applyCallOptions() {
	for _, opt := range c.callOpts {
		switch o := opt.(type) {
		case grpc.HeaderCallOption:
			*o.HeaderAddr = c.headers
		case grpc.TrailerCallOption:
			*o.TrailerAddr = c.trailers
		}
	}
}

//	dispose releases the connection. Only the first call has an effect.
func (c *call) dispose() {
	c.disposeOnce.Do(func() {
		if c.stopAbort != nil {
			c.stopAbort()
		}
		if c.transport != nil {
			c.transport.Close()
		}
		c.cancel()
		if !c.State().Terminal() {
			c.setState(Cancelled)
		}
	})
}
