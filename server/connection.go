package server

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
	"krypt.co/piperpc/common/util"
)

var ErrAlreadyCompleted = errors.New("server: call already completed")

//	Detail sent for handler failures that carry no status.
const UnknownErrorDetail = "Exception was thrown by handler."

type ConnectionState int32

const (
	Listening ConnectionState = iota
	Reading
	Dispatching
	Replying
	Done
)

func (s ConnectionState) String() string {
	switch s {
	case Listening:
		return "listening"
	case Reading:
		return "reading"
	case Dispatching:
		return "dispatching"
	case Replying:
		return "replying"
	case Done:
		return "done"
	}
	return fmt.Sprintf("ConnectionState(%d)", int32(s))
}

//	ServerConnection serves one call on one accepted channel. It is used
//	once and then discarded.
type ServerConnection struct {
	server    *Server
	log       *logging.Logger
	transport *transport.Transport
	state     int32

	request  *protocol.Request
	deadline deadline.Deadline
	ctx      context.Context
	cancel   context.CancelFunc

	cancelRequested int32
	completed       int32

	//	serializes everything written after the request arrived
	writeMu         sync.Mutex
	pendingHeaders  metadata.MD
	headersSent     bool
	pendingTrailers metadata.MD

	//	nil for unary calls
	messages *messageQueue
}

var _ grpc.ServerTransportStream = (*ServerConnection)(nil)

func newServerConnection(s *Server) *ServerConnection {
	return &ServerConnection{
		server: s,
		log:    s.log,
		state:  int32(Listening),
	}
}

func (c *ServerConnection) State() ConnectionState {
	return ConnectionState(atomic.LoadInt32(&c.state))
}

func (c *ServerConnection) setState(s ConnectionState) {
	atomic.StoreInt32(&c.state, int32(s))
}

//	Request is nil until the first frame has been read.
func (c *ServerConnection) Request() *protocol.Request {
	return c.request
}

func (c *ServerConnection) Deadline() deadline.Deadline {
	return c.deadline
}

func (c *ServerConnection) Completed() bool {
	return atomic.LoadInt32(&c.completed) == 1
}

func (c *ServerConnection) CancelRequested() bool {
	return atomic.LoadInt32(&c.cancelRequested) == 1
}

func (c *ServerConnection) requestCancel() {
	atomic.StoreInt32(&c.cancelRequested, 1)
	c.cancel()
}

//	Serve runs the connection over t until the call has been answered and
//	the client hung up, the linger timeout ran out, or ctx ended.
func (c *ServerConnection) Serve(ctx context.Context, t *transport.Transport) (err error) {
	defer c.setState(Done)
	c.transport = t
	c.setState(Reading)
	frame, err := t.ReadFrame(ctx)
	if err == io.EOF {
		//	client connected and left without calling
		return nil
	} else if err != nil {
		return
	}
	request, ok := frame.Envelope.(*protocol.Request)
	if !ok {
		frame.Release()
		return protocol.Unexpected(frame.Envelope, "awaiting request")
	}
	c.bind(ctx, request)
	defer c.cancel()

	c.setState(Dispatching)
	handlerDone := make(chan struct{})
	go func() {
		defer close(handlerDone)
		util.RecoverToLog(func() {
			c.dispatch(frame)
		}, c.log)
	}()
	err = c.readLoop(ctx, handlerDone)
	<-handlerDone
	if c.messages != nil {
		c.messages.drain()
	}
	return
}

//	bind captures the request and derives the handler's context from it.
func (c *ServerConnection) bind(ctx context.Context, request *protocol.Request) {
	c.request = request
	c.deadline = deadline.FromWire(request.Deadline)
	callCtx, cancel := c.deadline.Context(ctx)
	headers := request.Headers
	if headers == nil {
		headers = metadata.MD{}
	}
	callCtx = metadata.NewIncomingContext(callCtx, headers)
	c.ctx = grpc.NewContextWithServerTransportStream(callCtx, c)
	c.cancel = cancel
	//	even a server-streaming call receives its single request as a message
	if request.Kind != protocol.Unary {
		c.messages = newMessageQueue()
	}
	c.log.Debugf("call %s (%s, deadline %s)", request.Method, request.Kind, c.deadline)
}

//	readLoop watches the channel while the handler runs: it delivers stream
//	messages and turns Cancel or a vanished client into cancellation.
func (c *ServerConnection) readLoop(ctx context.Context, handlerDone chan struct{}) error {
	lingerCtx, stopLinger := context.WithCancel(ctx)
	defer stopLinger()
	go func() {
		select {
		case <-handlerDone:
		case <-lingerCtx.Done():
			return
		}
		select {
		case <-time.After(c.server.opts.Timeouts.Linger):
			stopLinger()
		case <-lingerCtx.Done():
		}
	}()
	defer c.endMessages()

	for {
		frame, err := c.transport.ReadFrame(lingerCtx)
		if err != nil {
			if !c.Completed() {
				c.requestCancel()
			}
			if err == io.EOF || lingerCtx.Err() != nil {
				return nil
			}
			return err
		}

		switch envelope := frame.Envelope.(type) {
		case protocol.Control:
			switch envelope {
			case protocol.ControlCancel:
				frame.Release()
				c.log.Debugf("%s cancelled by client", c.request.Method)
				c.requestCancel()
			case protocol.ControlStreamMessage:
				c.deliver(frame)
			case protocol.ControlStreamMessageEnd:
				frame.Release()
				c.endMessages()
			default:
				frame.Release()
			}
		default:
			frame.Release()
			c.requestCancel()
			return protocol.Unexpected(envelope, "serving "+c.request.Method)
		}
	}
}

func (c *ServerConnection) deliver(frame *transport.Frame) {
	if c.messages == nil {
		frame.Release()
		return
	}
	c.messages.push(frame)
}

func (c *ServerConnection) endMessages() {
	if c.messages != nil {
		c.messages.end()
	}
}

func (c *ServerConnection) dispatch(frame *transport.Frame) {
	method := c.request.Method
	h := c.server.handler(method)
	if h == nil {
		frame.Release()
		c.reply(c.Error(status.Errorf(codes.Unimplemented, "unknown method %s", method)))
		return
	}
	if h.kind() != c.request.Kind {
		frame.Release()
		c.reply(c.Error(status.Errorf(codes.Internal, "method %s is %s, request is %s", method, h.kind(), c.request.Kind)))
		return
	}

	if h.unary != nil {
		var response interface{}
		err := util.RecoverToError(func() (err error) {
			defer frame.Release()
			dec := func(v interface{}) error {
				return frame.Decode(c.server.opts.Marshaller, v)
			}
			response, err = h.unary.Handler(h.service, c.ctx, dec, c.server.opts.UnaryInterceptor)
			return
		}, c.log)
		if err != nil {
			c.reply(c.Error(err))
			return
		}
		c.reply(c.Success(c.server.opts.Marshaller, response))
		return
	}

	frame.Release()
	stream := &serverStream{conn: c}
	err := util.RecoverToError(func() error {
		if interceptor := c.server.opts.StreamInterceptor; interceptor != nil {
			info := &grpc.StreamServerInfo{
				FullMethod:     method,
				IsClientStream: h.stream.ClientStreams,
				IsServerStream: h.stream.ServerStreams,
			}
			return interceptor(h.service, stream, info, h.stream.Handler)
		}
		return h.stream.Handler(h.service, stream)
	}, c.log)
	if err != nil {
		c.reply(c.Error(err))
		return
	}
	c.reply(c.Success(nil, nil))
}

func (c *ServerConnection) reply(err error) {
	if err != nil {
		c.log.Debugf("%s: reply not sent: %v", c.request.Method, err)
	}
}

//	statusFor derives the status reported for a failed call.
func (c *ServerConnection) statusFor(err error) *status.Status {
	switch {
	case c.deadline.IsExpired():
		return status.New(codes.DeadlineExceeded, "Deadline Exceeded")
	case c.CancelRequested():
		return status.New(codes.Canceled, "Cancelled")
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return status.FromContextError(err)
	}
	if st, ok := status.FromError(err); ok {
		return st
	}
	c.log.Error(c.request.Method, "handler error:", err)
	return status.New(codes.Unknown, UnknownErrorDetail)
}

//	Success answers the call with OK and, when m is set, response as payload.
func (c *ServerConnection) Success(m transport.Marshaller, response interface{}) error {
	if !atomic.CompareAndSwapInt32(&c.completed, 0, 1) {
		return ErrAlreadyCompleted
	}
	var payload transport.PayloadSerializer
	if m != nil {
		payload = transport.Serializer(m, response)
	}
	return c.sendResponse(codes.OK, "", payload)
}

//	Error answers the call with the status derived from err.
func (c *ServerConnection) Error(err error) error {
	if !atomic.CompareAndSwapInt32(&c.completed, 0, 1) {
		return ErrAlreadyCompleted
	}
	st := c.statusFor(err)
	return c.sendResponse(st.Code(), st.Message(), nil)
}

func (c *ServerConnection) sendResponse(code codes.Code, detail string, payload transport.PayloadSerializer) (err error) {
	c.setState(Replying)
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err = c.flushHeaders(); err != nil {
		return
	}
	response := &protocol.Response{Trailers: protocol.Trailers{
		Code:     code,
		Detail:   detail,
		Metadata: c.pendingTrailers,
	}}
	err = c.transport.SendFrame(context.Background(), response, payload)
	if err != nil && payload != nil && !c.transport.Closed() {
		//	the payload failed to serialize; the call still gets an answer
		c.log.Error(c.request.Method, "response not serializable:", err)
		response.Trailers = protocol.Trailers{Code: codes.Internal, Detail: "failed to serialize response"}
		err = c.transport.SendFrame(context.Background(), response, nil)
	}
	return
}

//	flushHeaders sends pending headers once; writeMu must be held.
func (c *ServerConnection) flushHeaders() error {
	if c.headersSent {
		return nil
	}
	c.headersSent = true
	if len(c.pendingHeaders) == 0 {
		return nil
	}
	return c.transport.SendFrame(context.Background(), &protocol.ResponseHeaders{Metadata: c.pendingHeaders}, nil)
}

func (c *ServerConnection) Method() string {
	return c.request.Method
}

func (c *ServerConnection) SetHeader(md metadata.MD) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.headersSent {
		return status.Error(codes.Internal, "headers already sent")
	}
	c.pendingHeaders = metadata.Join(c.pendingHeaders, md)
	return nil
}

func (c *ServerConnection) SendHeader(md metadata.MD) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.headersSent {
		return status.Error(codes.Internal, "headers already sent")
	}
	c.pendingHeaders = metadata.Join(c.pendingHeaders, md)
	return c.flushHeaders()
}

func (c *ServerConnection) SetTrailer(md metadata.MD) error {
	if c.Completed() {
		return status.Error(codes.Internal, "call already completed")
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.pendingTrailers = metadata.Join(c.pendingTrailers, md)
	return nil
}

//	sendMessage writes one streamed response message.
func (c *ServerConnection) sendMessage(m interface{}) error {
	if c.Completed() {
		return ErrAlreadyCompleted
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.flushHeaders(); err != nil {
		return err
	}
	return c.transport.SendFrame(c.ctx, protocol.ControlStreamMessage, transport.Serializer(c.server.opts.Marshaller, m))
}
