package client

import (
	"context"
	"errors"
	"io"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"krypt.co/piperpc/common/protocol"
	"krypt.co/piperpc/common/transport"
)

const streamBacklog = 16

//	clientStream is the client side of a streaming call. A reader goroutine
//	owns the transport's read side and queues server messages until RecvMsg.
type clientStream struct {
	call *call
	desc *grpc.StreamDesc

	messages chan *transport.Frame
	done     chan struct{}
	err      error
	once     sync.Once

	sendClosed bool
	received   bool
}

var _ grpc.ClientStream = (*clientStream)(nil)

func newClientStream(call *call, desc *grpc.StreamDesc) *clientStream {
	s := &clientStream{
		call:     call,
		desc:     desc,
		messages: make(chan *transport.Frame, streamBacklog),
		done:     make(chan struct{}),
	}
	go s.readLoop()
	return s
}

//	finish records the outcome of the stream, io.EOF meaning OK.
func (s *clientStream) finish(err error) {
	s.once.Do(func() {
		s.err = err
		close(s.done)
		s.call.setHeaders(nil)
		s.call.applyCallOptions()
		s.call.dispose()
	})
}

func (s *clientStream) readLoop() {
	defer func() {
		close(s.messages)
		//	queued messages stay receivable until the caller's context ends
		context.AfterFunc(s.call.parent, s.drain)
	}()
	for {
		frame, err := s.call.transport.ReadFrame(context.Background())
		if err == io.EOF {
			err = errChannelClosed
		}
		if err != nil {
			s.finish(s.call.ioFailure("streaming", err))
			return
		}

		switch envelope := frame.Envelope.(type) {
		case *protocol.ResponseHeaders:
			s.call.setHeaders(envelope.Metadata)
			frame.Release()
		case protocol.Control:
			if envelope != protocol.ControlStreamMessage {
				frame.Release()
				s.finish(s.call.ioFailure("streaming", protocol.Unexpected(envelope, "streaming")))
				return
			}
			s.call.setHeaders(nil)
			select {
			case s.messages <- frame:
			case <-s.call.ctx.Done():
				frame.Release()
				s.finish(s.call.cancelled("streaming"))
				return
			}
		case *protocol.Response:
			err = s.call.complete(envelope, frame, nil)
			frame.Release()
			if err == nil {
				err = io.EOF
			}
			s.finish(err)
			return
		default:
			frame.Release()
			s.finish(s.call.ioFailure("streaming", protocol.Unexpected(envelope, "streaming")))
			return
		}
	}
}

//	drain releases messages nobody will receive.
func (s *clientStream) drain() {
	for frame := range s.messages {
		frame.Release()
	}
}

func (s *clientStream) Context() context.Context {
	return s.call.ctx
}

func (s *clientStream) Header() (metadata.MD, error) {
	<-s.call.headersReady
	if s.call.headers == nil {
		select {
		case <-s.done:
			if s.err != io.EOF {
				return nil, s.err
			}
		default:
		}
	}
	return s.call.headers, nil
}

//	Trailer is only complete once RecvMsg has returned an error.
func (s *clientStream) Trailer() metadata.MD {
	select {
	case <-s.done:
		return s.call.trailers
	default:
		return nil
	}
}

func (s *clientStream) SendMsg(m interface{}) (err error) {
	if s.sendClosed {
		return status.Error(codes.Internal, "SendMsg called after CloseSend")
	}
	select {
	case <-s.done:
		return io.EOF
	default:
	}
	err = s.call.transport.SendFrame(context.Background(), protocol.ControlStreamMessage, transport.Serializer(s.call.channel.opts.Marshaller, m))
	if err == nil {
		return
	}
	select {
	case <-s.done:
		//	the status is reported by RecvMsg
		return io.EOF
	default:
	}
	var unsupported *transport.UnsupportedMessageError
	if errors.As(err, &unsupported) {
		return status.Errorf(codes.Internal, "failed to marshal message: %v", err)
	}
	return s.call.ioFailure("sending message", err)
}

func (s *clientStream) CloseSend() error {
	if s.sendClosed {
		return nil
	}
	s.sendClosed = true
	select {
	case <-s.done:
		return nil
	default:
	}
	//	a failure here surfaces through RecvMsg
	if err := s.call.transport.SendControl(context.Background(), protocol.ControlStreamMessageEnd); err != nil {
		s.call.log.Debugf("%s: end of stream not sent: %v", s.call.method, err)
	}
	return nil
}

func (s *clientStream) RecvMsg(m interface{}) error {
	frame, ok := <-s.messages
	if !ok {
		if !s.desc.ServerStreams && !s.received && s.err == io.EOF {
			return status.Error(codes.Internal, "cardinality violation: expected <Message> received <EOF>")
		}
		return s.err
	}
	err := frame.Decode(s.call.channel.opts.Marshaller, m)
	frame.Release()
	if err != nil {
		return status.Errorf(codes.Internal, "failed to unmarshal message: %v", err)
	}
	if s.desc.ServerStreams {
		return nil
	}
	s.received = true
	//	a single response: wait for the status that must follow it
	if extra, ok := <-s.messages; ok {
		extra.Release()
		return status.Error(codes.Internal, "cardinality violation: expected <EOF> received <Message>")
	}
	if s.err != io.EOF {
		return s.err
	}
	return nil
}
