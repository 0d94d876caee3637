package server

import (
	"context"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

//	serverStream is the grpc.ServerStream handed to streaming handlers.
type serverStream struct {
	conn *ServerConnection
}

var _ grpc.ServerStream = (*serverStream)(nil)

func (s *serverStream) Context() context.Context {
	return s.conn.ctx
}

func (s *serverStream) SetHeader(md metadata.MD) error {
	return s.conn.SetHeader(md)
}

func (s *serverStream) SendHeader(md metadata.MD) error {
	return s.conn.SendHeader(md)
}

func (s *serverStream) SetTrailer(md metadata.MD) {
	if err := s.conn.SetTrailer(md); err != nil {
		s.conn.log.Debug("SetTrailer:", err)
	}
}

func (s *serverStream) SendMsg(m interface{}) error {
	return s.conn.sendMessage(m)
}

//	RecvMsg returns io.EOF once the client closed its side of the stream.
func (s *serverStream) RecvMsg(m interface{}) error {
	if s.conn.messages == nil {
		return status.Error(codes.Internal, "method does not receive a stream")
	}
	frame, err := s.conn.messages.pop(s.conn.ctx)
	switch {
	case err == io.EOF:
		if s.conn.CancelRequested() {
			return s.conn.statusFor(context.Canceled).Err()
		}
		return io.EOF
	case err != nil:
		return s.conn.statusFor(err).Err()
	}
	err = frame.Decode(s.conn.server.opts.Marshaller, m)
	frame.Release()
	if err != nil {
		return status.Errorf(codes.Internal, "failed to unmarshal message: %v", err)
	}
	return nil
}
