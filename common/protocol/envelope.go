package protocol

import (
	"fmt"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
)

type MethodKind int32

const (
	Unary MethodKind = iota
	ClientStreaming
	ServerStreaming
	DuplexStreaming
)

func (k MethodKind) String() string {
	switch k {
	case Unary:
		return "unary"
	case ClientStreaming:
		return "client-streaming"
	case ServerStreaming:
		return "server-streaming"
	case DuplexStreaming:
		return "duplex"
	}
	return fmt.Sprintf("MethodKind(%d)", int32(k))
}

//	ClientSends reports whether the client streams request messages.
func (k MethodKind) ClientSends() bool {
	return k == ClientStreaming || k == DuplexStreaming
}

//	ServerSends reports whether the server streams response messages.
func (k MethodKind) ServerSends() bool {
	return k == ServerStreaming || k == DuplexStreaming
}

func KindOf(clientStreams, serverStreams bool) MethodKind {
	switch {
	case clientStreams && serverStreams:
		return DuplexStreaming
	case clientStreams:
		return ClientStreaming
	case serverStreams:
		return ServerStreaming
	}
	return Unary
}

//	Envelope is one of *Request, *Response, *ResponseHeaders or Control.
type Envelope interface {
	isEnvelope()
}

type Request struct {
	Method   string
	Kind     MethodKind
	Deadline *time.Time
	Headers  metadata.MD
}

type Trailers struct {
	Code     codes.Code
	Detail   string
	Metadata metadata.MD
}

type Response struct {
	Trailers Trailers
}

type ResponseHeaders struct {
	Metadata metadata.MD
}

type Control int32

const (
	ControlNone Control = iota
	ControlCancel
	ControlStreamMessage
	ControlStreamMessageEnd
)

func (c Control) String() string {
	switch c {
	case ControlNone:
		return "none"
	case ControlCancel:
		return "cancel"
	case ControlStreamMessage:
		return "stream-message"
	case ControlStreamMessageEnd:
		return "stream-message-end"
	}
	return fmt.Sprintf("Control(%d)", int32(c))
}

func (*Request) isEnvelope()         {}
func (*Response) isEnvelope()        {}
func (*ResponseHeaders) isEnvelope() {}
func (Control) isEnvelope()          {}

//	Describe names the variant for log lines and protocol errors.
func Describe(e Envelope) string {
	switch e := e.(type) {
	case *Request:
		return "request " + e.Method
	case *Response:
		return "response " + e.Trailers.Code.String()
	case *ResponseHeaders:
		return "response headers"
	case Control:
		return "control " + e.String()
	case nil:
		return "no envelope"
	default:
		return fmt.Sprintf("unknown envelope %T", e)
	}
}
