package server

import (
	"net"
	"time"

	"github.com/op/go-logging"
	"google.golang.org/grpc"

	"krypt.co/piperpc/common/buffer"
	"krypt.co/piperpc/common/socket"
	"krypt.co/piperpc/common/transport"
)

type Timeouts struct {
	//	how long a replied connection waits for the client to hang up before
	//	its channel is disconnected
	Linger time.Duration
	//	how long Stop waits for accept loops and in-flight calls to wind down
	Shutdown time.Duration
}

func DefaultTimeouts() Timeouts {
	return Timeouts{
		Linger:   time.Second,
		Shutdown: 5 * time.Second,
	}
}

type ListenFunc func(name string, opts socket.ListenOptions) (net.Listener, error)

type Options struct {
	//	pre-built pipe instances and connections, and concurrent accept loops
	PoolSize int
	//	SDDL applied to the pipe (Windows)
	SecurityDescriptor string
	CurrentUserOnly    bool
	//	OS buffer size of each pipe instance, 0 for the default
	BufferSize int32
	Timeouts   Timeouts
	Marshaller transport.Marshaller

	UnaryInterceptor  grpc.UnaryServerInterceptor
	StreamInterceptor grpc.StreamServerInterceptor

	//	nil uses socket.Listen
	Listen ListenFunc
	Arena  *buffer.Arena
	Log    *logging.Logger
}

const DefaultPoolSize = 4

func DefaultOptions() Options {
	return Options{
		PoolSize:   DefaultPoolSize,
		Timeouts:   DefaultTimeouts(),
		Marshaller: transport.ProtoMarshaller{},
	}
}

func (o Options) withDefaults() Options {
	if o.PoolSize <= 0 {
		o.PoolSize = DefaultPoolSize
	}
	if o.Marshaller == nil {
		o.Marshaller = transport.ProtoMarshaller{}
	}
	if o.Listen == nil {
		o.Listen = socket.Listen
	}
	if o.Arena == nil {
		o.Arena = buffer.Shared
	}
	return o
}

func (o Options) listenOptions() socket.ListenOptions {
	return socket.ListenOptions{
		SecurityDescriptor: o.SecurityDescriptor,
		CurrentUserOnly:    o.CurrentUserOnly,
		BufferSize:         o.BufferSize,
	}
}
