package client

import (
	"context"
	"io"
	"time"

	"github.com/op/go-logging"

	"krypt.co/piperpc/common/buffer"
	"krypt.co/piperpc/common/shm"
	"krypt.co/piperpc/common/socket"
	"krypt.co/piperpc/common/transport"
)

//	Dialer opens the client end of the channel called name.
type Dialer func(ctx context.Context, name string) (io.ReadWriteCloser, error)

type Options struct {
	//	0 waits for the server indefinitely
	ConnectTimeout     time.Duration
	ImpersonationLevel socket.ImpersonationLevel
	Access             socket.Access
	Marshaller         transport.Marshaller
	//	nil dials a named pipe / UNIX socket
	Dialer Dialer
	Arena  *buffer.Arena
	Log    *logging.Logger
}

func DefaultOptions() Options {
	dialOptions := socket.DefaultDialOptions()
	return Options{
		ImpersonationLevel: dialOptions.ImpersonationLevel,
		Access:             dialOptions.Access,
		Marshaller:         transport.ProtoMarshaller{},
	}
}

func (o Options) dialer() Dialer {
	if o.Dialer != nil {
		return o.Dialer
	}
	dialOptions := socket.DialOptions{
		ImpersonationLevel: o.ImpersonationLevel,
		Access:             o.Access,
	}
	return func(ctx context.Context, name string) (io.ReadWriteCloser, error) {
		return socket.Dial(ctx, name, dialOptions)
	}
}

//	SharedMemoryDialer connects to a server serving a shm segment.
func SharedMemoryDialer(ctx context.Context, name string) (io.ReadWriteCloser, error) {
	return shm.Dial(ctx, name)
}
