package socket

import (
	"context"
	"errors"
	"net"
	"time"

	uuid "github.com/satori/go.uuid"
)

//	DefaultName is the channel piped listens on unless told otherwise.
const DefaultName = "piperpc-daemon"

var ErrConnectTimeout = errors.New("socket: timed out connecting to pipe")

type ImpersonationLevel int

const (
	ImpersonationAnonymous ImpersonationLevel = iota
	ImpersonationIdentification
	ImpersonationImpersonation
	ImpersonationDelegation
)

//	Access rights requested when opening the client end of a pipe.
type Access uint32

const (
	AccessRead      Access = 0x80000000
	AccessWrite     Access = 0x40000000
	AccessReadWrite        = AccessRead | AccessWrite
)

type ListenOptions struct {
	//	SDDL applied to the pipe. Only meaningful on Windows.
	SecurityDescriptor string
	//	restrict the channel to the user running the server
	CurrentUserOnly bool
	//	per-direction OS buffer size, 0 for the platform default
	BufferSize int32
}

type DialOptions struct {
	//	0 waits forever for the server to start listening
	ConnectTimeout     time.Duration
	ImpersonationLevel ImpersonationLevel
	Access             Access
}

func DefaultDialOptions() DialOptions {
	return DialOptions{
		ImpersonationLevel: ImpersonationIdentification,
		Access:             AccessReadWrite,
	}
}

//	NewPipeName returns a process-unique channel name.
func NewPipeName() string {
	return "piperpc-" + uuid.NewV4().String()
}

const (
	minDialRetry = 5 * time.Millisecond
	maxDialRetry = 100 * time.Millisecond
)

//	Dial connects to the channel called name, retrying while no server is
//	listening yet. Cancellation of ctx returns ctx.Err(); running out of
//	ConnectTimeout returns ErrConnectTimeout.
func Dial(ctx context.Context, name string, opts DialOptions) (conn net.Conn, err error) {
	dialCtx := ctx
	if opts.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, opts.ConnectTimeout)
		defer cancel()
	}
	if opts.Access == 0 {
		opts.Access = AccessReadWrite
	}
	retry := minDialRetry
	for {
		conn, err = dial(dialCtx, name, opts)
		if err == nil {
			return
		}
		if dialCtx.Err() == nil && !notListening(err) {
			return
		}
		select {
		case <-dialCtx.Done():
		case <-time.After(retry):
			if retry *= 2; retry > maxDialRetry {
				retry = maxDialRetry
			}
			continue
		}
		if ctx.Err() != nil {
			err = ctx.Err()
		} else {
			err = ErrConnectTimeout
		}
		return
	}
}
