// +build windows

package socket

import (
	"context"
	"errors"
	"net"

	"github.com/Microsoft/go-winio"
	"golang.org/x/sys/windows"
)

func PipePath(name string) (fullPath string, err error) {
	fullPath = `\\.\pipe\` + name
	return
}

func currentUserDescriptor() (sddl string, err error) {
	user, err := windows.GetCurrentProcessToken().GetTokenUser()
	if err != nil {
		return
	}
	sddl = "D:P(A;;GA;;;" + user.User.Sid.String() + ")"
	return
}

func Listen(name string, opts ListenOptions) (listener net.Listener, err error) {
	pipePath, err := PipePath(name)
	if err != nil {
		return
	}
	descriptor := opts.SecurityDescriptor
	if opts.CurrentUserOnly && descriptor == "" {
		descriptor, err = currentUserDescriptor()
		if err != nil {
			return
		}
	}
	listener, err = winio.ListenPipe(pipePath, &winio.PipeConfig{
		SecurityDescriptor: descriptor,
		MessageMode:        true,
		InputBufferSize:    opts.BufferSize,
		OutputBufferSize:   opts.BufferSize,
	})
	return
}

func impLevel(level ImpersonationLevel) winio.PipeImpLevel {
	switch level {
	case ImpersonationAnonymous:
		return winio.PipeImpLevelAnonymous
	case ImpersonationImpersonation:
		return winio.PipeImpLevelImpersonation
	case ImpersonationDelegation:
		return winio.PipeImpLevelDelegation
	}
	return winio.PipeImpLevelIdentification
}

func dial(ctx context.Context, name string, opts DialOptions) (conn net.Conn, err error) {
	pipePath, err := PipePath(name)
	if err != nil {
		return
	}
	conn, err = winio.DialPipeAccessImpLevel(ctx, pipePath, uint32(opts.Access), impLevel(opts.ImpersonationLevel))
	return
}

func notListening(err error) bool {
	return errors.Is(err, windows.ERROR_FILE_NOT_FOUND) || errors.Is(err, windows.ERROR_PIPE_BUSY)
}

func IsClosed(err error) bool {
	return errors.Is(err, winio.ErrPipeListenerClosed) || errors.Is(err, net.ErrClosed)
}
