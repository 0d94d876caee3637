// +build !windows

package socket

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

func PipeDir() (dir string, err error) {
	base := os.Getenv("XDG_RUNTIME_DIR")
	if base == "" {
		base = os.TempDir()
	}
	dir = filepath.Join(base, "piperpc")
	err = os.MkdirAll(dir, os.FileMode(0700))
	return
}

func PipePath(name string) (fullPath string, err error) {
	dir, err := PipeDir()
	if err != nil {
		return
	}
	fullPath = filepath.Join(dir, name+".sock")
	return
}

func Listen(name string, opts ListenOptions) (listener net.Listener, err error) {
	socketPath, err := PipePath(name)
	if err != nil {
		return
	}
	//	delete UNIX socket in case the previous server was not killed cleanly
	_ = os.Remove(socketPath)
	listener, err = net.Listen("unix", socketPath)
	if err != nil {
		return
	}
	mode := os.FileMode(0666)
	if opts.CurrentUserOnly {
		mode = 0600
	}
	if err = os.Chmod(socketPath, mode); err != nil {
		listener.Close()
		listener = nil
	}
	return
}

func dial(ctx context.Context, name string, opts DialOptions) (conn net.Conn, err error) {
	socketPath, err := PipePath(name)
	if err != nil {
		return
	}
	var d net.Dialer
	conn, err = d.DialContext(ctx, "unix", socketPath)
	return
}

func notListening(err error) bool {
	return errors.Is(err, unix.ENOENT) || errors.Is(err, unix.ECONNREFUSED)
}

func IsClosed(err error) bool {
	return errors.Is(err, net.ErrClosed)
}
