package shm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

var (
	ErrFrameTooLarge = errors.New("shm: message larger than segment slot")
	ErrClosed        = errors.New("shm: connection closed")
)

const (
	clientToServer = "c2s"
	serverToClient = "s2c"
)

//	Conn is one end of a shared-memory connection. Every Write is delivered
//	as one message; a Write blocks until the peer has drained the previous
//	one. Reads drain the current message across as many calls as needed.
type Conn struct {
	name  string
	tx    *region
	rx    *region
	owner bool
	paths []string

	readMu   sync.Mutex
	pending  int
	consumed int

	writeMu sync.Mutex

	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

//	Create sets up the segment called name and returns its server end.
func Create(name string, capacity int) (conn *Conn, err error) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	c2sPath, err := regionPath(name, clientToServer)
	if err != nil {
		return
	}
	s2cPath, err := regionPath(name, serverToClient)
	if err != nil {
		return
	}
	rx, err := createRegion(c2sPath, capacity)
	if err != nil {
		return
	}
	tx, err := createRegion(s2cPath, capacity)
	if err != nil {
		rx.unmap()
		os.Remove(c2sPath)
		return
	}
	conn = &Conn{
		name:  name,
		tx:    tx,
		rx:    rx,
		owner: true,
		paths: []string{c2sPath, s2cPath},
		done:  make(chan struct{}),
	}
	return
}

//	Open attaches to an existing segment as its client end.
func Open(name string) (conn *Conn, err error) {
	c2sPath, err := regionPath(name, clientToServer)
	if err != nil {
		return
	}
	s2cPath, err := regionPath(name, serverToClient)
	if err != nil {
		return
	}
	rx, err := openRegion(s2cPath)
	if err != nil {
		return
	}
	tx, err := openRegion(c2sPath)
	if err != nil {
		rx.unmap()
		return
	}
	conn = &Conn{
		name: name,
		tx:   tx,
		rx:   rx,
		done: make(chan struct{}),
	}
	return
}

//	Dial opens the segment called name, waiting for a server to create it.
func Dial(ctx context.Context, name string) (conn *Conn, err error) {
	retry := 5 * time.Millisecond
	for {
		conn, err = Open(name)
		if err == nil || !(errors.Is(err, os.ErrNotExist) || errors.Is(err, ErrBadSegment)) {
			return
		}
		select {
		case <-ctx.Done():
			err = fmt.Errorf("shm: segment %s not available: %w", name, ctx.Err())
			return
		case <-time.After(retry):
		}
		if retry *= 2; retry > 100*time.Millisecond {
			retry = 100 * time.Millisecond
		}
	}
}

func (c *Conn) Name() string {
	return c.name
}

//	Capacity is the largest message a Write accepts.
func (c *Conn) Capacity() int {
	return c.tx.capacity()
}

func (c *Conn) isClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Conn) Write(p []byte) (n int, err error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.isClosed() {
		return 0, ErrClosed
	}
	if len(p) > c.tx.capacity() {
		return 0, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, len(p), c.tx.capacity())
	}
	if c.tx.closed() || !c.tx.writePermit().Acquire(c.done, c.tx.closed) {
		if c.isClosed() {
			return 0, ErrClosed
		}
		return 0, io.ErrClosedPipe
	}
	copy(c.tx.slot(), p)
	c.tx.setLength(len(p))
	c.tx.readPermit().Release()
	return len(p), nil
}

func (c *Conn) Read(p []byte) (n int, err error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()
	if c.isClosed() {
		return 0, ErrClosed
	}
	for c.pending == 0 {
		if !c.rx.readPermit().Acquire(c.done, c.rx.closed) {
			if c.isClosed() {
				return 0, ErrClosed
			}
			//	a message published before the peer closed is still readable
			if !c.rx.readPermit().TryAcquire() {
				return 0, io.EOF
			}
		}
		c.pending = c.rx.length()
		c.consumed = 0
		if c.pending == 0 {
			c.rx.writePermit().Release()
		}
	}
	n = copy(p, c.rx.slot()[c.consumed:c.consumed+c.pending])
	c.consumed += n
	c.pending -= n
	if c.pending == 0 {
		c.rx.writePermit().Release()
	}
	return
}

//	Close marks both directions closed so the peer stops waiting, unmaps the
//	segment and, on the server end, removes its files.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.tx.markClosed()
		c.rx.markClosed()
		//	let in-flight Read and Write observe done before unmapping
		c.readMu.Lock()
		c.writeMu.Lock()
		err := c.tx.unmap()
		if rxErr := c.rx.unmap(); err == nil {
			err = rxErr
		}
		c.writeMu.Unlock()
		c.readMu.Unlock()
		if c.owner {
			for _, path := range c.paths {
				if removeErr := os.Remove(path); err == nil && removeErr != nil && !os.IsNotExist(removeErr) {
					err = removeErr
				}
			}
		}
		c.closeErr = err
	})
	return c.closeErr
}
