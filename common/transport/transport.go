package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"krypt.co/piperpc/common/buffer"
	"krypt.co/piperpc/common/protocol"
)

var (
	ErrConcurrentRead   = errors.New("transport: ReadFrame already in progress")
	ErrConcurrentWrite  = errors.New("transport: SendFrame already in progress")
	ErrShortRead        = fmt.Errorf("transport: short read: %w", io.ErrUnexpectedEOF)
	ErrFrameTooLarge    = errors.New("transport: frame too large")
	ErrClosed           = errors.New("transport: closed")
)

const DefaultMaxFrameSize = 64 << 20

type Config struct {
	//	nil uses buffer.Shared
	Arena *buffer.Arena
	//	0 uses DefaultMaxFrameSize
	MaxFrameSize int
	//	pre-rented scratch buffer of protocol.HeaderSize bytes, owned by the
	//	transport from New on; nil rents one
	Header *buffer.Buffer
}

//	Transport frames messages over one channel. At most one ReadFrame and one
//	SendFrame may run at a time; a second concurrent call is rejected.
type Transport struct {
	conn         io.ReadWriteCloser
	arena        *buffer.Arena
	maxFrameSize int
	header       *buffer.Buffer

	reading int32
	writing int32
	closed  int32

	closeOnce sync.Once
	closeErr  error
}

func New(conn io.ReadWriteCloser, config Config) *Transport {
	if config.Arena == nil {
		config.Arena = buffer.Shared
	}
	if config.MaxFrameSize <= 0 {
		config.MaxFrameSize = DefaultMaxFrameSize
	}
	header := config.Header
	if header == nil || len(header.B) != protocol.HeaderSize {
		header.Release()
		header = config.Arena.Rent(protocol.HeaderSize)
	}
	return &Transport{
		conn:         conn,
		arena:        config.Arena,
		maxFrameSize: config.MaxFrameSize,
		header:       header,
	}
}

func (t *Transport) Closed() bool {
	return atomic.LoadInt32(&t.closed) == 1
}

//	Close closes the channel, unblocking any pending read or write.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		atomic.StoreInt32(&t.closed, 1)
		t.closeErr = t.conn.Close()
		t.releaseHeaderIfIdle()
	})
	return t.closeErr
}

//	the header scratch buffer is only touched while reading is held
func (t *Transport) releaseHeaderIfIdle() {
	if atomic.CompareAndSwapInt32(&t.reading, 0, 1) {
		t.header.Release()
	}
}

//	closeOnDone closes the transport if ctx ends before the returned stop
//	function is called. stop reports whether ctx ended first.
func (t *Transport) closeOnDone(ctx context.Context) (stop func() bool) {
	if ctx.Done() == nil {
		return func() bool { return false }
	}
	cancel := context.AfterFunc(ctx, func() {
		t.Close()
	})
	return func() bool {
		return !cancel()
	}
}

//	SendFrame writes envelope followed by the payload produced by serialize
//	(nil for none) with a single write.
func (t *Transport) SendFrame(ctx context.Context, envelope protocol.Envelope, serialize PayloadSerializer) (err error) {
	if !atomic.CompareAndSwapInt32(&t.writing, 0, 1) {
		return ErrConcurrentWrite
	}
	defer atomic.StoreInt32(&t.writing, 0)
	if t.Closed() {
		return ErrClosed
	}

	sc, err := NewSerializationContext(t.arena, envelope)
	if err != nil {
		return
	}
	defer sc.Release()
	if serialize != nil {
		if err = serialize(sc); err != nil {
			return
		}
	}
	frame, err := sc.Bytes()
	if err != nil {
		return
	}
	if len(frame)-protocol.HeaderSize > t.maxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(frame)-protocol.HeaderSize)
	}

	stop := t.closeOnDone(ctx)
	n, err := t.conn.Write(frame)
	if stop() {
		return ctx.Err()
	}
	if err == nil && n != len(frame) {
		err = io.ErrShortWrite
	}
	if err != nil && t.Closed() {
		err = fmt.Errorf("%w: %v", ErrClosed, err)
	}
	return
}

func (t *Transport) SendControl(ctx context.Context, control protocol.Control) error {
	return t.SendFrame(ctx, control, nil)
}

//	ReadFrame returns the next frame, which the caller must Release. A peer
//	that closed cleanly between frames yields io.EOF.
func (t *Transport) ReadFrame(ctx context.Context) (f *Frame, err error) {
	if !atomic.CompareAndSwapInt32(&t.reading, 0, 1) {
		if t.Closed() {
			return nil, ErrClosed
		}
		return nil, ErrConcurrentRead
	}
	defer func() {
		atomic.StoreInt32(&t.reading, 0)
		if t.Closed() {
			t.releaseHeaderIfIdle()
		}
	}()
	if t.Closed() {
		return nil, ErrClosed
	}

	stop := t.closeOnDone(ctx)
	f, err = t.readFrame()
	if stop() && err != nil {
		err = ctx.Err()
	}
	return
}

func (t *Transport) readFrame() (f *Frame, err error) {
	n, err := io.ReadFull(t.conn, t.header.B)
	switch {
	case err == io.EOF && n == 0:
		return
	case err != nil:
		err = t.readError(err)
		return
	}
	h, err := protocol.DecodeHeader(t.header.B)
	if err != nil {
		return
	}
	if int(h.TotalSize) > t.maxFrameSize {
		err = protocol.Violation("%w: %d bytes", ErrFrameTooLarge, h.TotalSize)
		return
	}

	body := t.arena.Rent(int(h.TotalSize))
	if _, err = io.ReadFull(t.conn, body.B); err != nil {
		body.Release()
		err = t.readError(err)
		return
	}
	return DecodeFrame(h, body)
}

func (t *Transport) readError(err error) error {
	switch {
	case err == io.EOF || err == io.ErrUnexpectedEOF:
		return ErrShortRead
	case t.Closed():
		return fmt.Errorf("%w: %v", ErrClosed, err)
	}
	return err
}
