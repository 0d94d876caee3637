package server

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/op/go-logging"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"krypt.co/piperpc/common/log"
	"krypt.co/piperpc/common/shm"
	"krypt.co/piperpc/common/socket"
	"krypt.co/piperpc/common/transport"
)

var ErrServerKilled = errors.New("server: killed")

type run struct {
	listener net.Listener
	stop     context.CancelFunc
	done     chan struct{}
	err      error
}

//	Server accepts clients on one channel name with PoolSize concurrent
//	accept loops, serving one call per connection.
type Server struct {
	name string
	opts Options
	log  *logging.Logger

	mu       sync.Mutex
	handlers map[string]*methodHandler
	running  bool
	killed   bool
	run      *run

	//	cancelled by Kill
	base context.Context
	kill context.CancelFunc

	pipes       *PipePool
	connections *ConnectionPool
}

var _ grpc.ServiceRegistrar = (*Server)(nil)

func NewServer(name string, opts Options) *Server {
	opts = opts.withDefaults()
	base, kill := context.WithCancel(context.Background())
	s := &Server{
		name:     name,
		opts:     opts,
		log:      log.Logger(opts.Log),
		handlers: map[string]*methodHandler{},
		base:     base,
		kill:     kill,
	}
	s.pipes = newPipePool(s)
	s.connections = newConnectionPool(s)
	return s
}

func (s *Server) Name() string {
	return s.name
}

//	Start listens and launches the accept loops. Starting a running server
//	does nothing.
func (s *Server) Start() (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.killed {
		return ErrServerKilled
	}
	if s.running {
		return
	}
	listener, err := s.opts.Listen(s.name, s.opts.listenOptions())
	if err != nil {
		return
	}
	shutdown, stop := context.WithCancel(s.base)
	r := &run{
		listener: listener,
		stop:     stop,
		done:     make(chan struct{}),
	}

	var group errgroup.Group
	for i := 0; i < s.opts.PoolSize; i++ {
		group.Go(func() error {
			return s.acceptLoop(shutdown, listener)
		})
	}
	go func() {
		r.err = group.Wait()
		if r.err != nil {
			s.log.Error("accept loop failed:", r.err)
		}
		stop()
		close(r.done)
	}()

	s.run = r
	s.running = true
	s.log.Notice("listening on", s.name)
	return
}

func (s *Server) acceptLoop(ctx context.Context, listener net.Listener) error {
	for {
		instance := s.pipes.Rent()
		if err := instance.Accept(listener); err != nil {
			s.pipes.Return(instance)
			if ctx.Err() != nil || socket.IsClosed(err) {
				return nil
			}
			return err
		}
		conn := s.connections.Rent()
		if err := conn.Serve(ctx, instance.Transport()); err != nil {
			s.log.Warning("connection error:", err)
		}
		s.connections.Return(conn)
		s.pipes.Return(instance)
	}
}

//	Stop closes the listener and cancels in-flight calls. A stopped server
//	can be started again.
func (s *Server) Stop() error {
	s.mu.Lock()
	if s.killed {
		s.mu.Unlock()
		return ErrServerKilled
	}
	r := s.run
	running := s.running
	s.running = false
	s.mu.Unlock()
	if !running {
		return nil
	}

	r.stop()
	if err := r.listener.Close(); err != nil && !socket.IsClosed(err) {
		s.log.Error("error closing listener:", err)
	}
	select {
	case <-r.done:
	case <-time.After(s.opts.Timeouts.Shutdown):
		s.log.Warning("calls still running", s.opts.Timeouts.Shutdown, "after stop")
	}
	s.log.Notice("stopped listening on", s.name)
	return nil
}

//	Kill stops the server for good and disposes its pools. Every later
//	operation fails with ErrServerKilled.
func (s *Server) Kill() (err error) {
	s.mu.Lock()
	killed := s.killed
	s.mu.Unlock()
	if killed {
		return
	}
	if err = s.Stop(); err == ErrServerKilled {
		return nil
	}
	s.mu.Lock()
	s.killed = true
	s.mu.Unlock()
	s.kill()
	s.pipes.Drain()
	s.connections.Drain()
	return
}

//	Wait blocks until the accept loops of the current run have exited and
//	returns the first fatal accept error.
func (s *Server) Wait() error {
	s.mu.Lock()
	r := s.run
	s.mu.Unlock()
	if r == nil {
		return nil
	}
	<-r.done
	return r.err
}

//	ServeChannel serves one call over a channel established elsewhere. It
//	closes rwc when done.
func (s *Server) ServeChannel(ctx context.Context, rwc io.ReadWriteCloser) error {
	s.mu.Lock()
	killed := s.killed
	s.mu.Unlock()
	if killed {
		rwc.Close()
		return ErrServerKilled
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.base, cancel)
	defer stop()

	t := transport.New(rwc, transport.Config{Arena: s.opts.Arena})
	defer t.Close()
	conn := s.connections.Rent()
	defer s.connections.Return(conn)
	return conn.Serve(ctx, t)
}

//	ServeSharedMemory serves clients one after another over a shared-memory
//	segment called name until ctx ends or the server is killed.
func (s *Server) ServeSharedMemory(ctx context.Context, name string, capacity int) error {
	for ctx.Err() == nil {
		segment, err := shm.Create(name, capacity)
		if err != nil {
			return err
		}
		s.log.Debug("serving shared memory segment", name)
		err = s.ServeChannel(ctx, segment)
		if err == ErrServerKilled {
			return err
		} else if err != nil {
			s.log.Warning("shared memory connection error:", err)
		}
	}
	return ctx.Err()
}
