package server

import (
	"net"
	"sync/atomic"

	"github.com/op/go-logging"

	"krypt.co/piperpc/common/buffer"
	"krypt.co/piperpc/common/protocol"
	"krypt.co/piperpc/common/transport"
)

//	Pool keeps up to size idle instances ready to rent. Returned instances
//	are discarded and replaced by new ones, never handed out again.
type Pool[T any] struct {
	idle    chan T
	factory func() T
	discard func(T) error
	log     *logging.Logger
}

func NewPool[T any](size int, factory func() T, discard func(T) error, log *logging.Logger) *Pool[T] {
	p := &Pool[T]{
		idle:    make(chan T, size),
		factory: factory,
		discard: discard,
		log:     log,
	}
	for i := 0; i < size; i++ {
		p.idle <- factory()
	}
	return p
}

//	Rent never blocks: an empty pool builds a new instance.
func (p *Pool[T]) Rent() T {
	select {
	case item := <-p.idle:
		return item
	default:
		return p.factory()
	}
}

func (p *Pool[T]) Return(used T) {
	p.dispose(used)
	select {
	case p.idle <- p.factory():
	default:
	}
}

func (p *Pool[T]) Idle() int {
	return len(p.idle)
}

//	Drain disposes every idle instance.
func (p *Pool[T]) Drain() {
	for {
		select {
		case item := <-p.idle:
			p.dispose(item)
		default:
			return
		}
	}
}

func (p *Pool[T]) dispose(item T) {
	if p.discard == nil {
		return
	}
	if err := p.discard(item); err != nil {
		p.log.Error("error disposing pooled item:", err)
	}
}

var pipeInstanceIDs uint64

//	pipeInstance is the server end of one pipe connection. The listener
//	creates the OS pipe instance itself when a client connects; a pooled
//	instance carries everything else its transport needs, so Accept only
//	wraps the accepted connection.
type pipeInstance struct {
	id        uint64
	config    transport.Config
	header    *buffer.Buffer
	conn      net.Conn
	transport *transport.Transport
}

func newPipeInstance(config transport.Config) *pipeInstance {
	return &pipeInstance{
		id:     atomic.AddUint64(&pipeInstanceIDs, 1),
		config: config,
		header: config.Arena.Rent(protocol.HeaderSize),
	}
}

//	Accept waits for a client to connect to this instance.
func (p *pipeInstance) Accept(listener net.Listener) (err error) {
	conn, err := listener.Accept()
	if err != nil {
		return
	}
	config := p.config
	config.Header = p.header
	p.header = nil
	p.conn = conn
	p.transport = transport.New(conn, config)
	return
}

func (p *pipeInstance) Transport() *transport.Transport {
	return p.transport
}

func (p *pipeInstance) Disconnect() error {
	if p.transport == nil {
		p.header.Release()
		return nil
	}
	return p.transport.Close()
}

type PipePool = Pool[*pipeInstance]

type ConnectionPool = Pool[*ServerConnection]

func newPipePool(s *Server) *PipePool {
	config := transport.Config{Arena: s.opts.Arena}
	return NewPool(s.opts.PoolSize,
		func() *pipeInstance {
			return newPipeInstance(config)
		},
		func(p *pipeInstance) error {
			return p.Disconnect()
		},
		s.log)
}

func newConnectionPool(s *Server) *ConnectionPool {
	return NewPool(s.opts.PoolSize,
		func() *ServerConnection {
			return newServerConnection(s)
		},
		nil,
		s.log)
}
