package server

import (
	"context"
	"net"
	"testing"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"krypt.co/piperpc/common/buffer"
	"krypt.co/piperpc/common/deadline"
	"krypt.co/piperpc/common/protocol"
	"krypt.co/piperpc/common/socket"
	"krypt.co/piperpc/common/transport"
)

//	boundConnection returns a connection that has received request, and the
//	client end of its channel.
func boundConnection(t *testing.T, request *protocol.Request) (*ServerConnection, *transport.Transport) {
	s := NewServer(socket.NewPipeName(), DefaultOptions())
	t.Cleanup(func() {
		s.Kill()
	})
	a, b := net.Pipe()
	clientEnd := transport.New(a, transport.Config{})
	conn := newServerConnection(s)
	conn.transport = transport.New(b, transport.Config{})
	conn.bind(context.Background(), request)
	t.Cleanup(func() {
		conn.cancel()
		clientEnd.Close()
		conn.transport.Close()
	})
	return conn, clientEnd
}

func readResponse(t *testing.T, clientEnd *transport.Transport) *protocol.Response {
	frame, err := clientEnd.ReadFrame(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	defer frame.Release()
	response, ok := frame.Envelope.(*protocol.Response)
	if !ok {
		t.Fatalf("unexpected %s", protocol.Describe(frame.Envelope))
	}
	return response
}

func expectNoFrame(t *testing.T, clientEnd *transport.Transport) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if frame, err := clientEnd.ReadFrame(ctx); err == nil {
		frame.Release()
		t.Fatalf("unexpected second frame %s", protocol.Describe(frame.Envelope))
	}
}

func TestDoubleReplyRejected(t *testing.T) {
	conn, clientEnd := boundConnection(t, &protocol.Request{Method: method("Identity")})

	sent := make(chan error, 1)
	go func() {
		sent <- conn.Success(transport.ProtoMarshaller{}, wrapperspb.Int32(10))
	}()
	response := readResponse(t, clientEnd)
	if err := <-sent; err != nil {
		t.Fatal(err)
	}
	if response.Trailers.Code != codes.OK {
		t.Fatalf("expected OK, got %s", response.Trailers.Code)
	}

	if err := conn.Error(status.Error(codes.Internal, "late")); err != ErrAlreadyCompleted {
		t.Fatalf("expected ErrAlreadyCompleted, got %v", err)
	}
	if err := conn.Success(transport.ProtoMarshaller{}, wrapperspb.Int32(11)); err != ErrAlreadyCompleted {
		t.Fatalf("expected ErrAlreadyCompleted, got %v", err)
	}
	expectNoFrame(t, clientEnd)
}

func TestDoubleErrorRejected(t *testing.T) {
	conn, clientEnd := boundConnection(t, &protocol.Request{Method: method("Identity")})

	sent := make(chan error, 1)
	go func() {
		sent <- conn.Error(status.Error(codes.NotFound, "first"))
	}()
	response := readResponse(t, clientEnd)
	if err := <-sent; err != nil {
		t.Fatal(err)
	}
	if response.Trailers.Code != codes.NotFound || response.Trailers.Detail != "first" {
		t.Fatalf("unexpected trailers %+v", response.Trailers)
	}
	if err := conn.Error(status.Error(codes.NotFound, "second")); err != ErrAlreadyCompleted {
		t.Fatalf("expected ErrAlreadyCompleted, got %v", err)
	}
	expectNoFrame(t, clientEnd)
}

func TestErrorStatusPrecedence(t *testing.T) {
	expired := time.Now().Add(-time.Second)
	conn, _ := boundConnection(t, &protocol.Request{Method: method("Block"), Deadline: &expired})
	conn.requestCancel()
	if code := conn.statusFor(status.Error(codes.NotFound, "x")).Code(); code != codes.DeadlineExceeded {
		t.Fatalf("expected DeadlineExceeded, got %s", code)
	}

	conn, _ = boundConnection(t, &protocol.Request{Method: method("Block")})
	conn.requestCancel()
	if code := conn.statusFor(status.Error(codes.NotFound, "x")).Code(); code != codes.Canceled {
		t.Fatalf("expected Canceled, got %s", code)
	}

	conn, _ = boundConnection(t, &protocol.Request{Method: method("Block")})
	if st := conn.statusFor(status.Error(codes.NotFound, "x")); st.Code() != codes.NotFound || st.Message() != "x" {
		t.Fatalf("expected NotFound x, got %v", st)
	}
	if st := conn.statusFor(net.ErrClosed); st.Code() != codes.Unknown || st.Message() != UnknownErrorDetail {
		t.Fatalf("expected generic Unknown, got %v", st)
	}
}

func TestBindCapturesRequest(t *testing.T) {
	expiry := time.Now().Add(time.Hour)
	conn, _ := boundConnection(t, &protocol.Request{
		Method:   method("Identity"),
		Deadline: &expiry,
		Headers:  metadata.Pairs("k", "v"),
	})
	if !conn.Deadline().IsSet() {
		t.Fatal("deadline not captured")
	}
	if d, ok := conn.ctx.Deadline(); !ok || !d.Equal(expiry) {
		t.Fatal("handler context missing deadline")
	}
	md, ok := metadata.FromIncomingContext(conn.ctx)
	if !ok || md.Get("k")[0] != "v" {
		t.Fatal("handler context missing headers")
	}
}

func TestConnectionPoolNeverLeaksState(t *testing.T) {
	s := NewServer(socket.NewPipeName(), DefaultOptions())
	defer s.Kill()
	pool := newConnectionPool(s)

	used := pool.Rent()
	expiry := time.Now().Add(time.Minute)
	used.request = &protocol.Request{Method: method("Identity"), Headers: metadata.Pairs("k", "v"), Deadline: &expiry}
	used.deadline = deadline.At(expiry)
	used.completed = 1
	used.cancelRequested = 1
	pool.Return(used)

	for i := 0; i < s.opts.PoolSize+1; i++ {
		fresh := pool.Rent()
		if fresh == used {
			t.Fatal("returned connection handed out again")
		}
		if fresh.Request() != nil || fresh.Deadline().IsSet() || fresh.Completed() || fresh.CancelRequested() {
			t.Fatal("rented connection carries previous call state")
		}
		if fresh.State() != Listening {
			t.Fatalf("fresh connection in state %s", fresh.State())
		}
	}
}

func TestPool(t *testing.T) {
	built, discarded := 0, 0
	pool := NewPool(2, func() *int {
		built++
		v := built
		return &v
	}, func(v *int) error {
		discarded++
		return nil
	}, nil)
	if pool.Idle() != 2 {
		t.Fatalf("expected 2 idle, got %d", pool.Idle())
	}
	a, b, c := pool.Rent(), pool.Rent(), pool.Rent()
	if built != 3 || *c != 3 {
		t.Fatal("empty pool should build on demand")
	}
	pool.Return(a)
	pool.Return(b)
	pool.Return(c)
	if pool.Idle() != 2 || discarded != 3 {
		t.Fatalf("idle %d discarded %d", pool.Idle(), discarded)
	}
	pool.Drain()
	if pool.Idle() != 0 || discarded != 5 {
		t.Fatalf("idle %d discarded %d after drain", pool.Idle(), discarded)
	}
}

func TestPipePoolPreRentsHeaders(t *testing.T) {
	arena := buffer.NewArena()
	opts := DefaultOptions()
	opts.Arena = arena
	s := NewServer(socket.NewPipeName(), opts)
	defer s.Kill()
	pool := newPipePool(s)
	if pool.Idle() != s.opts.PoolSize {
		t.Fatalf("expected %d idle instances, got %d", s.opts.PoolSize, pool.Idle())
	}
	baseline := arena.Outstanding()

	listener, err := socket.Listen(s.name, s.opts.listenOptions())
	if err != nil {
		t.Fatal(err)
	}
	defer listener.Close()
	dialed := make(chan error, 1)
	go func() {
		conn, err := socket.Dial(context.Background(), s.name, socket.DefaultDialOptions())
		if err == nil {
			defer conn.Close()
			<-time.After(50 * time.Millisecond)
		}
		dialed <- err
	}()

	instance := pool.Rent()
	header := instance.header
	if header == nil || header.Released() {
		t.Fatal("pooled instance has no header buffer")
	}
	if err = instance.Accept(listener); err != nil {
		t.Fatal(err)
	}
	if instance.header != nil || instance.Transport() == nil {
		t.Fatal("accepted transport did not take the pre-rented header")
	}
	if arena.Outstanding() != baseline {
		t.Fatal("accept rented a buffer")
	}
	if err = <-dialed; err != nil {
		t.Fatal(err)
	}

	pool.Return(instance)
	if !header.Released() {
		t.Fatal("header not released with the transport")
	}
	pool.Drain()
	if arena.Outstanding() != baseline-int64(s.opts.PoolSize) {
		t.Fatalf("%d buffers outstanding after drain, baseline %d", arena.Outstanding(), baseline)
	}
}
