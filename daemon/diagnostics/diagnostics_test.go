package diagnostics

import (
	"context"
	"io"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"krypt.co/piperpc/client"
	"krypt.co/piperpc/common/log"
	"krypt.co/piperpc/common/socket"
	"krypt.co/piperpc/common/version"
	"krypt.co/piperpc/server"
)

func startServer(t *testing.T) *Client {
	name := socket.NewPipeName()
	s := server.NewServer(name, server.DefaultOptions())
	RegisterDiagnosticsServer(s, NewService(log.Log))
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		s.Kill()
	})
	return NewClient(client.NewChannel(name, client.DefaultOptions()))
}

func TestEcho(t *testing.T) {
	c := startServer(t)
	var header metadata.MD
	out, err := c.Echo(context.Background(), wrapperspb.String("hello"), grpc.Header(&header))
	if err != nil {
		t.Fatal(err)
	}
	if out.GetValue() != "hello" {
		t.Fatalf("echoed %q", out.GetValue())
	}
	if v := header.Get(VersionHeader); len(v) != 1 || v[0] != version.CURRENT_VERSION.String() {
		t.Fatalf("unexpected version header %v", v)
	}
}

func TestPing(t *testing.T) {
	c := startServer(t)
	ctx := metadata.AppendToOutgoingContext(context.Background(), VersionHeader, "1.0.0")
	out, err := c.Ping(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if out.GetValue() != version.CURRENT_VERSION.String() {
		t.Fatalf("unexpected version %q", out.GetValue())
	}
}

func TestCount(t *testing.T) {
	c := startServer(t)
	stream, err := c.Count(context.Background(), 5)
	if err != nil {
		t.Fatal(err)
	}
	for i := int32(1); i <= 5; i++ {
		m, err := stream.Recv()
		if err != nil {
			t.Fatal(err)
		}
		if m.GetValue() != i {
			t.Fatalf("expected %d, got %d", i, m.GetValue())
		}
	}
	if _, err = stream.Recv(); err != io.EOF {
		t.Fatalf("expected io.EOF, got %v", err)
	}
	if v := stream.Trailer().Get(CountTrailer); len(v) != 1 || v[0] != "5" {
		t.Fatalf("unexpected trailer %v", v)
	}
}

func TestCountInvalid(t *testing.T) {
	c := startServer(t)
	stream, err := c.Count(context.Background(), -1)
	if err != nil {
		t.Fatal(err)
	}
	if _, err = stream.Recv(); status.Code(err) != codes.InvalidArgument {
		t.Fatalf("expected InvalidArgument, got %v", err)
	}
}

func TestCountCancelled(t *testing.T) {
	c := startServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	stream, err := c.Count(ctx, MaxCount)
	if err != nil {
		t.Fatal(err)
	}
	if _, err = stream.Recv(); err != nil {
		t.Fatal(err)
	}
	cancel()
	for {
		if _, err = stream.Recv(); err != nil {
			break
		}
	}
	if status.Code(err) != codes.Canceled {
		t.Fatalf("expected Canceled, got %v", err)
	}
}

func TestSum(t *testing.T) {
	c := startServer(t)
	stream, err := c.Sum(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	for _, v := range []int32{1, 2, 3} {
		if err = stream.Send(wrapperspb.Int32(v)); err != nil {
			t.Fatal(err)
		}
	}
	total, err := stream.CloseAndRecv()
	if err != nil {
		t.Fatal(err)
	}
	if total.GetValue() != 6 {
		t.Fatalf("expected 6, got %d", total.GetValue())
	}
}

func TestChat(t *testing.T) {
	c := startServer(t)
	stream, err := c.Chat(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	for _, line := range []string{"a", "b"} {
		if err = stream.Send(wrapperspb.String(line)); err != nil {
			t.Fatal(err)
		}
		m, err := stream.Recv()
		if err != nil {
			t.Fatal(err)
		}
		if m.GetValue() != line {
			t.Fatalf("expected %q, got %q", line, m.GetValue())
		}
	}
	if err = stream.CloseSend(); err != nil {
		t.Fatal(err)
	}
	if _, err = stream.Recv(); err != io.EOF {
		t.Fatalf("expected io.EOF, got %v", err)
	}
}

func TestUnknownMethod(t *testing.T) {
	name := socket.NewPipeName()
	s := server.NewServer(name, server.DefaultOptions())
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	defer s.Kill()
	c := NewClient(client.NewChannel(name, client.DefaultOptions()))
	if _, err := c.Ping(context.Background()); status.Code(err) != codes.Unimplemented {
		t.Fatalf("expected Unimplemented, got %v", err)
	}
}
