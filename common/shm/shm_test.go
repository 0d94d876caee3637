package shm

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"testing"
	"time"

	uuid "github.com/satori/go.uuid"

	"krypt.co/piperpc/common/protocol"
	"krypt.co/piperpc/common/transport"
)

func newSegment(t *testing.T, capacity int) (server *Conn, client *Conn) {
	name := "test-" + uuid.NewV4().String()
	server, err := Create(name, capacity)
	if err != nil {
		t.Fatal(err)
	}
	client, err = Open(name)
	if err != nil {
		server.Close()
		t.Fatal(err)
	}
	return
}

func TestMessageRoundTrip(t *testing.T) {
	server, client := newSegment(t, 64)
	defer server.Close()
	defer client.Close()

	if _, err := client.Write([]byte("hello")); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 3)
	n, err := server.Read(buf)
	if err != nil || string(buf[:n]) != "hel" {
		t.Fatalf("first read %q %v", buf[:n], err)
	}
	n, err = server.Read(buf)
	if err != nil || string(buf[:n]) != "lo" {
		t.Fatalf("second read %q %v", buf[:n], err)
	}

	if _, err = server.Write([]byte("back")); err != nil {
		t.Fatal(err)
	}
	n, err = client.Read(buf[:cap(buf)])
	if err != nil || string(buf[:n]) != "bac" {
		t.Fatalf("reply read %q %v", buf[:n], err)
	}
}

func TestFrameTooLarge(t *testing.T) {
	server, client := newSegment(t, 8)
	defer server.Close()
	defer client.Close()
	if _, err := client.Write(make([]byte, 9)); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
}

func TestSingleSlotBlocksSecondWriter(t *testing.T) {
	server, client := newSegment(t, 16)
	defer server.Close()
	defer client.Close()

	if _, err := client.Write([]byte("one")); err != nil {
		t.Fatal(err)
	}
	var written int32
	go func() {
		client.Write([]byte("two"))
		atomic.StoreInt32(&written, 1)
	}()
	<-time.After(30 * time.Millisecond)
	if atomic.LoadInt32(&written) != 0 {
		t.Fatal("second write completed before the slot was drained")
	}

	buf := make([]byte, 16)
	n, err := server.Read(buf)
	if err != nil || string(buf[:n]) != "one" {
		t.Fatalf("read %q %v", buf[:n], err)
	}
	n, err = server.Read(buf)
	if err != nil || string(buf[:n]) != "two" {
		t.Fatalf("read %q %v", buf[:n], err)
	}
}

func TestPeerCloseDeliversPendingThenEOF(t *testing.T) {
	server, client := newSegment(t, 16)
	defer server.Close()

	if _, err := client.Write([]byte("last")); err != nil {
		t.Fatal(err)
	}
	client.Close()

	buf := make([]byte, 16)
	n, err := server.Read(buf)
	if err != nil || string(buf[:n]) != "last" {
		t.Fatalf("read %q %v", buf[:n], err)
	}
	if _, err = server.Read(buf); err != io.EOF {
		t.Fatalf("expected io.EOF, got %v", err)
	}
	if _, err = server.Write([]byte("x")); err != io.ErrClosedPipe {
		t.Fatalf("expected io.ErrClosedPipe, got %v", err)
	}
}

func TestCloseUnblocksRead(t *testing.T) {
	server, client := newSegment(t, 16)
	defer client.Close()

	done := make(chan error, 1)
	go func() {
		_, err := server.Read(make([]byte, 4))
		done <- err
	}()
	<-time.After(10 * time.Millisecond)
	server.Close()
	select {
	case err := <-done:
		if err != ErrClosed {
			t.Fatalf("expected ErrClosed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("read not unblocked by Close")
	}
}

func TestOpenMissingSegment(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, err := Dial(ctx, "missing-"+uuid.NewV4().String()); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
}

func TestTransportOverSharedMemory(t *testing.T) {
	server, client := newSegment(t, DefaultCapacity)
	serverTransport := transport.New(server, transport.Config{})
	clientTransport := transport.New(client, transport.Config{})
	defer serverTransport.Close()
	defer clientTransport.Close()

	payload := []byte("payload")
	err := clientTransport.SendFrame(context.Background(), &protocol.Request{Method: "/svc/M", Kind: protocol.Unary}, transport.Serializer(transport.RawMarshaller{}, payload))
	if err != nil {
		t.Fatal(err)
	}
	frame, err := serverTransport.ReadFrame(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	defer frame.Release()
	request, ok := frame.Envelope.(*protocol.Request)
	if !ok || request.Method != "/svc/M" {
		t.Fatalf("unexpected envelope %s", protocol.Describe(frame.Envelope))
	}
	if string(frame.Payload) != "payload" {
		t.Fatalf("unexpected payload %q", frame.Payload)
	}
}
