package protocol

import (
	"reflect"
	"testing"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/encoding/protowire"
)

func roundTrip(t *testing.T, e Envelope) Envelope {
	t.Helper()
	size, err := EnvelopeSize(e)
	if err != nil {
		t.Fatal(err)
	}
	b, err := MarshalEnvelope(e)
	if err != nil {
		t.Fatal(err)
	}
	if len(b) != size {
		t.Fatalf("EnvelopeSize %d, encoded %d", size, len(b))
	}
	decoded, err := UnmarshalEnvelope(b)
	if err != nil {
		t.Fatal(err)
	}
	return decoded
}

func TestRequestRoundTrip(t *testing.T) {
	deadline := time.Now().Add(time.Minute).Round(0).UTC()
	request := &Request{
		Method:   "/piperpc.Diagnostics/Echo",
		Kind:     ServerStreaming,
		Deadline: &deadline,
		Headers: metadata.MD{
			"user-agent": {"pipectl"},
			"trace":      {"a", "b"},
			"blob-bin":   {string([]byte{0, 1, 2, 255})},
		},
	}
	decoded, ok := roundTrip(t, request).(*Request)
	if !ok {
		t.Fatal("wrong variant")
	}
	if decoded.Method != request.Method || decoded.Kind != request.Kind {
		t.Fatalf("unexpected request %+v", decoded)
	}
	if decoded.Deadline == nil || !decoded.Deadline.Equal(deadline) {
		t.Fatalf("deadline %v != %v", decoded.Deadline, deadline)
	}
	if !reflect.DeepEqual(decoded.Headers, request.Headers) {
		t.Fatalf("headers %v != %v", decoded.Headers, request.Headers)
	}
}

func TestRequestWithoutDeadline(t *testing.T) {
	decoded := roundTrip(t, &Request{Method: "/a/b"}).(*Request)
	if decoded.Deadline != nil || decoded.Kind != Unary || decoded.Headers != nil {
		t.Fatalf("unexpected request %+v", decoded)
	}
}

func TestResponseRoundTrip(t *testing.T) {
	for _, response := range []*Response{
		{},
		{Trailers: Trailers{Code: codes.OK}},
		{Trailers: Trailers{
			Code:     codes.PermissionDenied,
			Detail:   "nope",
			Metadata: metadata.MD{"retry": {"false"}},
		}},
	} {
		decoded, ok := roundTrip(t, response).(*Response)
		if !ok {
			t.Fatal("wrong variant")
		}
		if !reflect.DeepEqual(decoded, response) {
			t.Fatalf("%+v != %+v", decoded, response)
		}
	}
}

func TestResponseHeadersRoundTrip(t *testing.T) {
	headers := &ResponseHeaders{Metadata: metadata.MD{"k": {"v"}}}
	if decoded := roundTrip(t, headers); !reflect.DeepEqual(decoded, headers) {
		t.Fatalf("%+v != %+v", decoded, headers)
	}
	empty := roundTrip(t, &ResponseHeaders{}).(*ResponseHeaders)
	if len(empty.Metadata) != 0 {
		t.Fatal("metadata appeared from nowhere")
	}
}

func TestControlRoundTrip(t *testing.T) {
	for _, c := range []Control{ControlCancel, ControlStreamMessage, ControlStreamMessageEnd} {
		if decoded := roundTrip(t, c); decoded != c {
			t.Fatalf("%v != %v", decoded, c)
		}
	}
}

func TestUnmarshalRejectsMalformed(t *testing.T) {
	if _, err := UnmarshalEnvelope(nil); !IsViolation(err) {
		t.Fatal("empty envelope accepted")
	}
	two, _ := MarshalEnvelope(ControlCancel)
	more, _ := MarshalEnvelope(&ResponseHeaders{})
	if _, err := UnmarshalEnvelope(append(two, more...)); !IsViolation(err) {
		t.Fatal("two variants accepted")
	}
	truncated, _ := MarshalEnvelope(&Request{Method: "/a/b"})
	if _, err := UnmarshalEnvelope(truncated[:len(truncated)-1]); !IsViolation(err) {
		t.Fatal("truncated envelope accepted")
	}
}

func TestUnmarshalSkipsUnknownFields(t *testing.T) {
	b := protowire.AppendTag(nil, 15, protowire.VarintType)
	b = protowire.AppendVarint(b, 42)
	b = append(b, func() []byte { c, _ := MarshalEnvelope(ControlStreamMessageEnd); return c }()...)
	decoded, err := UnmarshalEnvelope(b)
	if err != nil {
		t.Fatal(err)
	}
	if decoded != ControlStreamMessageEnd {
		t.Fatalf("unexpected envelope %v", decoded)
	}
}

func TestMethodKind(t *testing.T) {
	if KindOf(false, false) != Unary || KindOf(true, false) != ClientStreaming ||
		KindOf(false, true) != ServerStreaming || KindOf(true, true) != DuplexStreaming {
		t.Fatal("KindOf mismatch")
	}
	if !DuplexStreaming.ClientSends() || !DuplexStreaming.ServerSends() || Unary.ClientSends() {
		t.Fatal("direction mismatch")
	}
}
