package protocol

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/timestamppb"
)

//	Field numbers of the envelope messages.
const (
	envelopeRequest         protowire.Number = 1
	envelopeResponse        protowire.Number = 2
	envelopeResponseHeaders protowire.Number = 3
	envelopeControl         protowire.Number = 4

	requestMethod   protowire.Number = 1
	requestKind     protowire.Number = 2
	requestDeadline protowire.Number = 3
	requestHeaders  protowire.Number = 4

	responseTrailers protowire.Number = 1

	trailersCode     protowire.Number = 1
	trailersDetail   protowire.Number = 2
	trailersMetadata protowire.Number = 3

	headersMetadata protowire.Number = 1

	entryName       protowire.Number = 1
	entryValue      protowire.Number = 2
	entryValueBytes protowire.Number = 3
)

const binarySuffix = "-bin"

//	EnvelopeSize is the exact number of bytes AppendEnvelope will add.
func EnvelopeSize(e Envelope) (n int, err error) {
	switch e := e.(type) {
	case *Request:
		n = messageFieldSize(envelopeRequest, requestSize(e))
	case *Response:
		n = messageFieldSize(envelopeResponse, responseSize(e))
	case *ResponseHeaders:
		n = messageFieldSize(envelopeResponseHeaders, metadataSize(headersMetadata, e.Metadata))
	case Control:
		n = protowire.SizeTag(envelopeControl) + protowire.SizeVarint(uint64(e))
	default:
		err = Violation("cannot encode %s", Describe(e))
	}
	return
}

//	AppendEnvelope appends the wire form of e to b.
func AppendEnvelope(b []byte, e Envelope) ([]byte, error) {
	switch e := e.(type) {
	case *Request:
		b = protowire.AppendTag(b, envelopeRequest, protowire.BytesType)
		b = protowire.AppendVarint(b, uint64(requestSize(e)))
		return appendRequest(b, e), nil
	case *Response:
		b = protowire.AppendTag(b, envelopeResponse, protowire.BytesType)
		b = protowire.AppendVarint(b, uint64(responseSize(e)))
		return appendResponse(b, e), nil
	case *ResponseHeaders:
		b = protowire.AppendTag(b, envelopeResponseHeaders, protowire.BytesType)
		b = protowire.AppendVarint(b, uint64(metadataSize(headersMetadata, e.Metadata)))
		return appendMetadata(b, headersMetadata, e.Metadata), nil
	case Control:
		b = protowire.AppendTag(b, envelopeControl, protowire.VarintType)
		return protowire.AppendVarint(b, uint64(e)), nil
	}
	return b, Violation("cannot encode %s", Describe(e))
}

func MarshalEnvelope(e Envelope) (b []byte, err error) {
	n, err := EnvelopeSize(e)
	if err != nil {
		return
	}
	return AppendEnvelope(make([]byte, 0, n), e)
}

func messageFieldSize(num protowire.Number, size int) int {
	return protowire.SizeTag(num) + protowire.SizeBytes(size)
}

func stringFieldSize(num protowire.Number, s string) int {
	if s == "" {
		return 0
	}
	return protowire.SizeTag(num) + protowire.SizeBytes(len(s))
}

func requestSize(r *Request) (n int) {
	n += stringFieldSize(requestMethod, r.Method)
	if r.Kind != Unary {
		n += protowire.SizeTag(requestKind) + protowire.SizeVarint(uint64(r.Kind))
	}
	if r.Deadline != nil {
		n += messageFieldSize(requestDeadline, proto.Size(timestamppb.New(*r.Deadline)))
	}
	n += metadataSize(requestHeaders, r.Headers)
	return
}

func appendRequest(b []byte, r *Request) []byte {
	if r.Method != "" {
		b = protowire.AppendTag(b, requestMethod, protowire.BytesType)
		b = protowire.AppendString(b, r.Method)
	}
	if r.Kind != Unary {
		b = protowire.AppendTag(b, requestKind, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(r.Kind))
	}
	if r.Deadline != nil {
		ts := timestamppb.New(*r.Deadline)
		b = protowire.AppendTag(b, requestDeadline, protowire.BytesType)
		b = protowire.AppendVarint(b, uint64(proto.Size(ts)))
		//	a Timestamp always marshals
		b, _ = proto.MarshalOptions{}.MarshalAppend(b, ts)
	}
	return appendMetadata(b, requestHeaders, r.Headers)
}

func trailersSize(t *Trailers) (n int) {
	if t.Code != codes.OK {
		n += protowire.SizeTag(trailersCode) + protowire.SizeVarint(uint64(t.Code))
	}
	n += stringFieldSize(trailersDetail, t.Detail)
	n += metadataSize(trailersMetadata, t.Metadata)
	return
}

func responseSize(r *Response) int {
	return messageFieldSize(responseTrailers, trailersSize(&r.Trailers))
}

func appendResponse(b []byte, r *Response) []byte {
	t := &r.Trailers
	b = protowire.AppendTag(b, responseTrailers, protowire.BytesType)
	b = protowire.AppendVarint(b, uint64(trailersSize(t)))
	if t.Code != codes.OK {
		b = protowire.AppendTag(b, trailersCode, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(t.Code))
	}
	if t.Detail != "" {
		b = protowire.AppendTag(b, trailersDetail, protowire.BytesType)
		b = protowire.AppendString(b, t.Detail)
	}
	return appendMetadata(b, trailersMetadata, t.Metadata)
}

func sortedKeys(md metadata.MD) []string {
	keys := make([]string, 0, len(md))
	for k := range md {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func entrySize(key, value string) (n int) {
	n = stringFieldSize(entryName, key)
	if strings.HasSuffix(key, binarySuffix) {
		n += protowire.SizeTag(entryValueBytes) + protowire.SizeBytes(len(value))
	} else {
		n += stringFieldSize(entryValue, value)
	}
	return
}

func metadataSize(num protowire.Number, md metadata.MD) (n int) {
	for key, values := range md {
		for _, v := range values {
			n += messageFieldSize(num, entrySize(key, v))
		}
	}
	return
}

func appendMetadata(b []byte, num protowire.Number, md metadata.MD) []byte {
	if len(md) == 0 {
		return b
	}
	for _, key := range sortedKeys(md) {
		for _, v := range md[key] {
			b = protowire.AppendTag(b, num, protowire.BytesType)
			b = protowire.AppendVarint(b, uint64(entrySize(key, v)))
			if key != "" {
				b = protowire.AppendTag(b, entryName, protowire.BytesType)
				b = protowire.AppendString(b, key)
			}
			if strings.HasSuffix(key, binarySuffix) {
				b = protowire.AppendTag(b, entryValueBytes, protowire.BytesType)
				b = protowire.AppendString(b, v)
			} else if v != "" {
				b = protowire.AppendTag(b, entryValue, protowire.BytesType)
				b = protowire.AppendString(b, v)
			}
		}
	}
	return b
}

//	fieldFunc handles one field of a message; returning n < 0 reports a parse
//	error, n == 0 asks the caller to skip the field.
type fieldFunc func(num protowire.Number, typ protowire.Type, b []byte) int

func walk(b []byte, fn fieldFunc) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		m := fn(num, typ, b)
		if m < 0 {
			return protowire.ParseError(m)
		}
		if m == 0 {
			m = protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return protowire.ParseError(m)
			}
		}
		b = b[m:]
	}
	return nil
}

//	UnmarshalEnvelope decodes exactly one envelope from b. Every string in the
//	result is copied, so b may be released afterwards.
func UnmarshalEnvelope(b []byte) (e Envelope, err error) {
	variants := 0
	var innerErr error
	err = walk(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch {
		case num == envelopeControl && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n >= 0 {
				e = Control(v)
				variants++
			}
			return n
		case typ != protowire.BytesType:
			return 0
		}
		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return n
		}
		switch num {
		case envelopeRequest:
			var r *Request
			r, innerErr = unmarshalRequest(v)
			e = r
		case envelopeResponse:
			var r *Response
			r, innerErr = unmarshalResponse(v)
			e = r
		case envelopeResponseHeaders:
			var md metadata.MD
			md, innerErr = unmarshalMetadataField(v, headersMetadata)
			e = &ResponseHeaders{Metadata: md}
		default:
			return n
		}
		variants++
		if innerErr != nil {
			return -1
		}
		return n
	})
	if innerErr != nil {
		err = innerErr
	}
	if err != nil {
		e = nil
		err = &Error{fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)}
		return
	}
	if variants != 1 {
		e = nil
		err = &Error{fmt.Errorf("%w: %d variants", ErrMalformedEnvelope, variants)}
	}
	return
}

func unmarshalRequest(b []byte) (r *Request, err error) {
	r = &Request{}
	var innerErr error
	err = walk(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch {
		case num == requestKind && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			r.Kind = MethodKind(v)
			return n
		case typ != protowire.BytesType:
			return 0
		}
		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return n
		}
		switch num {
		case requestMethod:
			r.Method = string(v)
		case requestDeadline:
			var ts timestamppb.Timestamp
			if innerErr = proto.Unmarshal(v, &ts); innerErr != nil {
				return -1
			}
			t := ts.AsTime()
			r.Deadline = &t
		case requestHeaders:
			key, value, entryErr := unmarshalEntry(v)
			if entryErr != nil {
				innerErr = entryErr
				return -1
			}
			if r.Headers == nil {
				r.Headers = metadata.MD{}
			}
			r.Headers[key] = append(r.Headers[key], value)
		}
		return n
	})
	if innerErr != nil {
		err = innerErr
	}
	return
}

func unmarshalResponse(b []byte) (r *Response, err error) {
	r = &Response{}
	var innerErr error
	err = walk(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		if num != responseTrailers || typ != protowire.BytesType {
			return 0
		}
		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return n
		}
		if innerErr = unmarshalTrailers(v, &r.Trailers); innerErr != nil {
			return -1
		}
		return n
	})
	if innerErr != nil {
		err = innerErr
	}
	return
}

func unmarshalTrailers(b []byte, t *Trailers) (err error) {
	var innerErr error
	err = walk(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch {
		case num == trailersCode && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			t.Code = codes.Code(v)
			return n
		case typ != protowire.BytesType:
			return 0
		}
		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return n
		}
		switch num {
		case trailersDetail:
			t.Detail = string(v)
		case trailersMetadata:
			key, value, entryErr := unmarshalEntry(v)
			if entryErr != nil {
				innerErr = entryErr
				return -1
			}
			if t.Metadata == nil {
				t.Metadata = metadata.MD{}
			}
			t.Metadata[key] = append(t.Metadata[key], value)
		}
		return n
	})
	if innerErr != nil {
		err = innerErr
	}
	return
}

func unmarshalMetadataField(b []byte, field protowire.Number) (md metadata.MD, err error) {
	var innerErr error
	err = walk(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		if num != field || typ != protowire.BytesType {
			return 0
		}
		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return n
		}
		key, value, entryErr := unmarshalEntry(v)
		if entryErr != nil {
			innerErr = entryErr
			return -1
		}
		if md == nil {
			md = metadata.MD{}
		}
		md[key] = append(md[key], value)
		return n
	})
	if innerErr != nil {
		err = innerErr
	}
	return
}

func unmarshalEntry(b []byte) (key, value string, err error) {
	err = walk(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		if typ != protowire.BytesType {
			return 0
		}
		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return n
		}
		switch num {
		case entryName:
			key = string(v)
		case entryValue, entryValueBytes:
			value = string(v)
		}
		return n
	})
	return
}

//	DeadlineOf converts an optional deadline for the wire, dropping the
//	monotonic clock reading.
func DeadlineOf(t time.Time, ok bool) *time.Time {
	if !ok {
		return nil
	}
	t = t.Round(0)
	return &t
}
