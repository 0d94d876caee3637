package transport

import (
	"fmt"

	"google.golang.org/protobuf/proto"
)

//	Marshaller turns application messages into payload bytes and back.
//	Size returns -1 when the encoded size is not known up front.
type Marshaller interface {
	Name() string
	Size(v interface{}) int
	MarshalTo(dst []byte, v interface{}) error
	Marshal(v interface{}) ([]byte, error)
	Unmarshal(data []byte, v interface{}) error
}

type UnsupportedMessageError struct {
	Marshaller string
	Value      interface{}
}

func (err *UnsupportedMessageError) Error() string {
	return fmt.Sprintf("%s marshaller cannot handle %T", err.Marshaller, err.Value)
}

type ProtoMarshaller struct{}

func (ProtoMarshaller) Name() string {
	return "proto"
}

func (m ProtoMarshaller) Size(v interface{}) int {
	msg, ok := v.(proto.Message)
	if !ok {
		return -1
	}
	return proto.Size(msg)
}

func (m ProtoMarshaller) MarshalTo(dst []byte, v interface{}) error {
	msg, ok := v.(proto.Message)
	if !ok {
		return &UnsupportedMessageError{m.Name(), v}
	}
	out, err := proto.MarshalOptions{}.MarshalAppend(dst[:0], msg)
	if err != nil {
		return err
	}
	if len(out) != len(dst) {
		return fmt.Errorf("proto marshaller: encoded %d bytes into a %d byte payload", len(out), len(dst))
	}
	return nil
}

func (m ProtoMarshaller) Marshal(v interface{}) ([]byte, error) {
	msg, ok := v.(proto.Message)
	if !ok {
		return nil, &UnsupportedMessageError{m.Name(), v}
	}
	return proto.Marshal(msg)
}

func (m ProtoMarshaller) Unmarshal(data []byte, v interface{}) error {
	msg, ok := v.(proto.Message)
	if !ok {
		return &UnsupportedMessageError{m.Name(), v}
	}
	return proto.Unmarshal(data, msg)
}

//	RawMarshaller passes []byte payloads through untouched.
type RawMarshaller struct{}

func (RawMarshaller) Name() string {
	return "raw"
}

func (RawMarshaller) Size(v interface{}) int {
	return -1
}

func (m RawMarshaller) MarshalTo(dst []byte, v interface{}) error {
	b, err := m.Marshal(v)
	if err != nil {
		return err
	}
	copy(dst, b)
	return nil
}

func (m RawMarshaller) Marshal(v interface{}) ([]byte, error) {
	switch b := v.(type) {
	case []byte:
		return b, nil
	case *[]byte:
		return *b, nil
	}
	return nil, &UnsupportedMessageError{m.Name(), v}
}

//	Unmarshal copies, since received payloads live in pooled buffers.
func (m RawMarshaller) Unmarshal(data []byte, v interface{}) error {
	b, ok := v.(*[]byte)
	if !ok {
		return &UnsupportedMessageError{m.Name(), v}
	}
	*b = append((*b)[:0], data...)
	return nil
}
