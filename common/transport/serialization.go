package transport

import (
	"errors"
	"fmt"

	"krypt.co/piperpc/common/buffer"
	"krypt.co/piperpc/common/protocol"
)

var ErrAlreadySerialized = errors.New("transport: frame payload already serialized")

//	PayloadSerializer fills in the payload of an outbound frame through
//	exactly one of SetPayloadLength or Complete.
type PayloadSerializer func(ctx *SerializationContext) error

//	SerializationContext lays out header, envelope and payload of one
//	outbound frame in a single rented buffer.
type SerializationContext struct {
	arena        *buffer.Arena
	envelope     protocol.Envelope
	envelopeSize int
	buf          *buffer.Buffer
}

func NewSerializationContext(arena *buffer.Arena, envelope protocol.Envelope) (ctx *SerializationContext, err error) {
	size, err := protocol.EnvelopeSize(envelope)
	if err != nil {
		return
	}
	if arena == nil {
		arena = buffer.Shared
	}
	ctx = &SerializationContext{
		arena:        arena,
		envelope:     envelope,
		envelopeSize: size,
	}
	return
}

//	SetPayloadLength allocates the frame for a payload of n bytes, writes the
//	header and envelope, and returns the slice the payload must be written to.
func (c *SerializationContext) SetPayloadLength(n int) (payload []byte, err error) {
	if c.buf != nil {
		err = ErrAlreadySerialized
		return
	}
	header, err := protocol.NewFrameHeader(c.envelopeSize, n)
	if err != nil {
		return
	}
	buf := c.arena.Rent(protocol.HeaderSize + c.envelopeSize + n)
	protocol.EncodeHeader(buf.B, header)
	written, err := protocol.AppendEnvelope(buf.B[protocol.HeaderSize:protocol.HeaderSize], c.envelope)
	if err != nil {
		buf.Release()
		return
	}
	if len(written) != c.envelopeSize {
		buf.Release()
		err = fmt.Errorf("transport: envelope encoded to %d bytes, expected %d", len(written), c.envelopeSize)
		return
	}
	c.buf = buf
	payload = buf.B[protocol.HeaderSize+c.envelopeSize:]
	return
}

//	Complete copies an already materialized payload into the frame.
func (c *SerializationContext) Complete(payload []byte) (err error) {
	dst, err := c.SetPayloadLength(len(payload))
	if err != nil {
		return
	}
	copy(dst, payload)
	return
}

//	Bytes returns the whole frame, allocating an empty payload if neither
//	path was taken.
func (c *SerializationContext) Bytes() (frame []byte, err error) {
	if c.buf == nil {
		if _, err = c.SetPayloadLength(0); err != nil {
			return
		}
	}
	frame = c.buf.B
	return
}

func (c *SerializationContext) Release() {
	c.buf.Release()
}

//	Serializer adapts a Marshaller. Sized marshallers write in place, others
//	go through Complete.
func Serializer(m Marshaller, v interface{}) PayloadSerializer {
	return func(ctx *SerializationContext) (err error) {
		if n := m.Size(v); n >= 0 {
			var dst []byte
			if dst, err = ctx.SetPayloadLength(n); err != nil {
				return
			}
			return m.MarshalTo(dst, v)
		}
		payload, err := m.Marshal(v)
		if err != nil {
			return
		}
		return ctx.Complete(payload)
	}
}
