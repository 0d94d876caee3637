package transport

import (
	"krypt.co/piperpc/common/buffer"
	"krypt.co/piperpc/common/protocol"
)

//	Frame is one received wire unit. Payload is a view into a rented buffer
//	owned by the Frame; it is only valid until Release.
type Frame struct {
	Header   protocol.FrameHeader
	Envelope protocol.Envelope
	Payload  []byte
	buf      *buffer.Buffer
}

//	DecodeFrame takes ownership of body, which holds the TotalSize bytes that
//	followed h on the wire. On error body is released.
func DecodeFrame(h protocol.FrameHeader, body *buffer.Buffer) (f *Frame, err error) {
	if len(body.B) != int(h.TotalSize) {
		body.Release()
		err = protocol.Violation("frame body is %d bytes, header says %d", len(body.B), h.TotalSize)
		return
	}
	envelope, err := protocol.UnmarshalEnvelope(body.B[:h.EnvelopeSize])
	if err != nil {
		body.Release()
		return
	}
	f = &Frame{
		Header:   h,
		Envelope: envelope,
		Payload:  body.B[h.EnvelopeSize:],
		buf:      body,
	}
	return
}

//	Decode unmarshals the payload into v. The frame is not released.
func (f *Frame) Decode(m Marshaller, v interface{}) error {
	return m.Unmarshal(f.Payload, v)
}

func (f *Frame) Release() {
	if f == nil {
		return
	}
	f.Payload = nil
	f.buf.Release()
}
