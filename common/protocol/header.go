package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

//	HeaderSize is the fixed wire size of a FrameHeader.
const HeaderSize = 8

var ErrInvalidHeader = errors.New("protocol: invalid frame header")

//	FrameHeader precedes every frame on the wire: the size of everything after
//	the header, and how much of that is the envelope. The payload size is
//	always derived.
type FrameHeader struct {
	TotalSize    int32
	EnvelopeSize int32
}

func NewFrameHeader(envelopeSize, payloadSize int) (h FrameHeader, err error) {
	total := int64(envelopeSize) + int64(payloadSize)
	if envelopeSize < 0 || payloadSize < 0 || total > MaxInt32 {
		err = fmt.Errorf("%w: envelope %d payload %d", ErrInvalidHeader, envelopeSize, payloadSize)
		return
	}
	h = FrameHeader{TotalSize: int32(total), EnvelopeSize: int32(envelopeSize)}
	return
}

const MaxInt32 = 1<<31 - 1

func (h FrameHeader) PayloadSize() int {
	return int(h.TotalSize) - int(h.EnvelopeSize)
}

func (h FrameHeader) Validate() error {
	if h.TotalSize < 0 || h.EnvelopeSize < 0 || h.TotalSize < h.EnvelopeSize {
		return fmt.Errorf("%w: total %d envelope %d", ErrInvalidHeader, h.TotalSize, h.EnvelopeSize)
	}
	return nil
}

//	EncodeHeader writes h into the first HeaderSize bytes of dst.
func EncodeHeader(dst []byte, h FrameHeader) {
	_ = dst[HeaderSize-1]
	binary.LittleEndian.PutUint32(dst[0:4], uint32(h.TotalSize))
	binary.LittleEndian.PutUint32(dst[4:8], uint32(h.EnvelopeSize))
}

//	DecodeHeader accepts exactly HeaderSize bytes.
func DecodeHeader(src []byte) (h FrameHeader, err error) {
	if len(src) != HeaderSize {
		err = fmt.Errorf("%w: %d header bytes", ErrInvalidHeader, len(src))
		return
	}
	h.TotalSize = int32(binary.LittleEndian.Uint32(src[0:4]))
	h.EnvelopeSize = int32(binary.LittleEndian.Uint32(src[4:8]))
	err = h.Validate()
	return
}
