package wire

import (
	"encoding/binary"
	"time"

	"github.com/pkg/errors"
)

const (
	// Alignment is the boundary every header and payload is padded to, so embedded
	// 8-byte values can be read in place.
	Alignment = 8

	// HeaderSize is the size of the encoded frame header.
	HeaderSize = 24

	// MaxDatagramSize is the largest frame which may travel in one datagram.
	MaxDatagramSize = 1472

	// MaxPayloadSize bounds the payload accepted from the stream.
	MaxPayloadSize = 16 << 20
)

// System message types. User message types are non-negative.
const (
	TypeSenderDescription int32 = -1
	TypeTypeDescription   int32 = -2
	TypeUDPDescription    int32 = -3
	TypeLogDescription    int32 = -4
	TypeDisconnect        int32 = -5
	TypePing              int32 = -6
	TypePong              int32 = -7
)

var (
	// ErrIncompleteFrame is returned when more bytes are needed to decode a frame.
	ErrIncompleteFrame = errors.New("incomplete frame")

	// ErrInvalidFrame is returned when frame header is malformed.
	ErrInvalidFrame = errors.New("invalid frame")
)

// Header precedes every message on the wire.
type Header struct {
	Type     int32
	Sender   int32
	Seconds  int32
	Micros   int32
	Length   uint32
	Sequence uint32
}

// SetTime stores t with microsecond precision.
func (h *Header) SetTime(t time.Time) {
	us := t.UnixMicro()
	h.Seconds = int32(us / 1e6)
	h.Micros = int32(us % 1e6)
	if h.Micros < 0 {
		h.Seconds--
		h.Micros += 1e6
	}
}

// Time returns the timestamp of the message.
func (h Header) Time() time.Time {
	return time.UnixMicro(int64(h.Seconds)*1e6 + int64(h.Micros))
}

// IsSystem tells if frame carries protocol-internal message.
func (h Header) IsSystem() bool {
	return h.Type < 0
}

// Encode encodes the header into the first HeaderSize bytes of buf.
func (h Header) Encode(buf []byte) {
	binary.BigEndian.PutUint32(buf[0:4], uint32(h.Type))
	binary.BigEndian.PutUint32(buf[4:8], uint32(h.Sender))
	binary.BigEndian.PutUint32(buf[8:12], uint32(h.Seconds))
	binary.BigEndian.PutUint32(buf[12:16], uint32(h.Micros))
	binary.BigEndian.PutUint32(buf[16:20], h.Length)
	binary.BigEndian.PutUint32(buf[20:24], h.Sequence)
}

// Decode decodes the header from buf.
func (h *Header) Decode(buf []byte) error {
	if len(buf) < HeaderSize {
		return errors.WithStack(ErrIncompleteFrame)
	}

	h.Type = int32(binary.BigEndian.Uint32(buf[0:4]))
	h.Sender = int32(binary.BigEndian.Uint32(buf[4:8]))
	h.Seconds = int32(binary.BigEndian.Uint32(buf[8:12]))
	h.Micros = int32(binary.BigEndian.Uint32(buf[12:16]))
	h.Length = binary.BigEndian.Uint32(buf[16:20])
	h.Sequence = binary.BigEndian.Uint32(buf[20:24])

	return h.Validate()
}

// Validate validates the header.
func (h *Header) Validate() error {
	if h.Length > MaxPayloadSize {
		return errors.Wrapf(ErrInvalidFrame, "payload length %d exceeds limit", h.Length)
	}
	if h.Micros < 0 || h.Micros >= 1e6 {
		return errors.Wrapf(ErrInvalidFrame, "microseconds out of range: %d", h.Micros)
	}
	return nil
}

// Padded rounds n up to the alignment boundary.
func Padded(n int) int {
	return (n + Alignment - 1) &^ (Alignment - 1)
}

// FrameSize returns the number of bytes occupied by a frame carrying payload of size n.
func FrameSize(n int) int {
	return HeaderSize + Padded(n)
}

// AppendFrame appends encoded frame to dst. Length of the header is taken from payload.
func AppendFrame(dst []byte, h Header, payload []byte) []byte {
	h.Length = uint32(len(payload))

	start := len(dst)
	size := FrameSize(len(payload))
	if cap(dst)-start < size {
		grown := make([]byte, start, 2*cap(dst)+size)
		copy(grown, dst)
		dst = grown
	}
	dst = dst[:start+size]

	h.Encode(dst[start:])
	n := copy(dst[start+HeaderSize:], payload)
	clear(dst[start+HeaderSize+n:])

	return dst
}

// DecodeFrame decodes the frame at the beginning of buf. It returns the header, the payload
// (aliasing buf) and the number of bytes consumed. ErrIncompleteFrame is returned if buf does not
// contain the whole frame yet.
func DecodeFrame(buf []byte) (Header, []byte, int, error) {
	var h Header
	if err := h.Decode(buf); err != nil {
		return Header{}, nil, 0, err
	}

	size := FrameSize(int(h.Length))
	if len(buf) < size {
		return Header{}, nil, 0, errors.WithStack(ErrIncompleteFrame)
	}

	return h, buf[HeaderSize : HeaderSize+int(h.Length)], size, nil
}
