package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Kind identifies the frame type carried in a datagram.
type Kind byte

const (
	KindProbe    Kind = 0x01
	KindAnnounce Kind = 0x02
	KindHello    Kind = 0x03
	KindHelloAck Kind = 0x04
	KindPing     Kind = 0x05
	KindPong     Kind = 0x06
	KindBye      Kind = 0x07

	KindMessage Kind = 0x10

	KindFileBegin Kind = 0x20
	KindFileChunk Kind = 0x21
	KindFileEnd   Kind = 0x22
	KindFileAck   Kind = 0x23

	KindVideo Kind = 0x30
)

const (
	// HeaderSize is the fixed frame header: kind, flags, payload length.
	HeaderSize = 4
	// MaxMessageSize is the largest control message payload the device accepts.
	MaxMessageSize = 1440
	// MaxDatagramSize bounds any encoded frame (IPv4 UDP payload limit).
	MaxDatagramSize = 65507
	// MaxFramePayload bounds the payload of a single frame.
	MaxFramePayload = MaxDatagramSize - HeaderSize
)

var (
	// ErrMalformed indicates a frame or payload that cannot be decoded.
	ErrMalformed = errors.New("malformed frame")
	// ErrUnknownKind indicates a frame kind this codec does not know.
	ErrUnknownKind = errors.New("unknown frame kind")
	// ErrPayloadTooLarge indicates a payload above the frame or message limit.
	ErrPayloadTooLarge = errors.New("payload too large")
)

// Frame is one decoded datagram.
type Frame struct {
	Kind    Kind
	Payload []byte
}

// Known reports whether k is a frame kind defined by this package.
func (k Kind) Known() bool {
	switch k {
	case KindProbe, KindAnnounce, KindHello, KindHelloAck, KindPing, KindPong, KindBye,
		KindMessage, KindFileBegin, KindFileChunk, KindFileEnd, KindFileAck, KindVideo:
		return true
	}
	return false
}

func (k Kind) String() string {
	switch k {
	case KindProbe:
		return "probe"
	case KindAnnounce:
		return "announce"
	case KindHello:
		return "hello"
	case KindHelloAck:
		return "hello_ack"
	case KindPing:
		return "ping"
	case KindPong:
		return "pong"
	case KindBye:
		return "bye"
	case KindMessage:
		return "message"
	case KindFileBegin:
		return "file_begin"
	case KindFileChunk:
		return "file_chunk"
	case KindFileEnd:
		return "file_end"
	case KindFileAck:
		return "file_ack"
	case KindVideo:
		return "video"
	default:
		return fmt.Sprintf("kind(0x%02x)", byte(k))
	}
}

// EncodeFrame returns the wire form of a frame.
func EncodeFrame(kind Kind, payload []byte) ([]byte, error) {
	if !kind.Known() {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
	if len(payload) > MaxFramePayload {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(payload))
	}
	buf := make([]byte, HeaderSize+len(payload))
	buf[0] = byte(kind)
	buf[1] = 0
	binary.BigEndian.PutUint16(buf[2:4], uint16(len(payload)))
	copy(buf[HeaderSize:], payload)
	return buf, nil
}

// DecodeFrame parses a datagram. The returned payload aliases b.
func DecodeFrame(b []byte) (Frame, error) {
	if len(b) < HeaderSize {
		return Frame{}, fmt.Errorf("%w: %d byte datagram", ErrMalformed, len(b))
	}
	kind := Kind(b[0])
	if !kind.Known() {
		return Frame{}, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
	n := int(binary.BigEndian.Uint16(b[2:4]))
	if n != len(b)-HeaderSize {
		return Frame{}, fmt.Errorf("%w: length %d, have %d", ErrMalformed, n, len(b)-HeaderSize)
	}
	return Frame{Kind: kind, Payload: b[HeaderSize:]}, nil
}
