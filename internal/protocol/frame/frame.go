package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	HeaderLen        = 16
	Magic     uint32 = 0x4f425250 // "OBRP"

	ProtocolMajor uint8 = 1
	ProtocolMinor uint8 = 0
)

// MessageType identifies the body carried by a frame.
type MessageType uint8

const (
	MessageRequest MessageType = iota
	MessageBatchRequest
	MessageReply
	MessageValidateConnection
	MessageCloseConnection
)

func (t MessageType) String() string {
	switch t {
	case MessageRequest:
		return "request"
	case MessageBatchRequest:
		return "batch request"
	case MessageReply:
		return "reply"
	case MessageValidateConnection:
		return "validate connection"
	case MessageCloseConnection:
		return "close connection"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

var (
	ErrShortHeader         = errors.New("frame: short fixed header")
	ErrBadMagic            = errors.New("frame: bad magic")
	ErrUnsupportedProtocol = errors.New("frame: unsupported protocol version")
	ErrUnknownMessageType  = errors.New("frame: unknown message type")
	ErrPayloadTooLarge     = errors.New("frame: payload too large")
	ErrUnexpectedPayload   = errors.New("frame: message type carries no payload")
)

// Header is the fixed wire header. RequestID is zero for oneway requests
// and for messages that do not correlate.
type Header struct {
	Magic       uint32
	Major       uint8
	Minor       uint8
	Type        MessageType
	Compression Compression
	RequestID   uint32
	PayloadLen  uint32
}

// Frame is one complete wire message.
type Frame struct {
	Header  Header
	Payload []byte
}

// Limits constrains frame decode/encode memory use.
type Limits struct {
	MaxPayloadBytes uint32
}

func DefaultLimits() Limits {
	return Limits{MaxPayloadBytes: 8 * 1024 * 1024}
}

// New builds an uncompressed frame of type t.
func New(t MessageType, requestID uint32, payload []byte) Frame {
	return Frame{
		Header: Header{
			Magic:     Magic,
			Major:     ProtocolMajor,
			Minor:     ProtocolMinor,
			Type:      t,
			RequestID: requestID,
		},
		Payload: payload,
	}
}

func ReadFrame(r io.Reader, limits Limits) (Frame, error) {
	var fixed [HeaderLen]byte
	if _, err := io.ReadFull(r, fixed[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Frame{}, ErrShortHeader
		}
		return Frame{}, err
	}

	h, err := DecodeHeader(fixed[:])
	if err != nil {
		return Frame{}, err
	}
	if err := h.Validate(); err != nil {
		return Frame{}, err
	}
	if h.PayloadLen > limits.MaxPayloadBytes {
		return Frame{}, ErrPayloadTooLarge
	}

	payload := make([]byte, h.PayloadLen)
	if h.PayloadLen > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return Frame{}, err
		}
	}
	return Frame{Header: h, Payload: payload}, nil
}

func WriteFrame(w io.Writer, f Frame, limits Limits) error {
	if uint64(len(f.Payload)) > uint64(limits.MaxPayloadBytes) {
		return ErrPayloadTooLarge
	}
	h := f.Header
	h.PayloadLen = uint32(len(f.Payload))
	if err := h.Validate(); err != nil {
		return err
	}

	// One write per frame; websocket transceivers map writes to messages.
	buf := make([]byte, 0, HeaderLen+len(f.Payload))
	buf = append(buf, EncodeHeader(h)...)
	buf = append(buf, f.Payload...)
	_, err := w.Write(buf)
	return err
}

// Validate checks the invariant parts of a header.
func (h Header) Validate() error {
	if h.Magic != Magic {
		return fmt.Errorf("%w: 0x%08x", ErrBadMagic, h.Magic)
	}
	if h.Major != ProtocolMajor || h.Minor > ProtocolMinor {
		return fmt.Errorf("%w: %d.%d", ErrUnsupportedProtocol, h.Major, h.Minor)
	}
	switch h.Type {
	case MessageRequest, MessageBatchRequest, MessageReply:
	case MessageValidateConnection, MessageCloseConnection:
		if h.PayloadLen != 0 {
			return fmt.Errorf("%w: %s", ErrUnexpectedPayload, h.Type)
		}
	default:
		return fmt.Errorf("%w: %d", ErrUnknownMessageType, uint8(h.Type))
	}
	if h.Compression > CompressionLZ4 {
		return fmt.Errorf("%w: %d", ErrUnknownCompression, uint8(h.Compression))
	}
	return nil
}

func EncodeHeader(h Header) []byte {
	buf := make([]byte, HeaderLen)
	binary.BigEndian.PutUint32(buf[0:4], h.Magic)
	buf[4] = h.Major
	buf[5] = h.Minor
	buf[6] = byte(h.Type)
	buf[7] = byte(h.Compression)
	binary.BigEndian.PutUint32(buf[8:12], h.RequestID)
	binary.BigEndian.PutUint32(buf[12:16], h.PayloadLen)
	return buf
}

func DecodeHeader(b []byte) (Header, error) {
	if len(b) != HeaderLen {
		return Header{}, fmt.Errorf("frame: invalid fixed header length: %d", len(b))
	}
	return Header{
		Magic:       binary.BigEndian.Uint32(b[0:4]),
		Major:       b[4],
		Minor:       b[5],
		Type:        MessageType(b[6]),
		Compression: Compression(b[7]),
		RequestID:   binary.BigEndian.Uint32(b[8:12]),
		PayloadLen:  binary.BigEndian.Uint32(b[12:16]),
	}, nil
}
