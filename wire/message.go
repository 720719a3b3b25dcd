// Package wire implements the INC fabric wire codec: the 24-byte frame
// header, the message taxonomy, and encode/decode of Message values.
//
// Wire format (spec.md §6, bit-exact, network byte order):
//
//	offset  size  field
//	0       4     magic
//	4       2     protocolVersion
//	6       2     payloadVersion
//	8       4     payloadLength   (max MaxPayloadSize)
//	12      2     type
//	14      4     channelID       (0 = control)
//	18      4     sequence
//	22      2     flags           (bit 0 = HAS_SHM_REF)
//	24      N     payload
package wire

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// Magic is the fixed 4-byte frame magic.
const Magic uint32 = 0x4C594852

// HeaderSize is the fixed wire header length in bytes.
const HeaderSize = 24

// MaxPayloadSize is the default maximum payload length (64 MiB), configurable
// per engine via Codec.MaxPayload.
const MaxPayloadSize = 64 << 20

// Type is the message taxonomy tag (spec.md §6).
type Type uint16

const (
	Invalid Type = iota
	Hello
	HelloAck
	MethodCall
	MethodReply
	MethodError
	Event
	Subscribe
	Unsubscribe
	ChannelOpen
	ChannelOpenReply
	ChannelClose
	ChannelCloseReply
	BinaryData
	BinaryAck
	Ping
	Pong
	MemRelease
	MemRevoke

	typeCount
)

var typeNames = [typeCount]string{
	Invalid: "INVALID", Hello: "HELLO", HelloAck: "HELLO_ACK",
	MethodCall: "METHOD_CALL", MethodReply: "METHOD_REPLY", MethodError: "METHOD_ERROR",
	Event: "EVENT", Subscribe: "SUBSCRIBE", Unsubscribe: "UNSUBSCRIBE",
	ChannelOpen: "CHANNEL_OPEN", ChannelOpenReply: "CHANNEL_OPEN_REPLY",
	ChannelClose: "CHANNEL_CLOSE", ChannelCloseReply: "CHANNEL_CLOSE_REPLY",
	BinaryData: "BINARY_DATA", BinaryAck: "BINARY_ACK",
	Ping: "PING", Pong: "PONG",
	MemRelease: "MEM_RELEASE", MemRevoke: "MEM_REVOKE",
}

func (t Type) String() string {
	if t < typeCount {
		return typeNames[t]
	}
	return "UNKNOWN"
}

// Valid reports whether t is a known, non-INVALID taxonomy value.
func (t Type) Valid() bool { return t > Invalid && t < typeCount }

// Flag is the 16-bit per-message bitset.
type Flag uint16

// HasSHMRef marks a payload that encodes (blockID, offset, size) instead of
// raw bytes (spec.md §3).
const HasSHMRef Flag = 1 << 0

// ControlChannel is the reserved channel id for handshake/method/event/
// subscribe/channel-open/close traffic.
const ControlChannel uint32 = 0

// Message is the immutable unit of the wire protocol.
type Message struct {
	Type            Type
	Sequence        uint32
	ProtocolVersion uint16
	PayloadVersion  uint16
	ChannelID       uint32
	Flags           Flag
	Payload         []byte
}

// HasFlag reports whether f is set.
func (m *Message) HasFlag(f Flag) bool { return m.Flags&f != 0 }

// Codec encodes/decodes Messages over a byte stream, honoring a configurable
// maximum payload size (spec.md: "Max payload 64 MiB (configurable)").
type Codec struct {
	MaxPayload uint32
}

// NewCodec returns a Codec enforcing MaxPayloadSize.
func NewCodec() *Codec { return &Codec{MaxPayload: MaxPayloadSize} }

func (c *Codec) maxPayload() uint32 {
	if c.MaxPayload == 0 {
		return MaxPayloadSize
	}
	return c.MaxPayload
}

// Encode appends the wire representation of m to dst and returns the result.
// It fails if the payload exceeds the configured maximum.
func (c *Codec) Encode(dst []byte, m *Message) ([]byte, error) {
	dst, err := c.EncodeHeader(dst, m)
	if err != nil {
		return dst, err
	}
	dst = append(dst, m.Payload...)
	return dst, nil
}

// EncodeHeader appends just m's HeaderSize-byte header to dst — with the
// true m.Payload length baked into the header's length field — without
// appending m.Payload itself. Used by a vectorised sender that writes
// (header, payload) as two separate buffers instead of one concatenated
// allocation.
func (c *Codec) EncodeHeader(dst []byte, m *Message) ([]byte, error) {
	if uint32(len(m.Payload)) > c.maxPayload() {
		return dst, Wrap(ErrMessageTooLarge, errors.Errorf("payload %d exceeds max %d", len(m.Payload), c.maxPayload()))
	}
	var hdr [HeaderSize]byte
	binary.BigEndian.PutUint32(hdr[0:4], Magic)
	binary.BigEndian.PutUint16(hdr[4:6], m.ProtocolVersion)
	binary.BigEndian.PutUint16(hdr[6:8], m.PayloadVersion)
	binary.BigEndian.PutUint32(hdr[8:12], uint32(len(m.Payload)))
	binary.BigEndian.PutUint16(hdr[12:14], uint16(m.Type))
	binary.BigEndian.PutUint32(hdr[14:18], m.ChannelID)
	binary.BigEndian.PutUint32(hdr[18:22], m.Sequence)
	binary.BigEndian.PutUint16(hdr[22:24], uint16(m.Flags))
	return append(dst, hdr[:]...), nil
}

// Header is the parsed fixed portion of a frame, used by the reassembly
// pipeline to learn payload length before the full frame has arrived.
type Header struct {
	ProtocolVersion uint16
	PayloadVersion  uint16
	PayloadLength   uint32
	Type            Type
	ChannelID       uint32
	Sequence        uint32
	Flags           Flag
}

// DecodeHeader parses exactly HeaderSize bytes. Any magic mismatch or
// length-over-max is connection-fatal per spec.md §4.1/§7.
func (c *Codec) DecodeHeader(buf []byte) (Header, error) {
	var h Header
	if len(buf) < HeaderSize {
		return h, io.ErrShortBuffer
	}
	magic := binary.BigEndian.Uint32(buf[0:4])
	if magic != Magic {
		return h, Wrap(ErrInvalidMessage, errors.New("bad magic"))
	}
	h.ProtocolVersion = binary.BigEndian.Uint16(buf[4:6])
	h.PayloadVersion = binary.BigEndian.Uint16(buf[6:8])
	h.PayloadLength = binary.BigEndian.Uint32(buf[8:12])
	h.Type = Type(binary.BigEndian.Uint16(buf[12:14]))
	h.ChannelID = binary.BigEndian.Uint32(buf[14:18])
	h.Sequence = binary.BigEndian.Uint32(buf[18:22])
	h.Flags = Flag(binary.BigEndian.Uint16(buf[22:24]))

	if h.PayloadLength > c.maxPayload() {
		return h, Wrap(ErrMessageTooLarge, errors.Errorf("payload length %d exceeds max %d", h.PayloadLength, c.maxPayload()))
	}
	if h.Type == Invalid {
		return h, Wrap(ErrInvalidMessage, errors.New("type is INVALID"))
	}
	if !h.Type.Valid() {
		return h, Wrap(ErrProtocolError, errors.Errorf("unknown message type %d", h.Type))
	}
	return h, nil
}

// Decode parses a complete frame (header + payload) from buf, which must
// contain at least HeaderSize+h.PayloadLength bytes. It does not copy the
// payload; callers that retain Message beyond the reassembly buffer's
// lifetime must clone Payload themselves.
func (c *Codec) Decode(buf []byte) (*Message, int, error) {
	h, err := c.DecodeHeader(buf)
	if err != nil {
		return nil, 0, err
	}
	total := HeaderSize + int(h.PayloadLength)
	if len(buf) < total {
		return nil, 0, io.ErrShortBuffer
	}
	m := &Message{
		Type:            h.Type,
		Sequence:        h.Sequence,
		ProtocolVersion: h.ProtocolVersion,
		PayloadVersion:  h.PayloadVersion,
		ChannelID:       h.ChannelID,
		Flags:           h.Flags,
		Payload:         buf[HeaderSize:total],
	}
	return m, total, nil
}
