// Package message implements the MXP application message codec: a fixed
// 32-byte header, a variable-length payload bounded at 16 MiB, and an
// 8-byte trailing XXH3-64 checksum. Encode and decode are pure functions
// of bytes — this package never touches the network or the connection
// state machine above it.
package message

import (
	"encoding/binary"

	"github.com/zeebo/xxh3"

	"github.com/yafatek/mxp-protocol/internal/xerrors"
)

// Magic identifies an MXP message header.
const Magic uint32 = 0x4D585031

// MaxPayloadLen is the largest payload accepted by the wire format.
const MaxPayloadLen = 16 * 1024 * 1024

// HeaderLen is the fixed size of the MXP message header in bytes.
const HeaderLen = 32

// TrailerLen is the size of the trailing checksum in bytes.
const TrailerLen = 8

// Type enumerates the 11 MXP message kinds of spec §6.
type Type uint8

const (
	TypeAgentRegister  Type = 0x01
	TypeAgentDiscover  Type = 0x02
	TypeAgentHeartbeat Type = 0x03
	TypeCall           Type = 0x10
	TypeResponse       Type = 0x11
	TypeEvent          Type = 0x12
	TypeStreamOpen     Type = 0x20
	TypeStreamChunk    Type = 0x21
	TypeStreamClose    Type = 0x22
	TypeAck            Type = 0xF0
	TypeError          Type = 0xF1
)

// IsExtension reports whether t falls in the application-extension range
// 0x80-0xEF that the transport MUST pass through unchanged.
func (t Type) IsExtension() bool {
	return t >= 0x80 && t <= 0xEF
}

func (t Type) known() bool {
	switch t {
	case TypeAgentRegister, TypeAgentDiscover, TypeAgentHeartbeat,
		TypeCall, TypeResponse, TypeEvent,
		TypeStreamOpen, TypeStreamChunk, TypeStreamClose,
		TypeAck, TypeError:
		return true
	default:
		return t.IsExtension()
	}
}

// Flags is the header flags bitfield.
type Flags uint8

const (
	FlagCompressed Flags = 1 << iota
	FlagEncrypted
	FlagRequiresAck
	FlagFinal
)

func (f Flags) Has(bit Flags) bool { return f&bit != 0 }

// Message is a decoded MXP application message.
type Message struct {
	Type      Type
	Flags     Flags
	MessageID uint64
	TraceID   uint64
	Payload   []byte
}

// DecodeError distinguishes why decode failed; non-fatal to the
// connection per spec §4.1.
type DecodeErrorKind uint8

const (
	ErrBadMagic DecodeErrorKind = iota
	ErrUnknownType
	ErrReservedNonZero
	ErrLengthExceedsMax
	ErrLengthExceedsBuffer
	ErrBadChecksum
)

func (k DecodeErrorKind) String() string {
	switch k {
	case ErrBadMagic:
		return "BadMagic"
	case ErrUnknownType:
		return "UnknownType"
	case ErrReservedNonZero:
		return "ReservedNonZero"
	case ErrLengthExceedsMax:
		return "LengthExceedsMax"
	case ErrLengthExceedsBuffer:
		return "LengthExceedsBuffer"
	case ErrBadChecksum:
		return "BadChecksum"
	default:
		return "Unknown"
	}
}

func decodeErr(k DecodeErrorKind, msg string) *xerrors.Error {
	return xerrors.Decodef(xerrors.ProtocolViolation, "%s: %s", k, msg)
}

// EncodedLen returns the number of bytes Encode will produce for a message
// with the given payload length.
func EncodedLen(payloadLen int) int {
	return HeaderLen + payloadLen + TrailerLen
}

// Encode writes m into dst, which must be at least EncodedLen(len(m.Payload))
// bytes, and returns the number of bytes written. Encode never fails on a
// well-formed Message: payload length is validated by the caller (Encode
// itself still enforces MaxPayloadLen as a last line of defense).
func Encode(dst []byte, m *Message) (int, error) {
	if len(m.Payload) > MaxPayloadLen {
		return 0, decodeErr(ErrLengthExceedsMax, "payload too large")
	}
	total := EncodedLen(len(m.Payload))
	if len(dst) < total {
		return 0, decodeErr(ErrLengthExceedsBuffer, "destination buffer too small")
	}
	binary.LittleEndian.PutUint32(dst[0:4], Magic)
	dst[4] = byte(m.Type)
	dst[5] = byte(m.Flags)
	dst[6] = 0
	dst[7] = 0
	binary.LittleEndian.PutUint64(dst[8:16], m.MessageID)
	binary.LittleEndian.PutUint64(dst[16:24], m.TraceID)
	binary.LittleEndian.PutUint64(dst[24:32], uint64(len(m.Payload)))
	n := copy(dst[HeaderLen:], m.Payload)
	sum := xxh3.Hash(dst[:HeaderLen+n])
	binary.LittleEndian.PutUint64(dst[HeaderLen+n:HeaderLen+n+TrailerLen], sum)
	return HeaderLen + n + TrailerLen, nil
}

// Decode parses a Message out of b. It validates magic, reserved bits,
// payload length, and checksum before returning. The returned Message's
// Payload aliases b (zero-copy); callers that retain it across a buffer
// reuse must copy.
func Decode(b []byte) (*Message, error) {
	if len(b) < HeaderLen+TrailerLen {
		return nil, decodeErr(ErrLengthExceedsBuffer, "short buffer")
	}
	magic := binary.LittleEndian.Uint32(b[0:4])
	if magic != Magic {
		return nil, decodeErr(ErrBadMagic, "")
	}
	typ := Type(b[4])
	if !typ.known() {
		return nil, decodeErr(ErrUnknownType, "")
	}
	flags := Flags(b[5])
	if b[6] != 0 || b[7] != 0 {
		return nil, decodeErr(ErrReservedNonZero, "")
	}
	messageID := binary.LittleEndian.Uint64(b[8:16])
	traceID := binary.LittleEndian.Uint64(b[16:24])
	payloadLen := binary.LittleEndian.Uint64(b[24:32])
	if payloadLen > MaxPayloadLen {
		return nil, decodeErr(ErrLengthExceedsMax, "")
	}
	total := HeaderLen + int(payloadLen) + TrailerLen
	if total < 0 || len(b) < total {
		return nil, decodeErr(ErrLengthExceedsBuffer, "")
	}
	checksumOffset := HeaderLen + int(payloadLen)
	want := binary.LittleEndian.Uint64(b[checksumOffset : checksumOffset+TrailerLen])
	got := xxh3.Hash(b[:checksumOffset])
	if want != got {
		return nil, decodeErr(ErrBadChecksum, "")
	}
	return &Message{
		Type:      typ,
		Flags:     flags,
		MessageID: messageID,
		TraceID:   traceID,
		Payload:   b[HeaderLen:checksumOffset],
	}, nil
}
