package conn

import (
	"encoding/binary"

	"github.com/yafatek/mxp-protocol/internal/xerrors"
	"github.com/yafatek/mxp-protocol/stream"
)

// FrameType identifies the kind of one frame packed inside a PacketEngine
// payload. MXP packets, like the teacher's QUIC packets, carry zero or more
// frames back to back rather than one frame per packet.
type FrameType uint8

const (
	FrameTypePing FrameType = iota
	FrameTypeHandshake
	FrameTypeAck
	FrameTypeStream
	FrameTypeResetStream
	FrameTypeMaxData
	FrameTypeMaxStreamData
	FrameTypeDatagram
	FrameTypeHandshakeDone
	FrameTypeClose
)

func (t FrameType) String() string {
	switch t {
	case FrameTypePing:
		return "ping"
	case FrameTypeHandshake:
		return "handshake"
	case FrameTypeAck:
		return "ack"
	case FrameTypeStream:
		return "stream"
	case FrameTypeResetStream:
		return "reset_stream"
	case FrameTypeMaxData:
		return "max_data"
	case FrameTypeMaxStreamData:
		return "max_stream_data"
	case FrameTypeDatagram:
		return "datagram"
	case FrameTypeHandshakeDone:
		return "handshake_done"
	case FrameTypeClose:
		return "connection_close"
	default:
		return "unknown"
	}
}

// Frame is any of the frame payloads below. The concrete type is recovered
// from FrameType on decode.
type Frame interface {
	frameType() FrameType
}

type PingFrame struct{}

func (PingFrame) frameType() FrameType { return FrameTypePing }

// HandshakeFrame carries one opaque flight of the Noise handshake exchange
// (spec §4.2), CBOR-encoded by the caller before being wrapped here.
type HandshakeFrame struct {
	Data []byte
}

func (HandshakeFrame) frameType() FrameType { return FrameTypeHandshake }

// AckFrame reports the selective-ACK ranges known by the receiver, plus the
// delay it held the largest acknowledged packet before sending this ack
// (spec §4.4).
type AckFrame struct {
	AckDelayMicros uint64
	RangeStarts    []uint64
	RangeEnds      []uint64
}

func (AckFrame) frameType() FrameType { return FrameTypeAck }

// StreamFrame carries application stream bytes (spec §4.5).
type StreamFrame struct {
	StreamID stream.ID
	Offset   uint64
	Data     []byte
	Fin      bool
}

func (StreamFrame) frameType() FrameType { return FrameTypeStream }

// ResetStreamFrame abruptly terminates a stream in the send direction.
type ResetStreamFrame struct {
	StreamID  stream.ID
	ErrorCode uint64
	FinalSize uint64
}

func (ResetStreamFrame) frameType() FrameType { return FrameTypeResetStream }

// MaxDataFrame raises the connection-level receive flow-control limit.
type MaxDataFrame struct {
	MaximumData uint64
}

func (MaxDataFrame) frameType() FrameType { return FrameTypeMaxData }

// MaxStreamDataFrame raises a single stream's receive flow-control limit.
type MaxStreamDataFrame struct {
	StreamID    stream.ID
	MaximumData uint64
}

func (MaxStreamDataFrame) frameType() FrameType { return FrameTypeMaxStreamData }

// DatagramFrame carries one unreliable, unordered datagram (spec §4.5).
type DatagramFrame struct {
	Data []byte
}

func (DatagramFrame) frameType() FrameType { return FrameTypeDatagram }

// HandshakeDoneFrame tells the initiator the responder has confirmed the
// handshake, mirroring the teacher's handshakeDoneFrame.
type HandshakeDoneFrame struct{}

func (HandshakeDoneFrame) frameType() FrameType { return FrameTypeHandshakeDone }

// CloseFrame carries the connection-close error code and reason (spec §7).
type CloseFrame struct {
	ErrorCode uint64
	Reason    string
}

func (CloseFrame) frameType() FrameType { return FrameTypeClose }

// EncodeFrame appends the wire encoding of f to dst and returns the result,
// padding with zero bytes so the frame occupies a multiple of 8 bytes
// within the payload (spec.md's "frames are self-delimited and 8-byte
// aligned within a packet's payload" invariant).
func EncodeFrame(dst []byte, f Frame) []byte {
	start := len(dst)
	dst = encodeFrameBody(dst, f)
	if pad := (8 - (len(dst)-start)%8) % 8; pad > 0 {
		var zeros [8]byte
		dst = append(dst, zeros[:pad]...)
	}
	return dst
}

func encodeFrameBody(dst []byte, f Frame) []byte {
	dst = append(dst, byte(f.frameType()))
	switch fr := f.(type) {
	case PingFrame:
	case HandshakeFrame:
		dst = appendBytes(dst, fr.Data)
	case AckFrame:
		dst = appendUvarint(dst, fr.AckDelayMicros)
		dst = appendUvarint(dst, uint64(len(fr.RangeStarts)))
		for i := range fr.RangeStarts {
			dst = appendUvarint(dst, fr.RangeStarts[i])
			dst = appendUvarint(dst, fr.RangeEnds[i])
		}
	case StreamFrame:
		dst = appendUvarint(dst, uint64(fr.StreamID))
		dst = appendUvarint(dst, fr.Offset)
		dst = appendBool(dst, fr.Fin)
		dst = appendBytes(dst, fr.Data)
	case ResetStreamFrame:
		dst = appendUvarint(dst, uint64(fr.StreamID))
		dst = appendUvarint(dst, fr.ErrorCode)
		dst = appendUvarint(dst, fr.FinalSize)
	case MaxDataFrame:
		dst = appendUvarint(dst, fr.MaximumData)
	case MaxStreamDataFrame:
		dst = appendUvarint(dst, uint64(fr.StreamID))
		dst = appendUvarint(dst, fr.MaximumData)
	case DatagramFrame:
		dst = appendBytes(dst, fr.Data)
	case HandshakeDoneFrame:
	case CloseFrame:
		dst = appendUvarint(dst, fr.ErrorCode)
		dst = appendBytes(dst, []byte(fr.Reason))
	}
	return dst
}

// DecodeFrames parses every frame packed into b, in order. A malformed
// frame is a DecodeError (spec §4.1 taxonomy): the packet is dropped, never
// the connection.
func DecodeFrames(b []byte) ([]Frame, error) {
	var frames []Frame
	total := len(b)
	for len(b) > 0 {
		frameStart := total - len(b)
		typ := FrameType(b[0])
		b = b[1:]
		var f Frame
		var err error
		switch typ {
		case FrameTypePing:
			f = PingFrame{}
		case FrameTypeHandshake:
			var data []byte
			data, b, err = takeBytes(b)
			f = HandshakeFrame{Data: data}
		case FrameTypeAck:
			var delay, n uint64
			delay, b, err = takeUvarint(b)
			if err != nil {
				break
			}
			n, b, err = takeUvarint(b)
			if err != nil {
				break
			}
			af := AckFrame{AckDelayMicros: delay}
			for i := uint64(0); i < n; i++ {
				var start, end uint64
				start, b, err = takeUvarint(b)
				if err != nil {
					break
				}
				end, b, err = takeUvarint(b)
				if err != nil {
					break
				}
				af.RangeStarts = append(af.RangeStarts, start)
				af.RangeEnds = append(af.RangeEnds, end)
			}
			f = af
		case FrameTypeStream:
			var id, offset uint64
			var fin bool
			var data []byte
			id, b, err = takeUvarint(b)
			if err != nil {
				break
			}
			offset, b, err = takeUvarint(b)
			if err != nil {
				break
			}
			fin, b, err = takeBool(b)
			if err != nil {
				break
			}
			data, b, err = takeBytes(b)
			f = StreamFrame{StreamID: stream.ID(id), Offset: offset, Data: data, Fin: fin}
		case FrameTypeResetStream:
			var id, code, final uint64
			id, b, err = takeUvarint(b)
			if err != nil {
				break
			}
			code, b, err = takeUvarint(b)
			if err != nil {
				break
			}
			final, b, err = takeUvarint(b)
			f = ResetStreamFrame{StreamID: stream.ID(id), ErrorCode: code, FinalSize: final}
		case FrameTypeMaxData:
			var max uint64
			max, b, err = takeUvarint(b)
			f = MaxDataFrame{MaximumData: max}
		case FrameTypeMaxStreamData:
			var id, max uint64
			id, b, err = takeUvarint(b)
			if err != nil {
				break
			}
			max, b, err = takeUvarint(b)
			f = MaxStreamDataFrame{StreamID: stream.ID(id), MaximumData: max}
		case FrameTypeDatagram:
			var data []byte
			data, b, err = takeBytes(b)
			f = DatagramFrame{Data: data}
		case FrameTypeHandshakeDone:
			f = HandshakeDoneFrame{}
		case FrameTypeClose:
			var code uint64
			var reason []byte
			code, b, err = takeUvarint(b)
			if err != nil {
				break
			}
			reason, b, err = takeBytes(b)
			f = CloseFrame{ErrorCode: code, Reason: string(reason)}
		default:
			return nil, xerrors.Decodef(xerrors.ProtocolViolation, "unknown frame type %d", typ)
		}
		if err != nil {
			return nil, xerrors.Decodef(xerrors.ProtocolViolation, "malformed %s frame: %v", typ, err)
		}
		frames = append(frames, f)

		consumed := (total - len(b)) - frameStart
		if pad := (8 - consumed%8) % 8; pad > 0 {
			if len(b) < pad {
				return nil, xerrors.Decodef(xerrors.ProtocolViolation, "truncated frame padding")
			}
			b = b[pad:]
		}
	}
	return frames, nil
}

func appendUvarint(dst []byte, v uint64) []byte {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	return append(dst, tmp[:n]...)
}

func takeUvarint(b []byte) (uint64, []byte, error) {
	v, n := binary.Uvarint(b)
	if n <= 0 {
		return 0, b, xerrors.Internalf("frame: truncated varint")
	}
	return v, b[n:], nil
}

func appendBool(dst []byte, v bool) []byte {
	if v {
		return append(dst, 1)
	}
	return append(dst, 0)
}

func takeBool(b []byte) (bool, []byte, error) {
	if len(b) < 1 {
		return false, b, xerrors.Internalf("frame: truncated bool")
	}
	return b[0] != 0, b[1:], nil
}

func appendBytes(dst, data []byte) []byte {
	dst = appendUvarint(dst, uint64(len(data)))
	return append(dst, data...)
}

func takeBytes(b []byte) ([]byte, []byte, error) {
	n, rest, err := takeUvarint(b)
	if err != nil {
		return nil, b, err
	}
	if uint64(len(rest)) < n {
		return nil, b, xerrors.Internalf("frame: truncated byte field")
	}
	return rest[:n], rest[n:], nil
}
