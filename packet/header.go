// Package packet implements the PacketEngine of spec §4.3: outbound
// framing and AEAD sealing, inbound authentication/decryption, header
// protection, and the per-peer anti-amplification budget.
package packet

import (
	"encoding/binary"

	"github.com/yafatek/mxp-protocol/internal/xerrors"
)

// ConnID is MXP's 64-bit connection identifier (spec §3/§6).
type ConnID uint64

// Flags is the transport packet header flags byte (spec §6). Only the low
// 5 bits are meaningful, and header protection masks all five of them
// together with the encrypted packet number.
type Flags uint8

const (
	FlagHandshake Flags = 1 << iota
	FlagAckEliciting
	FlagAck
	FlagKeyPhase
	FlagProbe
)

// headerFixedLen is the size of everything before the ciphertext: ConnID
// (8) + Flags (1) + PNLen subfield (1) + PayloadLen (2) + NonceMaterial
// (12). NonceMaterial's leading 1-4 bytes carry the encrypted, truncated
// packet number; the remainder is reserved and must decode as zero. This
// packs spec §6's "8-byte connection id / 1-byte flags / 1-byte reserved /
// 2-byte encrypted payload length / 12-byte nonce material" table onto
// §4.3's variable-length encrypted packet number scheme.
const headerFixedLen = 8 + 1 + 1 + 2 + 12

// MaxPacketNumberLen is the largest encrypted packet-number encoding.
const MaxPacketNumberLen = 4

// TagLen is the AEAD authentication tag length (both suites use 16 bytes).
const TagLen = 16

// Header is a decoded (but still header-protected, pre-removal) MXP
// transport packet header.
type Header struct {
	ConnID      ConnID
	Flags       Flags // low 5 bits only meaningful once unprotected
	PNLen       int   // 1-4, stored unprotected in the reserved byte's low 2 bits
	PayloadLen  int   // ciphertext + tag length, cleartext
	PNField     [MaxPacketNumberLen]byte
	NonceMaterial [12]byte
}

// EncodeHeader writes a fixed-layout header (before header protection is
// applied) into dst, which must be at least headerFixedLen bytes.
func EncodeHeader(dst []byte, h *Header) (int, error) {
	if len(dst) < headerFixedLen {
		return 0, xerrors.Packetf(xerrors.Internal, "short header buffer")
	}
	if h.PNLen < 1 || h.PNLen > MaxPacketNumberLen {
		return 0, xerrors.Internalf("packet: invalid pn length %d", h.PNLen)
	}
	binary.LittleEndian.PutUint64(dst[0:8], uint64(h.ConnID))
	dst[8] = byte(h.Flags) & 0x1f
	dst[9] = byte(h.PNLen - 1)
	binary.LittleEndian.PutUint16(dst[10:12], uint16(h.PayloadLen))
	var nonceMaterial [12]byte
	copy(nonceMaterial[:h.PNLen], h.PNField[:h.PNLen])
	copy(dst[12:24], nonceMaterial[:])
	return headerFixedLen, nil
}

// DecodeHeader parses the fixed-layout header region of b (still header
// protected: Flags' low bits and PNField stay masked until Engine.Open
// removes the protection).
func DecodeHeader(b []byte) (*Header, int, error) {
	if len(b) < headerFixedLen {
		return nil, 0, xerrors.Packetf(xerrors.Internal, "short packet")
	}
	h := &Header{}
	h.ConnID = ConnID(binary.LittleEndian.Uint64(b[0:8]))
	h.Flags = Flags(b[8])
	pnLenMinusOne := b[9] & 0x03
	if b[9]&^0x03 != 0 {
		return nil, 0, xerrors.Packetf(xerrors.ProtocolViolation, "reserved bits non-zero")
	}
	h.PNLen = int(pnLenMinusOne) + 1
	h.PayloadLen = int(binary.LittleEndian.Uint16(b[10:12]))
	copy(h.NonceMaterial[:], b[12:24])
	copy(h.PNField[:], h.NonceMaterial[:MaxPacketNumberLen])
	for _, v := range h.NonceMaterial[h.PNLen:] {
		if v != 0 {
			return nil, 0, xerrors.Packetf(xerrors.ProtocolViolation, "reserved nonce material non-zero")
		}
	}
	if headerFixedLen+h.PayloadLen > len(b) {
		return nil, 0, xerrors.Packetf(xerrors.Internal, "payload length exceeds buffer")
	}
	return h, headerFixedLen, nil
}

// HeaderFixedLen exposes headerFixedLen to sibling packages (conn/ sizes
// its MTU budget against it).
func HeaderFixedLen() int { return headerFixedLen }
