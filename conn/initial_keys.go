package conn

import (
	"crypto/sha256"
	"encoding/binary"

	"golang.org/x/crypto/hkdf"

	"github.com/yafatek/mxp-protocol/aead"
	"github.com/yafatek/mxp-protocol/packet"
)

// initialSalt is MXP's public, non-secret initial-packet salt, playing the
// same role as QUIC's well-known Initial salt (RFC 9001 §5.2): it lets the
// first handshake flight travel inside a PacketEngine-framed packet before
// any shared secret exists, trading confidentiality (there is none yet) for
// giving every packet on the wire, including the handshake, the same shape
// and anti-amplification accounting.
var initialSalt = [16]byte{
	0x6d, 0x78, 0x70, 0x2d, 0x69, 0x6e, 0x69, 0x74,
	0x69, 0x61, 0x6c, 0x2d, 0x73, 0x61, 0x6c, 0x74,
}

// deriveInitialKeys builds the directional AEAD pair used for
// handshake-phase packets, derived solely from the public connection id,
// mirroring the teacher's deriveInitialKeyMaterial/derivedInitialSecrets.
func deriveInitialKeys(connID packet.ConnID, isClient bool) (send, recv *packet.DirectionAEAD, err error) {
	var connIDBytes [8]byte
	binary.BigEndian.PutUint64(connIDBytes[:], uint64(connID))

	prk := hkdf.Extract(sha256.New, connIDBytes[:], initialSalt[:])
	clientBlock, err := expandInitial(prk, "mxp initial client")
	if err != nil {
		return nil, nil, err
	}
	serverBlock, err := expandInitial(prk, "mxp initial server")
	if err != nil {
		return nil, nil, err
	}

	clientAEAD, err := packet.NewDirectionAEAD(aead.SuiteChaCha20Poly1305,
		clientBlock[0:32], clientBlock[32:32+aead.NonceSize], clientBlock[64:96])
	if err != nil {
		return nil, nil, err
	}
	serverAEAD, err := packet.NewDirectionAEAD(aead.SuiteChaCha20Poly1305,
		serverBlock[0:32], serverBlock[32:32+aead.NonceSize], serverBlock[64:96])
	if err != nil {
		return nil, nil, err
	}
	if isClient {
		return clientAEAD, serverAEAD, nil
	}
	return serverAEAD, clientAEAD, nil
}

func expandInitial(prk []byte, label string) ([]byte, error) {
	out := make([]byte, 96)
	expander := hkdf.Expand(sha256.New, prk, []byte(label))
	if _, err := expander.Read(out); err != nil {
		return nil, err
	}
	return out, nil
}
