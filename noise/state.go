// Package noise implements MXP's three-flight Noise-IK-style handshake
// (spec §4.2): ephemeral/static X25519 key agreement, a BLAKE2s
// transcript hash, an HKDF-driven key schedule, and opaque session
// tickets for 0-RTT resumption.
package noise

import (
	"crypto/hmac"
	"hash"

	"golang.org/x/crypto/blake2s"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/yafatek/mxp-protocol/internal/xerrors"
)

// ProtocolName is mixed into the initial chaining key/hash, the same role
// Noise's protocol name string plays in the standard specification.
const ProtocolName = "MXP_IK_25519_ChaChaPoly_BLAKE2s"

const (
	dhLen   = 32
	hashLen = blake2s.Size
)

// symmetricState tracks the evolving chaining key and transcript hash
// across the three handshake flights.
type symmetricState struct {
	ck [hashLen]byte // chaining key
	h  [hashLen]byte // transcript hash
}

func newSymmetricState() *symmetricState {
	s := &symmetricState{}
	h := blake2s.Sum256([]byte(ProtocolName))
	s.ck = h
	s.h = h
	return s
}

// mixHash folds data into the running transcript hash.
func (s *symmetricState) mixHash(data []byte) {
	buf := make([]byte, 0, hashLen+len(data))
	buf = append(buf, s.h[:]...)
	buf = append(buf, data...)
	s.h = blake2s.Sum256(buf)
}

// mixKey performs an HKDF-Extract-and-Expand over the chaining key and
// input key material ("HKDF-Extract over a chaining key", spec §4.2),
// updating ck and returning a fresh 32-byte traffic key for the current
// flight, mirroring Noise's HKDF(ck, input_key_material, 2) step.
func (s *symmetricState) mixKey(ikm []byte) [32]byte {
	extractor := hmac.New(newBlake2sHash, s.ck[:])
	extractor.Write(ikm)
	prk := extractor.Sum(nil)

	var out [64]byte
	expander := hkdf.Expand(newBlake2sHash, prk, nil)
	if _, err := expander.Read(out[:]); err != nil {
		// hkdf.Expand only fails when asked for too much output; 64
		// bytes is always within range for a 32-byte hash.
		panic(xerrors.Internalf("noise: hkdf expand: %v", err))
	}
	copy(s.ck[:], out[:32])
	var key [32]byte
	copy(key[:], out[32:64])
	return key
}

func newBlake2sHash() hash.Hash {
	h, err := blake2s.New256(nil)
	if err != nil {
		panic(err)
	}
	return h
}

// dh performs X25519 scalar multiplication.
func dh(priv, pub [32]byte) ([32]byte, error) {
	var out [32]byte
	shared, err := curve25519.X25519(priv[:], pub[:])
	if err != nil {
		return out, xerrors.Handshakef("x25519: %v", err)
	}
	copy(out[:], shared)
	return out, nil
}

// generateKeypair returns a fresh X25519 keypair.
func generateKeypair(rnd randReader) (priv, pub [32]byte, err error) {
	if _, err = rnd.Read(priv[:]); err != nil {
		return priv, pub, xerrors.Handshakef("rand: %v", err)
	}
	pubBytes, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return priv, pub, xerrors.Handshakef("x25519 base: %v", err)
	}
	copy(pub[:], pubBytes)
	return priv, pub, nil
}

type randReader interface {
	Read(p []byte) (int, error)
}
