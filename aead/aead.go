// Package aead provides the two AEAD suites spec §4.3 allows
// (ChaCha20-Poly1305 required/default, AES-256-GCM optional) behind one
// interface, plus the nonce construction shared by the packet engine and
// the handshake's 0-RTT/key-schedule paths.
package aead

import (
	"crypto/aes"
	"crypto/cipher"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/yafatek/mxp-protocol/internal/xerrors"
)

// Suite identifies which AEAD algorithm a connection negotiated during the
// handshake.
type Suite uint8

const (
	SuiteChaCha20Poly1305 Suite = iota
	SuiteAesGcm
)

func (s Suite) String() string {
	if s == SuiteAesGcm {
		return "AesGcm"
	}
	return "ChaCha20Poly1305"
}

// KeySize is the symmetric key size required by either suite (32 bytes).
const KeySize = 32

// NonceSize is the size of the AEAD nonce (12 bytes, IV XOR packet number).
const NonceSize = chacha20poly1305.NonceSize

// AEAD seals and opens packet payloads for one direction of one key phase.
type AEAD struct {
	suite Suite
	aead  cipher.AEAD
	iv    [NonceSize]byte
}

// New constructs an AEAD for the given suite and 32-byte key, with a
// 12-byte IV that is XORed with the packet number to form each nonce.
func New(suite Suite, key []byte, iv []byte) (*AEAD, error) {
	if len(key) != KeySize {
		return nil, xerrors.Internalf("aead: key must be %d bytes", KeySize)
	}
	if len(iv) != NonceSize {
		return nil, xerrors.Internalf("aead: iv must be %d bytes", NonceSize)
	}
	var impl cipher.AEAD
	var err error
	switch suite {
	case SuiteChaCha20Poly1305:
		impl, err = chacha20poly1305.New(key)
	case SuiteAesGcm:
		var block cipher.Block
		block, err = aes.NewCipher(key)
		if err == nil {
			impl, err = cipher.NewGCM(block)
		}
	default:
		return nil, xerrors.Internalf("aead: unknown suite %d", suite)
	}
	if err != nil {
		return nil, xerrors.Internalf("aead: init suite %s: %v", suite, err)
	}
	a := &AEAD{suite: suite, aead: impl}
	copy(a.iv[:], iv)
	return a, nil
}

// Overhead is the authentication tag length (16 bytes for both suites).
func (a *AEAD) Overhead() int { return a.aead.Overhead() }

func (a *AEAD) nonce(packetNumber uint64) []byte {
	var n [NonceSize]byte
	copy(n[:], a.iv[:])
	// XOR the low 8 bytes with the packet number, high bytes from IV untouched.
	for i := 0; i < 8; i++ {
		n[NonceSize-1-i] ^= byte(packetNumber >> (8 * i))
	}
	return n[:]
}

// Seal encrypts plaintext in place (appended with the tag) and returns the
// sealed slice. dst may alias plaintext's backing array as in crypto/cipher.
func (a *AEAD) Seal(dst, plaintext, additionalData []byte, packetNumber uint64) []byte {
	return a.aead.Seal(dst[:0], a.nonce(packetNumber), plaintext, additionalData)
}

// Open authenticates and decrypts ciphertext, returning an AeadFailed
// error on any authentication failure per spec §4.3.
func (a *AEAD) Open(dst, ciphertext, additionalData []byte, packetNumber uint64) ([]byte, error) {
	out, err := a.aead.Open(dst[:0], a.nonce(packetNumber), ciphertext, additionalData)
	if err != nil {
		return nil, xerrors.Packetf(xerrors.AeadFailed, "open failed")
	}
	return out, nil
}

// HeaderProtectionSample returns the 16 ciphertext bytes sampled for
// header protection, per spec §4.2/§4.3. off is the offset (within the
// packet) of the start of the sample window.
func HeaderProtectionSample(ciphertext []byte, off int) []byte {
	const sampleLen = 16
	if off < 0 {
		off = 0
	}
	if off+sampleLen > len(ciphertext) {
		if len(ciphertext) < sampleLen {
			return ciphertext
		}
		off = len(ciphertext) - sampleLen
	}
	return ciphertext[off : off+sampleLen]
}
