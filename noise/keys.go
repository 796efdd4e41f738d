package noise

import (
	"golang.org/x/crypto/hkdf"

	"github.com/yafatek/mxp-protocol/aead"
)

// sealSimple/openSimple seal or open a single-use handshake payload under
// a freshly derived key with a zero nonce; each handshake key is used
// exactly once so nonce reuse never occurs.
func sealSimple(key [32]byte, ad, plaintext []byte) []byte {
	a, err := aead.New(aead.SuiteChaCha20Poly1305, key[:], make([]byte, aead.NonceSize))
	if err != nil {
		panic(err)
	}
	return a.Seal(nil, plaintext, ad, 0)
}

func openSimple(key [32]byte, ad, ciphertext []byte) ([]byte, error) {
	a, err := aead.New(aead.SuiteChaCha20Poly1305, key[:], make([]byte, aead.NonceSize))
	if err != nil {
		return nil, err
	}
	return a.Open(nil, ciphertext, ad, 0)
}

// hkdfLabel expands the final chaining key into a direction-specific
// 96-byte block (app key || IV || header-protection key) using an
// HKDF-Expand label, the same role spec §4.2's "for each direction"
// derivation plays.
func hkdfLabel(ck [32]byte, label string) [96]byte {
	var out [96]byte
	expander := hkdf.Expand(newBlake2sHash, ck[:], []byte(label))
	if _, err := expander.Read(out[:]); err != nil {
		panic(err)
	}
	return out
}

func splitDirectionKeys(block [96]byte) DirectionKeys {
	var d DirectionKeys
	copy(d.AppKey[:], block[0:32])
	copy(d.IV[:], block[32:32+aead.NonceSize])
	copy(d.HPKey[:], block[64:96])
	return d
}
