package aead

import (
	"golang.org/x/crypto/chacha20"

	"github.com/yafatek/mxp-protocol/internal/xerrors"
)

// HeaderProtector masks a packet's encrypted-packet-number and flag bytes
// with a ChaCha20 keystream derived from a ciphertext sample, per spec
// §4.2's header-protection key schedule and §4.3's outbound/inbound
// header-protection steps.
type HeaderProtector struct {
	key [chacha20.KeySize]byte
}

// NewHeaderProtector builds a protector from a 32-byte header-protection key.
func NewHeaderProtector(key []byte) (*HeaderProtector, error) {
	if len(key) != chacha20.KeySize {
		return nil, xerrors.Internalf("aead: header protection key must be %d bytes", chacha20.KeySize)
	}
	hp := &HeaderProtector{}
	copy(hp.key[:], key)
	return hp, nil
}

// Mask returns a 5-byte keystream mask derived from the 16-byte ciphertext
// sample: the first byte masks the flags, the remaining 4 mask up to a
// 4-byte encrypted packet number.
func (hp *HeaderProtector) Mask(sample []byte) ([5]byte, error) {
	var out [5]byte
	if len(sample) < chacha20.NonceSize {
		return out, xerrors.Internalf("aead: header protection sample too short")
	}
	// The first 12 bytes of the sample are the ChaCha20 nonce and the
	// block counter starts at zero; the last 4 bytes of a 16-byte sample
	// are not used.
	nonce := sample[:chacha20.NonceSize]
	c, err := chacha20.NewUnauthenticatedCipher(hp.key[:], nonce)
	if err != nil {
		return out, xerrors.Internalf("aead: header protection cipher: %v", err)
	}
	var zero [5]byte
	c.XORKeyStream(out[:], zero[:])
	return out, nil
}

// Apply XORs the mask onto the flags byte and the encrypted packet-number
// bytes in place. pn holds the 1-4 encrypted packet-number bytes; any
// bytes past the fourth are left unmasked.
func (hp *HeaderProtector) Apply(flagsByte *byte, pn []byte, sample []byte) error {
	mask, err := hp.Mask(sample)
	if err != nil {
		return err
	}
	// All five meaningful flag bits (the low 5 bits) are masked; the upper
	// three bits are always zero on the wire and stay so.
	*flagsByte ^= mask[0] & 0x1f
	for i := 0; i < len(pn) && i < 4; i++ {
		pn[i] ^= mask[1+i]
	}
	return nil
}
