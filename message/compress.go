package message

import (
	"sync"

	"github.com/klauspost/compress/zstd"
)

// Compressor compresses and decompresses message payloads for the
// FlagCompressed bit. A single Compressor is safe for concurrent use and
// should be shared process-wide; zstd encoders/decoders are expensive to
// construct.
type Compressor struct {
	encOnce sync.Once
	enc     *zstd.Encoder
	decOnce sync.Once
	dec     *zstd.Decoder
}

var defaultCompressor Compressor

// Compress returns a compressed copy of payload suitable for storing in
// Message.Payload when FlagCompressed is set.
func Compress(payload []byte) ([]byte, error) {
	return defaultCompressor.Compress(payload)
}

// Decompress reverses Compress.
func Decompress(payload []byte) ([]byte, error) {
	return defaultCompressor.Decompress(payload)
}

func (c *Compressor) encoder() *zstd.Encoder {
	c.encOnce.Do(func() {
		c.enc, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	})
	return c.enc
}

func (c *Compressor) decoder() *zstd.Decoder {
	c.decOnce.Do(func() {
		c.dec, _ = zstd.NewReader(nil)
	})
	return c.dec
}

func (c *Compressor) Compress(payload []byte) ([]byte, error) {
	return c.encoder().EncodeAll(payload, make([]byte, 0, len(payload))), nil
}

func (c *Compressor) Decompress(payload []byte) ([]byte, error) {
	return c.decoder().DecodeAll(payload, nil)
}
