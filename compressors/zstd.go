package compressors

import (
	"fmt"
	"sync"

	"github.com/INLOpen/nexusrepl/core"
	"github.com/klauspost/compress/zstd"
)

// ZstdCompressor shares one encoder and one decoder; EncodeAll and DecodeAll
// are safe for concurrent use.
type ZstdCompressor struct {
	once    sync.Once
	enc     *zstd.Encoder
	dec     *zstd.Decoder
	initErr error
}

var _ core.Compressor = (*ZstdCompressor)(nil)

func NewZstdCompressor() *ZstdCompressor {
	return &ZstdCompressor{}
}

func (c *ZstdCompressor) init() error {
	c.once.Do(func() {
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			c.initErr = fmt.Errorf("create zstd encoder: %w", err)
			return
		}
		dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(256<<20))
		if err != nil {
			c.initErr = fmt.Errorf("create zstd decoder: %w", err)
			return
		}
		c.enc, c.dec = enc, dec
	})
	return c.initErr
}

func (c *ZstdCompressor) Compress(data []byte) ([]byte, error) {
	if err := c.init(); err != nil {
		return nil, err
	}
	return c.enc.EncodeAll(data, nil), nil
}

func (c *ZstdCompressor) Decompress(data []byte) ([]byte, error) {
	if err := c.init(); err != nil {
		return nil, err
	}
	out, err := c.dec.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decompress error: %w", err)
	}
	return out, nil
}

func (c *ZstdCompressor) Type() core.CompressionType {
	return core.CompressionZSTD
}
