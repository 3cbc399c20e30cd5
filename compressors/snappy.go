package compressors

import (
	"fmt"

	"github.com/INLOpen/nexusrepl/core"
	"github.com/golang/snappy"
)

// SnappyCompressor uses the snappy block format.
type SnappyCompressor struct{}

var _ core.Compressor = (*SnappyCompressor)(nil)

func (c *SnappyCompressor) Compress(data []byte) ([]byte, error) {
	return snappy.Encode(nil, data), nil
}

func (c *SnappyCompressor) Decompress(data []byte) ([]byte, error) {
	out, err := snappy.Decode(nil, data)
	if err != nil {
		return nil, fmt.Errorf("snappy decompress error: %w", err)
	}
	return out, nil
}

func (c *SnappyCompressor) Type() core.CompressionType {
	return core.CompressionSnappy
}
