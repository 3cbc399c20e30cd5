package compressors

import "github.com/INLOpen/nexusrepl/core"

// NoCompressionCompressor passes payloads through unchanged.
type NoCompressionCompressor struct{}

var _ core.Compressor = (*NoCompressionCompressor)(nil)

func (c *NoCompressionCompressor) Compress(data []byte) ([]byte, error) {
	return data, nil
}

func (c *NoCompressionCompressor) Decompress(data []byte) ([]byte, error) {
	return data, nil
}

func (c *NoCompressionCompressor) Type() core.CompressionType {
	return core.CompressionNone
}
