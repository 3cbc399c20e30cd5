package compressors

import (
	"encoding/binary"
	"fmt"

	"github.com/INLOpen/nexusrepl/core"
	lz4 "github.com/pierrec/lz4/v4"
)

// maxLZ4DecodedSize bounds the size announced by a compressed payload header.
const maxLZ4DecodedSize = 256 << 20

const (
	lz4BlockRaw byte = 0
	lz4BlockLZ4 byte = 1
)

// LZ4Compressor uses the LZ4 block format. The block format records neither
// the decoded size nor whether compression succeeded, so each payload starts
// with the decoded size as a uvarint followed by a one byte block kind.
type LZ4Compressor struct{}

var _ core.Compressor = (*LZ4Compressor)(nil)

func (c *LZ4Compressor) Compress(data []byte) ([]byte, error) {
	dst := make([]byte, binary.MaxVarintLen64+1+lz4.CompressBlockBound(len(data)))
	hdr := binary.PutUvarint(dst, uint64(len(data)))
	n, err := lz4.CompressBlock(data, dst[hdr+1:], nil)
	if err != nil {
		return nil, fmt.Errorf("lz4 compress error: %w", err)
	}
	if n == 0 || n >= len(data) {
		// Incompressible input is stored as is.
		dst[hdr] = lz4BlockRaw
		out := append(dst[:hdr+1], data...)
		return out, nil
	}
	dst[hdr] = lz4BlockLZ4
	return dst[:hdr+1+n], nil
}

func (c *LZ4Compressor) Decompress(data []byte) ([]byte, error) {
	size, hdr := binary.Uvarint(data)
	if hdr <= 0 || len(data) < hdr+1 {
		return nil, fmt.Errorf("lz4 decompress error: bad header")
	}
	if size > maxLZ4DecodedSize {
		return nil, fmt.Errorf("lz4 decompress error: decoded size %d exceeds limit", size)
	}
	body := data[hdr+1:]
	switch data[hdr] {
	case lz4BlockRaw:
		if uint64(len(body)) != size {
			return nil, fmt.Errorf("lz4 decompress error: raw block is %d bytes, header says %d", len(body), size)
		}
		return append([]byte(nil), body...), nil
	case lz4BlockLZ4:
		out := make([]byte, size)
		n, err := lz4.UncompressBlock(body, out)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress error: %w", err)
		}
		return out[:n], nil
	default:
		return nil, fmt.Errorf("lz4 decompress error: unknown block kind %d", data[hdr])
	}
}

func (c *LZ4Compressor) Type() core.CompressionType {
	return core.CompressionLZ4
}
