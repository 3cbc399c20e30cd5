package compressors

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/INLOpen/nexusrepl/core"
	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
)

var (
	none   = &NoCompressionCompressor{}
	snap   = &SnappyCompressor{}
	lz4c   = &LZ4Compressor{}
	zstdc  = NewZstdCompressor()
	byType = map[core.CompressionType]core.Compressor{
		core.CompressionNone:   none,
		core.CompressionSnappy: snap,
		core.CompressionLZ4:    lz4c,
		core.CompressionZSTD:   zstdc,
	}
)

// ForType returns the shared compressor for t. Compressors are safe for
// concurrent use.
func ForType(t core.CompressionType) (core.Compressor, error) {
	c, ok := byType[t]
	if !ok {
		return nil, fmt.Errorf("no compressor registered for type %d", t)
	}
	return c, nil
}

// Parse resolves a configured compression name to its compressor.
func Parse(name string) (core.Compressor, error) {
	t, err := core.ParseCompressionType(name)
	if err != nil {
		return nil, err
	}
	return ForType(t)
}

// DecodedLen reports the size data decompresses to without decoding it. ok
// is false when the format does not record the size.
func DecodedLen(t core.CompressionType, data []byte) (n int, ok bool) {
	switch t {
	case core.CompressionNone:
		return len(data), true
	case core.CompressionSnappy:
		n, err := snappy.DecodedLen(data)
		return n, err == nil
	case core.CompressionLZ4:
		size, hdr := binary.Uvarint(data)
		if hdr <= 0 || size > math.MaxInt32 {
			return 0, false
		}
		return int(size), true
	case core.CompressionZSTD:
		var h zstd.Header
		if err := h.Decode(data); err != nil || !h.HasFCS || h.FrameContentSize > math.MaxInt32 {
			return 0, false
		}
		return int(h.FrameContentSize), true
	default:
		return 0, false
	}
}
