package changelog

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	segmentFileSuffix = ".clog"

	// DefaultMaxSegmentSize is used when Options.MaxSegmentSize is zero.
	DefaultMaxSegmentSize = 64 * 1024 * 1024

	segmentMagic         uint32 = 0x474F4C43 // "CLOG"
	segmentFormatVersion uint32 = 1
	segmentHeaderSize           = 8
	recordOverhead              = 8 // length (4) + checksum (4)
)

// ErrChecksumMismatch reports a record whose checksum does not match its data.
var ErrChecksumMismatch = errors.New("changelog record checksum mismatch")

// formatSegmentFileName creates a segment file name from its index.
func formatSegmentFileName(index uint64) string {
	return fmt.Sprintf("%020d%s", index, segmentFileSuffix)
}

// parseSegmentFileName extracts the index from a segment file name.
func parseSegmentFileName(name string) (uint64, error) {
	if !strings.HasSuffix(name, segmentFileSuffix) {
		return 0, fmt.Errorf("file %s is not a changelog segment", name)
	}
	return strconv.ParseUint(strings.TrimSuffix(name, segmentFileSuffix), 10, 64)
}

// segmentWriter appends records to the active segment. Each record is written
// with a single Write call so readers using ReadAt never see a partial frame
// from a completed append.
type segmentWriter struct {
	file  *os.File
	path  string
	index uint64
	size  int64
}

func createSegment(dir string, index uint64) (*segmentWriter, error) {
	path := filepath.Join(dir, formatSegmentFileName(index))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create segment file %s: %w", path, err)
	}
	var hdr [segmentHeaderSize]byte
	binary.LittleEndian.PutUint32(hdr[0:4], segmentMagic)
	binary.LittleEndian.PutUint32(hdr[4:8], segmentFormatVersion)
	if _, err := file.Write(hdr[:]); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to write segment header to %s: %w", path, err)
	}
	return &segmentWriter{file: file, path: path, index: index, size: segmentHeaderSize}, nil
}

// writeRecord appends one record and returns its offset.
// Format: length (4 bytes) | data (variable) | checksum (4 bytes)
func (sw *segmentWriter) writeRecord(data []byte) (int64, error) {
	if sw.file == nil {
		return 0, os.ErrClosed
	}
	buf := make([]byte, len(data)+recordOverhead)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(data)))
	copy(buf[4:], data)
	binary.LittleEndian.PutUint32(buf[4+len(data):], crc32.ChecksumIEEE(data))
	off := sw.size
	n, err := sw.file.Write(buf)
	sw.size += int64(n)
	if err != nil {
		return 0, fmt.Errorf("failed to write record: %w", err)
	}
	return off, nil
}

func (sw *segmentWriter) sync() error {
	if sw.file == nil {
		return os.ErrClosed
	}
	return sw.file.Sync()
}

func (sw *segmentWriter) close() error {
	if sw.file == nil {
		return nil
	}
	err := sw.file.Sync()
	closeErr := sw.file.Close()
	sw.file = nil
	if err != nil {
		return err
	}
	return closeErr
}

// readRecordAt reads the record starting at off.
func readRecordAt(f *os.File, off int64) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := f.ReadAt(lenBuf[:], off); err != nil {
		return nil, fmt.Errorf("failed to read record length at %d: %w", off, err)
	}
	n := binary.LittleEndian.Uint32(lenBuf[:])
	buf := make([]byte, int(n)+4)
	if _, err := f.ReadAt(buf, off+4); err != nil {
		return nil, fmt.Errorf("failed to read record at %d: %w", off, err)
	}
	data := buf[:n]
	if crc32.ChecksumIEEE(data) != binary.LittleEndian.Uint32(buf[n:]) {
		return nil, ErrChecksumMismatch
	}
	return data, nil
}

// scanSegment calls fn for every intact record of the segment at path, in
// order. It returns the offset just past the last intact record together with
// io.EOF on a clean end, or the error that stopped the scan.
func scanSegment(path string, fn func(off int64, data []byte) error) (int64, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("failed to open segment %s: %w", path, err)
	}
	defer file.Close()

	r := bufio.NewReader(file)
	var hdr [segmentHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, fmt.Errorf("segment %s is empty or truncated at header: %w", path, err)
	}
	if magic := binary.LittleEndian.Uint32(hdr[0:4]); magic != segmentMagic {
		return 0, fmt.Errorf("invalid magic number in segment %s: got %x, want %x", path, magic, segmentMagic)
	}

	off := int64(segmentHeaderSize)
	for {
		var lenBuf [4]byte
		if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
			if err == io.EOF {
				return off, io.EOF
			}
			return off, io.ErrUnexpectedEOF
		}
		n := binary.LittleEndian.Uint32(lenBuf[:])
		buf := make([]byte, int(n)+4)
		if _, err := io.ReadFull(r, buf); err != nil {
			return off, io.ErrUnexpectedEOF
		}
		data := buf[:n]
		if crc32.ChecksumIEEE(data) != binary.LittleEndian.Uint32(buf[n:]) {
			return off, ErrChecksumMismatch
		}
		if err := fn(off, data); err != nil {
			return off, err
		}
		off += int64(n) + recordOverhead
	}
}
