package checkpoint

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
)

// headerSize is magic (4) + payload length (4).
const headerSize = 8

// TempName returns the scratch file used while name is being replaced.
func TempName(name string) string {
	return name + ".tmp"
}

// Write atomically replaces dir/name with payload. The file is framed as
// magic | length | payload | crc32(payload) and written with the
// write-temp, fsync, close, rename sequence so a crash leaves either the old
// or the new file, never a torn one.
func Write(dir, name string, magic uint32, payload []byte) error {
	tempPath := filepath.Join(dir, TempName(name))
	file, err := os.OpenFile(tempPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("failed to create temp checkpoint file: %w", err)
	}

	buf := make([]byte, headerSize+len(payload)+4)
	binary.LittleEndian.PutUint32(buf[0:4], magic)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(len(payload)))
	copy(buf[headerSize:], payload)
	binary.LittleEndian.PutUint32(buf[headerSize+len(payload):], crc32.ChecksumIEEE(payload))

	if _, err := file.Write(buf); err != nil {
		file.Close()
		return fmt.Errorf("failed to write checkpoint %s: %w", name, err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		return fmt.Errorf("failed to sync temp checkpoint file: %w", err)
	}
	// Close before rename; Windows refuses to rename open files.
	if err := file.Close(); err != nil {
		return fmt.Errorf("failed to close temp checkpoint file before rename: %w", err)
	}
	if err := os.Rename(tempPath, filepath.Join(dir, name)); err != nil {
		return fmt.Errorf("failed to rename temp checkpoint file to final name: %w", err)
	}
	return nil
}

// Read returns the payload stored in dir/name and whether the file existed.
// A missing file is not an error.
func Read(dir, name string, magic uint32) ([]byte, bool, error) {
	path := filepath.Join(dir, name)
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to open checkpoint file: %w", err)
	}
	defer file.Close()

	var hdr [headerSize]byte
	if _, err := io.ReadFull(file, hdr[:]); err != nil {
		return nil, true, fmt.Errorf("failed to read checkpoint header: %w", err)
	}
	if got := binary.LittleEndian.Uint32(hdr[0:4]); got != magic {
		return nil, true, fmt.Errorf("invalid checkpoint magic number: got %x, want %x", got, magic)
	}
	n := binary.LittleEndian.Uint32(hdr[4:8])
	body := make([]byte, int(n)+4)
	if _, err := io.ReadFull(file, body); err != nil {
		return nil, true, fmt.Errorf("failed to read checkpoint payload: %w", err)
	}
	payload := body[:n]
	if crc32.ChecksumIEEE(payload) != binary.LittleEndian.Uint32(body[n:]) {
		return nil, true, fmt.Errorf("checkpoint %s checksum mismatch", name)
	}
	return payload, true, nil
}
