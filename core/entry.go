package core

import (
	"fmt"
	"sort"

	"google.golang.org/protobuf/encoding/protowire"
)

// OpaqueEntry is one transactional changelog entry: the mutation records it
// wrote, grouped by stream. Records are opaque to the replication engine.
type OpaqueEntry struct {
	Version int64
	Updates map[string][][]byte
}

// Streams returns the stream names touched by the entry in sorted order.
func (e OpaqueEntry) Streams() []string {
	names := make([]string, 0, len(e.Updates))
	for s := range e.Updates {
		names = append(names, s)
	}
	sort.Strings(names)
	return names
}

// Filter returns a copy of the entry restricted to streams accepted by keep.
func (e OpaqueEntry) Filter(keep func(stream string) bool) OpaqueEntry {
	out := OpaqueEntry{Version: e.Version, Updates: make(map[string][][]byte)}
	for s, recs := range e.Updates {
		if keep(s) {
			out.Updates[s] = recs
		}
	}
	return out
}

// IsEmpty reports whether the entry carries no streams.
func (e OpaqueEntry) IsEmpty() bool {
	return len(e.Updates) == 0
}

const (
	entryFieldVersion protowire.Number = 1
	entryFieldStream  protowire.Number = 2

	streamFieldName   protowire.Number = 1
	streamFieldRecord protowire.Number = 2

	entriesFieldEntry protowire.Number = 1
)

// AppendEntry appends the wire form of e to b. Streams are written in sorted
// order so encoding is deterministic.
func AppendEntry(b []byte, e OpaqueEntry) []byte {
	b = protowire.AppendTag(b, entryFieldVersion, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(e.Version))
	for _, s := range e.Streams() {
		var sb []byte
		sb = protowire.AppendTag(sb, streamFieldName, protowire.BytesType)
		sb = protowire.AppendString(sb, s)
		for _, rec := range e.Updates[s] {
			sb = protowire.AppendTag(sb, streamFieldRecord, protowire.BytesType)
			sb = protowire.AppendBytes(sb, rec)
		}
		b = protowire.AppendTag(b, entryFieldStream, protowire.BytesType)
		b = protowire.AppendBytes(b, sb)
	}
	return b
}

// DecodeEntry parses a single entry produced by AppendEntry.
func DecodeEntry(b []byte) (OpaqueEntry, error) {
	e := OpaqueEntry{Updates: make(map[string][][]byte)}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return OpaqueEntry{}, fmt.Errorf("decode entry tag: %w", protowire.ParseError(n))
		}
		b = b[n:]
		switch {
		case num == entryFieldVersion && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return OpaqueEntry{}, fmt.Errorf("decode entry version: %w", protowire.ParseError(n))
			}
			e.Version = int64(v)
			b = b[n:]
		case num == entryFieldStream && typ == protowire.BytesType:
			sb, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return OpaqueEntry{}, fmt.Errorf("decode entry stream: %w", protowire.ParseError(n))
			}
			if err := decodeStreamUpdate(sb, e.Updates); err != nil {
				return OpaqueEntry{}, err
			}
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return OpaqueEntry{}, fmt.Errorf("skip entry field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return e, nil
}

func decodeStreamUpdate(b []byte, into map[string][][]byte) error {
	var name string
	var records [][]byte
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("decode stream tag: %w", protowire.ParseError(n))
		}
		b = b[n:]
		if typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return fmt.Errorf("skip stream field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
			continue
		}
		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return fmt.Errorf("decode stream field %d: %w", num, protowire.ParseError(n))
		}
		switch num {
		case streamFieldName:
			name = string(v)
		case streamFieldRecord:
			records = append(records, append([]byte(nil), v...))
		}
		b = b[n:]
	}
	into[name] = append(into[name], records...)
	return nil
}

// EncodedEntrySize is the number of bytes e occupies inside a message payload.
func EncodedEntrySize(e OpaqueEntry) int {
	n := len(AppendEntry(nil, e))
	return protowire.SizeTag(entriesFieldEntry) + protowire.SizeBytes(n)
}

// EncodeEntries builds a message payload from a batch of entries.
func EncodeEntries(entries []OpaqueEntry) []byte {
	var b []byte
	for _, e := range entries {
		b = protowire.AppendTag(b, entriesFieldEntry, protowire.BytesType)
		b = protowire.AppendBytes(b, AppendEntry(nil, e))
	}
	return b
}

// DecodeEntries parses a message payload built by EncodeEntries.
func DecodeEntries(b []byte) ([]OpaqueEntry, error) {
	var out []OpaqueEntry
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("decode payload tag: %w", protowire.ParseError(n))
		}
		b = b[n:]
		if num != entriesFieldEntry || typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("skip payload field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
			continue
		}
		eb, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return nil, fmt.Errorf("decode payload entry: %w", protowire.ParseError(n))
		}
		e, err := DecodeEntry(eb)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
		b = b[n:]
	}
	return out, nil
}
