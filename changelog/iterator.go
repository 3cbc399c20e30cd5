package changelog

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/INLOpen/nexusrepl/core"
)

// Iterator walks changelog entries in version order. It is not safe for
// concurrent use. Appends made after the iterator was created are not
// visible; re-seek with a new iterator to observe them.
type Iterator struct {
	log   *Log
	next  int64
	limit int64
	files map[uint64]*os.File
}

func newIterator(l *Log, from, limit int64) *Iterator {
	if from < 0 {
		from = 0
	}
	return &Iterator{log: l, next: from, limit: limit, files: make(map[uint64]*os.File)}
}

// Next returns the next entry, io.EOF once the bound is reached, or a
// *core.TrimmedError if the log was trimmed past the iterator position.
func (it *Iterator) Next() (core.OpaqueEntry, error) {
	l := it.log
	l.mu.RLock()
	if err := l.checkTrimmedLocked(it.next); err != nil {
		l.mu.RUnlock()
		return core.OpaqueEntry{}, err
	}
	if it.next > it.limit {
		l.mu.RUnlock()
		return core.OpaqueEntry{}, io.EOF
	}
	node, ok := l.index.Seek(it.next)
	if !ok || node.Key() > it.limit {
		l.mu.RUnlock()
		return core.OpaqueEntry{}, io.EOF
	}
	version, loc := node.Key(), node.Value()
	l.mu.RUnlock()

	f, err := it.file(loc.segment)
	if err != nil {
		if os.IsNotExist(err) {
			return core.OpaqueEntry{}, &core.TrimmedError{Requested: version, TrimMark: l.TrimMark()}
		}
		return core.OpaqueEntry{}, err
	}
	data, err := readRecordAt(f, loc.offset)
	if err != nil {
		return core.OpaqueEntry{}, fmt.Errorf("failed to read changelog version %d: %w", version, err)
	}
	e, err := core.DecodeEntry(data)
	if err != nil {
		return core.OpaqueEntry{}, fmt.Errorf("failed to decode changelog version %d: %w", version, err)
	}
	it.next = version + 1
	return e, nil
}

func (it *Iterator) file(segment uint64) (*os.File, error) {
	if f, ok := it.files[segment]; ok {
		return f, nil
	}
	f, err := os.Open(filepath.Join(it.log.dir, formatSegmentFileName(segment)))
	if err != nil {
		return nil, err
	}
	it.files[segment] = f
	return f, nil
}

// Close releases the segment handles held by the iterator.
func (it *Iterator) Close() error {
	var firstErr error
	for idx, f := range it.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(it.files, idx)
	}
	return firstErr
}
