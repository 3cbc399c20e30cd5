package changelog

import (
	"cmp"
	"encoding/binary"
	"errors"
	"expvar"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/INLOpen/nexusrepl/checkpoint"
	"github.com/INLOpen/nexusrepl/core"
	"github.com/INLOpen/skiplist"
	"github.com/RoaringBitmap/roaring/roaring64"
)

const (
	trimMarkFileName        = "TRIM_MARK"
	trimMarkMagic    uint32 = 0x4D54524D // "MRTM"
)

// location is where a version's record lives on disk.
type location struct {
	segment uint64
	offset  int64
}

type segmentInfo struct {
	index uint64
	last  int64 // highest version stored in the segment, NonAddress if none
}

// Options holds configuration for the changelog.
type Options struct {
	Dir            string
	MaxSegmentSize int64
	SyncOnAppend   bool
	Logger         *slog.Logger
	BytesWritten   *expvar.Int
	EntriesWritten *expvar.Int
}

// Log is an append-only, segmented changelog of transactional entries keyed by
// a strictly increasing version. It keeps an in-memory index from version to
// record location and, per stream, the set of versions that touched it.
type Log struct {
	dir    string
	opts   Options
	logger *slog.Logger

	mu       sync.RWMutex
	active   *segmentWriter
	segments []segmentInfo
	index    *skiplist.SkipList[int64, location]
	all      *roaring64.Bitmap
	streams  map[string]*roaring64.Bitmap
	tail     int64
	trimMark int64
	closed   bool

	unlock func() error
}

func compareVersions(a, b int64) int {
	return cmp.Compare(a, b)
}

// Open creates or opens a changelog directory and rebuilds its index.
func Open(opts Options) (*Log, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.MaxSegmentSize <= 0 {
		opts.MaxSegmentSize = DefaultMaxSegmentSize
	}
	if err := os.MkdirAll(opts.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create changelog directory %s: %w", opts.Dir, err)
	}
	unlock, err := lockDir(opts.Dir)
	if err != nil {
		return nil, err
	}

	l := &Log{
		dir:      opts.Dir,
		opts:     opts,
		logger:   opts.Logger.With("component", "Changelog"),
		index:    skiplist.NewWithComparator[int64, location](compareVersions),
		all:      roaring64.New(),
		streams:  make(map[string]*roaring64.Bitmap),
		tail:     core.NonAddress,
		trimMark: core.NonAddress,
		unlock:   unlock,
	}

	if err := l.loadTrimMark(); err != nil {
		unlock()
		return nil, err
	}
	if err := l.recover(); err != nil {
		unlock()
		return nil, fmt.Errorf("failed to recover changelog: %w", err)
	}
	if err := l.openForAppend(); err != nil {
		l.Close()
		return nil, fmt.Errorf("failed to open changelog for appending: %w", err)
	}
	l.logger.Info("Changelog opened", "dir", l.dir, "tail", l.tail, "trim_mark", l.trimMark, "segments", len(l.segments))
	return l, nil
}

func (l *Log) loadTrimMark() error {
	data, found, err := checkpoint.Read(l.dir, trimMarkFileName, trimMarkMagic)
	if err != nil {
		return fmt.Errorf("failed to read trim mark: %w", err)
	}
	if found {
		if len(data) != 8 {
			return fmt.Errorf("trim mark has %d bytes, want 8", len(data))
		}
		l.trimMark = int64(binary.LittleEndian.Uint64(data))
	}
	return nil
}

func (l *Log) listSegments() ([]uint64, error) {
	files, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read changelog directory %s: %w", l.dir, err)
	}
	var indexes []uint64
	for _, file := range files {
		if file.IsDir() {
			continue
		}
		if index, err := parseSegmentFileName(file.Name()); err == nil {
			indexes = append(indexes, index)
		}
	}
	sort.Slice(indexes, func(i, j int) bool { return indexes[i] < indexes[j] })
	return indexes, nil
}

// recover scans every segment and rebuilds the index. A torn record at the
// end of the last segment is truncated away; damage anywhere else is fatal.
func (l *Log) recover() error {
	indexes, err := l.listSegments()
	if err != nil {
		return err
	}
	for i, index := range indexes {
		path := filepath.Join(l.dir, formatSegmentFileName(index))
		info := segmentInfo{index: index, last: core.NonAddress}
		validEnd, scanErr := scanSegment(path, func(off int64, data []byte) error {
			e, err := core.DecodeEntry(data)
			if err != nil {
				return fmt.Errorf("segment %d offset %d: %w", index, off, err)
			}
			if e.Version > info.last {
				info.last = e.Version
			}
			if e.Version <= l.trimMark {
				return nil
			}
			if e.Version <= l.tail {
				l.logger.Warn("Skipping out-of-order changelog record", "segment", index, "version", e.Version, "tail", l.tail)
				return nil
			}
			l.indexEntry(e, location{segment: index, offset: off})
			return nil
		})
		l.segments = append(l.segments, info)
		if scanErr == nil || errors.Is(scanErr, io.EOF) {
			continue
		}
		isLast := i == len(indexes)-1
		if isLast && (errors.Is(scanErr, io.ErrUnexpectedEOF) || errors.Is(scanErr, ErrChecksumMismatch)) {
			l.logger.Warn("Truncating torn tail of last changelog segment", "segment", index, "valid_end", validEnd, "error", scanErr)
			if err := os.Truncate(path, validEnd); err != nil {
				return fmt.Errorf("failed to truncate segment %d: %w", index, err)
			}
			continue
		}
		return scanErr
	}
	return nil
}

// indexEntry records e at loc. Must be called with the lock held.
func (l *Log) indexEntry(e core.OpaqueEntry, loc location) {
	l.index.Insert(e.Version, loc)
	l.all.Add(uint64(e.Version))
	for stream := range e.Updates {
		bm, ok := l.streams[stream]
		if !ok {
			bm = roaring64.New()
			l.streams[stream] = bm
		}
		bm.Add(uint64(e.Version))
	}
	l.tail = e.Version
}

func (l *Log) openForAppend() error {
	if len(l.segments) == 0 {
		return l.rotateLocked()
	}
	// Never append after a segment that held data before the restart; start a
	// fresh one so a previously torn write cannot sit between two records.
	last := l.segments[len(l.segments)-1]
	path := filepath.Join(l.dir, formatSegmentFileName(last.index))
	stat, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("failed to stat last segment %s: %w", path, err)
	}
	if stat.Size() > segmentHeaderSize {
		return l.rotateLocked()
	}
	seg, err := createSegment(l.dir, last.index)
	if err != nil {
		return fmt.Errorf("failed to reuse segment %d: %w", last.index, err)
	}
	l.active = seg
	return nil
}

// rotateLocked closes the active segment and starts the next one. Must be
// called with the lock held.
func (l *Log) rotateLocked() error {
	var next uint64 = 1
	if len(l.segments) > 0 {
		next = l.segments[len(l.segments)-1].index + 1
	}
	seg, err := createSegment(l.dir, next)
	if err != nil {
		return err
	}
	if l.active != nil {
		if err := l.active.close(); err != nil {
			l.logger.Error("Failed to close active segment during rotation", "path", l.active.path, "error", err)
		}
	}
	l.active = seg
	l.segments = append(l.segments, segmentInfo{index: next, last: core.NonAddress})
	l.logger.Debug("Rotated to new changelog segment", "index", next)
	return nil
}

// Append writes e to the log. Versions must be strictly increasing.
func (l *Log) Append(e core.OpaqueEntry) error {
	if e.Version < 0 {
		return fmt.Errorf("invalid changelog version %d", e.Version)
	}
	data := core.AppendEntry(nil, e)

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed || l.active == nil {
		return fmt.Errorf("changelog is closed: %w", os.ErrClosed)
	}
	if e.Version <= l.tail {
		return fmt.Errorf("changelog version %d is not after tail %d", e.Version, l.tail)
	}

	recordSize := int64(len(data) + recordOverhead)
	if l.active.size > segmentHeaderSize && l.active.size+recordSize > l.opts.MaxSegmentSize {
		if err := l.rotateLocked(); err != nil {
			return fmt.Errorf("failed to rotate changelog segment: %w", err)
		}
	}
	off, err := l.active.writeRecord(data)
	if err != nil {
		return err
	}
	if l.opts.SyncOnAppend {
		if err := l.active.sync(); err != nil {
			return fmt.Errorf("failed to sync changelog segment: %w", err)
		}
	}
	l.segments[len(l.segments)-1].last = e.Version
	l.indexEntry(e, location{segment: l.active.index, offset: off})

	if l.opts.BytesWritten != nil {
		l.opts.BytesWritten.Add(recordSize)
	}
	if l.opts.EntriesWritten != nil {
		l.opts.EntriesWritten.Add(1)
	}
	return nil
}

// Tail returns the highest version in the log, or NonAddress when empty.
func (l *Log) Tail() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.tail
}

// TrimMark returns the highest garbage-collected version, or NonAddress.
func (l *Log) TrimMark() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.trimMark
}

// Entries returns an iterator over versions >= from, bounded by the tail at
// the time of the call. Seeking at or below the trim mark fails with a
// *core.TrimmedError.
func (l *Log) Entries(from int64) (*Iterator, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if err := l.checkTrimmedLocked(from); err != nil {
		return nil, err
	}
	return newIterator(l, from, l.tail), nil
}

// SnapshotEntries returns an iterator over every retained version <= ts.
func (l *Log) SnapshotEntries(ts int64) (*Iterator, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.trimMark != core.NonAddress && ts < l.trimMark {
		return nil, &core.TrimmedError{Requested: ts, TrimMark: l.trimMark}
	}
	limit := ts
	if limit > l.tail {
		limit = l.tail
	}
	return newIterator(l, l.trimMark+1, limit), nil
}

func (l *Log) checkTrimmedLocked(from int64) error {
	if l.trimMark != core.NonAddress && from <= l.trimMark {
		return &core.TrimmedError{Requested: from, TrimMark: l.trimMark}
	}
	return nil
}

// unionLocked returns the versions touching any of streams, or every version
// when streams is nil. The result must not be modified.
func (l *Log) unionLocked(streams []string) *roaring64.Bitmap {
	if streams == nil {
		return l.all
	}
	bms := make([]*roaring64.Bitmap, 0, len(streams))
	for _, s := range streams {
		if bm, ok := l.streams[s]; ok {
			bms = append(bms, bm)
		}
	}
	if len(bms) == 0 {
		return roaring64.New()
	}
	if len(bms) == 1 {
		return bms[0]
	}
	u := bms[0].Clone()
	for _, bm := range bms[1:] {
		u.Or(bm)
	}
	return u
}

// StreamTail returns the highest version touching any of streams, or
// NonAddress. A nil streams slice considers every entry.
func (l *Log) StreamTail(streams []string) int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	u := l.unionLocked(streams)
	if u.IsEmpty() {
		return core.NonAddress
	}
	return int64(u.Maximum())
}

// CountBetween returns the number of versions in (lo, hi] touching any of
// streams. A nil streams slice counts every entry.
func (l *Log) CountBetween(lo, hi int64, streams []string) int64 {
	if hi < 0 || hi <= lo {
		return 0
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	u := l.unionLocked(streams)
	upper := u.Rank(uint64(hi))
	var lower uint64
	if lo >= 0 {
		lower = u.Rank(uint64(lo))
	}
	return int64(upper - lower)
}

// Trim garbage-collects every version <= upTo. Whole segments whose entries
// are all trimmed are deleted; readers positioned at or below the new trim
// mark fail with *core.TrimmedError on their next read.
func (l *Log) Trim(upTo int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if upTo > l.tail {
		upTo = l.tail
	}
	if upTo <= l.trimMark {
		return nil
	}

	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(upTo))
	if err := checkpoint.Write(l.dir, trimMarkFileName, trimMarkMagic, buf[:]); err != nil {
		return fmt.Errorf("failed to persist trim mark: %w", err)
	}
	l.trimMark = upTo

	kept := skiplist.NewWithComparator[int64, location](compareVersions)
	l.index.Range(func(version int64, loc location) bool {
		if version > upTo {
			kept.Insert(version, loc)
		}
		return true
	})
	l.index = kept
	l.all.RemoveRange(0, uint64(upTo)+1)
	for name, bm := range l.streams {
		bm.RemoveRange(0, uint64(upTo)+1)
		if bm.IsEmpty() {
			delete(l.streams, name)
		}
	}

	var remaining []segmentInfo
	removed := 0
	for _, seg := range l.segments {
		isActive := l.active != nil && l.active.index == seg.index
		if !isActive && seg.last <= upTo {
			path := filepath.Join(l.dir, formatSegmentFileName(seg.index))
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				l.logger.Error("Failed to remove trimmed segment", "path", path, "error", err)
				remaining = append(remaining, seg)
				continue
			}
			removed++
			continue
		}
		remaining = append(remaining, seg)
	}
	l.segments = remaining
	l.logger.Info("Trimmed changelog", "trim_mark", upTo, "segments_removed", removed)
	return nil
}

// Sync flushes the active segment to stable storage.
func (l *Log) Sync() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.active == nil {
		return os.ErrClosed
	}
	return l.active.sync()
}

// Close closes the active segment and releases the directory lock.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	var err error
	if l.active != nil {
		err = l.active.close()
		l.active = nil
	}
	if l.unlock != nil {
		if uerr := l.unlock(); uerr != nil && err == nil {
			err = uerr
		}
	}
	if err != nil {
		l.logger.Error("Error during changelog close", "error", err)
	}
	return err
}

// Dir returns the directory of the log.
func (l *Log) Dir() string {
	return l.dir
}
