package changelog

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/INLOpen/nexusrepl/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func entry(version int64, streams ...string) core.OpaqueEntry {
	e := core.OpaqueEntry{Version: version, Updates: make(map[string][][]byte)}
	for _, s := range streams {
		e.Updates[s] = [][]byte{[]byte(s + "-record")}
	}
	return e
}

func openTestLog(t *testing.T, dir string, opts ...func(*Options)) *Log {
	t.Helper()
	o := Options{Dir: dir}
	for _, fn := range opts {
		fn(&o)
	}
	l, err := Open(o)
	require.NoError(t, err)
	return l
}

func drain(t *testing.T, it *Iterator) []int64 {
	t.Helper()
	defer it.Close()
	var versions []int64
	for {
		e, err := it.Next()
		if errors.Is(err, io.EOF) {
			return versions
		}
		require.NoError(t, err)
		versions = append(versions, e.Version)
	}
}

func TestLog_AppendAndIterate(t *testing.T) {
	l := openTestLog(t, t.TempDir())
	defer l.Close()

	assert.Equal(t, core.NonAddress, l.Tail())
	for _, v := range []int64{10, 20, 30, 40, 50} {
		require.NoError(t, l.Append(entry(v, "orders")))
	}
	assert.Equal(t, int64(50), l.Tail())

	it, err := l.Entries(0)
	require.NoError(t, err)
	assert.Equal(t, []int64{10, 20, 30, 40, 50}, drain(t, it))

	it, err = l.Entries(31)
	require.NoError(t, err)
	assert.Equal(t, []int64{40, 50}, drain(t, it))
}

func TestLog_AppendRejectsNonIncreasingVersion(t *testing.T) {
	l := openTestLog(t, t.TempDir())
	defer l.Close()

	require.NoError(t, l.Append(entry(5, "a")))
	assert.Error(t, l.Append(entry(5, "a")))
	assert.Error(t, l.Append(entry(4, "a")))
	assert.Error(t, l.Append(entry(-2, "a")))
}

func TestLog_IteratorBoundedAtCreation(t *testing.T) {
	l := openTestLog(t, t.TempDir())
	defer l.Close()

	require.NoError(t, l.Append(entry(1, "a")))
	it, err := l.Entries(0)
	require.NoError(t, err)
	require.NoError(t, l.Append(entry(2, "a")))
	assert.Equal(t, []int64{1}, drain(t, it))
}

func TestLog_StreamTailAndCountBetween(t *testing.T) {
	l := openTestLog(t, t.TempDir())
	defer l.Close()

	require.NoError(t, l.Append(entry(10, "a")))
	require.NoError(t, l.Append(entry(20, "b")))
	require.NoError(t, l.Append(entry(30, "a", "b")))
	require.NoError(t, l.Append(entry(40, "c")))

	assert.Equal(t, int64(30), l.StreamTail([]string{"a", "b"}))
	assert.Equal(t, int64(40), l.StreamTail([]string{"c"}))
	assert.Equal(t, core.NonAddress, l.StreamTail([]string{"missing"}))

	assert.Equal(t, int64(3), l.CountBetween(core.NonAddress, 40, []string{"a", "b"}))
	assert.Equal(t, int64(2), l.CountBetween(10, 40, []string{"a", "b"}))
	assert.Equal(t, int64(1), l.CountBetween(20, 30, []string{"a"}))
	assert.Equal(t, int64(0), l.CountBetween(30, 30, []string{"a"}))
	assert.Equal(t, int64(0), l.CountBetween(40, 10, []string{"a"}))
}

func TestLog_RecoverAfterReopen(t *testing.T) {
	dir := t.TempDir()
	l := openTestLog(t, dir)
	for v := int64(1); v <= 5; v++ {
		require.NoError(t, l.Append(entry(v, "a")))
	}
	require.NoError(t, l.Close())

	l = openTestLog(t, dir)
	defer l.Close()
	assert.Equal(t, int64(5), l.Tail())
	assert.Equal(t, int64(5), l.CountBetween(core.NonAddress, 5, []string{"a"}))
	require.NoError(t, l.Append(entry(6, "a")))

	it, err := l.Entries(0)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3, 4, 5, 6}, drain(t, it))
}

func TestLog_RecoverTruncatesTornTail(t *testing.T) {
	dir := t.TempDir()
	l := openTestLog(t, dir)
	require.NoError(t, l.Append(entry(1, "a")))
	require.NoError(t, l.Append(entry(2, "a")))
	path := l.active.path
	require.NoError(t, l.Close())

	// Simulate a crash in the middle of writing a record.
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.Write([]byte{0xff, 0x00, 0x00, 0x00, 0x01})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	l = openTestLog(t, dir)
	defer l.Close()
	assert.Equal(t, int64(2), l.Tail())
	require.NoError(t, l.Append(entry(3, "a")))
	it, err := l.Entries(0)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3}, drain(t, it))
}

func TestLog_RotatesSegments(t *testing.T) {
	dir := t.TempDir()
	l := openTestLog(t, dir, func(o *Options) { o.MaxSegmentSize = 128 })
	defer l.Close()

	for v := int64(1); v <= 20; v++ {
		require.NoError(t, l.Append(entry(v, "stream-with-a-long-name")))
	}
	matches, err := filepath.Glob(filepath.Join(dir, "*"+segmentFileSuffix))
	require.NoError(t, err)
	assert.Greater(t, len(matches), 1)

	it, err := l.Entries(0)
	require.NoError(t, err)
	assert.Len(t, drain(t, it), 20)
}

func TestLog_Trim(t *testing.T) {
	dir := t.TempDir()
	l := openTestLog(t, dir, func(o *Options) { o.MaxSegmentSize = 128 })

	for v := int64(1); v <= 20; v++ {
		require.NoError(t, l.Append(entry(v, "stream-with-a-long-name")))
	}
	before, err := filepath.Glob(filepath.Join(dir, "*"+segmentFileSuffix))
	require.NoError(t, err)

	require.NoError(t, l.Trim(10))
	assert.Equal(t, int64(10), l.TrimMark())

	after, err := filepath.Glob(filepath.Join(dir, "*"+segmentFileSuffix))
	require.NoError(t, err)
	assert.Less(t, len(after), len(before))

	_, err = l.Entries(10)
	require.Error(t, err)
	assert.True(t, core.IsTrimmed(err))

	it, err := l.Entries(11)
	require.NoError(t, err)
	assert.Equal(t, []int64{11, 12, 13, 14, 15, 16, 17, 18, 19, 20}, drain(t, it))
	assert.Equal(t, int64(10), l.CountBetween(core.NonAddress, 20, []string{"stream-with-a-long-name"}))

	// Trim mark survives a restart.
	require.NoError(t, l.Close())
	l = openTestLog(t, dir)
	defer l.Close()
	assert.Equal(t, int64(10), l.TrimMark())
	_, err = l.Entries(5)
	assert.True(t, core.IsTrimmed(err))
}

func TestLog_TrimInvalidatesOpenIterator(t *testing.T) {
	l := openTestLog(t, t.TempDir())
	defer l.Close()

	for v := int64(1); v <= 5; v++ {
		require.NoError(t, l.Append(entry(v, "a")))
	}
	it, err := l.Entries(1)
	require.NoError(t, err)
	defer it.Close()

	_, err = it.Next()
	require.NoError(t, err)
	require.NoError(t, l.Trim(3))

	_, err = it.Next()
	var trimmed *core.TrimmedError
	require.ErrorAs(t, err, &trimmed)
	assert.Equal(t, int64(2), trimmed.Requested)
	assert.Equal(t, int64(3), trimmed.TrimMark)
}

func TestLog_SnapshotEntries(t *testing.T) {
	l := openTestLog(t, t.TempDir())
	defer l.Close()

	for v := int64(1); v <= 6; v++ {
		require.NoError(t, l.Append(entry(v, "a")))
	}
	it, err := l.SnapshotEntries(4)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3, 4}, drain(t, it))

	require.NoError(t, l.Trim(2))
	it, err = l.SnapshotEntries(4)
	require.NoError(t, err)
	assert.Equal(t, []int64{3, 4}, drain(t, it))

	_, err = l.SnapshotEntries(1)
	assert.True(t, core.IsTrimmed(err))
}

func TestLog_DirectoryLocked(t *testing.T) {
	dir := t.TempDir()
	l := openTestLog(t, dir)
	defer l.Close()

	_, err := Open(Options{Dir: dir})
	assert.Error(t, err)
}

func TestApplier_SkipsAppliedEntries(t *testing.T) {
	l := openTestLog(t, t.TempDir())
	defer l.Close()
	a := NewApplier(l, nil)

	msg := &core.Message{
		Metadata: core.MessageMetadata{Type: core.EntryTypeLogEntry, Timestamp: 20},
		Payload:  core.EncodeEntries([]core.OpaqueEntry{entry(10, "a"), entry(20, "a")}),
	}
	assert.True(t, a.Apply(msg))
	assert.Equal(t, int64(20), l.Tail())

	// Replaying a superset only appends the new entry.
	msg.Payload = core.EncodeEntries([]core.OpaqueEntry{entry(10, "a"), entry(20, "a"), entry(30, "b")})
	assert.True(t, a.Apply(msg))
	it, err := l.Entries(0)
	require.NoError(t, err)
	assert.Equal(t, []int64{10, 20, 30}, drain(t, it))

	assert.True(t, a.Apply(&core.Message{Metadata: core.MessageMetadata{Type: core.EntryTypeSnapshotEnd}}))
	assert.False(t, a.Apply(&core.Message{
		Metadata: core.MessageMetadata{Type: core.EntryTypeLogEntry},
		Payload:  []byte{0x0a, 0xff},
	}))
}

func TestLog_CountAllEntries(t *testing.T) {
	l := openTestLog(t, t.TempDir())
	defer l.Close()

	require.NoError(t, l.Append(entry(10, "a")))
	require.NoError(t, l.Append(entry(20, "b")))
	require.NoError(t, l.Append(entry(30, "c")))

	assert.Equal(t, int64(3), l.CountBetween(core.NonAddress, 30, nil))
	assert.Equal(t, int64(2), l.CountBetween(10, 30, nil))
	assert.Equal(t, int64(30), l.StreamTail(nil))
	assert.Equal(t, int64(0), l.CountBetween(10, 30, []string{}))

	require.NoError(t, l.Trim(10))
	assert.Equal(t, int64(2), l.CountBetween(core.NonAddress, 30, nil))
}
