package replication

import (
	"bytes"
	"sync/atomic"
	"testing"

	"github.com/INLOpen/nexusrepl/core"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingRegistry struct {
	streams []string
	calls   atomic.Int32
}

func (r *countingRegistry) ReplicatedStreams() ([]string, error) {
	r.calls.Add(1)
	return append([]string(nil), r.streams...), nil
}

func decodeVersions(t *testing.T, msg *core.Message) []int64 {
	t.Helper()
	entries, err := core.DecodeEntries(msg.Payload)
	require.NoError(t, err)
	var out []int64
	for _, e := range entries {
		out = append(out, e.Version)
	}
	return out
}

func TestLogEntryReader_FiltersRelevantEntriesIntoOneMessage(t *testing.T) {
	l := openLog(t,
		entry(10, "orders"),
		entry(20, "audit"),
		entry(30, "orders", "audit"),
		entry(40, "metrics"),
		entry(50, "payments"),
	)
	streams := core.NewStreamSet("orders", "payments")
	r := NewLogEntryReader(testSession, FromLog(l), streams, nil, 1<<30, nil)
	defer r.Close()
	r.SetBaseWatermark(0, core.NonAddress)

	msg, err := r.Read(uuid.New())
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, core.EntryTypeLogEntry, msg.Metadata.Type)
	assert.Equal(t, int64(0), msg.Metadata.PreviousTimestamp)
	assert.Equal(t, int64(50), msg.Metadata.Timestamp)
	assert.Equal(t, []int64{10, 30, 50}, decodeVersions(t, msg))

	entries, err := core.DecodeEntries(msg.Payload)
	require.NoError(t, err)
	assert.NotContains(t, entries[1].Updates, "audit")

	next, err := r.Read(uuid.New())
	require.NoError(t, err)
	assert.Nil(t, next)
	assert.Equal(t, core.ProcessedEntryMetadata{Watermark: 50, HadReplicatedStreams: true}, r.CurrentProcessedEntryMetadata())

	// Fed to a fresh sink buffer, the message applies and acks on the time threshold.
	clock := newFakeClock()
	applier := &recordingApplier{}
	b := NewLogEntrySinkBuffer(testBufferConfig(clock), 0, applier, nil)
	ack := b.Process(msg)
	require.NotNil(t, ack)
	assert.Equal(t, int64(50), b.LastProcessed())
	assert.Equal(t, int64(50), ack.Metadata.Timestamp)
	assert.Equal(t, []int64{50}, applier.Applied())
}

func TestLogEntryReader_MessagesRespectSizeLimit(t *testing.T) {
	var entries []core.OpaqueEntry
	for v := int64(1); v <= 20; v++ {
		entries = append(entries, entry(v, "orders"))
	}
	l := openLog(t, entries...)
	limit := 3*core.EncodedEntrySize(entry(10, "orders")) + 1

	r := NewLogEntryReader(testSession, FromLog(l), core.NewStreamSet("orders"), nil, limit, nil)
	defer r.Close()
	r.SetBaseWatermark(0, core.NonAddress)

	var seen []int64
	prev := int64(0)
	for seq := int64(0); ; seq++ {
		msg, err := r.Read(uuid.New())
		require.NoError(t, err)
		if msg == nil {
			break
		}
		assert.LessOrEqual(t, len(msg.Payload), limit)
		assert.Equal(t, prev, msg.Metadata.PreviousTimestamp)
		assert.Equal(t, seq, msg.Metadata.SnapshotSyncSeqNum)
		versions := decodeVersions(t, msg)
		assert.Equal(t, versions[len(versions)-1], msg.Metadata.Timestamp)
		prev = msg.Metadata.Timestamp
		seen = append(seen, versions...)
	}
	var want []int64
	for v := int64(1); v <= 20; v++ {
		want = append(want, v)
	}
	assert.Equal(t, want, seen)
}

func TestLogEntryReader_OversizeEntryIsFatal(t *testing.T) {
	big := core.OpaqueEntry{Version: 2, Updates: map[string][][]byte{"orders": {bytes.Repeat([]byte("x"), 1024)}}}
	l := openLog(t, entry(1, "orders"), big, entry(3, "orders"))

	r := NewLogEntryReader(testSession, FromLog(l), core.NewStreamSet("orders"), nil, 256, nil)
	defer r.Close()
	r.SetBaseWatermark(0, core.NonAddress)

	msg, err := r.Read(uuid.New())
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, []int64{1}, decodeVersions(t, msg))

	_, err = r.Read(uuid.New())
	require.Error(t, err)
	assert.True(t, core.IsOversize(err))
	assert.True(t, r.MessageExceededSize())

	_, err = r.Read(uuid.New())
	assert.True(t, core.IsOversize(err))
}

func TestLogEntryReader_RefreshesStreamsOnUnknownStream(t *testing.T) {
	l := openLog(t,
		entry(1, "payments"),
		entry(2, "audit"),
		entry(3, "audit"),
	)
	registry := &countingRegistry{streams: []string{"orders"}}
	streams := core.NewStreamSet("orders")
	r := NewLogEntryReader(testSession, FromLog(l), streams, registry, 1<<20, nil)
	defer r.Close()
	r.SetBaseWatermark(0, core.NonAddress)

	// payments is registered after the session started.
	registry.streams = []string{"orders", "payments"}
	registry.calls.Store(0)

	msg, err := r.Read(uuid.New())
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, []int64{1}, decodeVersions(t, msg))
	assert.True(t, streams.Contains("payments"))
	// Every entry with a stream outside the set refreshes.
	assert.Equal(t, int32(3), registry.calls.Load())
	assert.Equal(t, core.ProcessedEntryMetadata{Watermark: 3, HadReplicatedStreams: false}, r.CurrentProcessedEntryMetadata())
}

func TestLogEntryReader_PicksUpStreamRegisteredAfterFirstSeen(t *testing.T) {
	l := openLog(t, entry(1, "payments"))
	registry := &countingRegistry{streams: []string{"orders"}}
	streams := core.NewStreamSet("orders")
	r := NewLogEntryReader(testSession, FromLog(l), streams, registry, 1<<20, nil)
	defer r.Close()
	r.SetBaseWatermark(0, core.NonAddress)

	msg, err := r.Read(uuid.New())
	require.NoError(t, err)
	assert.Nil(t, msg, "payments is not replicated yet")

	registry.streams = []string{"orders", "payments"}
	require.NoError(t, l.Append(entry(2, "payments")))

	msg, err = r.Read(uuid.New())
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, []int64{2}, decodeVersions(t, msg))
	assert.True(t, streams.Contains("payments"))
	assert.Equal(t, core.ProcessedEntryMetadata{Watermark: 2, HadReplicatedStreams: true}, r.CurrentProcessedEntryMetadata())
}

func TestLogEntryReader_CarriesOverEntryThatDoesNotFit(t *testing.T) {
	l := openLog(t, entry(1, "orders"), entry(2, "orders"), entry(3, "orders"))
	limit := 2 * core.EncodedEntrySize(entry(1, "orders"))

	r := NewLogEntryReader(testSession, FromLog(l), core.NewStreamSet("orders"), nil, limit, nil)
	defer r.Close()
	r.SetBaseWatermark(0, core.NonAddress)

	first, err := r.Read(uuid.New())
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2}, decodeVersions(t, first))

	second, err := r.Read(uuid.New())
	require.NoError(t, err)
	assert.Equal(t, []int64{3}, decodeVersions(t, second))
	assert.Equal(t, int64(2), second.Metadata.PreviousTimestamp)
}

func TestLogEntryReader_SeeksPastMaxOfSnapshotAndAck(t *testing.T) {
	l := openLog(t, entry(10, "orders"), entry(20, "orders"), entry(30, "orders"))
	r := NewLogEntryReader(testSession, FromLog(l), core.NewStreamSet("orders"), nil, 1<<20, nil)
	defer r.Close()

	r.SetBaseWatermark(10, 20)
	msg, err := r.Read(uuid.New())
	require.NoError(t, err)
	assert.Equal(t, []int64{30}, decodeVersions(t, msg))
	assert.Equal(t, int64(20), msg.Metadata.PreviousTimestamp)
	assert.Equal(t, int64(10), msg.Metadata.SnapshotTimestamp)
	assert.Equal(t, int64(0), msg.Metadata.SnapshotSyncSeqNum)

	r.SetBaseWatermark(0, core.NonAddress)
	assert.Equal(t, core.NonAddress, r.CurrentProcessedEntryMetadata().Watermark)
	msg, err = r.Read(uuid.New())
	require.NoError(t, err)
	assert.Equal(t, []int64{10, 20, 30}, decodeVersions(t, msg))
}

func TestLogEntryReader_TrimmedPosition(t *testing.T) {
	l := openLog(t, entry(10, "orders"), entry(20, "orders"), entry(30, "orders"))
	require.NoError(t, l.Trim(20))

	r := NewLogEntryReader(testSession, FromLog(l), core.NewStreamSet("orders"), nil, 1<<20, nil)
	defer r.Close()
	r.SetBaseWatermark(0, core.NonAddress)

	_, err := r.Read(uuid.New())
	require.Error(t, err)
	assert.True(t, core.IsTrimmed(err))
}

func TestSnapshotReader_ChunksAndEndsWithMarker(t *testing.T) {
	var entries []core.OpaqueEntry
	for v := int64(1); v <= 5; v++ {
		entries = append(entries, entry(v, "orders", "audit"))
	}
	l := openLog(t, entries...)
	require.NoError(t, l.Append(entry(6, "orders")))

	limit := 2 * core.EncodedEntrySize(entry(1, "orders"))
	r := NewSnapshotReader(testSession, FromLog(l), core.NewStreamSet("orders"), limit, nil)
	defer r.Close()
	r.SetTopologyConfigID(7)
	r.Reset(5)

	id := uuid.New()
	start := r.StartMessage(id)
	assert.Equal(t, core.EntryTypeSnapshotStart, start.Metadata.Type)
	assert.Equal(t, int64(5), start.Metadata.SnapshotTimestamp)
	assert.Equal(t, int64(7), start.Metadata.TopologyConfigID)

	var versions []int64
	var seqs []int64
	for {
		msg, end, err := r.Read(id)
		require.NoError(t, err)
		if end {
			require.NotNil(t, msg)
			assert.Equal(t, core.EntryTypeSnapshotEnd, msg.Metadata.Type)
			assert.Equal(t, int64(3), msg.Metadata.SnapshotSyncSeqNum)
			break
		}
		assert.Equal(t, core.EntryTypeSnapshot, msg.Metadata.Type)
		seqs = append(seqs, msg.Metadata.SnapshotSyncSeqNum)
		versions = append(versions, decodeVersions(t, msg)...)
	}
	assert.Equal(t, []int64{0, 1, 2}, seqs)
	assert.Equal(t, []int64{1, 2, 3, 4, 5}, versions)

	msg, end, err := r.Read(id)
	assert.NoError(t, err)
	assert.True(t, end)
	assert.Nil(t, msg)
}

func TestSnapshotReader_EmptyLog(t *testing.T) {
	l := openLog(t)
	r := NewSnapshotReader(testSession, FromLog(l), core.NewStreamSet("orders"), 1024, nil)
	r.Reset(l.Tail())

	msg, end, err := r.Read(uuid.New())
	require.NoError(t, err)
	assert.True(t, end)
	assert.Equal(t, core.EntryTypeSnapshotEnd, msg.Metadata.Type)
	assert.Equal(t, int64(0), msg.Metadata.SnapshotSyncSeqNum)
}
