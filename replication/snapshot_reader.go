package replication

import (
	"errors"
	"io"
	"log/slog"
	"sync/atomic"

	"github.com/INLOpen/nexusrepl/core"
	"github.com/google/uuid"
)

// SnapshotReader produces the SNAPSHOT messages of a snapshot sync: every
// retained entry up to the base watermark, filtered to replicated streams and
// chunked by the message size budget, followed by one SNAPSHOT_END marker.
// Messages are chained by SnapshotSyncSeqNum starting at 0.
type SnapshotReader struct {
	session core.Session
	log     Changelog
	streams *core.StreamSet
	maxSize int
	logger  *slog.Logger

	topologyConfigID atomic.Int64

	iter      EntryIterator
	baseTs    int64
	sequence  int64
	lastEntry *core.OpaqueEntry
	ended     bool
}

// NewSnapshotReader creates a snapshot reader.
func NewSnapshotReader(session core.Session, log Changelog, streams *core.StreamSet, maxDataSizePerMsg int, logger *slog.Logger) *SnapshotReader {
	if logger == nil {
		logger = slog.Default()
	}
	return &SnapshotReader{
		session: session,
		log:     log,
		streams: streams,
		maxSize: maxDataSizePerMsg,
		logger:  logger.With("component", "SnapshotReader", "session", session.String()),
		baseTs:  core.NonAddress,
	}
}

// SetTopologyConfigID sets the topology id stamped on generated messages.
func (r *SnapshotReader) SetTopologyConfigID(id int64) {
	r.topologyConfigID.Store(id)
}

// Reset starts a new snapshot at baseTs.
func (r *SnapshotReader) Reset(baseTs int64) {
	r.Close()
	r.baseTs = baseTs
	r.sequence = 0
	r.lastEntry = nil
	r.ended = false
}

// Base returns the base watermark of the snapshot in progress.
func (r *SnapshotReader) Base() int64 {
	return r.baseTs
}

func (r *SnapshotReader) metadata(t core.EntryType, requestID uuid.UUID) core.MessageMetadata {
	return core.MessageMetadata{
		Type:               t,
		TopologyConfigID:   r.topologyConfigID.Load(),
		RequestID:          requestID,
		Timestamp:          r.baseTs,
		PreviousTimestamp:  core.NonAddress,
		SnapshotTimestamp:  r.baseTs,
		SnapshotSyncSeqNum: r.sequence,
	}
}

// StartMessage builds the SNAPSHOT_START message that opens the sync.
func (r *SnapshotReader) StartMessage(requestID uuid.UUID) *core.Message {
	md := r.metadata(core.EntryTypeSnapshotStart, requestID)
	md.SnapshotSyncSeqNum = core.NonAddress
	return &core.Message{Metadata: md}
}

func (r *SnapshotReader) next() (core.OpaqueEntry, error) {
	if r.lastEntry != nil {
		e := *r.lastEntry
		r.lastEntry = nil
		return e, nil
	}
	if r.iter == nil {
		it, err := r.log.SnapshotEntries(r.baseTs)
		if err != nil {
			return core.OpaqueEntry{}, err
		}
		r.iter = it
	}
	for {
		e, err := r.iter.Next()
		if err != nil {
			return core.OpaqueEntry{}, err
		}
		filtered := e.Filter(r.streams.Contains)
		if !filtered.IsEmpty() {
			return filtered, nil
		}
	}
}

// Read returns the next snapshot message and whether it is the SNAPSHOT_END
// marker. After the marker it returns (nil, true, nil).
func (r *SnapshotReader) Read(requestID uuid.UUID) (*core.Message, bool, error) {
	if r.ended {
		return nil, true, nil
	}
	var batch []core.OpaqueEntry
	size := 0
	exhausted := false
	for {
		e, err := r.next()
		if errors.Is(err, io.EOF) {
			exhausted = true
			break
		}
		if err != nil {
			return nil, false, err
		}
		entrySize := core.EncodedEntrySize(e)
		if entrySize > r.maxSize {
			r.lastEntry = &e
			if len(batch) == 0 {
				return nil, false, &core.OversizeError{Watermark: e.Version, Size: entrySize, Limit: r.maxSize}
			}
			break
		}
		if size+entrySize > r.maxSize {
			r.lastEntry = &e
			break
		}
		batch = append(batch, e)
		size += entrySize
	}

	if len(batch) == 0 && exhausted {
		r.Close()
		r.ended = true
		msg := &core.Message{Metadata: r.metadata(core.EntryTypeSnapshotEnd, requestID)}
		r.logger.Info("Snapshot transfer read complete", "base", r.baseTs, "messages", r.sequence+1)
		r.sequence++
		return msg, true, nil
	}
	msg := &core.Message{
		Metadata: r.metadata(core.EntryTypeSnapshot, requestID),
		Payload:  core.EncodeEntries(batch),
	}
	r.sequence++
	return msg, false, nil
}

// Close releases the changelog iterator.
func (r *SnapshotReader) Close() {
	if r.iter != nil {
		r.iter.Close()
		r.iter = nil
	}
}
