package replication

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"

	"github.com/INLOpen/nexusrepl/core"
	"github.com/google/uuid"
)

// LogEntryReader turns the changelog into ordered, size-bounded LOG_ENTRY
// messages for one outgoing session. Read and SetBaseWatermark must be called
// from a single goroutine; CurrentProcessedEntryMetadata may be called from
// any goroutine.
type LogEntryReader struct {
	session  core.Session
	log      Changelog
	streams  *core.StreamSet
	registry core.StreamRegistry
	maxSize  int
	logger   *slog.Logger

	topologyConfigID atomic.Int64
	processed        atomic.Pointer[core.ProcessedEntryMetadata]

	iter       EntryIterator
	cursor     int64
	baseTs     int64
	preMsgTs   int64
	sequence   int64
	lastEntry  *core.OpaqueEntry
	oversize   bool
	oversizeAt *core.OversizeError
}

// NewLogEntryReader creates a reader. streams is shared with the session's
// AckReader; registry is consulted when an entry references an unknown stream.
func NewLogEntryReader(session core.Session, log Changelog, streams *core.StreamSet, registry core.StreamRegistry, maxDataSizePerMsg int, logger *slog.Logger) *LogEntryReader {
	if logger == nil {
		logger = slog.Default()
	}
	r := &LogEntryReader{
		session:  session,
		log:      log,
		streams:  streams,
		registry: registry,
		maxSize:  maxDataSizePerMsg,
		logger:   logger.With("component", "LogEntryReader", "session", session.String()),
		cursor:   0,
		baseTs:   core.NonAddress,
		preMsgTs: core.NonAddress,
	}
	r.processed.Store(&core.ProcessedEntryMetadata{Watermark: core.NonAddress})
	return r
}

// SetTopologyConfigID sets the topology id stamped on generated messages.
func (r *LogEntryReader) SetTopologyConfigID(id int64) {
	r.topologyConfigID.Store(id)
}

// SetBaseWatermark resets the reader to continue after max(snapshotTs, ackedTs).
func (r *LogEntryReader) SetBaseWatermark(snapshotTs, ackedTs int64) {
	r.closeIter()
	r.refreshStreams()
	r.baseTs = snapshotTs
	r.preMsgTs = max(snapshotTs, ackedTs)
	r.cursor = r.preMsgTs + 1
	r.sequence = 0
	r.lastEntry = nil
	r.oversize = false
	r.oversizeAt = nil
	r.processed.Store(&core.ProcessedEntryMetadata{Watermark: core.NonAddress})
	r.logger.Info("Log entry reader reset", "snapshot", snapshotTs, "acked", ackedTs, "seek", r.cursor)
}

// CurrentProcessedEntryMetadata returns the last examined entry.
func (r *LogEntryReader) CurrentProcessedEntryMetadata() core.ProcessedEntryMetadata {
	return *r.processed.Load()
}

// MessageExceededSize reports whether the reader stopped on an oversize entry.
func (r *LogEntryReader) MessageExceededSize() bool {
	return r.oversize
}

func (r *LogEntryReader) closeIter() {
	if r.iter != nil {
		r.iter.Close()
		r.iter = nil
	}
}

// refreshStreams reloads the replicated stream set from the registry. On
// failure the current set is kept.
func (r *LogEntryReader) refreshStreams() {
	if r.registry == nil {
		return
	}
	names, err := r.registry.ReplicatedStreams()
	if err != nil {
		r.logger.Warn("Failed to refresh replicated streams, keeping current set", "error", err)
		return
	}
	r.streams.Replace(names)
}

// filter restricts e to replicated streams. An entry that references a
// stream outside the current set triggers a registry refresh first, so
// streams registered after the session started are picked up.
func (r *LogEntryReader) filter(e core.OpaqueEntry) (core.OpaqueEntry, bool) {
	for s := range e.Updates {
		if r.streams.Contains(s) {
			continue
		}
		r.logger.Debug("Entry references unknown stream, refreshing replicated streams", "stream", s, "version", e.Version)
		r.refreshStreams()
		break
	}
	filtered := e.Filter(r.streams.Contains)
	return filtered, !filtered.IsEmpty()
}

// next returns the next entry of interest, or io.EOF when the changelog has
// nothing more as of now. Entries without replicated streams are consumed.
func (r *LogEntryReader) next() (core.OpaqueEntry, error) {
	if r.lastEntry != nil {
		e := *r.lastEntry
		r.lastEntry = nil
		return e, nil
	}
	for {
		if r.iter == nil {
			it, err := r.log.Entries(r.cursor)
			if err != nil {
				return core.OpaqueEntry{}, err
			}
			r.iter = it
		}
		e, err := r.iter.Next()
		if errors.Is(err, io.EOF) {
			r.closeIter()
			return core.OpaqueEntry{}, io.EOF
		}
		if err != nil {
			r.closeIter()
			return core.OpaqueEntry{}, err
		}
		r.cursor = e.Version + 1
		filtered, ok := r.filter(e)
		r.processed.Store(&core.ProcessedEntryMetadata{Watermark: e.Version, HadReplicatedStreams: ok})
		if ok {
			return filtered, nil
		}
	}
}

// Read builds the next LOG_ENTRY message. It returns (nil, nil) when no new
// entries of interest are available, a *core.TrimmedError when the cursor
// was garbage-collected and a *core.OversizeError when a single entry does
// not fit in a message.
func (r *LogEntryReader) Read(requestID uuid.UUID) (*core.Message, error) {
	if r.oversizeAt != nil {
		return nil, r.oversizeAt
	}

	var batch []core.OpaqueEntry
	size := 0
	for size < r.maxSize {
		e, err := r.next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		entrySize := core.EncodedEntrySize(e)
		if entrySize > r.maxSize {
			r.logger.Error("Entry exceeds maximum message size, replication will stop", "version", e.Version, "size", entrySize, "limit", r.maxSize)
			r.oversize = true
			r.oversizeAt = &core.OversizeError{Watermark: e.Version, Size: entrySize, Limit: r.maxSize}
			r.lastEntry = &e
			if len(batch) == 0 {
				return nil, r.oversizeAt
			}
			break
		}
		if size+entrySize > r.maxSize {
			// Starts the next message.
			r.lastEntry = &e
			break
		}
		batch = append(batch, e)
		size += entrySize
	}

	if len(batch) == 0 {
		return nil, nil
	}
	currentTs := batch[len(batch)-1].Version
	msg := &core.Message{
		Metadata: core.MessageMetadata{
			Type:               core.EntryTypeLogEntry,
			TopologyConfigID:   r.topologyConfigID.Load(),
			RequestID:          requestID,
			Timestamp:          currentTs,
			PreviousTimestamp:  r.preMsgTs,
			SnapshotTimestamp:  r.baseTs,
			SnapshotSyncSeqNum: r.sequence,
		},
		Payload: core.EncodeEntries(batch),
	}
	if len(msg.Payload) > r.maxSize {
		return nil, fmt.Errorf("log entry message payload %d exceeds limit %d", len(msg.Payload), r.maxSize)
	}
	r.preMsgTs = currentTs
	r.sequence++
	r.logger.Debug("Generated log entry message", "entries", len(batch), "size", size, "timestamp", currentTs, "previous", msg.Metadata.PreviousTimestamp)
	return msg, nil
}

// Close releases the changelog iterator.
func (r *LogEntryReader) Close() {
	r.closeIter()
}
