package replication

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/INLOpen/nexusrepl/core"
	"github.com/INLOpen/nexusrepl/hooks"
	"github.com/INLOpen/nexusrepl/retry"
)

// StatusWriter is the part of the metadata store the AckReader writes
// through. UpdateStatus is a single transaction attempt.
type StatusWriter interface {
	UpdateStatus(session core.Session, fn func(*core.ReplicationStatus) error) error
}

// ProcessedEntrySource exposes the last changelog entry examined by a log
// entry reader.
type ProcessedEntrySource interface {
	CurrentProcessedEntryMetadata() core.ProcessedEntryMetadata
}

// PendingCounter reports the number of sent but unacknowledged messages.
type PendingCounter interface {
	PendingCount() int
}

// AckReader tracks what the sink of an outgoing session has acknowledged,
// estimates the remaining backlog and publishes the session status.
type AckReader struct {
	session   core.Session
	log       LogIndex
	streams   *core.StreamSet
	processed ProcessedEntrySource
	store     StatusWriter
	policy    retry.Policy
	hooks     hooks.HookManager
	logger    *slog.Logger
	now       func() time.Time

	pending atomic.Pointer[PendingCounter]

	baseSnapshot atomic.Int64
	ackedTs      atomic.Int64
	syncType     atomic.Int32
	stopped      atomic.Bool

	// mu serializes status writers of this session.
	mu sync.Mutex
}

// AckReaderOptions holds the collaborators of an AckReader.
type AckReaderOptions struct {
	Log       LogIndex
	Streams   *core.StreamSet
	Processed ProcessedEntrySource
	Store     StatusWriter
	Retry     retry.Policy
	Hooks     hooks.HookManager
	Logger    *slog.Logger
	Now       func() time.Time
}

// NewAckReader creates the ack reader of an outgoing session.
func NewAckReader(session core.Session, opts AckReaderOptions) *AckReader {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	r := &AckReader{
		session:   session,
		log:       opts.Log,
		streams:   opts.Streams,
		processed: opts.Processed,
		store:     opts.Store,
		policy:    opts.Retry,
		hooks:     opts.Hooks,
		logger:    logger.With("component", "AckReader", "session", session.String()),
		now:       now,
	}
	r.baseSnapshot.Store(core.NonAddress)
	r.ackedTs.Store(core.NonAddress)
	return r
}

// SetPendingCounter wires the sender whose backlog is added to the estimate.
func (r *AckReader) SetPendingCounter(p PendingCounter) {
	r.pending.Store(&p)
}

func (r *AckReader) SetBaseSnapshot(ts int64) {
	r.baseSnapshot.Store(ts)
}

func (r *AckReader) BaseSnapshot() int64 {
	return r.baseSnapshot.Load()
}

// SetAckedTsAndSyncType records the latest acknowledged watermark and the
// phase it belongs to.
func (r *AckReader) SetAckedTsAndSyncType(ts int64, t core.SyncType) {
	r.ackedTs.Store(ts)
	r.syncType.Store(int32(t))
}

func (r *AckReader) SetSyncType(t core.SyncType) {
	r.syncType.Store(int32(t))
}

func (r *AckReader) AckedTs() int64 {
	return r.ackedTs.Load()
}

func (r *AckReader) SyncType() core.SyncType {
	return core.SyncType(r.syncType.Load())
}

// Stop makes the periodic update a no-op for this session.
func (r *AckReader) Stop() {
	r.stopped.Store(true)
}

func (r *AckReader) pendingCount() int64 {
	p := r.pending.Load()
	if p == nil || *p == nil {
		return 0
	}
	return int64((*p).PendingCount())
}

// CalculateRemainingEntriesToSend estimates the entries the sink has not
// acknowledged yet given the acknowledged watermark.
func (r *AckReader) CalculateRemainingEntriesToSend(ackedTs int64) int64 {
	if r.log.StreamTail(r.streams.Names()) == core.NonAddress {
		return 0
	}
	txTail := r.log.Tail()

	switch r.SyncType() {
	case core.SyncTypeSnapshot:
		base := r.baseSnapshot.Load()
		if ackedTs == core.NonAddress {
			ackedTs = 0
		}
		// Snapshot acks carry sequence numbers, which can run past a small
		// base; the snapshot term never goes negative.
		remaining := max(base-ackedTs, 0) + r.log.CountBetween(base, txTail, nil)
		r.logger.Debug("Remaining entries in snapshot sync", "remaining", remaining, "base", base, "acked", ackedTs, "tail", txTail)
		return remaining

	case core.SyncTypeLogEntry:
		if r.processed == nil {
			return 0
		}
		p := r.processed.CurrentProcessedEntryMetadata()
		if txTail <= p.Watermark {
			if !p.HadReplicatedStreams || ackedTs == p.Watermark {
				return 0
			}
			return r.log.CountBetween(ackedTs, p.Watermark, nil)
		}
		if p.Watermark == core.NonAddress {
			return 0
		}
		remaining := r.log.CountBetween(p.Watermark, txTail, nil) + r.pendingCount()
		r.logger.Debug("Remaining entries in log entry sync", "remaining", remaining, "last_examined", p.Watermark, "tail", txTail)
		return remaining

	default:
		return 0
	}
}

// updateStatus applies fn to the persisted status under the session lock,
// retrying write conflicts, and announces the committed result.
func (r *AckReader) updateStatus(ctx context.Context, fn func(*core.ReplicationStatus)) error {
	var committed core.ReplicationStatus
	err := retry.Do(ctx, r.policy, func() error {
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.store.UpdateStatus(r.session, func(st *core.ReplicationStatus) error {
			fn(st)
			committed = *st
			return nil
		})
	})
	if err != nil {
		return fmt.Errorf("update status of %s: %w", r.session, err)
	}
	hooks.Fire(ctx, r.hooks, hooks.NewPostSyncStatusChangeEvent(hooks.PostSyncStatusChangePayload{
		Session:   r.session,
		SyncType:  committed.SyncType,
		Status:    committed.SyncStatus,
		Remaining: committed.RemainingEntriesToSend,
	}))
	return nil
}

// MarkSnapshotSyncInfoOngoing records the start of a snapshot sync at base.
func (r *AckReader) MarkSnapshotSyncInfoOngoing(ctx context.Context, base int64) error {
	remaining := r.CalculateRemainingEntriesToSend(r.AckedTs())
	return r.updateStatus(ctx, func(st *core.ReplicationStatus) {
		st.SyncType = core.SyncTypeSnapshot
		st.SyncStatus = core.SyncStatusOngoing
		st.LastSnapshotStarted = base
		st.RemainingEntriesToSend = remaining
		st.SnapshotSyncInfo = core.SnapshotSyncInfo{Status: core.SyncStatusOngoing, BaseSnapshot: base}
	})
}

// MarkSnapshotSyncInfoCompleted records a completed snapshot transfer and the
// switch to log entry sync.
func (r *AckReader) MarkSnapshotSyncInfoCompleted(ctx context.Context) error {
	base := r.BaseSnapshot()
	completed := r.now()
	remaining := r.CalculateRemainingEntriesToSend(r.AckedTs())
	return r.updateStatus(ctx, func(st *core.ReplicationStatus) {
		st.LastSnapshotTransferred = base
		st.LastSnapshotApplied = base
		st.SyncType = core.SyncTypeLogEntry
		st.SyncStatus = core.SyncStatusOngoing
		st.RemainingEntriesToSend = remaining
		st.SnapshotSyncInfo = core.SnapshotSyncInfo{
			Status:        core.SyncStatusCompleted,
			BaseSnapshot:  base,
			CompletedTime: completed,
		}
	})
}

// MarkSyncStatus sets the sync status of the session.
func (r *AckReader) MarkSyncStatus(ctx context.Context, status core.SyncStatus) error {
	return r.updateStatus(ctx, func(st *core.ReplicationStatus) {
		st.SyncStatus = status
	})
}

// UpdateRemainingEntries recomputes and publishes the backlog estimate. It
// is a no-op for stopped sessions and before the first sync started.
func (r *AckReader) UpdateRemainingEntries(ctx context.Context) error {
	if r.stopped.Load() {
		return nil
	}
	syncType := r.SyncType()
	if syncType == core.SyncTypeUnset {
		return nil
	}
	acked := r.AckedTs()
	remaining := r.CalculateRemainingEntriesToSend(acked)
	return r.updateStatus(ctx, func(st *core.ReplicationStatus) {
		st.RemainingEntriesToSend = remaining
		if syncType == core.SyncTypeLogEntry && acked != core.NonAddress {
			st.LastLogEntryBatchProcessed = acked
		}
	})
}
