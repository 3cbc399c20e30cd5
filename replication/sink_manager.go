package replication

import (
	"context"
	"log/slog"
	"sync"

	"github.com/INLOpen/nexusrepl/core"
	"github.com/INLOpen/nexusrepl/hooks"
	"github.com/google/uuid"
)

// SinkManager owns the receiving side of one incoming session. It accepts
// SNAPSHOT_START, routes snapshot and log entry messages to the buffer of
// the current phase and switches from snapshot to log entry sync once the
// SNAPSHOT_END marker has been applied.
type SinkManager struct {
	session core.Session
	hooks   hooks.HookManager
	logger  *slog.Logger

	mu               sync.Mutex
	topologyConfigID int64
	phase            core.SyncType
	syncID           uuid.UUID
	baseSnapshot     int64
	endSeq           int64
	snapshotBuf      *SinkBuffer
	logEntryBuf      *SinkBuffer
	stopped          bool
}

// NewSinkManager creates the sink side of session. apply receives every in
// order message of both phases, including the SNAPSHOT_END marker.
func NewSinkManager(session core.Session, topologyConfigID int64, cfg SinkBufferConfig, apply Applier, hm hooks.HookManager, logger *slog.Logger) *SinkManager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &SinkManager{
		session:          session,
		hooks:            hm,
		logger:           logger.With("component", "SinkManager", "session", session.String()),
		topologyConfigID: topologyConfigID,
		baseSnapshot:     core.NonAddress,
		endSeq:           core.NonAddress,
	}
	observed := ApplierFunc(func(msg *core.Message) bool {
		ok := apply.Apply(msg)
		hooks.Fire(context.Background(), m.hooks, hooks.NewPostMessageApplyEvent(hooks.PostMessageApplyPayload{
			Session:     m.session,
			Type:        msg.Metadata.Type,
			Watermark:   watermarkOf(msg),
			PayloadSize: len(msg.Payload),
			Applied:     ok,
		}))
		return ok
	})
	m.snapshotBuf = NewSnapshotSinkBuffer(cfg, core.NonAddress, observed, logger)
	m.logEntryBuf = NewLogEntrySinkBuffer(cfg, core.NonAddress, observed, logger)
	return m
}

func watermarkOf(msg *core.Message) int64 {
	if msg.Metadata.Type == core.EntryTypeLogEntry {
		return msg.Metadata.Timestamp
	}
	return msg.Metadata.SnapshotSyncSeqNum
}

// Receive handles one message and returns the ack to send back, which may be
// nil. core.ErrSnapshotRequired is returned when the message cannot be placed
// in the current sync and the source must start a new snapshot sync.
func (m *SinkManager) Receive(ctx context.Context, msg *core.Message) (*core.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped {
		return nil, core.ErrStopped
	}
	md := msg.Metadata
	if md.TopologyConfigID < m.topologyConfigID {
		m.logger.Warn("Dropping message with older topology config id", "message_topology", md.TopologyConfigID, "topology", m.topologyConfigID)
		return nil, nil
	}
	if md.TopologyConfigID > m.topologyConfigID {
		m.topologyConfigID = md.TopologyConfigID
	}

	switch md.Type {
	case core.EntryTypeSnapshotStart:
		return m.startSnapshotLocked(msg), nil
	case core.EntryTypeSnapshot, core.EntryTypeSnapshotEnd:
		return m.snapshotLocked(msg)
	case core.EntryTypeLogEntry:
		return m.logEntryLocked(msg)
	default:
		m.logger.Warn("Dropping message of unexpected type", "type", md.Type.String())
		return nil, nil
	}
}

func (m *SinkManager) startSnapshotLocked(msg *core.Message) *core.Message {
	md := msg.Metadata
	if md.RequestID == m.syncID && m.phase != core.SyncTypeUnset {
		// Retransmitted start of the sync in progress.
		return m.startAck(msg)
	}
	if md.SnapshotTimestamp < m.baseSnapshot {
		m.logger.Info("Dropping snapshot start older than current base", "base", md.SnapshotTimestamp, "current_base", m.baseSnapshot)
		return nil
	}
	m.logger.Info("Starting snapshot sync", "base", md.SnapshotTimestamp, "request_id", md.RequestID.String())
	m.syncID = md.RequestID
	m.baseSnapshot = md.SnapshotTimestamp
	m.endSeq = core.NonAddress
	m.phase = core.SyncTypeSnapshot
	m.snapshotBuf.Reset(core.NonAddress)
	m.logEntryBuf.Stop()
	return m.startAck(msg)
}

func (m *SinkManager) startAck(msg *core.Message) *core.Message {
	ack := core.NewAck(msg.Metadata, core.EntryTypeSnapshotReplicated)
	ack.Metadata.SnapshotSyncSeqNum = core.NonAddress
	return ack
}

// placeLocked decides whether msg belongs to the sync in progress. A message
// from an older sync is stale; anything else the sink does not know about
// needs a new snapshot.
func (m *SinkManager) placeLocked(msg *core.Message) (bool, error) {
	md := msg.Metadata
	if m.phase != core.SyncTypeUnset && md.RequestID == m.syncID {
		return true, nil
	}
	if m.phase != core.SyncTypeUnset && md.SnapshotTimestamp < m.baseSnapshot {
		m.logger.Debug("Dropping message from an older sync", "type", md.Type.String(), "base", md.SnapshotTimestamp, "current_base", m.baseSnapshot)
		return false, nil
	}
	m.logger.Info("Message does not belong to a known sync, requesting snapshot", "type", md.Type.String(), "base", md.SnapshotTimestamp, "phase", m.phase.String())
	return false, core.ErrSnapshotRequired
}

func (m *SinkManager) snapshotLocked(msg *core.Message) (*core.Message, error) {
	ok, err := m.placeLocked(msg)
	if !ok {
		return nil, err
	}
	if m.phase == core.SyncTypeLogEntry {
		return m.transferCompleteAck(msg), nil
	}
	if msg.Metadata.Type == core.EntryTypeSnapshotEnd {
		m.endSeq = msg.Metadata.SnapshotSyncSeqNum
	}
	ack := m.snapshotBuf.Process(msg)
	if m.endSeq != core.NonAddress && m.snapshotBuf.LastProcessed() >= m.endSeq {
		m.logger.Info("Snapshot applied, switching to log entry sync", "base", m.baseSnapshot, "messages", m.endSeq+1)
		m.phase = core.SyncTypeLogEntry
		m.snapshotBuf.Stop()
		m.logEntryBuf.Reset(m.baseSnapshot)
		return m.transferCompleteAck(msg), nil
	}
	return ack, nil
}

func (m *SinkManager) transferCompleteAck(msg *core.Message) *core.Message {
	ack := core.NewAck(msg.Metadata, core.EntryTypeSnapshotTransferComplete)
	ack.Metadata.Timestamp = m.baseSnapshot
	ack.Metadata.SnapshotTimestamp = m.baseSnapshot
	ack.Metadata.SnapshotSyncSeqNum = m.endSeq
	return ack
}

func (m *SinkManager) logEntryLocked(msg *core.Message) (*core.Message, error) {
	ok, err := m.placeLocked(msg)
	if !ok {
		return nil, err
	}
	if m.phase != core.SyncTypeLogEntry {
		m.logger.Debug("Dropping log entry received before snapshot completion", "timestamp", msg.Metadata.Timestamp)
		return nil, nil
	}
	return m.logEntryBuf.Process(msg), nil
}

// Phase returns the sync phase and base snapshot of the sync in progress.
func (m *SinkManager) Phase() (core.SyncType, int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase, m.baseSnapshot
}

// LastProcessed returns the log entry watermark applied so far, or NonAddress
// before log entry sync started.
func (m *SinkManager) LastProcessed() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.phase != core.SyncTypeLogEntry {
		return core.NonAddress
	}
	return m.logEntryBuf.LastProcessed()
}

// SetTopologyConfigID raises the topology id below which messages are dropped.
func (m *SinkManager) SetTopologyConfigID(id int64) {
	m.mu.Lock()
	if id > m.topologyConfigID {
		m.topologyConfigID = id
	}
	m.mu.Unlock()
}

// Stop stops both buffers; nothing is applied until Reset. Idempotent.
func (m *SinkManager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = true
	m.snapshotBuf.Stop()
	m.logEntryBuf.Stop()
}

// Reset clears the watermarks so the next sync starts with a fresh
// negotiation. The manager accepts messages again.
func (m *SinkManager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = false
	m.phase = core.SyncTypeUnset
	m.syncID = uuid.Nil
	m.baseSnapshot = core.NonAddress
	m.endSeq = core.NonAddress
	m.snapshotBuf.Reset(core.NonAddress)
	m.logEntryBuf.Reset(core.NonAddress)
	m.logger.Info("Sink manager reset")
}
