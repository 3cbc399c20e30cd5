package core

import "time"

// NonAddress marks an unset watermark.
const NonAddress int64 = -1

// ProcessedEntryMetadata is the last changelog entry examined by a log entry
// reader and whether it touched any replicated stream. It is published as an
// immutable value.
type ProcessedEntryMetadata struct {
	Watermark            int64
	HadReplicatedStreams bool
}

// SyncType is the replication phase of a session.
type SyncType int32

const (
	SyncTypeUnset SyncType = iota
	SyncTypeSnapshot
	SyncTypeLogEntry
)

func (t SyncType) String() string {
	switch t {
	case SyncTypeSnapshot:
		return "SNAPSHOT"
	case SyncTypeLogEntry:
		return "LOG_ENTRY"
	default:
		return "UNSET"
	}
}

// SyncStatus is the externally visible state of a session.
type SyncStatus int32

const (
	SyncStatusNotStarted SyncStatus = iota
	SyncStatusOngoing
	SyncStatusCompleted
	SyncStatusStopped
	SyncStatusError
)

func (s SyncStatus) String() string {
	switch s {
	case SyncStatusOngoing:
		return "ONGOING"
	case SyncStatusCompleted:
		return "COMPLETED"
	case SyncStatusStopped:
		return "STOPPED"
	case SyncStatusError:
		return "ERROR"
	default:
		return "NOT_STARTED"
	}
}

// SnapshotSyncInfo describes the most recent snapshot sync of a session.
type SnapshotSyncInfo struct {
	Status        SyncStatus
	BaseSnapshot  int64
	CompletedTime time.Time
}

// ReplicationStatus is the persisted per-session status record.
type ReplicationStatus struct {
	TopologyConfigID           int64
	LastSnapshotStarted        int64
	LastSnapshotTransferred    int64
	LastSnapshotApplied        int64
	LastLogEntryBatchProcessed int64
	SyncType                   SyncType
	SyncStatus                 SyncStatus
	RemainingEntriesToSend     int64
	SnapshotSyncInfo           SnapshotSyncInfo
}

// NewReplicationStatus returns the status of a session that has not synced yet.
func NewReplicationStatus(topologyConfigID int64) ReplicationStatus {
	return ReplicationStatus{
		TopologyConfigID:           topologyConfigID,
		LastSnapshotStarted:        NonAddress,
		LastSnapshotTransferred:    NonAddress,
		LastSnapshotApplied:        NonAddress,
		LastLogEntryBatchProcessed: NonAddress,
		RemainingEntriesToSend:     NonAddress,
		SnapshotSyncInfo:           SnapshotSyncInfo{BaseSnapshot: NonAddress},
	}
}
