package core

import (
	"github.com/google/uuid"
)

// EntryType identifies the kind of a replication message.
type EntryType byte

const (
	EntryTypeUnknown EntryType = iota
	// EntryTypeSnapshotStart negotiates a new snapshot sync with the sink.
	EntryTypeSnapshotStart
	// EntryTypeSnapshot carries a chunk of the snapshot transfer.
	EntryTypeSnapshot
	// EntryTypeSnapshotEnd marks the end of a snapshot transfer.
	EntryTypeSnapshotEnd
	// EntryTypeLogEntry carries a batch of incremental changes.
	EntryTypeLogEntry

	// EntryTypeSnapshotReplicated acknowledges snapshot chunks up to a sequence number.
	EntryTypeSnapshotReplicated
	// EntryTypeSnapshotTransferComplete acknowledges a full snapshot transfer.
	EntryTypeSnapshotTransferComplete
	// EntryTypeLogEntryReplicated acknowledges log entries up to a timestamp.
	EntryTypeLogEntryReplicated
)

func (t EntryType) String() string {
	switch t {
	case EntryTypeSnapshotStart:
		return "SNAPSHOT_START"
	case EntryTypeSnapshot:
		return "SNAPSHOT"
	case EntryTypeSnapshotEnd:
		return "SNAPSHOT_END"
	case EntryTypeLogEntry:
		return "LOG_ENTRY"
	case EntryTypeSnapshotReplicated:
		return "SNAPSHOT_REPLICATED"
	case EntryTypeSnapshotTransferComplete:
		return "SNAPSHOT_TRANSFER_COMPLETE"
	case EntryTypeLogEntryReplicated:
		return "LOG_ENTRY_REPLICATED"
	default:
		return "UNKNOWN"
	}
}

// IsAck reports whether the entry type is an acknowledgement.
func (t EntryType) IsAck() bool {
	return t >= EntryTypeSnapshotReplicated
}

// MessageMetadata is the envelope shared by data messages and acks.
type MessageMetadata struct {
	Type             EntryType
	TopologyConfigID int64
	RequestID        uuid.UUID
	// Timestamp is the watermark of the last entry in a LOG_ENTRY message, or
	// the acknowledged watermark in a LOG_ENTRY_REPLICATED ack.
	Timestamp int64
	// PreviousTimestamp is the watermark of the prior message of the session.
	PreviousTimestamp int64
	// SnapshotTimestamp is the base watermark of the snapshot sync in progress.
	SnapshotTimestamp  int64
	SnapshotSyncSeqNum int64
}

// Message is a replication message or ack exchanged between source and sink.
type Message struct {
	Metadata MessageMetadata
	Payload  []byte
}

// NewAck derives an ack envelope from the message that triggered it.
func NewAck(from MessageMetadata, ackType EntryType) *Message {
	md := from
	md.Type = ackType
	return &Message{Metadata: md}
}
