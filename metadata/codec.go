package metadata

import (
	"fmt"
	"time"

	"github.com/INLOpen/nexusrepl/core"
	"google.golang.org/protobuf/encoding/protowire"
)

const (
	fileFieldRecord protowire.Number = 1

	recFieldSource          protowire.Number = 1
	recFieldSink            protowire.Number = 2
	recFieldClient          protowire.Number = 3
	recFieldModel           protowire.Number = 4
	recFieldTopologyID      protowire.Number = 5
	recFieldSnapStarted     protowire.Number = 6
	recFieldSnapTransferred protowire.Number = 7
	recFieldSnapApplied     protowire.Number = 8
	recFieldLogBatch        protowire.Number = 9
	recFieldSyncType        protowire.Number = 10
	recFieldSyncStatus      protowire.Number = 11
	recFieldRemaining       protowire.Number = 12
	recFieldInfoStatus      protowire.Number = 13
	recFieldInfoBase        protowire.Number = 14
	recFieldInfoCompleted   protowire.Number = 15
)

func appendVarintField(b []byte, num protowire.Number, v int64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, protowire.EncodeZigZag(v))
}

func appendStringField(b []byte, num protowire.Number, s string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func encodeRecord(s core.Session, st core.ReplicationStatus) []byte {
	var b []byte
	b = appendStringField(b, recFieldSource, s.SourceClusterID)
	b = appendStringField(b, recFieldSink, s.SinkClusterID)
	b = appendStringField(b, recFieldClient, s.Subscriber.ClientName)
	b = appendVarintField(b, recFieldModel, int64(s.Subscriber.Model))
	b = appendVarintField(b, recFieldTopologyID, st.TopologyConfigID)
	b = appendVarintField(b, recFieldSnapStarted, st.LastSnapshotStarted)
	b = appendVarintField(b, recFieldSnapTransferred, st.LastSnapshotTransferred)
	b = appendVarintField(b, recFieldSnapApplied, st.LastSnapshotApplied)
	b = appendVarintField(b, recFieldLogBatch, st.LastLogEntryBatchProcessed)
	b = appendVarintField(b, recFieldSyncType, int64(st.SyncType))
	b = appendVarintField(b, recFieldSyncStatus, int64(st.SyncStatus))
	b = appendVarintField(b, recFieldRemaining, st.RemainingEntriesToSend)
	b = appendVarintField(b, recFieldInfoStatus, int64(st.SnapshotSyncInfo.Status))
	b = appendVarintField(b, recFieldInfoBase, st.SnapshotSyncInfo.BaseSnapshot)
	if !st.SnapshotSyncInfo.CompletedTime.IsZero() {
		b = appendVarintField(b, recFieldInfoCompleted, st.SnapshotSyncInfo.CompletedTime.UnixNano())
	}
	return b
}

func decodeRecord(b []byte) (core.Session, core.ReplicationStatus, error) {
	var s core.Session
	st := core.NewReplicationStatus(0)
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return s, st, fmt.Errorf("decode status tag: %w", protowire.ParseError(n))
		}
		b = b[n:]
		switch typ {
		case protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return s, st, fmt.Errorf("decode status field %d: %w", num, protowire.ParseError(n))
			}
			switch num {
			case recFieldSource:
				s.SourceClusterID = v
			case recFieldSink:
				s.SinkClusterID = v
			case recFieldClient:
				s.Subscriber.ClientName = v
			}
			b = b[n:]
		case protowire.VarintType:
			raw, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return s, st, fmt.Errorf("decode status field %d: %w", num, protowire.ParseError(n))
			}
			v := protowire.DecodeZigZag(raw)
			switch num {
			case recFieldModel:
				s.Subscriber.Model = core.ReplicationModel(v)
			case recFieldTopologyID:
				st.TopologyConfigID = v
			case recFieldSnapStarted:
				st.LastSnapshotStarted = v
			case recFieldSnapTransferred:
				st.LastSnapshotTransferred = v
			case recFieldSnapApplied:
				st.LastSnapshotApplied = v
			case recFieldLogBatch:
				st.LastLogEntryBatchProcessed = v
			case recFieldSyncType:
				st.SyncType = core.SyncType(v)
			case recFieldSyncStatus:
				st.SyncStatus = core.SyncStatus(v)
			case recFieldRemaining:
				st.RemainingEntriesToSend = v
			case recFieldInfoStatus:
				st.SnapshotSyncInfo.Status = core.SyncStatus(v)
			case recFieldInfoBase:
				st.SnapshotSyncInfo.BaseSnapshot = v
			case recFieldInfoCompleted:
				st.SnapshotSyncInfo.CompletedTime = time.Unix(0, v).UTC()
			}
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return s, st, fmt.Errorf("skip status field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return s, st, nil
}

func encodeStatuses(records map[core.Session]record) []byte {
	var b []byte
	for _, s := range sortedSessions(records) {
		b = protowire.AppendTag(b, fileFieldRecord, protowire.BytesType)
		b = protowire.AppendBytes(b, encodeRecord(s, records[s].status))
	}
	return b
}

func decodeStatuses(b []byte) (map[core.Session]core.ReplicationStatus, error) {
	out := make(map[core.Session]core.ReplicationStatus)
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("decode status file tag: %w", protowire.ParseError(n))
		}
		b = b[n:]
		if num != fileFieldRecord || typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("skip status file field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
			continue
		}
		rb, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return nil, fmt.Errorf("decode status record: %w", protowire.ParseError(n))
		}
		s, st, err := decodeRecord(rb)
		if err != nil {
			return nil, err
		}
		out[s] = st
		b = b[n:]
	}
	return out, nil
}
