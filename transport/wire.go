// Package transport carries replication messages between clusters over gRPC.
// Messages are encoded with protowire through a codec registered as the
// "nexusrepl" content-subtype, so no generated code is needed.
package transport

import (
	"fmt"

	"github.com/INLOpen/nexusrepl/core"
	"github.com/google/uuid"
	"google.golang.org/protobuf/encoding/protowire"
)

// ReplicateRequest carries one replication message from a source to a sink.
type ReplicateRequest struct {
	Session     core.Session
	Compression core.CompressionType
	Message     core.Message
}

// ReplicateResponse carries the sink's ack, nil when the sink did not ack.
type ReplicateResponse struct {
	Ack *core.Message
}

// LeadershipQuery asks a remote cluster whether the node answering is its
// replication leader.
type LeadershipQuery struct {
	ClusterID string
}

// LeadershipResponse answers a LeadershipQuery.
type LeadershipResponse struct {
	Leader    bool
	ClusterID string
}

type wireMessage interface {
	marshal() []byte
	unmarshal(b []byte) error
}

const (
	sessFieldSource protowire.Number = 1
	sessFieldSink   protowire.Number = 2
	sessFieldClient protowire.Number = 3
	sessFieldModel  protowire.Number = 4

	mdFieldType        protowire.Number = 1
	mdFieldTopology    protowire.Number = 2
	mdFieldRequestID   protowire.Number = 3
	mdFieldTimestamp   protowire.Number = 4
	mdFieldPrevious    protowire.Number = 5
	mdFieldSnapshotTs  protowire.Number = 6
	mdFieldSnapshotSeq protowire.Number = 7

	reqFieldSession     protowire.Number = 1
	reqFieldCompression protowire.Number = 2
	reqFieldMetadata    protowire.Number = 3
	reqFieldPayload     protowire.Number = 4

	respFieldAckMetadata protowire.Number = 1
	respFieldAckPayload  protowire.Number = 2

	leaderFieldLeader  protowire.Number = 1
	leaderFieldCluster protowire.Number = 2
)

func appendVarint(b []byte, num protowire.Number, v int64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, protowire.EncodeZigZag(v))
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendString(b []byte, num protowire.Number, v string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

// walkFields calls fn for every field of b. Varints are passed zigzag
// decoded in v, bytes fields in raw.
func walkFields(b []byte, fn func(num protowire.Number, v int64, raw []byte) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("decode tag: %w", protowire.ParseError(n))
		}
		b = b[n:]
		switch typ {
		case protowire.VarintType:
			raw, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return fmt.Errorf("decode field %d: %w", num, protowire.ParseError(n))
			}
			if err := fn(num, protowire.DecodeZigZag(raw), nil); err != nil {
				return err
			}
			b = b[n:]
		case protowire.BytesType:
			raw, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return fmt.Errorf("decode field %d: %w", num, protowire.ParseError(n))
			}
			if err := fn(num, 0, raw); err != nil {
				return err
			}
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return fmt.Errorf("skip field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return nil
}

func encodeSession(s core.Session) []byte {
	var b []byte
	b = appendString(b, sessFieldSource, s.SourceClusterID)
	b = appendString(b, sessFieldSink, s.SinkClusterID)
	b = appendString(b, sessFieldClient, s.Subscriber.ClientName)
	return appendVarint(b, sessFieldModel, int64(s.Subscriber.Model))
}

func decodeSession(b []byte) (core.Session, error) {
	var s core.Session
	err := walkFields(b, func(num protowire.Number, v int64, raw []byte) error {
		switch num {
		case sessFieldSource:
			s.SourceClusterID = string(raw)
		case sessFieldSink:
			s.SinkClusterID = string(raw)
		case sessFieldClient:
			s.Subscriber.ClientName = string(raw)
		case sessFieldModel:
			s.Subscriber.Model = core.ReplicationModel(v)
		}
		return nil
	})
	return s, err
}

func encodeMetadata(md core.MessageMetadata) []byte {
	var b []byte
	b = appendVarint(b, mdFieldType, int64(md.Type))
	b = appendVarint(b, mdFieldTopology, md.TopologyConfigID)
	if md.RequestID != uuid.Nil {
		b = appendBytes(b, mdFieldRequestID, md.RequestID[:])
	}
	b = appendVarint(b, mdFieldTimestamp, md.Timestamp)
	b = appendVarint(b, mdFieldPrevious, md.PreviousTimestamp)
	b = appendVarint(b, mdFieldSnapshotTs, md.SnapshotTimestamp)
	return appendVarint(b, mdFieldSnapshotSeq, md.SnapshotSyncSeqNum)
}

func decodeMetadata(b []byte) (core.MessageMetadata, error) {
	var md core.MessageMetadata
	err := walkFields(b, func(num protowire.Number, v int64, raw []byte) error {
		switch num {
		case mdFieldType:
			md.Type = core.EntryType(v)
		case mdFieldTopology:
			md.TopologyConfigID = v
		case mdFieldRequestID:
			id, err := uuid.FromBytes(raw)
			if err != nil {
				return fmt.Errorf("decode request id: %w", err)
			}
			md.RequestID = id
		case mdFieldTimestamp:
			md.Timestamp = v
		case mdFieldPrevious:
			md.PreviousTimestamp = v
		case mdFieldSnapshotTs:
			md.SnapshotTimestamp = v
		case mdFieldSnapshotSeq:
			md.SnapshotSyncSeqNum = v
		}
		return nil
	})
	return md, err
}

func (r *ReplicateRequest) marshal() []byte {
	var b []byte
	b = appendBytes(b, reqFieldSession, encodeSession(r.Session))
	b = appendVarint(b, reqFieldCompression, int64(r.Compression))
	b = appendBytes(b, reqFieldMetadata, encodeMetadata(r.Message.Metadata))
	if len(r.Message.Payload) > 0 {
		b = appendBytes(b, reqFieldPayload, r.Message.Payload)
	}
	return b
}

func (r *ReplicateRequest) unmarshal(b []byte) error {
	*r = ReplicateRequest{}
	return walkFields(b, func(num protowire.Number, v int64, raw []byte) error {
		var err error
		switch num {
		case reqFieldSession:
			r.Session, err = decodeSession(raw)
		case reqFieldCompression:
			r.Compression = core.CompressionType(v)
		case reqFieldMetadata:
			r.Message.Metadata, err = decodeMetadata(raw)
		case reqFieldPayload:
			// raw aliases the gRPC receive buffer.
			r.Message.Payload = append([]byte(nil), raw...)
		}
		return err
	})
}

func (r *ReplicateResponse) marshal() []byte {
	if r.Ack == nil {
		return nil
	}
	b := appendBytes(nil, respFieldAckMetadata, encodeMetadata(r.Ack.Metadata))
	if len(r.Ack.Payload) > 0 {
		b = appendBytes(b, respFieldAckPayload, r.Ack.Payload)
	}
	return b
}

func (r *ReplicateResponse) unmarshal(b []byte) error {
	*r = ReplicateResponse{}
	return walkFields(b, func(num protowire.Number, v int64, raw []byte) error {
		switch num {
		case respFieldAckMetadata:
			md, err := decodeMetadata(raw)
			if err != nil {
				return err
			}
			if r.Ack == nil {
				r.Ack = &core.Message{}
			}
			r.Ack.Metadata = md
		case respFieldAckPayload:
			if r.Ack == nil {
				r.Ack = &core.Message{}
			}
			r.Ack.Payload = append([]byte(nil), raw...)
		}
		return nil
	})
}

func (q *LeadershipQuery) marshal() []byte {
	return appendString(nil, leaderFieldCluster, q.ClusterID)
}

func (q *LeadershipQuery) unmarshal(b []byte) error {
	*q = LeadershipQuery{}
	return walkFields(b, func(num protowire.Number, v int64, raw []byte) error {
		if num == leaderFieldCluster {
			q.ClusterID = string(raw)
		}
		return nil
	})
}

func (r *LeadershipResponse) marshal() []byte {
	var leader int64
	if r.Leader {
		leader = 1
	}
	b := appendVarint(nil, leaderFieldLeader, leader)
	return appendString(b, leaderFieldCluster, r.ClusterID)
}

func (r *LeadershipResponse) unmarshal(b []byte) error {
	*r = LeadershipResponse{}
	return walkFields(b, func(num protowire.Number, v int64, raw []byte) error {
		switch num {
		case leaderFieldLeader:
			r.Leader = v != 0
		case leaderFieldCluster:
			r.ClusterID = string(raw)
		}
		return nil
	})
}
