package core

import "fmt"

// ReplicationModel identifies what a subscriber replicates.
type ReplicationModel int32

const (
	ModelNone ReplicationModel = iota
	// ModelFullTable replicates every registered stream that is marked for replication.
	ModelFullTable
	// ModelLogicalGroups replicates streams grouped by a client-defined tag.
	ModelLogicalGroups
	// ModelRoutingQueues replicates per-destination queue streams.
	ModelRoutingQueues
)

func (m ReplicationModel) String() string {
	switch m {
	case ModelFullTable:
		return "FULL_TABLE"
	case ModelLogicalGroups:
		return "LOGICAL_GROUPS"
	case ModelRoutingQueues:
		return "ROUTING_QUEUES"
	default:
		return "NONE"
	}
}

// DefaultClientName is the client registered for sessions created directly from topology.
const DefaultClientName = "00000000-0000-0000-0000-000000000000"

// Subscriber identifies the consumer of a replication session.
type Subscriber struct {
	ClientName string
	Model      ReplicationModel
}

// DefaultSubscriber returns the subscriber used for topology-driven sessions.
func DefaultSubscriber() Subscriber {
	return Subscriber{ClientName: DefaultClientName, Model: ModelFullTable}
}

// Session identifies a directional replication relationship. It is a comparable
// value and is used directly as a map key.
type Session struct {
	SourceClusterID string
	SinkClusterID   string
	Subscriber      Subscriber
}

// NewSession builds a session for the default subscriber.
func NewSession(sourceClusterID, sinkClusterID string) Session {
	return Session{
		SourceClusterID: sourceClusterID,
		SinkClusterID:   sinkClusterID,
		Subscriber:      DefaultSubscriber(),
	}
}

// IsOutgoing reports whether the local cluster is the source of this session.
func (s Session) IsOutgoing(localClusterID string) bool {
	return s.SourceClusterID == localClusterID
}

// IsIncoming reports whether the local cluster is the sink of this session.
func (s Session) IsIncoming(localClusterID string) bool {
	return s.SinkClusterID == localClusterID
}

// RemoteClusterID returns the cluster on the other end of the session.
func (s Session) RemoteClusterID(localClusterID string) string {
	if s.IsOutgoing(localClusterID) {
		return s.SinkClusterID
	}
	return s.SourceClusterID
}

func (s Session) String() string {
	return fmt.Sprintf("%s->%s[%s/%s]", s.SourceClusterID, s.SinkClusterID, s.Subscriber.ClientName, s.Subscriber.Model)
}
