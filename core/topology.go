package core

// ClusterDescriptor describes a remote cluster reachable by the transport.
type ClusterDescriptor struct {
	ID       string
	Endpoint string
}

// Topology is a point-in-time view of the replication topology as seen by the
// local cluster.
type Topology struct {
	ConfigID       int64
	LocalClusterID string
	RemoteSources  map[string]ClusterDescriptor
	RemoteSinks    map[string]ClusterDescriptor
}

// TopologyProvider supplies topology snapshots. Refreshes are push driven, the
// provider is only queried at startup and on explicit reload.
type TopologyProvider interface {
	Topology() (Topology, error)
}

// Endpoint returns the endpoint of a remote cluster in either role.
func (t Topology) Endpoint(clusterID string) (string, bool) {
	if c, ok := t.RemoteSinks[clusterID]; ok {
		return c.Endpoint, true
	}
	if c, ok := t.RemoteSources[clusterID]; ok {
		return c.Endpoint, true
	}
	return "", false
}

// Clone returns a deep copy so callers can hand out read-only views.
func (t Topology) Clone() Topology {
	out := Topology{
		ConfigID:       t.ConfigID,
		LocalClusterID: t.LocalClusterID,
		RemoteSources:  make(map[string]ClusterDescriptor, len(t.RemoteSources)),
		RemoteSinks:    make(map[string]ClusterDescriptor, len(t.RemoteSinks)),
	}
	for k, v := range t.RemoteSources {
		out.RemoteSources[k] = v
	}
	for k, v := range t.RemoteSinks {
		out.RemoteSinks[k] = v
	}
	return out
}
