package session

import (
	"sort"

	"github.com/INLOpen/nexusrepl/core"
)

// TopologyDiff is the change between two topologies seen by the same
// local cluster.
type TopologyDiff struct {
	RemovedSources   []string
	RemovedSinks     []string
	UnchangedSources []string
	UnchangedSinks   []string
	AddedSources     []string
	AddedSinks       []string
}

func sortedKeys(m map[string]core.ClusterDescriptor) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func split(current, next map[string]core.ClusterDescriptor) (removed, unchanged, added []string) {
	for _, id := range sortedKeys(current) {
		if _, ok := next[id]; ok {
			unchanged = append(unchanged, id)
		} else {
			removed = append(removed, id)
		}
	}
	for _, id := range sortedKeys(next) {
		if _, ok := current[id]; !ok {
			added = append(added, id)
		}
	}
	return removed, unchanged, added
}

// Diff compares current with next.
func Diff(current, next core.Topology) TopologyDiff {
	var d TopologyDiff
	d.RemovedSources, d.UnchangedSources, d.AddedSources = split(current.RemoteSources, next.RemoteSources)
	d.RemovedSinks, d.UnchangedSinks, d.AddedSinks = split(current.RemoteSinks, next.RemoteSinks)
	return d
}

func contains(ids []string, id string) bool {
	i := sort.SearchStrings(ids, id)
	return i < len(ids) && ids[i] == id
}

// Removes reports whether the remote end of session left the topology.
func (d TopologyDiff) Removes(s core.Session, localClusterID string) bool {
	if s.IsOutgoing(localClusterID) {
		return contains(d.RemovedSinks, s.SinkClusterID)
	}
	return contains(d.RemovedSources, s.SourceClusterID)
}

// Keeps reports whether the remote end of session is in both topologies.
func (d TopologyDiff) Keeps(s core.Session, localClusterID string) bool {
	if s.IsOutgoing(localClusterID) {
		return contains(d.UnchangedSinks, s.SinkClusterID)
	}
	return contains(d.UnchangedSources, s.SourceClusterID)
}
