package config

import (
	"github.com/INLOpen/nexusrepl/core"
)

// StaticTopology serves the topology section of the configuration.
type StaticTopology struct {
	LocalClusterID string
	cfg            TopologyConfig
}

// NewStaticTopology builds a provider from a loaded configuration.
func NewStaticTopology(cfg *Config) *StaticTopology {
	return &StaticTopology{LocalClusterID: cfg.Cluster.LocalClusterID, cfg: cfg.Topology}
}

// Topology implements core.TopologyProvider.
func (s *StaticTopology) Topology() (core.Topology, error) {
	t := core.Topology{
		ConfigID:       s.cfg.ConfigID,
		LocalClusterID: s.LocalClusterID,
		RemoteSources:  make(map[string]core.ClusterDescriptor),
		RemoteSinks:    make(map[string]core.ClusterDescriptor),
	}
	for _, c := range s.cfg.Clusters {
		d := core.ClusterDescriptor{ID: c.ID, Endpoint: c.Endpoint}
		switch c.Role {
		case "source":
			t.RemoteSources[c.ID] = d
		case "sink":
			t.RemoteSinks[c.ID] = d
		}
	}
	return t, nil
}
