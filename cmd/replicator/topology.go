package main

import (
	"fmt"

	"github.com/INLOpen/nexusrepl/config"
	"github.com/INLOpen/nexusrepl/core"
)

// fileTopologyProvider re-reads the topology section of the config file.
type fileTopologyProvider struct {
	path           string
	localClusterID string
}

func (p fileTopologyProvider) Topology() (core.Topology, error) {
	cfg, err := config.LoadConfig(p.path)
	if err != nil {
		return core.Topology{}, err
	}
	if cfg.Cluster.LocalClusterID != p.localClusterID {
		return core.Topology{}, fmt.Errorf("config now names local cluster %q, process runs as %q", cfg.Cluster.LocalClusterID, p.localClusterID)
	}
	return config.NewStaticTopology(cfg).Topology()
}
