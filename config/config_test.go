package config

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_ValidConfig(t *testing.T) {
	yamlContent := `
cluster:
  local_cluster_id: "dc1"
  data_dir: "/tmp/repl_data"
replication:
  max_num_msg_per_batch: 20
  max_data_message_size: 1048576 # 1 MiB
  streams: ["orders", "payments"]
topology:
  config_id: 7
  clusters:
    - id: "dc2"
      endpoint: "dc2.internal:50060"
      role: "sink"
`
	cfg, err := Load(strings.NewReader(yamlContent))
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, "dc1", cfg.Cluster.LocalClusterID)
	assert.Equal(t, "/tmp/repl_data", cfg.Cluster.DataDir)
	assert.Equal(t, 20, cfg.Replication.MaxNumMsgPerBatch)
	assert.Equal(t, []string{"orders", "payments"}, cfg.Replication.Streams)
	assert.Equal(t, int64(7), cfg.Topology.ConfigID)

	// Defaults that were not overridden.
	assert.Equal(t, 200, cfg.Replication.MaxCacheSize)
	assert.Equal(t, "15s", cfg.Replication.AckCycleTime)
	assert.Equal(t, 1048576*90/100, cfg.Replication.MaxDataSizePerMsg())
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(nil)
	require.NoError(t, err)
	r := cfg.Replication
	assert.Equal(t, 10, r.MaxNumMsgPerBatch)
	assert.Equal(t, 64<<20, r.MaxDataMessageSize)
	assert.Equal(t, 90, r.DataFractionPerMessage)
	assert.Equal(t, 200, r.MaxCacheSize)
	assert.Equal(t, 10, r.AckCycleCount)
	assert.Equal(t, "5000ms", r.MsgTimeout)
	assert.Equal(t, (64<<20)*90/100, r.MaxDataSizePerMsg())

	cfg, err = Load(strings.NewReader(""))
	require.NoError(t, err)
	assert.Equal(t, ":50060", cfg.Server.ListenAddress)
}

func TestLoad_InvalidYAML(t *testing.T) {
	yamlContent := `
cluster:
  local_cluster_id: "dc1"
  this: is: invalid: yaml
`
	_, err := Load(strings.NewReader(yamlContent))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to unmarshal config yaml")
}

func TestLoad_ValidationErrors(t *testing.T) {
	testCases := []struct {
		name string
		yaml string
		want string
	}{
		{"BadFraction", "replication:\n  data_fraction_per_message: 150\n", "data_fraction_per_message"},
		{"ZeroBatch", "replication:\n  max_num_msg_per_batch: 0\n", "max_num_msg_per_batch"},
		{"BadRole", "topology:\n  clusters:\n    - id: x\n      role: mirror\n", "invalid role"},
		{"Duplicate", "topology:\n  clusters:\n    - id: x\n      role: sink\n    - id: x\n      role: source\n", "listed twice"},
		{"LocalInTopology", "cluster:\n  local_cluster_id: x\ntopology:\n  clusters:\n    - id: x\n      role: sink\n", "local cluster"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(strings.NewReader(tc.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestLoadConfig_FileIntegration(t *testing.T) {
	t.Run("FileExists", func(t *testing.T) {
		configPath := filepath.Join(t.TempDir(), "config.yaml")
		require.NoError(t, os.WriteFile(configPath, []byte("server:\n  listen_address: \":7000\"\n"), 0644))

		cfg, err := LoadConfig(configPath)
		require.NoError(t, err)
		assert.Equal(t, ":7000", cfg.Server.ListenAddress)
	})

	t.Run("FileDoesNotExist", func(t *testing.T) {
		cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
		require.NoError(t, err)
		assert.Equal(t, ":50060", cfg.Server.ListenAddress)
	})
}

func TestStaticTopology(t *testing.T) {
	cfg, err := Load(strings.NewReader(`
cluster:
  local_cluster_id: "dc1"
topology:
  config_id: 3
  clusters:
    - {id: "dc0", endpoint: "dc0:1", role: "source"}
    - {id: "dc2", endpoint: "dc2:1", role: "sink"}
`))
	require.NoError(t, err)

	topo, err := NewStaticTopology(cfg).Topology()
	require.NoError(t, err)
	assert.Equal(t, int64(3), topo.ConfigID)
	assert.Equal(t, "dc1", topo.LocalClusterID)
	assert.Contains(t, topo.RemoteSources, "dc0")
	assert.Contains(t, topo.RemoteSinks, "dc2")
	ep, ok := topo.Endpoint("dc2")
	assert.True(t, ok)
	assert.Equal(t, "dc2:1", ep)
}

func TestParseDuration(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	defaultDuration := 10 * time.Second

	testCases := []struct {
		name     string
		input    string
		expected time.Duration
	}{
		{"ValidSeconds", "5s", 5 * time.Second},
		{"ValidMilliseconds", "500ms", 500 * time.Millisecond},
		{"EmptyString", "", defaultDuration},
		{"ZeroString", "0", defaultDuration},
		{"InvalidString", "5x", defaultDuration},
		{"NilLogger", "5x", defaultDuration},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			var testLogger *slog.Logger
			if tc.name != "NilLogger" {
				testLogger = logger
			}
			assert.Equal(t, tc.expected, ParseDuration(tc.input, defaultDuration, testLogger))
		})
	}
}
