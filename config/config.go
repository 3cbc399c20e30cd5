package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// TLSConfig holds TLS-specific configurations.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
	CAFile   string `yaml:"ca_file"` // Optional; system roots are used when empty
}

// ServerConfig holds the replication transport server configuration.
type ServerConfig struct {
	ListenAddress       string    `yaml:"listen_address"`
	GracefulStopTimeout string    `yaml:"graceful_stop_timeout"`
	DialTimeout         string    `yaml:"dial_timeout"`
	TLS                 TLSConfig `yaml:"tls"`
}

// SecurityConfig holds peer authentication settings. Peers maps a remote
// cluster id to the bcrypt hash of the secret it presents.
type SecurityConfig struct {
	Enabled       bool              `yaml:"enabled"`
	ClusterSecret string            `yaml:"cluster_secret"`
	Peers         map[string]string `yaml:"peers"`
}

// ClusterConfig identifies the local cluster.
type ClusterConfig struct {
	LocalClusterID string `yaml:"local_cluster_id"`
	DataDir        string `yaml:"data_dir"`
	// Leader is the initial leadership of this node. Leadership changes after
	// startup are delivered by the cluster's election mechanism.
	Leader bool `yaml:"leader"`
}

// ChangelogConfig holds changelog storage settings.
type ChangelogConfig struct {
	MaxSegmentSizeBytes int64 `yaml:"max_segment_size_bytes"`
	SyncOnAppend        bool  `yaml:"sync_on_append"`
}

// RetryConfig bounds the retries applied to metadata transactions.
type RetryConfig struct {
	MaxTries        uint   `yaml:"max_tries"`
	InitialInterval string `yaml:"initial_interval"`
	MaxInterval     string `yaml:"max_interval"`
}

// ReplicationConfig holds the sync protocol parameters.
type ReplicationConfig struct {
	MaxNumMsgPerBatch      int         `yaml:"max_num_msg_per_batch"`
	MaxDataMessageSize     int         `yaml:"max_data_message_size"`
	DataFractionPerMessage int         `yaml:"data_fraction_per_message"` // percent of MaxDataMessageSize usable for payload
	MaxCacheSize           int         `yaml:"max_cache_size"`
	SinkBufferSize         int         `yaml:"sink_buffer_size"`
	AckCycleTime           string      `yaml:"ack_cycle_time"`
	AckCycleCount          int         `yaml:"ack_cycle_count"`
	MsgTimeout             string      `yaml:"msg_timeout"`
	StatusPollInterval     string      `yaml:"status_poll_interval"`
	IdleReadInterval       string      `yaml:"idle_read_interval"`
	Compression            string      `yaml:"compression"`
	WorkerPoolSize         int         `yaml:"worker_pool_size"`
	Streams                []string    `yaml:"streams"`
	Retry                  RetryConfig `yaml:"retry"`
}

// MaxDataSizePerMsg is the payload budget of a single replication message.
func (c ReplicationConfig) MaxDataSizePerMsg() int {
	return c.MaxDataMessageSize * c.DataFractionPerMessage / 100
}

// TopologyCluster is a statically configured remote cluster.
type TopologyCluster struct {
	ID       string `yaml:"id"`
	Endpoint string `yaml:"endpoint"`
	Role     string `yaml:"role"` // "source" or "sink"
}

// TopologyConfig is the static topology used when no discovery service is wired.
type TopologyConfig struct {
	ConfigID int64             `yaml:"config_id"`
	Clusters []TopologyCluster `yaml:"clusters"`
}

// LoggingConfig holds logging-specific configurations.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // e.g., "debug", "info", "warn", "error"
	Output string `yaml:"output"` // e.g., "stdout", "file", "none"
	File   string `yaml:"file"`   // Path to the log file, used if output is "file"
}

// DebugConfig holds debugging-related configurations.
type DebugConfig struct {
	Enabled               bool   `yaml:"enabled"`
	ListenAddress         string `yaml:"listen_address"`
	PProfEnabled          bool   `yaml:"pprof_enabled"`
	MetricsEnabled        bool   `yaml:"metrics_enabled"`
	MonitorUIEnabled      bool   `yaml:"monitor_ui_enabled"`
	SystemMetricsInterval string `yaml:"system_metrics_interval"`
}

// TracingConfig holds configuration for distributed tracing.
type TracingConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"` // e.g., "localhost:4317" for gRPC OTLP collector
	Protocol string `yaml:"protocol"` // "grpc" or "http"
}

// Config is the top-level configuration struct.
type Config struct {
	Cluster     ClusterConfig     `yaml:"cluster"`
	Server      ServerConfig      `yaml:"server"`
	Security    SecurityConfig    `yaml:"security"`
	Changelog   ChangelogConfig   `yaml:"changelog"`
	Replication ReplicationConfig `yaml:"replication"`
	Topology    TopologyConfig    `yaml:"topology"`
	Logging     LoggingConfig     `yaml:"logging"`
	Debug       DebugConfig       `yaml:"debug"`
	Tracing     TracingConfig     `yaml:"tracing"`
}

// ParseDuration parses a duration string. Returns the default duration if the string is empty or invalid.
// Logs a warning if the string is invalid but not empty.
func ParseDuration(durationStr string, defaultDuration time.Duration, logger *slog.Logger) time.Duration {
	if durationStr == "" || durationStr == "0" {
		return defaultDuration
	}
	d, err := time.ParseDuration(durationStr)
	if err != nil {
		if logger != nil {
			logger.Warn("Invalid duration format, using default", "input", durationStr, "default", defaultDuration.String(), "error", err)
		}
		return defaultDuration
	}
	return d
}

// Defaults returns the configuration used when no file overrides a value.
func Defaults() *Config {
	return &Config{
		Cluster: ClusterConfig{
			LocalClusterID: "",
			DataDir:        "./data",
			Leader:         true,
		},
		Server: ServerConfig{
			ListenAddress:       ":50060",
			GracefulStopTimeout: "30s",
			DialTimeout:         "5s",
			TLS: TLSConfig{
				Enabled:  false,
				CertFile: "certs/server.crt",
				KeyFile:  "certs/server.key",
			},
		},
		Security: SecurityConfig{
			Enabled: false,
		},
		Changelog: ChangelogConfig{
			MaxSegmentSizeBytes: 64 * 1024 * 1024, // 64 MiB
			SyncOnAppend:        true,
		},
		Replication: ReplicationConfig{
			MaxNumMsgPerBatch:      10,
			MaxDataMessageSize:     64 << 20, // 64 MiB
			DataFractionPerMessage: 90,
			MaxCacheSize:           200,
			SinkBufferSize:         200,
			AckCycleTime:           "15s",
			AckCycleCount:          10,
			MsgTimeout:             "5000ms",
			StatusPollInterval:     "15s",
			IdleReadInterval:       "100ms",
			Compression:            "snappy",
			WorkerPoolSize:         4,
			Retry: RetryConfig{
				MaxTries:        10,
				InitialInterval: "50ms",
				MaxInterval:     "2s",
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: "stdout",
			File:   "nexusrepl.log",
		},
		Debug: DebugConfig{
			Enabled:               false,
			ListenAddress:         "0.0.0.0:6061",
			PProfEnabled:          true,
			MetricsEnabled:        true,
			MonitorUIEnabled:      true,
			SystemMetricsInterval: "5s",
		},
		Tracing: TracingConfig{
			Enabled:  false,
			Endpoint: "localhost:4317",
			Protocol: "grpc",
		},
	}
}

// Load reads configuration from an io.Reader.
// This is the core logic, separated for testability.
func Load(r io.Reader) (*Config, error) {
	cfg := Defaults()

	// If the reader is nil, it's like an empty file, return defaults.
	if r == nil {
		return cfg, nil
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read config data: %w", err)
	}
	if len(data) == 0 {
		return cfg, nil
	}

	// Unmarshal YAML into the config struct, overwriting defaults
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	r := c.Replication
	if r.DataFractionPerMessage <= 0 || r.DataFractionPerMessage > 100 {
		return fmt.Errorf("replication.data_fraction_per_message must be in (0, 100], got %d", r.DataFractionPerMessage)
	}
	if r.MaxDataMessageSize <= 0 {
		return fmt.Errorf("replication.max_data_message_size must be positive, got %d", r.MaxDataMessageSize)
	}
	if r.MaxNumMsgPerBatch <= 0 {
		return fmt.Errorf("replication.max_num_msg_per_batch must be positive, got %d", r.MaxNumMsgPerBatch)
	}
	if r.SinkBufferSize < 0 || r.AckCycleCount < 0 {
		return fmt.Errorf("replication.sink_buffer_size and ack_cycle_count must not be negative")
	}
	seen := make(map[string]bool, len(c.Topology.Clusters))
	for _, cl := range c.Topology.Clusters {
		if cl.ID == "" {
			return fmt.Errorf("topology cluster without id")
		}
		if seen[cl.ID] {
			return fmt.Errorf("topology cluster %q listed twice", cl.ID)
		}
		seen[cl.ID] = true
		if cl.Role != "source" && cl.Role != "sink" {
			return fmt.Errorf("topology cluster %q has invalid role %q", cl.ID, cl.Role)
		}
		if cl.ID == c.Cluster.LocalClusterID {
			return fmt.Errorf("topology cluster %q is the local cluster", cl.ID)
		}
	}
	return nil
}

// LoadConfig reads configuration from a YAML file by path.
func LoadConfig(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			// If file doesn't exist, return default config by calling Load with a nil reader.
			return Load(nil)
		}
		return nil, fmt.Errorf("failed to open config file %s: %w", path, err)
	}
	defer file.Close()

	return Load(file)
}
