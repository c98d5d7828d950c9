package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// NodeConfig identifies this node and its cluster membership.
type NodeConfig struct {
	ID            string            `yaml:"id"`
	ListenAddress string            `yaml:"listen_address"`
	// Peers maps node IDs to their base HTTP addresses, including this node.
	Peers   map[string]string `yaml:"peers"`
	DataDir string            `yaml:"data_dir"`
}

// RaftConfig holds consensus timing and snapshotting parameters.
type RaftConfig struct {
	ElectionTimeoutMin string `yaml:"election_timeout_min"`
	ElectionTimeoutMax string `yaml:"election_timeout_max"`
	HeartbeatInterval  string `yaml:"heartbeat_interval"`
	RPCTimeout         string `yaml:"rpc_timeout"`
	// SnapshotThreshold is the retained log entry count that triggers a
	// snapshot and log compaction. Zero disables snapshotting.
	SnapshotThreshold int `yaml:"snapshot_threshold"`
}

// MemtableConfig holds memtable-specific configurations.
type MemtableConfig struct {
	SizeThresholdBytes int64 `yaml:"size_threshold_bytes"`
}

// SSTableConfig holds sstable-specific configurations.
type SSTableConfig struct {
	BlockSizeBytes    int     `yaml:"block_size_bytes"`
	Compression       string  `yaml:"compression"`
	BloomFilterFPRate float64 `yaml:"bloom_filter_fp_rate"`
}

// CompactionConfig holds compaction-specific configurations.
type CompactionConfig struct {
	L0TriggerFileCount   int    `yaml:"l0_trigger_file_count"`
	BaseTargetSizeBytes  int64  `yaml:"base_target_size_bytes"`
	LevelsSizeMultiplier int    `yaml:"levels_size_multiplier"`
	MaxLevels            int    `yaml:"max_levels"`
	CheckInterval        string `yaml:"check_interval"`
}

// WALConfig holds write-ahead log specific configurations.
type WALConfig struct {
	SyncMode            string `yaml:"sync_mode"`
	FlushInterval       string `yaml:"flush_interval"`
	MaxSegmentSizeBytes int64  `yaml:"max_segment_size_bytes"`
}

// EngineConfig holds all storage engine configurations, grouped logically.
type EngineConfig struct {
	// BackgroundMaxRetries bounds flush and compaction attempts before the
	// engine degrades.
	BackgroundMaxRetries int              `yaml:"background_max_retries"`
	Memtable             MemtableConfig   `yaml:"memtable"`
	SSTable              SSTableConfig    `yaml:"sstable"`
	Compaction           CompactionConfig `yaml:"compaction"`
	WAL                  WALConfig        `yaml:"wal"`
}

// ServerConfig holds HTTP server configurations.
type ServerConfig struct {
	// RequestTimeout bounds the commit wait for a single client request.
	RequestTimeout  string `yaml:"request_timeout"`
	ShutdownTimeout string `yaml:"shutdown_timeout"`
}

// LoggingConfig holds logging-specific configurations.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // "debug", "info", "warn", "error"
	Output string `yaml:"output"` // "stdout", "stderr", "file", "none"
	File   string `yaml:"file"`   // used when output is "file"
}

// Config is the top-level configuration struct.
type Config struct {
	Node    NodeConfig    `yaml:"node"`
	Raft    RaftConfig    `yaml:"raft"`
	Engine  EngineConfig  `yaml:"engine"`
	Server  ServerConfig  `yaml:"server"`
	Logging LoggingConfig `yaml:"logging"`
}

// ParseDuration parses a duration string. Returns the default duration if the
// string is empty or invalid. Logs a warning if the string is invalid but not
// empty.
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

// Load reads configuration from an io.Reader.
// This is the core logic, separated for testability.
func Load(r io.Reader) (*Config, error) {
	cfg := &Config{
		Node: NodeConfig{
			ID:            "node-1",
			ListenAddress: ":8080",
			DataDir:       "./data",
		},
		Raft: RaftConfig{
			ElectionTimeoutMin: "150ms",
			ElectionTimeoutMax: "300ms",
			HeartbeatInterval:  "50ms",
			RPCTimeout:         "150ms",
			SnapshotThreshold:  8192,
		},
		Engine: EngineConfig{
			BackgroundMaxRetries: 5,
			Memtable: MemtableConfig{
				SizeThresholdBytes: 16 * 1024 * 1024, // 16 MiB
			},
			SSTable: SSTableConfig{
				BlockSizeBytes:    8 * 1024, // 8 KiB
				Compression:       "snappy",
				BloomFilterFPRate: 0.01,
			},
			Compaction: CompactionConfig{
				L0TriggerFileCount:   4,
				BaseTargetSizeBytes:  64 * 1024 * 1024, // 64 MiB
				LevelsSizeMultiplier: 10,
				MaxLevels:            7,
				CheckInterval:        "10s",
			},
			WAL: WALConfig{
				SyncMode:            "always",
				FlushInterval:       "1000ms",
				MaxSegmentSizeBytes: 32 * 1024 * 1024, // 32 MiB
			},
		},
		Server: ServerConfig{
			RequestTimeout:  "5s",
			ShutdownTimeout: "10s",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: "stdout",
			File:   "nexuskv.log",
		},
	}

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

	// Unmarshal YAML into the config struct, overwriting defaults.
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}

	return cfg, nil
}

// LoadConfig reads configuration from a YAML file by path. A missing file
// yields the defaults.
func LoadConfig(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Load(nil)
		}
		return nil, fmt.Errorf("failed to open config file %s: %w", path, err)
	}
	defer file.Close()

	return Load(file)
}
