package config

import (
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
node:
  id: "node-2"
  listen_address: ":9999"
  data_dir: "/tmp/test_data"
  peers:
    node-1: "http://127.0.0.1:8081"
    node-2: "http://127.0.0.1:9999"
engine:
  memtable:
    size_threshold_bytes: 8388608 # 8 MiB
  compaction:
    l0_trigger_file_count: 8 # Override default of 4
raft:
  snapshot_threshold: 1024
`
	reader := strings.NewReader(yamlContent)
	cfg, err := Load(reader)
	require.NoError(t, err)
	require.NotNil(t, cfg)

	// Check overridden values
	assert.Equal(t, "node-2", cfg.Node.ID)
	assert.Equal(t, ":9999", cfg.Node.ListenAddress)
	assert.Equal(t, "/tmp/test_data", cfg.Node.DataDir)
	assert.Equal(t, "http://127.0.0.1:8081", cfg.Node.Peers["node-1"])
	assert.Equal(t, int64(8388608), cfg.Engine.Memtable.SizeThresholdBytes)
	assert.Equal(t, 8, cfg.Engine.Compaction.L0TriggerFileCount)
	assert.Equal(t, 1024, cfg.Raft.SnapshotThreshold)

	// Check a default value that was not overridden
	assert.Equal(t, 7, cfg.Engine.Compaction.MaxLevels)
	assert.Equal(t, "150ms", cfg.Raft.ElectionTimeoutMin)
}

func TestLoad_PartialConfig(t *testing.T) {
	yamlContent := `
engine:
  compaction:
    max_levels: 5
`
	reader := strings.NewReader(yamlContent)
	cfg, err := Load(reader)
	require.NoError(t, err)
	require.NotNil(t, cfg)

	// Check overridden value
	assert.Equal(t, 5, cfg.Engine.Compaction.MaxLevels)
	// Check default values are still there
	assert.Equal(t, "node-1", cfg.Node.ID)
	assert.Equal(t, "./data", cfg.Node.DataDir)
	assert.Equal(t, int64(16*1024*1024), cfg.Engine.Memtable.SizeThresholdBytes)
}

func TestLoad_EmptyReader(t *testing.T) {
	// Test with nil reader
	cfg, err := Load(nil)
	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.Equal(t, ":8080", cfg.Node.ListenAddress)

	// Test with empty string reader
	reader := strings.NewReader("")
	cfg, err = Load(reader)
	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.Equal(t, "snappy", cfg.Engine.SSTable.Compression)
}

func TestLoad_InvalidYAML(t *testing.T) {
	yamlContent := `
node:
  id: "node-1"
engine: [not a mapping
`
	reader := strings.NewReader(yamlContent)
	cfg, err := Load(reader)
	require.Error(t, err)
	assert.Nil(t, cfg)
	assert.Contains(t, err.Error(), "failed to unmarshal config yaml")
}

func TestLoadConfig_MissingFileReturnsDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.Equal(t, "node-1", cfg.Node.ID)
	assert.Equal(t, 0.01, cfg.Engine.SSTable.BloomFilterFPRate)
}

func TestLoadConfig_FromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("node:\n  id: from-file\n"), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "from-file", cfg.Node.ID)
}

func TestParseDuration(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	assert.Equal(t, 5*time.Second, ParseDuration("5s", time.Minute, logger))
	assert.Equal(t, time.Minute, ParseDuration("", time.Minute, logger))
	assert.Equal(t, time.Minute, ParseDuration("0", time.Minute, logger))
	assert.Equal(t, time.Minute, ParseDuration("not-a-duration", time.Minute, logger))
	assert.Equal(t, time.Minute, ParseDuration("garbage", time.Minute, nil))
}
