package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	cfg := GetDefaultConfig()
	cfg.Node.LocalNode = 1
	cfg.Storage.Disks = []DiskConfig{{Path: "/tmp/dtnd-disk-0"}}
	cfg.Storage.TotalCapacityBytes = 1 << 30
	return cfg
}

func TestApplyDefaultsFillsZeroValues(t *testing.T) {
	cfg := &Config{}
	ApplyDefaults(cfg)

	assert.Equal(t, "INFO", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
	assert.Equal(t, "stdout", cfg.Logging.Output)
	assert.Equal(t, defaultMetricsPort, cfg.Metrics.Port)
	assert.Equal(t, uint64(defaultMaxBundleSize), cfg.Ingress.MaxBundleSizeBytes)
	assert.Equal(t, defaultSegmentSizeBytes, cfg.Storage.SegmentSizeBytes)
	assert.NotZero(t, cfg.ShutdownTimeout)
}

func TestApplyDefaultsPreservesExplicitValues(t *testing.T) {
	cfg := &Config{}
	cfg.Logging.Level = "DEBUG"
	cfg.Ingress.MaxBundleSizeBytes = 99
	ApplyDefaults(cfg)

	assert.Equal(t, "DEBUG", cfg.Logging.Level)
	assert.Equal(t, uint64(99), cfg.Ingress.MaxBundleSizeBytes)
}

func TestValidateRejectsMissingDisks(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Node.LocalNode = 1
	assert.Error(t, Validate(cfg))
}

func TestValidateRejectsMissingNode(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Storage.Disks = []DiskConfig{{Path: "/tmp/x"}}
	cfg.Storage.TotalCapacityBytes = 1 << 20
	assert.Error(t, Validate(cfg))
}

func TestValidateAcceptsCompleteConfig(t *testing.T) {
	assert.NoError(t, Validate(validConfig()))
}

func TestStorageConfigMaxSegments(t *testing.T) {
	s := StorageConfig{TotalCapacityBytes: 10 * 1024 * 1024, SegmentSizeBytes: 1024 * 1024}
	assert.Equal(t, uint32(10), s.MaxSegments())
}

func TestStorageConfigMaxSegmentsZeroSegmentSize(t *testing.T) {
	s := StorageConfig{TotalCapacityBytes: 100}
	assert.Equal(t, uint32(0), s.MaxSegments())
}

func TestLoadFromYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yamlContent := `
node:
  local_node: 42
logging:
  level: DEBUG
  format: json
  output: stdout
storage_config:
  total_capacity_bytes: 1073741824
  segment_size_bytes: 1048576
  disks:
    - path: /tmp/disk0
    - path: /tmp/disk1
`
	require.NoError(t, os.WriteFile(path, []byte(yamlContent), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), cfg.Node.LocalNode)
	assert.Equal(t, "DEBUG", cfg.Logging.Level)
	assert.Len(t, cfg.Storage.Disks, 2)
	// NumStorageThreads defaults to len(Disks) since left unset in the file.
	assert.Equal(t, 2, cfg.Storage.NumStorageThreads)
}

func TestLoadMissingFileFallsBackToDefaultsAndFailsValidation(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	assert.Error(t, err)
}

func TestLoadHonorsEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yamlContent := `
node:
  local_node: 1
storage_config:
  total_capacity_bytes: 1073741824
  disks:
    - path: /tmp/disk0
`
	require.NoError(t, os.WriteFile(path, []byte(yamlContent), 0600))

	t.Setenv("DTND_LOGGING_LEVEL", "ERROR")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "ERROR", cfg.Logging.Level)
}

func TestSaveConfigRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out", "config.yaml")
	cfg := validConfig()

	require.NoError(t, SaveConfig(cfg, path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.Node.LocalNode, loaded.Node.LocalNode)
	assert.Equal(t, cfg.Storage.TotalCapacityBytes, loaded.Storage.TotalCapacityBytes)
}
