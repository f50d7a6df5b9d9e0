// Package config loads the node's static configuration: logging, metrics,
// message-bus connection, and the storage-engine tunables recognized from
// the node's configuration record.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config is the node's static configuration.
//
// Configuration sources (in order of precedence):
//  1. Environment variables (DTND_*)
//  2. Configuration file (YAML)
//  3. Default values (lowest priority)
type Config struct {
	// Logging controls log output behavior.
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Metrics controls the Prometheus metrics HTTP server.
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`

	// Bus configures the inter-module message-bus connection.
	Bus BusConfig `mapstructure:"bus" yaml:"bus"`

	// Node identifies this node's own endpoint, used as the custodian eid
	// for locally originated bundles and as the destination that admin
	// records addressed back to this node must match.
	Node NodeConfig `mapstructure:"node" yaml:"node"`

	// Ingress controls admission decision tunables.
	Ingress IngressConfig `mapstructure:"ingress" yaml:"ingress"`

	// Storage controls the segment allocator and disk writer pool.
	Storage StorageConfig `mapstructure:"storage_config" yaml:"storage_config"`

	// Egress controls the dispatch loop and the destinations reachable
	// through the node's own convergence-layer outduct.
	Egress EgressConfig `mapstructure:"egress" yaml:"egress"`

	// Custody controls custody-id allocator persistence.
	Custody CustodyConfig `mapstructure:"custody" yaml:"custody"`

	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"required,gt=0" yaml:"shutdown_timeout"`
}

// DestinationConfig names one reachable endpoint, used to pre-populate the
// egress dispatcher's outduct table.
type DestinationConfig struct {
	Node    uint64 `mapstructure:"node" validate:"required" yaml:"node"`
	Service uint64 `mapstructure:"service" yaml:"service"`
}

// EgressConfig controls the dispatch loop.
type EgressConfig struct {
	// Destinations lists every endpoint reachable through this node's
	// bus-backed outduct. A destination absent from this list is treated
	// as having no configured outduct: dispatch logs an error and returns
	// the bundle to storage rather than sending.
	Destinations []DestinationConfig `mapstructure:"destinations" yaml:"destinations"`

	// PollInterval bounds how long the dispatch loop waits for a
	// link-up release signal before re-checking storage on its own.
	PollInterval time.Duration `mapstructure:"poll_interval" validate:"required,gt=0" yaml:"poll_interval"`
}

// CustodyConfig controls custody-id allocator persistence.
type CustodyConfig struct {
	// DBDir is the badger database directory persisting the custody-id
	// allocator's per-source block cursor and retired-range free-list
	// across restarts. Empty disables persistence (in-memory allocator
	// only, reset to block 1 on every restart).
	DBDir string `mapstructure:"db_dir" yaml:"db_dir"`
}

// NodeConfig identifies this node's own endpoint.
type NodeConfig struct {
	LocalNode    uint64 `mapstructure:"local_node" validate:"required" yaml:"local_node"`
	LocalService uint64 `mapstructure:"local_service" yaml:"local_service"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output.
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive, normalized to uppercase)
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error" yaml:"level"`

	// Format specifies the log output format.
	// Valid values: text, json
	Format string `mapstructure:"format" validate:"required,oneof=text json" yaml:"format"`

	// Output specifies where logs are written: stdout, stderr, or a file path.
	Output string `mapstructure:"output" validate:"required" yaml:"output"`
}

// MetricsConfig configures the Prometheus metrics HTTP server.
// When Enabled is false, no metrics are collected (zero overhead).
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	Port    int  `mapstructure:"port" validate:"omitempty,min=1,max=65535" yaml:"port"`
}

// BusConfig configures the inter-module message-bus connection.
type BusConfig struct {
	// URL is the NATS connection string. Empty uses nats.DefaultURL.
	URL string `mapstructure:"url" yaml:"url"`
}

// IngressConfig controls admission decision tunables (spec §6).
type IngressConfig struct {
	// MaxBundleSizeBytes rejects any bundle larger than this at admission.
	MaxBundleSizeBytes uint64 `mapstructure:"max_bundle_size_bytes" validate:"required,gt=0" yaml:"max_bundle_size_bytes"`

	// MaxIngressWaitOnEgressMs bounds how long admission blocks on
	// per-destination backpressure before falling back (cut-through to
	// store, or store to drop).
	MaxIngressWaitOnEgressMs int `mapstructure:"max_ingress_wait_on_egress_ms" validate:"gte=0" yaml:"max_ingress_wait_on_egress_ms"`

	// ZMQMaxMessagesPerPath bounds the number of in-flight unacknowledged
	// bundles per destination path before backpressure kicks in. Named
	// for the original ZMQ-based convergence-layer transport this node's
	// design is grounded on; the bound applies identically regardless of
	// the outduct's actual transport.
	ZMQMaxMessagesPerPath int `mapstructure:"zmq_max_messages_per_path" validate:"required,gt=0" yaml:"zmq_max_messages_per_path"`
}

// DiskConfig names one backing directory for the disk writer pool.
type DiskConfig struct {
	Path string `mapstructure:"path" validate:"required" yaml:"path"`
}

// StorageConfig controls the segment allocator and disk writer pool.
type StorageConfig struct {
	// TotalCapacityBytes is the storage engine's total addressable
	// capacity; combined with SegmentSizeBytes this determines the
	// allocator's max_segments.
	TotalCapacityBytes uint64 `mapstructure:"total_capacity_bytes" validate:"required,gt=0" yaml:"total_capacity_bytes"`

	// Disks lists the backing directories available to the disk writer
	// pool. Only Disks[0] is used as the pool's backing directory today
	// (the pool itself distributes segment files across NumStorageThreads
	// workers within it); additional entries are accepted so a future
	// pool that stripes across independent physical disks can consume
	// this config unchanged. len(Disks) becomes NumStorageThreads when
	// NumStorageThreads is left at zero.
	Disks []DiskConfig `mapstructure:"disks" validate:"required,min=1,dive" yaml:"disks"`

	// SegmentSizeBytes is the fixed size of every storage segment.
	SegmentSizeBytes int `mapstructure:"segment_size_bytes" validate:"required,gt=0" yaml:"segment_size_bytes"`

	// NumStorageThreads is the number of disk writer pool worker
	// goroutines. Defaults to len(Disks) when zero.
	NumStorageThreads int `mapstructure:"num_storage_threads" validate:"gte=0" yaml:"num_storage_threads"`
}

// MaxSegments computes the allocator's capacity from TotalCapacityBytes and
// SegmentSizeBytes, rounding down (partial trailing segments are unusable).
func (s StorageConfig) MaxSegments() uint32 {
	if s.SegmentSizeBytes <= 0 {
		return 0
	}
	return uint32(s.TotalCapacityBytes / uint64(s.SegmentSizeBytes))
}

// Load loads configuration from file, environment, and defaults. When no
// config file is found, the defaults alone are validated and returned;
// environment overrides are applied only together with a file.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)

	found, err := readConfigFile(v)
	if err != nil {
		return nil, err
	}

	if !found {
		cfg := GetDefaultConfig()
		return cfg, Validate(cfg)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(configDecodeHooks())); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed: %w", err)
	}
	return &cfg, nil
}

// MustLoad loads configuration from file, environment, and defaults,
// returning a descriptive error instead of the raw load path when nothing
// could be found, so CLI callers can print an actionable message.
func MustLoad(configPath string) (*Config, error) {
	if configPath != "" {
		if _, err := os.Stat(configPath); os.IsNotExist(err) {
			return nil, fmt.Errorf("config: file not found: %s", configPath)
		}
	} else if !DefaultConfigExists() {
		return nil, fmt.Errorf("config: no configuration file found at default location: %s (run 'dtnd init' first)", GetDefaultConfigPath())
	}
	return Load(configPath)
}

// SaveConfig writes cfg to path in YAML form.
func SaveConfig(cfg *Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("config: create directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("config: write file: %w", err)
	}
	return nil
}

// Validate runs struct-tag validation over cfg.
func Validate(cfg *Config) error {
	return validator.New().Struct(cfg)
}

func setupViper(v *viper.Viper, configPath string) {
	v.SetEnvPrefix("DTND")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvKeys(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		return
	}
	v.AddConfigPath(getConfigDir())
	v.SetConfigName("config")
	v.SetConfigType("yaml")
}

// bindEnvKeys registers every recognized configuration key with viper so
// that AutomaticEnv picks up its DTND_* override even when the key is
// absent from the config file entirely. Viper only resolves environment
// overrides for keys it already knows about.
func bindEnvKeys(v *viper.Viper) {
	keys := []string{
		"logging.level", "logging.format", "logging.output",
		"metrics.enabled", "metrics.port",
		"bus.url",
		"node.local_node", "node.local_service",
		"ingress.max_bundle_size_bytes", "ingress.max_ingress_wait_on_egress_ms", "ingress.zmq_max_messages_per_path",
		"storage_config.total_capacity_bytes", "storage_config.segment_size_bytes", "storage_config.num_storage_threads",
		"egress.poll_interval", "custody.db_dir",
		"shutdown_timeout",
	}
	for _, k := range keys {
		_ = v.BindEnv(k)
	}
}

func readConfigFile(v *viper.Viper) (bool, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return false, nil
		}
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("config: read config file: %w", err)
	}
	return true, nil
}

func configDecodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(durationDecodeHook())
}

// durationDecodeHook converts human-readable duration strings ("30s", "5m")
// to time.Duration during mapstructure decode.
func durationDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return time.ParseDuration(v)
		case int:
			return time.Duration(v), nil
		case int64:
			return time.Duration(v), nil
		case float64:
			return time.Duration(v), nil
		default:
			return data, nil
		}
	}
}

func getConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "dtnd")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "dtnd")
}

// GetDefaultConfigPath returns the default config file location.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

// DefaultConfigExists reports whether a config file exists at the default location.
func DefaultConfigExists() bool {
	_, err := os.Stat(GetDefaultConfigPath())
	return err == nil
}
