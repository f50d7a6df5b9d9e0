package config

const (
	defaultSegmentSizeBytes  = 4 * 1024 * 1024 // 4 MiB
	defaultMaxBundleSize     = 16 * 1024 * 1024
	defaultMaxIngressWaitMs  = 500
	defaultZMQMaxPerPath     = 64
	defaultMetricsPort       = 9464
	defaultShutdownTimeoutNs = 30_000_000_000 // 30s, expressed in ns to avoid importing time here
	defaultPollIntervalNs    = 2_000_000_000  // 2s
)

// GetDefaultConfig returns a Config populated entirely with default values.
// Callers that load from file/env should instead start from ApplyDefaults,
// which only fills in fields left at their zero value.
func GetDefaultConfig() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills any zero-valued field of cfg with its default. Called
// after decoding file/env configuration so that a partially specified
// configuration still ends up complete and valid.
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyMetricsDefaults(&cfg.Metrics)
	applyIngressDefaults(&cfg.Ingress)
	applyStorageDefaults(&cfg.Storage)
	applyEgressDefaults(&cfg.Egress)

	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeoutNs
	}
}

func applyLoggingDefaults(l *LoggingConfig) {
	if l.Level == "" {
		l.Level = "INFO"
	}
	if l.Format == "" {
		l.Format = "text"
	}
	if l.Output == "" {
		l.Output = "stdout"
	}
}

func applyMetricsDefaults(m *MetricsConfig) {
	if m.Port == 0 {
		m.Port = defaultMetricsPort
	}
}

func applyIngressDefaults(i *IngressConfig) {
	if i.MaxBundleSizeBytes == 0 {
		i.MaxBundleSizeBytes = defaultMaxBundleSize
	}
	if i.MaxIngressWaitOnEgressMs == 0 {
		i.MaxIngressWaitOnEgressMs = defaultMaxIngressWaitMs
	}
	if i.ZMQMaxMessagesPerPath == 0 {
		i.ZMQMaxMessagesPerPath = defaultZMQMaxPerPath
	}
}

func applyStorageDefaults(s *StorageConfig) {
	if s.SegmentSizeBytes == 0 {
		s.SegmentSizeBytes = defaultSegmentSizeBytes
	}
	if s.NumStorageThreads == 0 {
		s.NumStorageThreads = len(s.Disks)
	}
}

func applyEgressDefaults(e *EgressConfig) {
	if e.PollInterval == 0 {
		e.PollInterval = defaultPollIntervalNs
	}
}
