package config

import "time"

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level          string   `yaml:"level"`
	Format         string   `yaml:"format"`
	AddSource      bool     `yaml:"add_source"`
	RedactPatterns []string `yaml:"redact_patterns"`
}

// TracingConfig configures OpenTelemetry export. Tracing is off when Endpoint is empty.
type TracingConfig struct {
	Endpoint     string            `yaml:"endpoint"`
	ServiceName  string            `yaml:"service_name"`
	SamplingRate float64           `yaml:"sampling_rate"`
	Insecure     bool              `yaml:"insecure"`
	Attributes   map[string]string `yaml:"attributes"`
}

// MetricsConfig configures the /metrics and /healthz listener.
type MetricsConfig struct {
	Addr     string `yaml:"addr"`
	Disabled bool   `yaml:"disabled"`
}

// MonitoringConfig configures the monitoring store and its retention job.
type MonitoringConfig struct {
	// Path is the SQLite database file; ":memory:" keeps records in process.
	Path          string `yaml:"path"`
	RetentionDays int    `yaml:"retention_days"`
	// PruneSchedule is a cron expression for the retention job.
	PruneSchedule string `yaml:"prune_schedule"`
}

func applyObservabilityDefaults(cfg *Config) {
	if cfg.Tracing.ServiceName == "" {
		cfg.Tracing.ServiceName = "switchboard"
	}
	if cfg.Metrics.Addr == "" {
		cfg.Metrics.Addr = ":9090"
	}
	if cfg.Monitoring.Path == "" {
		cfg.Monitoring.Path = "switchboard-monitoring.db"
	}
	if cfg.Monitoring.RetentionDays <= 0 {
		cfg.Monitoring.RetentionDays = 30
	}
	if cfg.Monitoring.PruneSchedule == "" {
		cfg.Monitoring.PruneSchedule = "@daily"
	}
}

// Retention returns the monitoring retention window.
func (m MonitoringConfig) Retention() time.Duration {
	return time.Duration(m.RetentionDays) * 24 * time.Hour
}
