package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Config is the main configuration structure for switchboard.
type Config struct {
	Concurrency     ConcurrencyConfig     `yaml:"concurrency"`
	Command         CommandConfig         `yaml:"command"`
	Logging         LoggingConfig         `yaml:"logging"`
	Tracing         TracingConfig         `yaml:"tracing"`
	Metrics         MetricsConfig         `yaml:"metrics"`
	Monitoring      MonitoringConfig      `yaml:"monitoring"`
	SessionStore    SessionStoreConfig    `yaml:"session_store"`
	Providers       []ProviderConfig      `yaml:"providers"`
	Models          []ModelConfig         `yaml:"models"`
	EmbeddingModels []ModelConfig         `yaml:"embedding_models"`
	KnowledgeBases  []KnowledgeBaseConfig `yaml:"knowledge_bases"`
	VectorDB        VectorDBConfig        `yaml:"vector_db"`
	MCPServers      []MCPServerConfig     `yaml:"mcp_servers"`
	Plugins         PluginsConfig         `yaml:"plugins"`
	Bots            []BotConfig           `yaml:"bots"`
	Pipelines       []PipelineDefinition  `yaml:"pipelines"`
	PipelinesDir    string                `yaml:"pipelines_dir"`

	// inlinePipelines counts the leading Pipelines entries that came from
	// the config file itself rather than PipelinesDir.
	inlinePipelines int
}

// InlinePipelines returns the pipelines declared in the config file itself.
func (c *Config) InlinePipelines() []PipelineDefinition {
	if c.PipelinesDir == "" || c.inlinePipelines > len(c.Pipelines) {
		return c.Pipelines
	}
	return c.Pipelines[:c.inlinePipelines]
}

// ConcurrencyConfig bounds in-flight work. Session is read once at startup.
type ConcurrencyConfig struct {
	Pipeline int `yaml:"pipeline"`
	Session  int `yaml:"session"`
}

// DefaultCommandPrefixes mark a message as a plugin command.
var DefaultCommandPrefixes = []string{"!", "！"}

// CommandConfig configures plugin command detection.
type CommandConfig struct {
	Prefix  []string `yaml:"prefix"`
	Enabled *bool    `yaml:"enabled"`
}

// IsEnabled reports whether command handling is on (default true).
func (c CommandConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// SessionStoreConfig selects where conversation history is kept.
type SessionStoreConfig struct {
	// Backend is "memory" (default) or "redis".
	Backend string        `yaml:"backend"`
	URL     string        `yaml:"url"`
	TTL     time.Duration `yaml:"ttl"`
	Prefix  string        `yaml:"prefix"`
}

// PluginsConfig configures the in-process plugin host.
type PluginsConfig struct {
	// Enabled lists "author/name" identifiers to activate; empty activates all registered.
	Enabled  []string                  `yaml:"enabled"`
	Settings map[string]map[string]any `yaml:"settings"`
	Disabled bool                      `yaml:"disabled"`
}

// BotConfig binds one platform adapter instance to a pipeline.
type BotConfig struct {
	UUID         string         `yaml:"uuid"`
	Name         string         `yaml:"name"`
	Adapter      string         `yaml:"adapter"`
	Enabled      *bool          `yaml:"enabled"`
	PipelineUUID string         `yaml:"pipeline_uuid"`
	Config       map[string]any `yaml:"config"`
}

// IsEnabled reports whether the bot should be started (default true).
func (b BotConfig) IsEnabled() bool {
	return b.Enabled == nil || *b.Enabled
}

func applyDefaults(cfg *Config) {
	if cfg.Concurrency.Pipeline <= 0 {
		cfg.Concurrency.Pipeline = 20
	}
	if cfg.Concurrency.Session <= 0 {
		cfg.Concurrency.Session = 1
	}
	if len(cfg.Command.Prefix) == 0 {
		cfg.Command.Prefix = append([]string(nil), DefaultCommandPrefixes...)
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.SessionStore.Backend == "" {
		cfg.SessionStore.Backend = "memory"
	}
	if cfg.SessionStore.Prefix == "" {
		cfg.SessionStore.Prefix = "switchboard:conv:"
	}
	applyObservabilityDefaults(cfg)
	applyLLMDefaults(cfg)
	for i := range cfg.Pipelines {
		cfg.Pipelines[i].Config.ApplyDefaults()
	}
}

func validateConfig(cfg *Config) error {
	var errs []error
	if cfg.SessionStore.Backend != "memory" && cfg.SessionStore.Backend != "redis" {
		errs = append(errs, fmt.Errorf("session_store.backend must be memory or redis, got %q", cfg.SessionStore.Backend))
	}
	if cfg.SessionStore.Backend == "redis" && strings.TrimSpace(cfg.SessionStore.URL) == "" {
		errs = append(errs, errors.New("session_store.url is required for the redis backend"))
	}
	errs = append(errs, validateLLM(cfg)...)
	errs = append(errs, validateBots(cfg)...)

	seen := map[string]bool{}
	for i, p := range cfg.Pipelines {
		if err := p.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("pipelines[%d]: %w", i, err))
			continue
		}
		if seen[p.UUID] {
			errs = append(errs, fmt.Errorf("pipelines[%d]: duplicate uuid %q", i, p.UUID))
		}
		seen[p.UUID] = true
	}
	return errors.Join(errs...)
}

func validateBots(cfg *Config) []error {
	var errs []error
	seen := map[string]bool{}
	for i, b := range cfg.Bots {
		switch {
		case strings.TrimSpace(b.UUID) == "":
			errs = append(errs, fmt.Errorf("bots[%d].uuid is required", i))
		case seen[b.UUID]:
			errs = append(errs, fmt.Errorf("bots[%d]: duplicate uuid %q", i, b.UUID))
		}
		seen[b.UUID] = true
		if strings.TrimSpace(b.Adapter) == "" {
			errs = append(errs, fmt.Errorf("bots[%d].adapter is required", i))
		}
	}
	return errs
}
