package config

import (
	"fmt"
	"strings"
	"time"
)

// ProviderConfig describes one upstream model provider.
type ProviderConfig struct {
	UUID      string   `yaml:"uuid"`
	Name      string   `yaml:"name"`
	Requester string   `yaml:"requester"`
	BaseURL   string   `yaml:"base_url"`
	APIKeys   []string `yaml:"api_keys"`
	// RequesterConfig carries requester-specific options (timeout, region, api_version).
	RequesterConfig RequesterConfig `yaml:"requester_config"`
}

// RequesterConfig holds options shared by every requester.
type RequesterConfig struct {
	Timeout    time.Duration     `yaml:"timeout"`
	MaxRetries int               `yaml:"max_retries"`
	Region     string            `yaml:"region"`
	APIVersion string            `yaml:"api_version"`
	Headers    map[string]string `yaml:"headers"`
}

// ModelConfig describes an LLM or embedding model served by a provider.
type ModelConfig struct {
	UUID      string         `yaml:"uuid"`
	Name      string         `yaml:"name"`
	Provider  string         `yaml:"provider"`
	Abilities []string       `yaml:"abilities"`
	ExtraArgs map[string]any `yaml:"extra_args"`
	// Dimensions is only meaningful for embedding models.
	Dimensions int `yaml:"dimensions"`
}

// KnowledgeBaseConfig describes an internal or plugin-backed knowledge base.
type KnowledgeBaseConfig struct {
	UUID           string `yaml:"uuid"`
	Name           string `yaml:"name"`
	Kind           string `yaml:"kind"`
	EmbeddingModel string `yaml:"embedding_model"`
	TopK           int    `yaml:"top_k"`
	Collection     string `yaml:"collection"`
	Plugin         string `yaml:"plugin"`
	Retriever      string `yaml:"retriever"`
	Instance       string `yaml:"instance"`
	// ChunkSize and ChunkOverlap size the pieces raw text is cut into on
	// ingestion. Zero selects the defaults.
	ChunkSize    int  `yaml:"chunk_size"`
	ChunkOverlap int  `yaml:"chunk_overlap"`
	Markdown     bool `yaml:"markdown"`
}

// VectorDBConfig selects the vector database backend.
type VectorDBConfig struct {
	Backend    string `yaml:"backend"`
	DSN        string `yaml:"dsn"`
	Dimensions int    `yaml:"dimensions"`
}

// MCPServerConfig describes one MCP server the tool broker connects to.
type MCPServerConfig struct {
	UUID      string            `yaml:"uuid"`
	Name      string            `yaml:"name"`
	Enabled   *bool             `yaml:"enabled"`
	Transport string            `yaml:"transport"`
	Command   string            `yaml:"command"`
	Args      []string          `yaml:"args"`
	Env       map[string]string `yaml:"env"`
	WorkDir   string            `yaml:"workdir"`
	URL       string            `yaml:"url"`
	Headers   map[string]string `yaml:"headers"`
	Timeout   time.Duration     `yaml:"timeout"`
}

// IsEnabled reports whether the server should be connected (default true).
func (m MCPServerConfig) IsEnabled() bool {
	return m.Enabled == nil || *m.Enabled
}

// DefaultRequesterTimeout bounds a single LLM or embedding call.
const DefaultRequesterTimeout = 120 * time.Second

func applyLLMDefaults(cfg *Config) {
	for i := range cfg.Providers {
		if cfg.Providers[i].RequesterConfig.Timeout <= 0 {
			cfg.Providers[i].RequesterConfig.Timeout = DefaultRequesterTimeout
		}
		if cfg.Providers[i].RequesterConfig.MaxRetries < 0 {
			cfg.Providers[i].RequesterConfig.MaxRetries = 0
		}
	}
	for i := range cfg.KnowledgeBases {
		if cfg.KnowledgeBases[i].Kind == "" {
			cfg.KnowledgeBases[i].Kind = "internal"
		}
		if cfg.KnowledgeBases[i].TopK <= 0 {
			cfg.KnowledgeBases[i].TopK = 5
		}
		if cfg.KnowledgeBases[i].Collection == "" {
			cfg.KnowledgeBases[i].Collection = cfg.KnowledgeBases[i].UUID
		}
	}
	if cfg.VectorDB.Backend == "" {
		cfg.VectorDB.Backend = "memory"
	}
	for i := range cfg.MCPServers {
		if cfg.MCPServers[i].Transport == "" {
			cfg.MCPServers[i].Transport = "stdio"
		}
		if cfg.MCPServers[i].Timeout <= 0 {
			cfg.MCPServers[i].Timeout = 30 * time.Second
		}
	}
}

func validateLLM(cfg *Config) []error {
	var errs []error
	providers := map[string]bool{}
	for i, p := range cfg.Providers {
		if strings.TrimSpace(p.UUID) == "" {
			errs = append(errs, fmt.Errorf("providers[%d].uuid is required", i))
			continue
		}
		if strings.TrimSpace(p.Requester) == "" {
			errs = append(errs, fmt.Errorf("providers[%d].requester is required", i))
		}
		providers[p.UUID] = true
	}
	check := func(section string, models []ModelConfig) {
		for i, m := range models {
			if strings.TrimSpace(m.UUID) == "" {
				errs = append(errs, fmt.Errorf("%s[%d].uuid is required", section, i))
			}
			if !providers[m.Provider] {
				errs = append(errs, fmt.Errorf("%s[%d].provider %q is not a configured provider", section, i, m.Provider))
			}
		}
	}
	check("models", cfg.Models)
	check("embedding_models", cfg.EmbeddingModels)

	for i, kb := range cfg.KnowledgeBases {
		switch kb.Kind {
		case "internal":
			if kb.EmbeddingModel == "" {
				errs = append(errs, fmt.Errorf("knowledge_bases[%d].embedding_model is required for internal knowledge bases", i))
			}
		case "external":
			if kb.Plugin == "" || kb.Retriever == "" {
				errs = append(errs, fmt.Errorf("knowledge_bases[%d] external knowledge bases need plugin and retriever", i))
			}
		default:
			errs = append(errs, fmt.Errorf("knowledge_bases[%d].kind must be internal or external, got %q", i, kb.Kind))
		}
	}
	switch cfg.VectorDB.Backend {
	case "memory":
	case "pgvector":
		if cfg.VectorDB.DSN == "" {
			errs = append(errs, fmt.Errorf("vector_db.dsn is required for pgvector"))
		}
	default:
		errs = append(errs, fmt.Errorf("vector_db.backend must be memory or pgvector, got %q", cfg.VectorDB.Backend))
	}
	for i, s := range cfg.MCPServers {
		switch s.Transport {
		case "stdio":
			if s.Command == "" {
				errs = append(errs, fmt.Errorf("mcp_servers[%d].command is required for stdio", i))
			}
		case "http":
			if s.URL == "" {
				errs = append(errs, fmt.Errorf("mcp_servers[%d].url is required for http", i))
			}
		default:
			errs = append(errs, fmt.Errorf("mcp_servers[%d].transport must be stdio or http", i))
		}
	}
	return errs
}
