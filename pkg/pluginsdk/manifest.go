// Package pluginsdk is the contract between switchboard and in-process
// plugins: manifests, events, tools, commands and knowledge retrievers.
package pluginsdk

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// DefaultPriority orders plugins that do not declare a priority.
const DefaultPriority = 50

// Manifest describes a plugin. ConfigSchema is optional; when present the
// plugin's settings are validated against it before Setup.
type Manifest struct {
	Author       string          `json:"author"`
	Name         string          `json:"name"`
	Version      string          `json:"version,omitempty"`
	Description  string          `json:"description,omitempty"`
	Priority     int             `json:"priority,omitempty"`
	ConfigSchema json.RawMessage `json:"configSchema,omitempty"`
}

// ID returns the "author/name" identifier used by pipeline bindings.
func (m *Manifest) ID() string {
	return m.Author + "/" + m.Name
}

// EffectivePriority returns Priority or DefaultPriority. Lower runs first.
func (m *Manifest) EffectivePriority() int {
	if m.Priority == 0 {
		return DefaultPriority
	}
	return m.Priority
}

func (m *Manifest) Validate() error {
	if m == nil {
		return fmt.Errorf("manifest is nil")
	}
	if strings.TrimSpace(m.Author) == "" {
		return fmt.Errorf("manifest author is required")
	}
	if strings.TrimSpace(m.Name) == "" {
		return fmt.Errorf("manifest name is required")
	}
	if strings.Contains(m.Author, "/") || strings.Contains(m.Name, "/") {
		return fmt.Errorf("manifest author and name must not contain '/'")
	}
	return nil
}

// ValidateConfig validates plugin settings against the manifest schema.
func (m *Manifest) ValidateConfig(config any) error {
	if err := m.Validate(); err != nil {
		return err
	}
	if len(m.ConfigSchema) == 0 {
		return nil
	}

	schema, err := compileSchema(m.ConfigSchema)
	if err != nil {
		return fmt.Errorf("compile plugin schema: %w", err)
	}
	if err := ValidateAgainst(schema, config); err != nil {
		return fmt.Errorf("plugin config invalid: %w", err)
	}
	return nil
}

// ValidateAgainst normalises value through JSON and validates it.
func ValidateAgainst(schema *jsonschema.Schema, value any) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode value: %w", err)
	}
	var decoded any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return fmt.Errorf("decode value: %w", err)
	}
	return schema.Validate(decoded)
}

var schemaCache sync.Map

// CompileSchema compiles and caches a JSON schema document.
func CompileSchema(schema []byte) (*jsonschema.Schema, error) {
	return compileSchema(schema)
}

func compileSchema(schema []byte) (*jsonschema.Schema, error) {
	key := string(schema)
	if cached, ok := schemaCache.Load(key); ok {
		if compiled, ok := cached.(*jsonschema.Schema); ok {
			return compiled, nil
		}
	}

	compiled, err := jsonschema.CompileString("schema.json", key)
	if err != nil {
		return nil, err
	}
	schemaCache.Store(key, compiled)
	return compiled, nil
}
