package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	json5 "github.com/yosuke-furukawa/json5/encoding/json5"
	"gopkg.in/yaml.v3"
)

const includeKey = "$include"

// Load reads a configuration file, applies environment overrides and defaults,
// loads pipelines_dir and validates the result.
func Load(path string) (*Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, err
	}
	ApplyEnvOverrides(raw, os.Environ())

	var cfg Config
	if err := decodeStrict(raw, &cfg); err != nil {
		return nil, err
	}
	if cfg.PipelinesDir != "" {
		dir := cfg.PipelinesDir
		if !filepath.IsAbs(dir) {
			dir = filepath.Join(filepath.Dir(path), dir)
		}
		cfg.PipelinesDir = dir
		defs, err := LoadPipelines(dir)
		if err != nil {
			return nil, err
		}
		cfg.inlinePipelines = len(cfg.Pipelines)
		cfg.Pipelines = append(cfg.Pipelines, defs...)
	}
	applyDefaults(&cfg)
	if err := validateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// LoadPipelines reads every *.yaml, *.yml, *.json and *.json5 file in dir as a
// PipelineDefinition. Files are read in name order.
func LoadPipelines(dir string) ([]PipelineDefinition, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read pipelines dir: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !isPipelineFile(e.Name()) {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	defs := make([]PipelineDefinition, 0, len(names))
	for _, name := range names {
		def, err := LoadPipelineFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, nil
}

// LoadPipelineFile reads one pipeline definition with defaults applied.
func LoadPipelineFile(path string) (PipelineDefinition, error) {
	var def PipelineDefinition
	raw, err := LoadRaw(path)
	if err != nil {
		return def, err
	}
	if err := decodeStrict(raw, &def); err != nil {
		return def, fmt.Errorf("pipeline %s: %w", filepath.Base(path), err)
	}
	def.Config.ApplyDefaults()
	if err := def.Validate(); err != nil {
		return def, fmt.Errorf("pipeline %s: %w", filepath.Base(path), err)
	}
	return def, nil
}

func isPipelineFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml", ".json", ".json5":
		return true
	}
	return false
}

var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnv substitutes ${VAR} references only; bare $words such as the
// $include key are left intact.
func expandEnv(data []byte) []byte {
	return envRef.ReplaceAllFunc(data, func(m []byte) []byte {
		return []byte(os.Getenv(string(m[2 : len(m)-1])))
	})
}

// LoadRaw reads a configuration file into a merged raw map, resolving $include directives.
func LoadRaw(path string) (map[string]any, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("config path is required")
	}
	return loadRawRecursive(path, map[string]bool{})
}

func loadRawRecursive(path string, visiting map[string]bool) (map[string]any, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	if visiting[abs] {
		return nil, fmt.Errorf("config include cycle at %s", abs)
	}
	visiting[abs] = true
	defer delete(visiting, abs)

	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, err
	}
	raw, err := parseRawBytes(expandEnv(data), abs)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", filepath.Base(abs), err)
	}

	includes, err := popIncludes(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(abs), err)
	}
	// Included files are merged first so the including file wins.
	merged := map[string]any{}
	for _, inc := range includes {
		if !filepath.IsAbs(inc) {
			inc = filepath.Join(filepath.Dir(abs), inc)
		}
		sub, err := loadRawRecursive(inc, visiting)
		if err != nil {
			return nil, err
		}
		deepMerge(merged, sub)
	}
	deepMerge(merged, raw)
	return merged, nil
}

func parseRawBytes(data []byte, pathHint string) (map[string]any, error) {
	raw := map[string]any{}
	ext := strings.ToLower(filepath.Ext(pathHint))
	if ext == ".json" || ext == ".json5" {
		if err := json5.Unmarshal(data, &raw); err != nil {
			return nil, err
		}
	} else {
		dec := yaml.NewDecoder(bytes.NewReader(data))
		if err := dec.Decode(&raw); err != nil && err != io.EOF {
			return nil, err
		}
		if dec.Decode(&struct{}{}) != io.EOF {
			return nil, fmt.Errorf("multiple YAML documents are not supported")
		}
	}
	if raw == nil {
		raw = map[string]any{}
	}
	return raw, nil
}

// popIncludes removes the $include key and returns its non-blank paths.
func popIncludes(raw map[string]any) ([]string, error) {
	val, ok := raw[includeKey]
	delete(raw, includeKey)
	if !ok {
		return nil, nil
	}
	var list []any
	switch v := val.(type) {
	case string:
		list = []any{v}
	case []any:
		list = v
	default:
		return nil, fmt.Errorf("%s must be a path or a list of paths", includeKey)
	}
	paths := make([]string, 0, len(list))
	for _, item := range list {
		p, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("%s entries must be strings", includeKey)
		}
		if strings.TrimSpace(p) != "" {
			paths = append(paths, p)
		}
	}
	return paths, nil
}

// deepMerge copies src into dst, merging nested maps key by key.
func deepMerge(dst, src map[string]any) {
	for k, v := range src {
		sub, isMap := v.(map[string]any)
		existing, hasMap := dst[k].(map[string]any)
		if isMap && hasMap {
			deepMerge(existing, sub)
			continue
		}
		dst[k] = v
	}
}

// decodeStrict re-encodes raw as YAML and decodes it into out rejecting unknown fields.
func decodeStrict(raw map[string]any, out any) error {
	payload, err := yaml.Marshal(raw)
	if err != nil {
		return fmt.Errorf("failed to serialize config: %w", err)
	}
	decoder := yaml.NewDecoder(bytes.NewReader(payload))
	decoder.KnownFields(true)
	if err := decoder.Decode(out); err != nil && err != io.EOF {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	return nil
}
