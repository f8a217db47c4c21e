package config

import (
	"strconv"
	"strings"
)

// envSeparator separates path segments in override variable names, so
// CONCURRENCY__PIPELINE=8 sets concurrency.pipeline.
const envSeparator = "__"

// ApplyEnvOverrides maps KEY__SUB=value environment entries onto existing scalar
// fields of raw. Matching is case-insensitive and "_" matches "-". Values are
// converted to the type of the value they replace; maps, lists and missing keys
// are left alone. It returns the dotted paths that were overridden.
func ApplyEnvOverrides(raw map[string]any, environ []string) []string {
	var applied []string
	for _, entry := range environ {
		name, value, ok := strings.Cut(entry, "=")
		if !ok || !strings.Contains(name, envSeparator) {
			continue
		}
		segments := strings.Split(name, envSeparator)
		if path, ok := overrideScalar(raw, segments, value); ok {
			applied = append(applied, path)
		}
	}
	return applied
}

func overrideScalar(raw map[string]any, segments []string, value string) (string, bool) {
	node := raw
	path := make([]string, 0, len(segments))
	for i, seg := range segments {
		key, ok := matchKey(node, seg)
		if !ok {
			return "", false
		}
		path = append(path, key)
		if i < len(segments)-1 {
			child, ok := node[key].(map[string]any)
			if !ok {
				return "", false
			}
			node = child
			continue
		}
		converted, ok := convertScalar(node[key], value)
		if !ok {
			return "", false
		}
		node[key] = converted
	}
	return strings.Join(path, "."), true
}

func matchKey(node map[string]any, segment string) (string, bool) {
	want := normalizeKey(segment)
	for key := range node {
		if normalizeKey(key) == want {
			return key, true
		}
	}
	return "", false
}

func normalizeKey(key string) string {
	return strings.ReplaceAll(strings.ToLower(key), "-", "_")
}

func convertScalar(existing any, value string) (any, bool) {
	switch existing.(type) {
	case map[string]any, []any:
		return nil, false
	case bool:
		b, err := strconv.ParseBool(value)
		return b, err == nil
	case int:
		n, err := strconv.Atoi(value)
		return n, err == nil
	case int64:
		n, err := strconv.ParseInt(value, 10, 64)
		return n, err == nil
	case float64:
		f, err := strconv.ParseFloat(value, 64)
		return f, err == nil
	default:
		return value, true
	}
}
