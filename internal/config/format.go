package config

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	yaml "go.yaml.in/yaml/v3"
)

// coerceToJSONBytes converts YAML and TOML configs to JSON so every format
// goes through the same strict JSON decoder (DisallowUnknownFields).
//
// Returns (jsonBytes, format, err) where format is "json", "yaml" or "toml".
func coerceToJSONBytes(path string, data []byte) ([]byte, string, error) {
	var format string
	var v any
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		format = "yaml"
		if err := yaml.Unmarshal(data, &v); err != nil {
			return nil, format, fmt.Errorf("yaml unmarshal: %w", err)
		}
	case ".toml":
		format = "toml"
		if err := toml.Unmarshal(data, &v); err != nil {
			return nil, format, fmt.Errorf("toml unmarshal: %w", err)
		}
	default:
		return data, "json", nil
	}

	j, err := json.Marshal(normalize(v))
	if err != nil {
		return nil, format, fmt.Errorf("%s->json marshal: %w", format, err)
	}
	return j, format, nil
}

// normalize ensures all map keys are strings so the result can be JSON-marshaled.
func normalize(in any) any {
	switch x := in.(type) {
	case map[any]any:
		m := make(map[string]any, len(x))
		for k, v := range x {
			m[fmt.Sprint(k)] = normalize(v)
		}
		return m
	case map[string]any:
		for k, v := range x {
			x[k] = normalize(v)
		}
		return x
	case []any:
		for i := range x {
			x[i] = normalize(x[i])
		}
		return x
	default:
		return in
	}
}
