package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Loader reads a plan file into the flat configuration map.
type Loader interface {
	Load(ctx context.Context, path string) (map[string]interface{}, error)
}

// LoadFile picks a loader from the file extension and loads path.
func LoadFile(ctx context.Context, path string) (map[string]interface{}, error) {
	loader, err := LoaderFor(path)
	if err != nil {
		return nil, err
	}
	raw, err := loader.Load(ctx, path)
	if err != nil {
		return nil, err
	}
	return Normalize(raw).(map[string]interface{}), nil
}

// LoaderFor returns the loader registered for the extension of path.
func LoaderFor(path string) (Loader, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml", ".json":
		return YAMLLoader{}, nil
	case ".cue":
		return NewCUELoader(), nil
	case ".star":
		return NewStarlarkLoader(0), nil
	case ".hcl":
		return HCLLoader{}, nil
	default:
		return nil, fmt.Errorf("unsupported plan file extension %q", filepath.Ext(path))
	}
}

// YAMLLoader loads YAML or JSON plan files. The document must be a mapping.
type YAMLLoader struct{}

// Load implements Loader.
func (YAMLLoader) Load(_ context.Context, path string) (map[string]interface{}, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read plan file: %w", err)
	}
	return ParseYAML(data)
}

// ParseYAML decodes a YAML or JSON mapping.
func ParseYAML(data []byte) (map[string]interface{}, error) {
	var raw map[string]interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse plan: %w", err)
	}
	if raw == nil {
		raw = make(map[string]interface{})
	}
	return raw, nil
}
