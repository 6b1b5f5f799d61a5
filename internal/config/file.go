package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// LoadFromFile parses one YAML config file as is: no defaults, no
// environment overrides. Load is what almost every caller wants, this
// exists for tooling that needs the file contents alone.
func LoadFromFile(path string) (*Config, error) {
	// Resolve relative paths up front so errors name the actual file
	// even when the working directory is not what the operator expects.
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", filepath.Base(path), err)
	}
	return cfg, nil
}
