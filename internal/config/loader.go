package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/hashicorp/hcl/v2/hclsimple"
)

// LoadFile reads, decodes and validates a configuration file.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return LoadBytes(path, data)
}

// LoadBytes decodes configuration source. The filename selects the syntax:
// .json is HCL JSON, anything else is native HCL.
func LoadBytes(filename string, data []byte) (*Config, error) {
	name := filename
	switch filepath.Ext(filename) {
	case ".hcl", ".json":
	default:
		name += ".hcl"
	}

	var cfg Config
	if err := hclsimple.Decode(name, data, nil, &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", filename, err)
	}
	return &cfg, nil
}
