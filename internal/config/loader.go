package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// fileSchema is the on-disk layout: a [servers] table holding the ordered
// server array, and a [config] table with the tuning knobs.
type fileSchema struct {
	Servers struct {
		Servers []ServerConfig `json:"servers" yaml:"servers" toml:"servers"`
	} `json:"servers" yaml:"servers" toml:"servers"`
	Config AppConfig `json:"config" yaml:"config" toml:"config"`
}

// Load reads and validates a configuration file. The format follows the
// extension: .toml (canonical), .yaml/.yml, or .json. Absent knobs keep
// their defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, fmt.Errorf("empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var schema fileSchema
	schema.Config = DefaultAppConfig()
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".toml", "":
		if err := toml.Unmarshal(b, &schema); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &schema); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	case ".json":
		if err := json.Unmarshal(b, &schema); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	default:
		return nil, fmt.Errorf("unsupported config extension: %s", ext)
	}

	cfg := &Config{Servers: schema.Servers.Servers, App: schema.Config}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Marshal serialises a Config back to TOML in the file layout. Server order
// is preserved.
func Marshal(cfg *Config) ([]byte, error) {
	var schema fileSchema
	schema.Servers.Servers = cfg.Servers
	schema.Config = cfg.App
	return toml.Marshal(schema)
}
