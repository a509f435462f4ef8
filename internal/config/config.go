// Package config loads optional YAML configuration for the CLI.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config holds CLI defaults overridable per command via flags.
type Config struct {
	// Backend selects the store: "sqlite" or "memory".
	Backend string `yaml:"backend"`

	// DatabasePath is the SQLite database file for the sqlite backend.
	DatabasePath string `yaml:"database_path"`

	// BatchSize is the ingest batch size.
	BatchSize int `yaml:"batch_size"`

	// PageSize is the default query page size.
	PageSize int `yaml:"page_size"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Backend:      "sqlite",
		DatabasePath: "netsentry.db",
		BatchSize:    1000,
		PageSize:     50,
	}
}

// Load reads a YAML config file, applying defaults for unset fields.
// An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	if cfg.Backend == "" {
		cfg.Backend = "sqlite"
	}
	if cfg.DatabasePath == "" {
		cfg.DatabasePath = "netsentry.db"
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1000
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 50
	}
	return cfg, nil
}
