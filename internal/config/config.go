// Package config provides configuration management for Typedex. Settings are
// loaded from environment variables with the TYPEDEX_ prefix, optionally
// overlaid by a YAML file, with sensible defaults for every option.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration settings for Typedex.
type Config struct {
	Storage StorageConfig `yaml:"storage"`
	Vector  VectorConfig  `yaml:"vector"`
}

// StorageConfig contains backend selection inputs.
type StorageConfig struct {
	// PostgresDSN is the connection string for the preferred backend.
	// Empty means the postgres probe is skipped entirely.
	PostgresDSN string `yaml:"postgres_dsn"`

	// DataPath is the directory holding the SQLite database and the
	// fallback snapshot (default: ./data).
	DataPath string `yaml:"data_path"`
}

// VectorConfig contains embedding and index settings.
type VectorConfig struct {
	// Dimension is the fixed embedding dimension (default: 384).
	Dimension int `yaml:"dimension"`

	// IndexCapacity is the maximum element count of the in-process
	// vector index (default: 20000).
	IndexCapacity int `yaml:"index_capacity"`
}

// Load builds the configuration from environment variables with defaults.
func Load() *Config {
	return &Config{
		Storage: StorageConfig{
			PostgresDSN: getEnv("TYPEDEX_POSTGRES_DSN", ""),
			DataPath:    getEnv("TYPEDEX_DATA_PATH", "./data"),
		},
		Vector: VectorConfig{
			Dimension:     getEnvInt("TYPEDEX_EMBEDDING_DIM", 384),
			IndexCapacity: getEnvInt("TYPEDEX_INDEX_CAPACITY", 20000),
		},
	}
}

// LoadFile loads the environment-based configuration and overlays it with
// the YAML file at path. Values present in the file take precedence; absent
// values keep their environment/default result.
func LoadFile(path string) (*Config, error) {
	cfg := Load()

	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: failed to read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(buf, cfg); err != nil {
		return nil, fmt.Errorf("config: failed to parse %s: %w", path, err)
	}

	cfg.applyDefaults()
	return cfg, nil
}

// applyDefaults restores defaults for values zeroed by a partial YAML file.
func (c *Config) applyDefaults() {
	if c.Storage.DataPath == "" {
		c.Storage.DataPath = "./data"
	}
	if c.Vector.Dimension <= 0 {
		c.Vector.Dimension = 384
	}
	if c.Vector.IndexCapacity <= 0 {
		c.Vector.IndexCapacity = 20000
	}
}

// getEnv retrieves a string environment variable with a default.
func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// getEnvInt retrieves an integer environment variable with a default.
// Unparseable values fall back silently to the default.
func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
