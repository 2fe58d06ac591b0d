// Package config provides YAML-based configuration for kbase.
// Configuration is loaded with a layered precedence: defaults → YAML file → env vars.
// Environment variables always win, so existing workflows are unaffected.
//
// File search order:
//  1. --config CLI flag (explicit path)
//  2. KBASE_CONFIG environment variable
//  3. ~/.kbase/config.yaml
//  4. ./kbase.yaml
//
// If no file is found the system runs entirely from env vars.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the top-level YAML configuration structure.
// Field names use yaml tags that mirror the env var naming (lowercase, underscored).
type Config struct {
	// Embedding configures the embedding backend.
	Embedding EmbeddingConfig `yaml:"embedding"`

	// Qdrant configures the Qdrant vector store connection.
	Qdrant QdrantConfig `yaml:"qdrant"`

	// Storage configures the metadata database and the blob directory.
	Storage StorageConfig `yaml:"storage"`

	// Limits configures upload and batch bounds.
	Limits LimitsConfig `yaml:"limits"`

	// Logging configures structured logging.
	Logging LoggingConfig `yaml:"logging"`
}

// EmbeddingConfig holds embedding backend settings.
type EmbeddingConfig struct {
	// Backend selects the implementation: ollama, openai.
	Backend string `yaml:"backend"`
	// Model is the default embedding model name; each knowledge base may
	// override it.
	Model string `yaml:"model"`
	// Dimensions overrides the embedding vector size.
	Dimensions int `yaml:"dimensions"`
	// APIKey is the embedding API key. Prefer env var EMBEDDING_API_KEY.
	APIKey string `yaml:"api_key"`
	// Endpoint is the embedding API endpoint.
	Endpoint string `yaml:"endpoint"`
}

// QdrantConfig holds Qdrant vector store settings.
type QdrantConfig struct {
	// Host is the Qdrant server hostname.
	Host string `yaml:"host"`
	// Port is the Qdrant gRPC port.
	Port int `yaml:"port"`
	// APIKey is the Qdrant API key. Prefer env var QDRANT_API_KEY.
	APIKey string `yaml:"api_key"`
	// TLS enables TLS for the Qdrant connection.
	TLS bool `yaml:"tls"`
}

// StorageConfig holds local storage settings.
type StorageConfig struct {
	// DBPath is the SQLite metadata database path.
	DBPath string `yaml:"db_path"`
	// BlobDir is the root directory for uploaded file content.
	BlobDir string `yaml:"blob_dir"`
}

// LimitsConfig holds upload and batch bounds.
type LimitsConfig struct {
	// MaxUploadMB caps uploaded file content in MiB.
	MaxUploadMB int `yaml:"max_upload_mb"`
	// BatchWorkers bounds concurrent pipeline runs in a batch.
	BatchWorkers int `yaml:"batch_workers"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: debug, info, warn, error.
	Level string `yaml:"level"`
	// Format is the log output format: json, text.
	Format string `yaml:"format"`
}

// envMapping maps YAML config fields to their corresponding env var names.
// Only non-empty YAML values are applied; env vars always take precedence.
var envMapping = []struct {
	envKey string
	value  func(*Config) string
}{
	{"EMBEDDING_BACKEND", func(c *Config) string { return c.Embedding.Backend }},
	{"EMBEDDING_MODEL", func(c *Config) string { return c.Embedding.Model }},
	{"EMBEDDING_DIMENSIONS", func(c *Config) string { return intStr(c.Embedding.Dimensions) }},
	{"EMBEDDING_API_KEY", func(c *Config) string { return c.Embedding.APIKey }},
	{"EMBEDDING_ENDPOINT", func(c *Config) string { return c.Embedding.Endpoint }},
	{"QDRANT_HOST", func(c *Config) string { return c.Qdrant.Host }},
	{"QDRANT_PORT", func(c *Config) string { return intStr(c.Qdrant.Port) }},
	{"QDRANT_API_KEY", func(c *Config) string { return c.Qdrant.APIKey }},
	{"QDRANT_TLS", func(c *Config) string { return boolStr(c.Qdrant.TLS) }},
	{"KBASE_DB", func(c *Config) string { return c.Storage.DBPath }},
	{"KBASE_BLOB_DIR", func(c *Config) string { return c.Storage.BlobDir }},
	{"KBASE_MAX_UPLOAD_MB", func(c *Config) string { return intStr(c.Limits.MaxUploadMB) }},
	{"KBASE_BATCH_WORKERS", func(c *Config) string { return intStr(c.Limits.BatchWorkers) }},
	{"LOG_LEVEL", func(c *Config) string { return c.Logging.Level }},
	{"LOG_FORMAT", func(c *Config) string { return c.Logging.Format }},
}

// Load reads a YAML config file and applies non-empty values as environment
// variables. Existing env vars are never overwritten (env always wins).
// Returns the path that was loaded, or empty string if no file was found.
func Load(explicitPath string, log *slog.Logger) (string, error) {
	path := resolveConfigPath(explicitPath)
	if path == "" {
		log.Debug("config: no YAML config file found, using env vars only")
		return "", nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("config: failed to read %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return "", fmt.Errorf("config: failed to parse %s: %w", path, err)
	}

	applied := 0
	for _, m := range envMapping {
		yamlVal := m.value(&cfg)
		if yamlVal == "" || yamlVal == "0" || yamlVal == "false" {
			continue
		}
		if os.Getenv(m.envKey) != "" {
			continue // env var already set, do not override
		}
		os.Setenv(m.envKey, yamlVal)
		applied++
	}

	log.Info("config: loaded YAML config",
		slog.String("path", path),
		slog.Int("keys_applied", applied),
	)

	return path, nil
}

// Settings is the resolved runtime configuration read back from the
// environment after Load has layered the YAML file under it.
type Settings struct {
	EmbeddingBackend    string
	EmbeddingModel      string
	EmbeddingDimensions int
	EmbeddingAPIKey     string
	EmbeddingEndpoint   string

	QdrantHost   string
	QdrantPort   int
	QdrantAPIKey string
	QdrantTLS    bool

	DBPath  string
	BlobDir string

	MaxUploadMB  int
	BatchWorkers int
}

// FromEnv resolves the final Settings from the environment, applying
// defaults for anything unset.
func FromEnv() Settings {
	s := Settings{
		EmbeddingBackend:    envOr("EMBEDDING_BACKEND", "ollama"),
		EmbeddingModel:      os.Getenv("EMBEDDING_MODEL"),
		EmbeddingDimensions: envInt("EMBEDDING_DIMENSIONS", 0),
		EmbeddingAPIKey:     os.Getenv("EMBEDDING_API_KEY"),
		EmbeddingEndpoint:   os.Getenv("EMBEDDING_ENDPOINT"),

		QdrantHost:   envOr("QDRANT_HOST", "localhost"),
		QdrantPort:   envInt("QDRANT_PORT", 6334),
		QdrantAPIKey: os.Getenv("QDRANT_API_KEY"),
		QdrantTLS:    os.Getenv("QDRANT_TLS") == "true",

		DBPath:  os.Getenv("KBASE_DB"),
		BlobDir: os.Getenv("KBASE_BLOB_DIR"),

		MaxUploadMB:  envInt("KBASE_MAX_UPLOAD_MB", 50),
		BatchWorkers: envInt("KBASE_BATCH_WORKERS", 4),
	}

	if s.DBPath == "" || s.BlobDir == "" {
		base := dataDir()
		if s.DBPath == "" {
			s.DBPath = filepath.Join(base, "kbase.db")
		}
		if s.BlobDir == "" {
			s.BlobDir = filepath.Join(base, "blobs")
		}
	}
	return s
}

// dataDir returns the default ~/.kbase data directory, falling back to a
// relative directory when the home directory cannot be resolved.
func dataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".kbase"
	}
	return filepath.Join(home, ".kbase")
}

// resolveConfigPath returns the first config file path that exists.
func resolveConfigPath(explicit string) string {
	if explicit != "" {
		if _, err := os.Stat(explicit); err == nil {
			return explicit
		}
		return ""
	}

	if envPath := os.Getenv("KBASE_CONFIG"); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}

	home, err := os.UserHomeDir()
	if err == nil {
		p := filepath.Join(home, ".kbase", "config.yaml")
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}

	if _, err := os.Stat("kbase.yaml"); err == nil {
		return "kbase.yaml"
	}

	return ""
}

// envOr returns the env var value, or fallback when unset.
func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// envInt returns the env var parsed as int, or fallback when unset or invalid.
func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return fallback
	}
	return n
}

// intStr converts an int to string, returning "" for zero values.
func intStr(v int) string {
	if v == 0 {
		return ""
	}
	return fmt.Sprintf("%d", v)
}

// boolStr converts a bool to string, returning "" for false.
func boolStr(v bool) string {
	if !v {
		return ""
	}
	return "true"
}
