// Package config provides configuration management for Engram.
// It loads settings from environment variables with the ENGRAM_ prefix and
// provides sensible defaults for all configuration options. An optional YAML
// file can supply the same settings; environment variables take precedence
// over file values.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration settings for the Engram daemon.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Storage     StorageConfig     `yaml:"storage"`
	Embedding   EmbeddingConfig   `yaml:"embedding"`
	Security    SecurityConfig    `yaml:"security"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
}

// ServerConfig contains HTTP server configuration.
type ServerConfig struct {
	Host string `yaml:"host"` // Server host (default: 127.0.0.1)
	Port int    `yaml:"port"` // Server port (default: 7171)

	// RateLimitRPS and RateLimitBurst bound request admission per client.
	RateLimitRPS   float64 `yaml:"rate_limit_rps"`
	RateLimitBurst int     `yaml:"rate_limit_burst"`
}

// StorageConfig contains database configuration.
type StorageConfig struct {
	// Engine selects the backend: postgres or sqlite (default: sqlite).
	Engine string `yaml:"engine"`

	// PostgresURL is the connection string for the postgres backend.
	PostgresURL string `yaml:"postgres_url"`

	// SQLitePath is the database file for the sqlite backend.
	SQLitePath string `yaml:"sqlite_path"`
}

// EmbeddingConfig contains embedding provider configuration.
type EmbeddingConfig struct {
	// Provider selects the embedding source: openai or hash (default: hash).
	Provider string `yaml:"provider"`

	OpenAIAPIKey  string `yaml:"openai_api_key"`
	OpenAIBaseURL string `yaml:"openai_base_url"`
	Model         string `yaml:"model"`

	// Dimension is the process-wide vector dimension (default: 768).
	Dimension int `yaml:"dimension"`

	// RequestsPerSecond limits calls to the embedding API. 0 disables it.
	RequestsPerSecond float64 `yaml:"requests_per_second"`

	// CacheSize is the embedding cache capacity in vectors.
	CacheSize int `yaml:"cache_size"`

	// Repair allows the daemon to wipe embeddings stored at a stale
	// dimension on startup instead of refusing to start.
	Repair bool `yaml:"repair"`
}

// SecurityConfig contains authentication settings.
type SecurityConfig struct {
	// Mode is development or production. Production requires APIToken.
	Mode     string `yaml:"mode"`
	APIToken string `yaml:"api_token"`
}

// MaintenanceConfig controls the periodic decay persistence and pruning job.
type MaintenanceConfig struct {
	// Interval between maintenance passes (default: 1h). 0 disables the loop.
	Interval time.Duration `yaml:"interval"`
}

// Load builds a Config from defaults, the optional YAML file at path (empty
// path skips the file), and environment variables, in increasing precedence.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks settings that would otherwise fail late and confusingly.
func (c *Config) Validate() error {
	switch c.Storage.Engine {
	case "postgres":
		if c.Storage.PostgresURL == "" {
			return fmt.Errorf("config: postgres engine requires ENGRAM_POSTGRES_URL")
		}
	case "sqlite":
		if c.Storage.SQLitePath == "" {
			return fmt.Errorf("config: sqlite engine requires a database path")
		}
	default:
		return fmt.Errorf("config: unknown storage engine %q", c.Storage.Engine)
	}

	switch c.Embedding.Provider {
	case "openai":
		if c.Embedding.OpenAIAPIKey == "" {
			return fmt.Errorf("config: openai embedding provider requires ENGRAM_OPENAI_API_KEY")
		}
	case "hash":
	default:
		return fmt.Errorf("config: unknown embedding provider %q", c.Embedding.Provider)
	}

	if c.Embedding.Dimension <= 0 {
		return fmt.Errorf("config: embedding dimension must be positive")
	}
	if c.Security.Mode == "production" && c.Security.APIToken == "" {
		return fmt.Errorf("config: production mode requires ENGRAM_API_TOKEN")
	}
	return nil
}

// Addr returns the host:port the HTTP server binds to.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Host:           "127.0.0.1",
			Port:           7171,
			RateLimitRPS:   25,
			RateLimitBurst: 50,
		},
		Storage: StorageConfig{
			Engine:     "sqlite",
			SQLitePath: "./data/engram.db",
		},
		Embedding: EmbeddingConfig{
			Provider:  "hash",
			Dimension: 768,
			CacheSize: 4096,
		},
		Security: SecurityConfig{
			Mode: "development",
		},
		Maintenance: MaintenanceConfig{
			Interval: time.Hour,
		},
	}
}

// applyEnv overlays ENGRAM_ environment variables onto the config.
func (c *Config) applyEnv() {
	c.Server.Host = getEnv("ENGRAM_HOST", c.Server.Host)
	c.Server.Port = getEnvInt("ENGRAM_PORT", c.Server.Port)
	c.Server.RateLimitRPS = getEnvFloat("ENGRAM_RATE_LIMIT_RPS", c.Server.RateLimitRPS)
	c.Server.RateLimitBurst = getEnvInt("ENGRAM_RATE_LIMIT_BURST", c.Server.RateLimitBurst)

	c.Storage.Engine = getEnv("ENGRAM_STORAGE_ENGINE", c.Storage.Engine)
	c.Storage.PostgresURL = getEnv("ENGRAM_POSTGRES_URL", c.Storage.PostgresURL)
	c.Storage.SQLitePath = getEnv("ENGRAM_SQLITE_PATH", c.Storage.SQLitePath)

	c.Embedding.Provider = getEnv("ENGRAM_EMBEDDING_PROVIDER", c.Embedding.Provider)
	c.Embedding.OpenAIAPIKey = getEnv("ENGRAM_OPENAI_API_KEY", c.Embedding.OpenAIAPIKey)
	c.Embedding.OpenAIBaseURL = getEnv("ENGRAM_OPENAI_BASE_URL", c.Embedding.OpenAIBaseURL)
	c.Embedding.Model = getEnv("ENGRAM_EMBEDDING_MODEL", c.Embedding.Model)
	c.Embedding.Dimension = getEnvInt("ENGRAM_EMBEDDING_DIMENSION", c.Embedding.Dimension)
	c.Embedding.RequestsPerSecond = getEnvFloat("ENGRAM_EMBEDDING_RPS", c.Embedding.RequestsPerSecond)
	c.Embedding.CacheSize = getEnvInt("ENGRAM_EMBEDDING_CACHE_SIZE", c.Embedding.CacheSize)
	c.Embedding.Repair = getEnvBool("ENGRAM_EMBEDDING_REPAIR", c.Embedding.Repair)

	c.Security.Mode = getEnv("ENGRAM_SECURITY_MODE", c.Security.Mode)
	c.Security.APIToken = getEnv("ENGRAM_API_TOKEN", c.Security.APIToken)

	c.Maintenance.Interval = getEnvDuration("ENGRAM_MAINTENANCE_INTERVAL", c.Maintenance.Interval)
}

// getEnv retrieves a string environment variable or returns a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt retrieves an integer environment variable or returns a default
// value. Unparseable values fall back to the default.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvFloat retrieves a float environment variable or returns a default value.
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvBool retrieves a boolean environment variable or returns a default value.
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// getEnvDuration retrieves a duration environment variable ("1h30m") or
// returns a default value.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
