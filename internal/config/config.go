package config

import (
	"context"
	"time"
)

// Package config provides configuration management for pyamooz-chat.
//
// Configuration Sources (priority order, high to low):
//  1. Conventional environment variables (AVALAI_API_KEY, DATABASE_URL, JWT_SECRET, ...)
//  2. Prefixed environment variables (PYAMOOZ_* with "." replaced by "_")
//  3. YAML config file (default: ./config.yaml, missing file is not an error)
//  4. Built-in defaults (lowest priority)
//
// Main Configuration Sections:
//
//  1. Server     - HTTP listen port, gRPC health port, allowed WebSocket origins
//  2. Auth       - mode (disabled | optional | required) and JWT secret
//  3. Realtime   - stream timeout, inbox size, frame and prompt limits
//  4. LLM        - default provider, AvalAI credentials, title model
//  5. Database   - sqlite or postgres
//  6. Titles     - background title worker pool
//  7. Catalog    - public model list source and cache lifetime
//  8. Logging    - level, format, optional rotated file
//  9. Audit      - audit trail file
//  10. Tracing   - OTLP endpoint and sampling
//  11. RateLimit - per-IP request budget
//
// Only the log level and the stream timeout are applied on hot reload.

// Config struct contains all configuration fields
type Config struct {
	Server struct {
		Port int
		// GRPCHealthPort serves grpc.health.v1; 0 disables it.
		GRPCHealthPort int
		// AllowedOrigins is a list of origins permitted to open WebSocket connections
		// and to make CORS requests. Use ["*"] to allow any origin (development only).
		AllowedOrigins  []string
		ShutdownTimeout time.Duration
		// RequiredVersion is a semver constraint the binary must satisfy to
		// load this file; empty accepts any build.
		RequiredVersion string
	}

	Auth struct {
		Mode           string
		JWTSecret      string
		AccessTokenTTL time.Duration
	}

	Realtime struct {
		StreamTimeout   time.Duration
		InboxSize       int
		MaxMessageBytes int64
		MaxPromptChars  int
	}

	LLM struct {
		DefaultProvider string
		AvalAI          struct {
			BaseURL string
			APIKey  string
			Model   string
		}
		// FakeTokenDelay slows the fake provider down; useful for demos of cancel.
		FakeTokenDelay time.Duration
	}

	Database struct {
		Type        string
		SQLitePath  string
		PostgresURL string
	}

	Titles struct {
		Enabled   bool
		Workers   int
		QueueSize int
		Timeout   time.Duration
		Provider  string
		Model     string
	}

	Catalog struct {
		ModelsURL string
		CacheTTL  time.Duration
	}

	Logging struct {
		Level      string
		Format     string
		File       string
		MaxSizeMB  int
		MaxBackups int
		MaxAgeDays int
	}

	Audit struct {
		Enabled bool
		Path    string
	}

	Tracing struct {
		Enabled      bool
		Endpoint     string
		ServiceName  string
		SamplingRate float64
	}

	RateLimit struct {
		Enabled           bool
		RequestsPerMinute int
		Burst             int
	}
}

// ConfigManager defines the interface for configuration access.
type ConfigManager interface {
	// Load loads configuration from all sources.
	Load(ctx context.Context) error

	// Get returns the current configuration.
	Get(ctx context.Context) *Config

	// Validate validates configuration is correct and complete.
	Validate(ctx context.Context) error

	// Watch watches the config file and delivers reloaded configurations.
	Watch(ctx context.Context) <-chan Config

	// Reload reloads configuration from sources.
	Reload(ctx context.Context) error
}

// NewConfigManager creates a new configuration manager.
func NewConfigManager(configPath string) (ConfigManager, error) {
	mgr := &viperConfigManager{
		configPath: configPath,
		config:     DefaultConfig(),
		watchChan:  make(chan Config, 1),
	}
	return mgr, nil
}

// NewConfigManagerWithDefaults creates a config manager with default config path.
func NewConfigManagerWithDefaults() (ConfigManager, error) {
	return NewConfigManager("config.yaml")
}
