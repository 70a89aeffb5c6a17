package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/pyamooz/pyamooz-chat/internal/version"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed for %s: %s", e.Field, e.Message)
}

// Validate validates the configuration and returns validation errors.
func (c *Config) Validate() []error {
	var errs []error

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, &ValidationError{
			Field:   "server.port",
			Message: fmt.Sprintf("port must be between 1 and 65535, got %d", c.Server.Port),
		})
	}
	if c.Server.GRPCHealthPort < 0 || c.Server.GRPCHealthPort > 65535 {
		errs = append(errs, &ValidationError{
			Field:   "server.grpc_health_port",
			Message: fmt.Sprintf("port must be between 0 and 65535, got %d", c.Server.GRPCHealthPort),
		})
	} else if c.Server.GRPCHealthPort != 0 && c.Server.GRPCHealthPort == c.Server.Port {
		errs = append(errs, &ValidationError{
			Field:   "server.grpc_health_port",
			Message: "grpc health port must differ from the http port",
		})
	}
	if ok, err := version.Satisfies(c.Server.RequiredVersion); err != nil {
		errs = append(errs, &ValidationError{
			Field:   "server.required_version",
			Message: err.Error(),
		})
	} else if !ok {
		errs = append(errs, &ValidationError{
			Field:   "server.required_version",
			Message: fmt.Sprintf("this build (%s) does not satisfy %q", version.Version, c.Server.RequiredVersion),
		})
	}

	validAuthModes := map[string]bool{
		"disabled": true,
		"optional": true,
		"required": true,
	}
	if !validAuthModes[c.Auth.Mode] {
		errs = append(errs, &ValidationError{
			Field:   "auth.mode",
			Message: fmt.Sprintf("invalid auth mode '%s', must be one of: disabled, optional, required", c.Auth.Mode),
		})
	}
	if c.Auth.Mode == "required" && c.Auth.JWTSecret == "" {
		errs = append(errs, &ValidationError{
			Field:   "auth.jwt_secret",
			Message: "jwt_secret is required when auth mode is required",
		})
	}
	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < 16 {
		errs = append(errs, &ValidationError{
			Field:   "auth.jwt_secret",
			Message: "jwt_secret must be at least 16 characters",
		})
	}

	if c.Realtime.StreamTimeout < time.Second {
		errs = append(errs, &ValidationError{
			Field:   "realtime.stream_timeout",
			Message: fmt.Sprintf("stream_timeout must be at least 1s, got %s", c.Realtime.StreamTimeout),
		})
	}
	if c.Realtime.InboxSize < 1 {
		errs = append(errs, &ValidationError{
			Field:   "realtime.inbox_size",
			Message: fmt.Sprintf("inbox_size must be positive, got %d", c.Realtime.InboxSize),
		})
	}
	if c.Realtime.MaxMessageBytes < 1024 {
		errs = append(errs, &ValidationError{
			Field:   "realtime.max_message_bytes",
			Message: fmt.Sprintf("max_message_bytes must be at least 1024, got %d", c.Realtime.MaxMessageBytes),
		})
	}

	validProviders := map[string]bool{
		"fake":   true,
		"avalai": true,
	}
	if c.LLM.DefaultProvider != "" && !validProviders[c.LLM.DefaultProvider] {
		errs = append(errs, &ValidationError{
			Field:   "llm.default_provider",
			Message: fmt.Sprintf("invalid provider '%s', must be one of: fake, avalai", c.LLM.DefaultProvider),
		})
	}
	if c.LLM.AvalAI.BaseURL == "" {
		errs = append(errs, &ValidationError{
			Field:   "llm.avalai.base_url",
			Message: "avalai base_url is required",
		})
	}

	validDatabaseTypes := map[string]bool{
		"sqlite":   true,
		"postgres": true,
	}
	if !validDatabaseTypes[c.Database.Type] {
		errs = append(errs, &ValidationError{
			Field:   "database.type",
			Message: fmt.Sprintf("invalid database type '%s', must be one of: sqlite, postgres", c.Database.Type),
		})
	}
	switch c.Database.Type {
	case "sqlite":
		if c.Database.SQLitePath == "" {
			errs = append(errs, &ValidationError{
				Field:   "database.sqlite_path",
				Message: "sqlite_path is required when database type is sqlite",
			})
		}
	case "postgres":
		if c.Database.PostgresURL == "" {
			errs = append(errs, &ValidationError{
				Field:   "database.postgres_url",
				Message: "postgres_url is required when database type is postgres",
			})
		}
	}

	if c.Titles.Enabled {
		if c.Titles.Workers < 1 {
			errs = append(errs, &ValidationError{
				Field:   "titles.workers",
				Message: fmt.Sprintf("workers must be at least 1, got %d", c.Titles.Workers),
			})
		}
		if c.Titles.QueueSize < 1 {
			errs = append(errs, &ValidationError{
				Field:   "titles.queue_size",
				Message: fmt.Sprintf("queue_size must be at least 1, got %d", c.Titles.QueueSize),
			})
		}
	}

	if c.Catalog.CacheTTL < 0 {
		errs = append(errs, &ValidationError{
			Field:   "catalog.cache_ttl",
			Message: fmt.Sprintf("cache_ttl cannot be negative, got %s", c.Catalog.CacheTTL),
		})
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[strings.ToLower(c.Logging.Level)] {
		errs = append(errs, &ValidationError{
			Field:   "logging.level",
			Message: fmt.Sprintf("invalid log level '%s', must be one of: debug, info, warn, error", c.Logging.Level),
		})
	}
	validLogFormats := map[string]bool{
		"json":    true,
		"console": true,
	}
	if !validLogFormats[strings.ToLower(c.Logging.Format)] {
		errs = append(errs, &ValidationError{
			Field:   "logging.format",
			Message: fmt.Sprintf("invalid log format '%s', must be one of: json, console", c.Logging.Format),
		})
	}

	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		errs = append(errs, &ValidationError{
			Field:   "tracing.sampling_rate",
			Message: fmt.Sprintf("sampling_rate must be between 0 and 1, got %.2f", c.Tracing.SamplingRate),
		})
	}

	if c.RateLimit.Enabled && c.RateLimit.RequestsPerMinute < 1 {
		errs = append(errs, &ValidationError{
			Field:   "rate_limit.requests_per_minute",
			Message: fmt.Sprintf("requests_per_minute must be positive, got %d", c.RateLimit.RequestsPerMinute),
		})
	}

	return errs
}
