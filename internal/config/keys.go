package config

import (
	"os"
	"strings"

	"github.com/spf13/viper"
)

// setDefaults sets default values in viper.
func setDefaults(v *viper.Viper) {
	d := DefaultConfig()

	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.grpc_health_port", d.Server.GRPCHealthPort)
	v.SetDefault("server.allowed_origins", d.Server.AllowedOrigins)
	v.SetDefault("server.shutdown_timeout", d.Server.ShutdownTimeout)
	v.SetDefault("server.required_version", d.Server.RequiredVersion)

	v.SetDefault("auth.mode", d.Auth.Mode)
	v.SetDefault("auth.jwt_secret", d.Auth.JWTSecret)
	v.SetDefault("auth.access_token_ttl", d.Auth.AccessTokenTTL)

	v.SetDefault("realtime.stream_timeout", d.Realtime.StreamTimeout)
	v.SetDefault("realtime.inbox_size", d.Realtime.InboxSize)
	v.SetDefault("realtime.max_message_bytes", d.Realtime.MaxMessageBytes)
	v.SetDefault("realtime.max_prompt_chars", d.Realtime.MaxPromptChars)

	v.SetDefault("llm.default_provider", d.LLM.DefaultProvider)
	v.SetDefault("llm.avalai.base_url", d.LLM.AvalAI.BaseURL)
	v.SetDefault("llm.avalai.api_key", d.LLM.AvalAI.APIKey)
	v.SetDefault("llm.avalai.model", d.LLM.AvalAI.Model)
	v.SetDefault("llm.fake_token_delay", d.LLM.FakeTokenDelay)

	v.SetDefault("database.type", d.Database.Type)
	v.SetDefault("database.sqlite_path", d.Database.SQLitePath)
	v.SetDefault("database.postgres_url", d.Database.PostgresURL)

	v.SetDefault("titles.enabled", d.Titles.Enabled)
	v.SetDefault("titles.workers", d.Titles.Workers)
	v.SetDefault("titles.queue_size", d.Titles.QueueSize)
	v.SetDefault("titles.timeout", d.Titles.Timeout)
	v.SetDefault("titles.provider", d.Titles.Provider)
	v.SetDefault("titles.model", d.Titles.Model)

	v.SetDefault("catalog.models_url", d.Catalog.ModelsURL)
	v.SetDefault("catalog.cache_ttl", d.Catalog.CacheTTL)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("logging.file", d.Logging.File)
	v.SetDefault("logging.max_size_mb", d.Logging.MaxSizeMB)
	v.SetDefault("logging.max_backups", d.Logging.MaxBackups)
	v.SetDefault("logging.max_age_days", d.Logging.MaxAgeDays)

	v.SetDefault("audit.enabled", d.Audit.Enabled)
	v.SetDefault("audit.path", d.Audit.Path)

	v.SetDefault("tracing.enabled", d.Tracing.Enabled)
	v.SetDefault("tracing.endpoint", d.Tracing.Endpoint)
	v.SetDefault("tracing.service_name", d.Tracing.ServiceName)
	v.SetDefault("tracing.sampling_rate", d.Tracing.SamplingRate)

	v.SetDefault("rate_limit.enabled", d.RateLimit.Enabled)
	v.SetDefault("rate_limit.requests_per_minute", d.RateLimit.RequestsPerMinute)
	v.SetDefault("rate_limit.burst", d.RateLimit.Burst)
}

// unmarshalConfig reads every known key out of viper into a fresh Config.
func unmarshalConfig(v *viper.Viper) *Config {
	cfg := &Config{}

	cfg.Server.Port = v.GetInt("server.port")
	cfg.Server.GRPCHealthPort = v.GetInt("server.grpc_health_port")
	cfg.Server.AllowedOrigins = splitList(v.GetStringSlice("server.allowed_origins"))
	cfg.Server.ShutdownTimeout = v.GetDuration("server.shutdown_timeout")
	cfg.Server.RequiredVersion = v.GetString("server.required_version")

	cfg.Auth.Mode = strings.ToLower(v.GetString("auth.mode"))
	cfg.Auth.JWTSecret = v.GetString("auth.jwt_secret")
	cfg.Auth.AccessTokenTTL = v.GetDuration("auth.access_token_ttl")

	cfg.Realtime.StreamTimeout = v.GetDuration("realtime.stream_timeout")
	cfg.Realtime.InboxSize = v.GetInt("realtime.inbox_size")
	cfg.Realtime.MaxMessageBytes = v.GetInt64("realtime.max_message_bytes")
	cfg.Realtime.MaxPromptChars = v.GetInt("realtime.max_prompt_chars")

	cfg.LLM.DefaultProvider = strings.ToLower(v.GetString("llm.default_provider"))
	cfg.LLM.AvalAI.BaseURL = v.GetString("llm.avalai.base_url")
	cfg.LLM.AvalAI.APIKey = v.GetString("llm.avalai.api_key")
	cfg.LLM.AvalAI.Model = v.GetString("llm.avalai.model")
	cfg.LLM.FakeTokenDelay = v.GetDuration("llm.fake_token_delay")

	cfg.Database.Type = strings.ToLower(v.GetString("database.type"))
	cfg.Database.SQLitePath = v.GetString("database.sqlite_path")
	cfg.Database.PostgresURL = v.GetString("database.postgres_url")

	cfg.Titles.Enabled = v.GetBool("titles.enabled")
	cfg.Titles.Workers = v.GetInt("titles.workers")
	cfg.Titles.QueueSize = v.GetInt("titles.queue_size")
	cfg.Titles.Timeout = v.GetDuration("titles.timeout")
	cfg.Titles.Provider = v.GetString("titles.provider")
	cfg.Titles.Model = v.GetString("titles.model")

	cfg.Catalog.ModelsURL = v.GetString("catalog.models_url")
	cfg.Catalog.CacheTTL = v.GetDuration("catalog.cache_ttl")

	cfg.Logging.Level = v.GetString("logging.level")
	cfg.Logging.Format = v.GetString("logging.format")
	cfg.Logging.File = v.GetString("logging.file")
	cfg.Logging.MaxSizeMB = v.GetInt("logging.max_size_mb")
	cfg.Logging.MaxBackups = v.GetInt("logging.max_backups")
	cfg.Logging.MaxAgeDays = v.GetInt("logging.max_age_days")

	cfg.Audit.Enabled = v.GetBool("audit.enabled")
	cfg.Audit.Path = v.GetString("audit.path")

	cfg.Tracing.Enabled = v.GetBool("tracing.enabled")
	cfg.Tracing.Endpoint = v.GetString("tracing.endpoint")
	cfg.Tracing.ServiceName = v.GetString("tracing.service_name")
	cfg.Tracing.SamplingRate = v.GetFloat64("tracing.sampling_rate")

	cfg.RateLimit.Enabled = v.GetBool("rate_limit.enabled")
	cfg.RateLimit.RequestsPerMinute = v.GetInt("rate_limit.requests_per_minute")
	cfg.RateLimit.Burst = v.GetInt("rate_limit.burst")

	return cfg
}

// applyEnvOverrides applies the unprefixed environment variables the
// deployment tooling already sets.
func applyEnvOverrides(cfg *Config) {
	if apiKey := os.Getenv("AVALAI_API_KEY"); apiKey != "" {
		cfg.LLM.AvalAI.APIKey = apiKey
	}
	if baseURL := os.Getenv("AVALAI_BASE_URL"); baseURL != "" {
		cfg.LLM.AvalAI.BaseURL = baseURL
	}
	if model := os.Getenv("AVALAI_MODEL"); model != "" {
		cfg.LLM.AvalAI.Model = model
	}
	if p := os.Getenv("DEFAULT_PROVIDER"); p != "" {
		cfg.LLM.DefaultProvider = strings.ToLower(p)
	}
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		cfg.Database.Type = "postgres"
		cfg.Database.PostgresURL = dsn
	}
	if secret := os.Getenv("JWT_SECRET"); secret != "" {
		cfg.Auth.JWTSecret = secret
	}
	if origins := os.Getenv("PYAMOOZ_ALLOWED_ORIGINS"); origins != "" {
		cfg.Server.AllowedOrigins = splitList([]string{origins})
	}
}

// splitList flattens comma separated entries and drops blanks.
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}
