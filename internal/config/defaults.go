package config

import "time"

// DefaultConfig returns a configuration with all default values.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Server.Port = 8000
	cfg.Server.GRPCHealthPort = 0
	cfg.Server.AllowedOrigins = []string{"http://localhost:3000", "http://localhost:5173", "http://localhost:8000"}
	cfg.Server.ShutdownTimeout = 10 * time.Second

	cfg.Auth.Mode = "optional"
	cfg.Auth.AccessTokenTTL = time.Hour

	cfg.Realtime.StreamTimeout = 120 * time.Second
	cfg.Realtime.InboxSize = 32
	cfg.Realtime.MaxMessageBytes = 512 * 1024
	cfg.Realtime.MaxPromptChars = 4000

	cfg.LLM.DefaultProvider = "fake"
	cfg.LLM.AvalAI.BaseURL = "https://api.avalai.ir/v1"
	cfg.LLM.AvalAI.Model = "gpt-4o-mini"

	cfg.Database.Type = "sqlite"
	cfg.Database.SQLitePath = "pyamooz.db"

	cfg.Titles.Enabled = true
	cfg.Titles.Workers = 2
	cfg.Titles.QueueSize = 100
	cfg.Titles.Timeout = 30 * time.Second

	cfg.Catalog.ModelsURL = "https://api.avalai.ir/public/models"
	cfg.Catalog.CacheTTL = 300 * time.Second

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"
	cfg.Logging.MaxSizeMB = 100
	cfg.Logging.MaxBackups = 5
	cfg.Logging.MaxAgeDays = 30

	cfg.Audit.Enabled = false
	cfg.Audit.Path = "audit.log"

	cfg.Tracing.ServiceName = "pyamooz-chat"
	cfg.Tracing.SamplingRate = 1.0

	cfg.RateLimit.Enabled = true
	cfg.RateLimit.RequestsPerMinute = 120
	cfg.RateLimit.Burst = 20

	return cfg
}
