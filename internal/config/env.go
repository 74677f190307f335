package config

import (
	"os"
	"strconv"
	"time"
)

// overlayEnv reads the documented environment variables plus internal
// tuning knobs, overwriting defaults wherever a variable is set. Mirrors
// the envexpand.go idiom of os.ExpandEnv-style
// environment resolution, applied directly to struct fields; ${VAR}
// references inside world.yaml are expanded separately by mergeYAMLFile.
func overlayEnv(cfg *Config) {
	// Storage backend selection.
	setString(&cfg.Storage.Type, "AGENT_WORLD_STORAGE_TYPE")
	setString(&cfg.Storage.DataPath, "AGENT_WORLD_DATA_PATH")
	setString(&cfg.Storage.PGHost, "AGENT_WORLD_PG_HOST")
	setInt(&cfg.Storage.PGPort, "AGENT_WORLD_PG_PORT")
	setString(&cfg.Storage.PGUser, "AGENT_WORLD_PG_USER")
	setString(&cfg.Storage.PGPassword, "AGENT_WORLD_PG_PASSWORD")
	setString(&cfg.Storage.PGDatabase, "AGENT_WORLD_PG_DATABASE")
	setString(&cfg.Storage.PGSSLMode, "AGENT_WORLD_PG_SSLMODE")

	// Provider-specific API keys.
	setString(&cfg.Providers.AnthropicAPIKey, "ANTHROPIC_API_KEY")
	setString(&cfg.Providers.OpenAIAPIKey, "OPENAI_API_KEY")

	// Queue Processor tuning.
	setDuration(&cfg.Processor.PollInterval, "PROCESSOR_POLL_INTERVAL")
	setDuration(&cfg.Processor.PollIntervalJitter, "PROCESSOR_POLL_JITTER")
	setDuration(&cfg.Processor.WorldIdleTimeout, "PROCESSOR_WORLD_IDLE_TIMEOUT")
	setDuration(&cfg.Processor.ShutdownGrace, "PROCESSOR_SHUTDOWN_GRACE")
	setInt(&cfg.Processor.MaxConcurrentWorlds, "PROCESSOR_MAX_CONCURRENT_WORLDS")

	// Subscription Hub tuning.
	setString(&cfg.Hub.Addr, "HUB_ADDR")
	setDuration(&cfg.Hub.WriteTimeout, "HUB_WRITE_TIMEOUT")

	// Category leveler: comma-separated category list.
	setString(&cfg.Logging.Levels, "LOGGER_LEVELS")
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return
	}
	if n, err := strconv.Atoi(v); err == nil {
		*dst = n
	}
}

func setDuration(dst *time.Duration, key string) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return
	}
	if d, err := time.ParseDuration(v); err == nil {
		*dst = d
	}
}
