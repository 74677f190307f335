// Package config loads the orchestrator's runtime configuration: storage
// backend selection, provider credentials, processor/hub tuning, and
// logging verbosity: YAML + env-var expansion + mergo defaults + fail-fast
// validation, condensed to this domain's much smaller surface.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
)

// Config is the umbrella object returned by Load, holding everything the
// cmd/worldd entrypoint needs to wire storage, the queue processor, and the
// subscription hub.
type Config struct {
	configDir string

	Storage   StorageConfig   `yaml:"storage"`
	Providers ProvidersConfig `yaml:"providers"`
	Processor ProcessorConfig `yaml:"processor"`
	Hub       HubConfig       `yaml:"hub"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// StorageConfig selects and parameterizes one of the three Storage Contract
// tiers: memory, sqlite, or postgres.
type StorageConfig struct {
	// Type is one of "memory", "sqlite", "postgres". Set from
	// AGENT_WORLD_STORAGE_TYPE.
	Type string `yaml:"type"`

	// DataPath is the sqlite file path, set from AGENT_WORLD_DATA_PATH.
	// Unused for memory and postgres.
	DataPath string `yaml:"data_path"`

	// Postgres connection parameters, read individually so defaults can
	// apply to each (see defaults.go).
	PGHost     string `yaml:"pg_host"`
	PGPort     int    `yaml:"pg_port"`
	PGUser     string `yaml:"pg_user"`
	PGPassword string `yaml:"pg_password"`
	PGDatabase string `yaml:"pg_database"`
	PGSSLMode  string `yaml:"pg_sslmode"`
}

// ProvidersConfig carries LLM provider API keys. Empty means that provider
// is unavailable: no client is built for it at startup, and agents
// configured against it produce no reply rather than failing the boot.
type ProvidersConfig struct {
	AnthropicAPIKey string `yaml:"anthropic_api_key"`
	OpenAIAPIKey    string `yaml:"openai_api_key"`
}

// ProcessorConfig tunes the Queue Processor's (C7) polling loop.
type ProcessorConfig struct {
	PollInterval        time.Duration `yaml:"poll_interval"`
	PollIntervalJitter  time.Duration `yaml:"poll_interval_jitter"`
	WorldIdleTimeout    time.Duration `yaml:"world_idle_timeout"`
	ShutdownGrace       time.Duration `yaml:"shutdown_grace"`
	MaxConcurrentWorlds int           `yaml:"max_concurrent_worlds"`
}

// HubConfig tunes the Subscription Hub's (C8) websocket server.
type HubConfig struct {
	Addr         string        `yaml:"addr"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// LoggingConfig drives internal/logging's category leveler.
type LoggingConfig struct {
	// Levels is the raw LOGGER_LEVELS value: a comma-separated list of
	// category=level pairs, e.g. "queue=debug,hub=warn". A bare level
	// with no "=" sets the default level for every category not named
	// explicitly.
	Levels string `yaml:"levels"`
}

// ConfigDir returns the directory Load read .env and YAML overrides from,
// for logging/diagnostics.
func (c *Config) ConfigDir() string {
	return c.configDir
}

// Load reads .env (if present) from configDir, applies defaults, merges in
// an optional world.yaml from configDir, overlays environment variables
// (highest precedence), and validates the result. configDir may be empty,
// in which case only defaults and process environment variables apply.
func Load(configDir string) (*Config, error) {
	if configDir != "" {
		loadDotEnv(configDir)
	}

	cfg := &Config{configDir: configDir}
	applyDefaults(cfg)

	if configDir != "" {
		if err := mergeYAMLFile(cfg, configDir); err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
	}

	overlayEnv(cfg)

	if err := NewValidator(cfg).ValidateAll(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

func loadDotEnv(configDir string) {
	path := configDir + string(os.PathSeparator) + ".env"
	if _, err := os.Stat(path); err != nil {
		return
	}
	// Best-effort: a malformed .env should not block startup when the
	// process environment already carries what's needed.
	_ = godotenv.Load(path)
}
