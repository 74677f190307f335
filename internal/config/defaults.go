package config

import "time"

func applyDefaults(cfg *Config) {
	cfg.Storage = StorageConfig{
		Type:      "memory",
		DataPath:  "./data/world.db",
		PGHost:    "localhost",
		PGPort:    5432,
		PGUser:    "postgres",
		PGSSLMode: "disable",
	}

	cfg.Processor = ProcessorConfig{
		PollInterval:        1 * time.Second,
		PollIntervalJitter:  200 * time.Millisecond,
		WorldIdleTimeout:    60 * time.Second,
		ShutdownGrace:       30 * time.Second,
		MaxConcurrentWorlds: 5,
	}

	cfg.Hub = HubConfig{
		Addr:         ":8080",
		WriteTimeout: 5 * time.Second,
	}

	cfg.Logging = LoggingConfig{
		Levels: "info",
	}
}
