package config

import "fmt"

// Validator validates a Config comprehensively, fail-fast, stopping at the
// first error.
type Validator struct {
	cfg *Config
}

// NewValidator creates a validator for cfg.
func NewValidator(cfg *Config) *Validator {
	return &Validator{cfg: cfg}
}

// ValidateAll validates storage, then the processor and hub tuning knobs, in
// that order, since storage backend selection gates whether the others can
// even function. Provider keys are not validated here.
func (v *Validator) ValidateAll() error {
	if err := v.validateStorage(); err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	if err := v.validateProcessor(); err != nil {
		return fmt.Errorf("processor: %w", err)
	}
	if err := v.validateHub(); err != nil {
		return fmt.Errorf("hub: %w", err)
	}
	return nil
}

func (v *Validator) validateStorage() error {
	s := v.cfg.Storage
	switch s.Type {
	case "memory":
	case "sqlite":
		if s.DataPath == "" {
			return fmt.Errorf("AGENT_WORLD_DATA_PATH is required for storage type %q", s.Type)
		}
	case "postgres":
		if s.PGDatabase == "" {
			return fmt.Errorf("AGENT_WORLD_PG_DATABASE is required for storage type %q", s.Type)
		}
		if s.PGHost == "" {
			return fmt.Errorf("AGENT_WORLD_PG_HOST is required for storage type %q", s.Type)
		}
	default:
		return fmt.Errorf("unknown AGENT_WORLD_STORAGE_TYPE %q (want memory, sqlite, or postgres)", s.Type)
	}
	return nil
}

func (v *Validator) validateProcessor() error {
	p := v.cfg.Processor
	if p.PollInterval <= 0 {
		return fmt.Errorf("PROCESSOR_POLL_INTERVAL must be positive, got %s", p.PollInterval)
	}
	if p.MaxConcurrentWorlds <= 0 {
		return fmt.Errorf("PROCESSOR_MAX_CONCURRENT_WORLDS must be positive, got %d", p.MaxConcurrentWorlds)
	}
	if p.WorldIdleTimeout <= 0 {
		return fmt.Errorf("PROCESSOR_WORLD_IDLE_TIMEOUT must be positive, got %s", p.WorldIdleTimeout)
	}
	return nil
}

func (v *Validator) validateHub() error {
	h := v.cfg.Hub
	if h.Addr == "" {
		return fmt.Errorf("HUB_ADDR must not be empty")
	}
	if h.WriteTimeout <= 0 {
		return fmt.Errorf("HUB_WRITE_TIMEOUT must be positive, got %s", h.WriteTimeout)
	}
	return nil
}
