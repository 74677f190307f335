package config

import (
	"fmt"
	"os"
	"path/filepath"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// mergeYAMLFile loads configDir/world.yaml, if present, expands environment
// variables in it, parses it, and merges it onto cfg's already-applied
// defaults via mergo, condensed to one optional file instead of a
// built-in/user pair since this system has no separate built-in baseline to
// merge against.
func mergeYAMLFile(cfg *Config, configDir string) error {
	path := filepath.Join(configDir, "world.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	expanded := os.ExpandEnv(string(data))

	var fromFile Config
	if err := yaml.Unmarshal([]byte(expanded), &fromFile); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	if err := mergo.Merge(cfg, fromFile, mergo.WithOverride); err != nil {
		return fmt.Errorf("merge %s: %w", path, err)
	}
	return nil
}
