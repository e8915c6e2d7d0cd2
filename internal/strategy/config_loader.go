package strategy

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Entry is one strategy record in YAML.
type Entry struct {
	ID            string            `yaml:"id"`
	Name          string            `yaml:"name"`
	Users         []string          `yaml:"users"`
	UserOverrides map[string]Fields `yaml:"user_overrides"`
	Fields        `yaml:",inline"`
}

// ConfigFile represents the top-level YAML structure.
type ConfigFile struct {
	Defaults   Fields  `yaml:"defaults"`
	Strategies []Entry `yaml:"strategies"`
}

// LoadConfig reads and resolves strategies from a YAML file.
func LoadConfig(path string) ([]Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseConfig(data)
}

// ParseConfig resolves defaults into every strategy and validates the result.
// Every invalid strategy is reported; valid ones are still returned.
func ParseConfig(data []byte) ([]Config, error) {
	var file ConfigFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse strategy file: %w", err)
	}

	seen := make(map[string]bool, len(file.Strategies))
	out := make([]Config, 0, len(file.Strategies))
	var errs []error
	for i, e := range file.Strategies {
		cfg := builtin()
		file.Defaults.applyTo(&cfg)
		e.Fields.applyTo(&cfg)
		cfg.ID = e.ID
		cfg.Name = e.Name
		if cfg.Name == "" {
			cfg.Name = e.ID
		}
		cfg.Users = dedupe(e.Users)
		cfg.overrides = e.UserOverrides

		if seen[cfg.ID] {
			errs = append(errs, fmt.Errorf("%w: duplicate id %q at index %d", ErrInvalidConfig, cfg.ID, i))
			continue
		}
		seen[cfg.ID] = true

		if err := cfg.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		for user := range cfg.overrides {
			if err := cfg.ForUser(user).Validate(); err != nil {
				errs = append(errs, fmt.Errorf("override for %s: %w", user, err))
			}
		}
		out = append(out, cfg)
	}
	return out, errors.Join(errs...)
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}
