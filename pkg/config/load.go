package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Load reads configuration from path, layered over the defaults and
// validated. An empty path loads defaults with environment overrides
// only; a named file that does not exist is an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv layers recognized environment variables over the file.
func applyEnv(cfg *Config) {
	if v := os.Getenv("AUTOFORGE_WORKSPACE"); v != "" {
		cfg.Workspace = v
	}
	if v := os.Getenv("AUTOFORGE_STATE_DB"); v != "" {
		cfg.StateDB = v
	}
	if v := os.Getenv("AUTOFORGE_ORACLE_URL"); v != "" {
		cfg.Oracle.BaseURL = v
	}
	if v := os.Getenv("AUTOFORGE_ORACLE_MODEL"); v != "" {
		cfg.Oracle.Model = v
	}
	if v := os.Getenv("AUTOFORGE_LOG_LEVEL"); v != "" {
		cfg.Telemetry.LogLevel = v
	}
}

// Validate checks the configuration against its constraints.
func Validate(cfg *Config) error {
	v := validator.New()
	if err := v.Struct(cfg); err != nil {
		var invalid *validator.InvalidValidationError
		if errors.As(err, &invalid) {
			return fmt.Errorf("validating config: %w", err)
		}
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			first := verrs[0]
			return fmt.Errorf("invalid config: field %s fails %q", first.Namespace(), first.Tag())
		}
		return err
	}
	return nil
}
