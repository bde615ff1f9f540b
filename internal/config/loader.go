package config

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Load builds a Config by layering defaults, optional file, and env vars.
// Order of precedence (low -> high):.
//  1. defaults (New())
//  2. file (YAML) if SIDELINK_CONFIG is set
//  3. env (prefix SIDELINK_)
func Load(ctx context.Context) (*Config, error) {
	// Start with defaults
	base := New()

	k := koanf.New(".")

	// Load from file if provided
	if path := os.Getenv("SIDELINK_CONFIG"); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrLoadConfig, err)
		}
	}

	// Environment variables: SIDELINK_ADDR, SIDELINK_CONCURRENCY_LIMIT, ...
	// Map env keys like SIDELINK_JOB_TIMEOUT_MS -> job_timeout_ms (flat keys)
	// Preserve underscores to match koanf tags on the struct.
	envProvider := env.Provider("SIDELINK_", ".", func(s string) string {
		s = strings.ToLower(s)
		s = strings.TrimPrefix(s, "sidelink_")
		return s
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLoadConfig, err)
	}

	// Unmarshal into a copy
	cfg := *base
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLoadConfig, err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// validate rejects configurations the service cannot safely start with.
func (c *Config) validate() error {
	switch {
	case c.Addr == "":
		return fmt.Errorf("%w: addr must not be empty", ErrInvalidConfig)
	case c.ConcurrencyLimit < 1:
		return fmt.Errorf("%w: concurrency_limit must be positive", ErrInvalidConfig)
	case c.JobTimeoutMS < 1:
		return fmt.Errorf("%w: job_timeout_ms must be positive", ErrInvalidConfig)
	case c.ProviderDomain == "":
		return fmt.Errorf("%w: provider_domain must not be empty", ErrInvalidConfig)
	case c.KVDriver != "memory" && c.KVDriver != "sqlite":
		return fmt.Errorf("%w: kv_driver must be memory or sqlite", ErrInvalidConfig)
	}
	if strings.EqualFold(c.Environment, "production") && len(c.AllowedOrigins) == 0 {
		return fmt.Errorf("%w: allowed_origins must be set in production", ErrInvalidConfig)
	}
	return nil
}
