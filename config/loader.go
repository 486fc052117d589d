package config

// loader.go - configuration loading from environment variables.
//
// Precedence order (highest wins):
//   1. CLI flags  (handled by cmd/root.go)
//   2. Environment variables  (this file)
//   3. Defaults   (defaults.go)

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// EnvPrefix is prepended to every env tag in Config.
const EnvPrefix = "MPCORE_"

// LoadFromEnv overlays MPCORE_* environment variables onto cfg.  Unset
// variables leave the existing value alone.  Call it before CLI flag
// parsing so that flags take precedence.
func LoadFromEnv(cfg *Config) error {
	return loadEnv(cfg, env.Options{Prefix: EnvPrefix})
}

// LoadFromMap is LoadFromEnv over an explicit environment.
func LoadFromMap(cfg *Config, environ map[string]string) error {
	return loadEnv(cfg, env.Options{Prefix: EnvPrefix, Environment: environ})
}

func loadEnv(cfg *Config, opts env.Options) error {
	if err := env.ParseWithOptions(cfg, opts); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}
