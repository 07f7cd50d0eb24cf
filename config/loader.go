package config

import (
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// LoadConfig reads a YAML configuration file and unmarshals it into the specified type.
// T must be a struct type that can be unmarshaled from YAML.
func LoadConfig[T any](path string) (*T, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg T
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// LoadClientConfig reads a client YAML configuration file, applies defaults,
// removes duplicate targets and validates the result.
func LoadClientConfig(path string) (*Client, error) {
	logger := log.With().Str("com", "config-loader").Logger()

	cfg, err := LoadConfig[Client](path)
	if err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()

	if deduplicated, hasDuplicates := cfg.DeduplicateTargets(); hasDuplicates {
		cfg.Targets = deduplicated
		logger.Warn().Msg("duplicate targets detected and removed from configuration")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("client configuration validation failed: %w", err)
	}

	logger.Info().
		Int("target_count", len(cfg.Targets)).
		Bool("session_cache", !cfg.SessionCache.Disabled).
		Msg("loaded client configuration")

	return cfg, nil
}

// LoadServerConfig reads a server YAML configuration file, applies defaults
// and validates the result.
func LoadServerConfig(path string) (*Server, error) {
	cfg, err := LoadConfig[Server](path)
	if err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("server configuration validation failed: %w", err)
	}

	log.Info().
		Str("com", "config-loader").
		Int("certificates", len(cfg.TLS.Certificates)).
		Bool("tcp", cfg.TCP.Enabled).
		Bool("quic", cfg.Quic.Enabled).
		Msg("loaded server configuration")

	return cfg, nil
}
