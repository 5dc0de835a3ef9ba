// Package config loads mesh configuration from a YAML file with
// environment-variable overrides for connection URLs.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the top-level mesh configuration.
type Config struct {
	// NATSURL is the bus endpoint, e.g. nats://localhost:4222.
	NATSURL string `yaml:"nats_url"`

	Database DatabaseConfig `yaml:"database"`
	Policy   PolicyConfig   `yaml:"policy"`
	Health   HealthConfig   `yaml:"health"`
	Router   RouterConfig   `yaml:"router"`
}

// DatabaseConfig configures the embedded SQLite store.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	JournalMode string `yaml:"journal_mode"`
	Synchronous string `yaml:"synchronous"`
}

// PolicyConfig selects the policy decider. When DecisionURL is set the
// external decision service is authoritative; otherwise the store-backed
// evaluator is used.
type PolicyConfig struct {
	DecisionURL string `yaml:"decision_url"`
	PoliciesDir string `yaml:"policies_dir"`
}

// HealthConfig configures the background health monitor.
type HealthConfig struct {
	IntervalSeconds int `yaml:"interval_seconds"`
}

// RouterConfig bounds the router's in-flight invocation map.
type RouterConfig struct {
	MaxInflight int `yaml:"max_inflight"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		NATSURL: "nats://localhost:4222",
		Database: DatabaseConfig{
			Path:        "mesh.db",
			JournalMode: "WAL",
			Synchronous: "NORMAL",
		},
		Health: HealthConfig{IntervalSeconds: 30},
		Router: RouterConfig{MaxInflight: 10000},
	}
}

// Load reads the YAML file at path, layers it over defaults, and applies
// env-var overrides (MESH_NATS_URL, MESH_DB_PATH, MESH_DECISION_URL).
// An empty path loads defaults and overrides only.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if v := os.Getenv("MESH_NATS_URL"); v != "" {
		cfg.NATSURL = v
	}
	if v := os.Getenv("MESH_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("MESH_DECISION_URL"); v != "" {
		cfg.Policy.DecisionURL = v
	}

	if cfg.Health.IntervalSeconds <= 0 {
		cfg.Health.IntervalSeconds = 30
	}
	if cfg.Router.MaxInflight <= 0 {
		cfg.Router.MaxInflight = 10000
	}
	if cfg.Database.JournalMode == "" {
		cfg.Database.JournalMode = "WAL"
	}
	if cfg.Database.Synchronous == "" {
		cfg.Database.Synchronous = "NORMAL"
	}

	return cfg, nil
}
