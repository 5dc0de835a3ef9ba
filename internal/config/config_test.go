package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.NATSURL != "nats://localhost:4222" {
		t.Errorf("nats url = %q", cfg.NATSURL)
	}
	if cfg.Database.Path != "mesh.db" || cfg.Database.JournalMode != "WAL" {
		t.Errorf("database = %+v", cfg.Database)
	}
	if cfg.Health.IntervalSeconds != 30 {
		t.Errorf("health interval = %d, want 30", cfg.Health.IntervalSeconds)
	}
	if cfg.Router.MaxInflight != 10000 {
		t.Errorf("max inflight = %d, want 10000", cfg.Router.MaxInflight)
	}
	if cfg.Policy.DecisionURL != "" {
		t.Errorf("decision url = %q, want empty", cfg.Policy.DecisionURL)
	}
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mesh.yaml")
	data := `
nats_url: nats://bus.internal:4222
database:
  path: /var/lib/mesh/mesh.db
policy:
  decision_url: http://opa.internal:8181
health:
  interval_seconds: 10
router:
  max_inflight: 500
`
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.NATSURL != "nats://bus.internal:4222" {
		t.Errorf("nats url = %q", cfg.NATSURL)
	}
	if cfg.Database.Path != "/var/lib/mesh/mesh.db" {
		t.Errorf("db path = %q", cfg.Database.Path)
	}
	// Unset file fields keep their defaults.
	if cfg.Database.JournalMode != "WAL" {
		t.Errorf("journal mode = %q, want WAL", cfg.Database.JournalMode)
	}
	if cfg.Policy.DecisionURL != "http://opa.internal:8181" {
		t.Errorf("decision url = %q", cfg.Policy.DecisionURL)
	}
	if cfg.Health.IntervalSeconds != 10 || cfg.Router.MaxInflight != 500 {
		t.Errorf("health=%d router=%d", cfg.Health.IntervalSeconds, cfg.Router.MaxInflight)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("MESH_NATS_URL", "nats://override:4222")
	t.Setenv("MESH_DB_PATH", "/tmp/override.db")
	t.Setenv("MESH_DECISION_URL", "http://opa.override:8181")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.NATSURL != "nats://override:4222" {
		t.Errorf("nats url = %q", cfg.NATSURL)
	}
	if cfg.Database.Path != "/tmp/override.db" {
		t.Errorf("db path = %q", cfg.Database.Path)
	}
	if cfg.Policy.DecisionURL != "http://opa.override:8181" {
		t.Errorf("decision url = %q", cfg.Policy.DecisionURL)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestLoad_InvalidValuesFallBack(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mesh.yaml")
	data := `
health:
  interval_seconds: -5
router:
  max_inflight: 0
`
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Health.IntervalSeconds != 30 || cfg.Router.MaxInflight != 10000 {
		t.Errorf("health=%d router=%d, want defaults", cfg.Health.IntervalSeconds, cfg.Router.MaxInflight)
	}
}
