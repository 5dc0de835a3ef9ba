package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// migrations run in order; each applies iff its version exceeds the
// maximum recorded in schema_migrations.
var migrations = []struct {
	version int
	name    string
	stmts   []string
}{
	{
		version: 1,
		name:    "agent registry",
		stmts: []string{
			`CREATE TABLE agents (
				id TEXT PRIMARY KEY,
				identity TEXT UNIQUE NOT NULL,
				version TEXT NOT NULL,
				capabilities TEXT NOT NULL,
				operations TEXT NOT NULL,
				schemas TEXT NOT NULL,
				health_endpoint TEXT NOT NULL,
				status TEXT NOT NULL,
				registered_at TEXT NOT NULL,
				last_heartbeat TEXT,
				metadata TEXT NOT NULL
			)`,
			`CREATE INDEX idx_agents_identity ON agents(identity)`,
			`CREATE INDEX idx_agents_status ON agents(status)`,
		},
	},
	{
		version: 2,
		name:    "kb registry",
		stmts: []string{
			`CREATE TABLE knowledge_bases (
				id TEXT PRIMARY KEY,
				kb_id TEXT UNIQUE NOT NULL,
				kb_type TEXT NOT NULL,
				endpoint TEXT NOT NULL,
				operations TEXT NOT NULL,
				kb_schema TEXT NOT NULL,
				health_endpoint TEXT,
				status TEXT NOT NULL,
				registered_at TEXT NOT NULL,
				last_health_check TEXT,
				metadata TEXT NOT NULL
			)`,
			`CREATE INDEX idx_kbs_kb_id ON knowledge_bases(kb_id)`,
			`CREATE INDEX idx_kbs_type ON knowledge_bases(kb_type)`,
		},
	},
	{
		version: 3,
		name:    "policy store",
		stmts: []string{
			`CREATE TABLE policies (
				id TEXT PRIMARY KEY,
				policy_name TEXT UNIQUE NOT NULL,
				rules TEXT NOT NULL,
				precedence INTEGER NOT NULL,
				active INTEGER NOT NULL,
				created_at TEXT NOT NULL,
				updated_at TEXT NOT NULL,
				metadata TEXT NOT NULL
			)`,
			`CREATE INDEX idx_policies_name ON policies(policy_name)`,
			`CREATE INDEX idx_policies_active ON policies(active)`,
		},
	},
	{
		version: 4,
		name:    "audit log",
		stmts: []string{
			`CREATE TABLE audit_logs (
				id TEXT PRIMARY KEY,
				event_type TEXT NOT NULL,
				source_id TEXT NOT NULL,
				target_id TEXT,
				outcome TEXT NOT NULL,
				timestamp TEXT NOT NULL,
				request_metadata TEXT,
				policy_decision TEXT,
				masked_fields TEXT,
				full_request TEXT,
				full_response TEXT,
				provenance_chain TEXT
			)`,
			`CREATE INDEX idx_audit_event_type ON audit_logs(event_type)`,
			`CREATE INDEX idx_audit_source ON audit_logs(source_id)`,
			`CREATE INDEX idx_audit_target ON audit_logs(target_id)`,
			`CREATE INDEX idx_audit_timestamp ON audit_logs(timestamp)`,
			`CREATE INDEX idx_audit_outcome ON audit_logs(outcome)`,
		},
	},
}

func runMigrations(db *sql.DB) error {
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at TEXT NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var current sql.NullInt64
	if err := db.QueryRow(`SELECT MAX(version) FROM schema_migrations`).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for _, m := range migrations {
		if int64(m.version) <= current.Int64 {
			continue
		}
		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration v%d: %w", m.version, err)
		}
		for _, stmt := range m.stmts {
			if _, err := tx.Exec(stmt); err != nil {
				tx.Rollback() //nolint:errcheck
				return fmt.Errorf("apply migration v%d (%s): %w", m.version, m.name, err)
			}
		}
		if _, err := tx.Exec(
			`INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`,
			m.version, time.Now().UTC().Format(time.RFC3339),
		); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("record migration v%d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration v%d: %w", m.version, err)
		}
		slog.Info("applied migration", "version", m.version, "name", m.name)
	}
	return nil
}
