// Package store persists the mesh registry (agents, knowledge bases,
// policies) and the append-only audit log in an embedded SQLite database.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// ErrDuplicate reports a uniqueness violation on registration.
var ErrDuplicate = errors.New("duplicate record")

// QueryError wraps any store failure other than a uniqueness violation.
type QueryError struct {
	Op  string
	Err error
}

func (e *QueryError) Error() string { return e.Op + ": " + e.Err.Error() }
func (e *QueryError) Unwrap() error { return e.Err }

func queryErr(op string, err error) error {
	return &QueryError{Op: op, Err: err}
}

// Options configures Open.
type Options struct {
	Path        string
	JournalMode string // defaults to WAL
	Synchronous string // defaults to NORMAL
}

// Store is the durable mesh registry and audit log.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at opts.Path and applies
// pending migrations.
func Open(opts Options) (*Store, error) {
	if opts.Path == "" {
		opts.Path = "mesh.db"
	}
	if opts.JournalMode == "" {
		opts.JournalMode = "WAL"
	}
	if opts.Synchronous == "" {
		opts.Synchronous = "NORMAL"
	}

	dir := filepath.Dir(opts.Path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", opts.Path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=" + opts.JournalMode); err != nil {
		db.Close()
		return nil, fmt.Errorf("set journal mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA synchronous=" + opts.Synchronous); err != nil {
		db.Close()
		return nil, fmt.Errorf("set synchronous mode: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint")
}

// mustJSON encodes v, substituting empty containers for nil so NOT NULL
// JSON columns never store the literal null.
func mustJSON(v any) string {
	switch t := v.(type) {
	case []string:
		if t == nil {
			return "[]"
		}
	case map[string]any:
		if t == nil {
			return "{}"
		}
	case map[string]map[string]any:
		if t == nil {
			return "{}"
		}
	case nil:
		return "{}"
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(data)
}

func nullableJSON(v any, empty bool) any {
	if empty {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return string(data)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

// ---- agents ----

// RegisterAgent inserts a new agent record with status offline and
// returns its id. A duplicate identity fails with ErrDuplicate.
func (s *Store) RegisterAgent(ctx context.Context, reg AgentRegistration) (string, error) {
	id := uuid.New().String()
	now := time.Now().UTC().Format(time.RFC3339)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agents (
			id, identity, version, capabilities, operations,
			schemas, health_endpoint, status, registered_at, metadata
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		id,
		reg.Identity,
		reg.Version,
		mustJSON(reg.Capabilities),
		mustJSON(reg.Operations),
		mustJSON(reg.Schemas),
		reg.HealthEndpoint,
		StatusOffline,
		now,
		mustJSON(reg.Metadata),
	)
	if isUniqueViolation(err) {
		return "", fmt.Errorf("agent %q: %w", reg.Identity, ErrDuplicate)
	}
	if err != nil {
		return "", queryErr("register agent", err)
	}
	return id, nil
}

func scanAgent(row interface{ Scan(...any) error }) (*AgentRecord, error) {
	var (
		a                                              AgentRecord
		caps, ops, schemas, metadata, registeredAt     string
		lastHeartbeat                                  sql.NullString
	)
	err := row.Scan(&a.ID, &a.Identity, &a.Version, &caps, &ops, &schemas,
		&a.HealthEndpoint, &a.Status, &registeredAt, &lastHeartbeat, &metadata)
	if err != nil {
		return nil, err
	}
	json.Unmarshal([]byte(caps), &a.Capabilities)  //nolint:errcheck
	json.Unmarshal([]byte(ops), &a.Operations)     //nolint:errcheck
	json.Unmarshal([]byte(schemas), &a.Schemas)    //nolint:errcheck
	json.Unmarshal([]byte(metadata), &a.Metadata)  //nolint:errcheck
	a.RegisteredAt = parseTime(registeredAt)
	a.LastHeartbeat = parseNullTime(lastHeartbeat)
	return &a, nil
}

const agentColumns = `id, identity, version, capabilities, operations, schemas,
	health_endpoint, status, registered_at, last_heartbeat, metadata`

// GetAgent returns the agent with the given identity, or nil when absent.
func (s *Store) GetAgent(ctx context.Context, identity string) (*AgentRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE identity = ?`, identity)
	a, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, queryErr("get agent", err)
	}
	return a, nil
}

// ListAgents returns agents matching the query filters. The capability
// filter tests membership in the stored capability list.
func (s *Store) ListAgents(ctx context.Context, q RegistryQuery) ([]AgentRecord, error) {
	query := `SELECT ` + agentColumns + ` FROM agents WHERE 1=1`
	var args []any

	if q.Identity != "" {
		query += " AND identity = ?"
		args = append(args, q.Identity)
	}
	if q.Status != "" {
		query += " AND status = ?"
		args = append(args, q.Status)
	}
	for _, capability := range q.Capabilities {
		query += ` AND EXISTS (
			SELECT 1 FROM json_each(capabilities) WHERE json_each.value = ?
		)`
		args = append(args, capability)
	}

	query += " LIMIT ?"
	args = append(args, limitOrDefault(q.Limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, queryErr("list agents", err)
	}
	defer rows.Close()

	var agents []AgentRecord
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, queryErr("scan agent", err)
		}
		agents = append(agents, *a)
	}
	return agents, rows.Err()
}

// UpdateAgentStatus sets status and refreshes last_heartbeat.
func (s *Store) UpdateAgentStatus(ctx context.Context, identity, status string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.ExecContext(ctx, `
		UPDATE agents SET status = ?, last_heartbeat = ? WHERE identity = ?
	`, status, now, identity)
	if err != nil {
		return queryErr("update agent status", err)
	}
	return nil
}

// UpdateAgentCapabilities replaces the agent's capability list.
func (s *Store) UpdateAgentCapabilities(ctx context.Context, identity string, capabilities []string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE agents SET capabilities = ? WHERE identity = ?
	`, mustJSON(capabilities), identity)
	if err != nil {
		return queryErr("update agent capabilities", err)
	}
	return nil
}

// DeregisterAgent removes the agent record. Audit history is retained.
func (s *Store) DeregisterAgent(ctx context.Context, identity string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM agents WHERE identity = ?`, identity)
	if err != nil {
		return queryErr("deregister agent", err)
	}
	return nil
}

// ---- knowledge bases ----

// RegisterKB inserts a new KB record with status offline and returns its
// id. A duplicate kb_id fails with ErrDuplicate.
func (s *Store) RegisterKB(ctx context.Context, reg KBRegistration) (string, error) {
	id := uuid.New().String()
	now := time.Now().UTC().Format(time.RFC3339)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO knowledge_bases (
			id, kb_id, kb_type, endpoint, operations,
			kb_schema, health_endpoint, status, registered_at, metadata
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		id,
		reg.KBID,
		reg.KBType,
		reg.Endpoint,
		mustJSON(reg.Operations),
		mustJSON(reg.KBSchema),
		reg.HealthEndpoint,
		StatusOffline,
		now,
		mustJSON(reg.Metadata),
	)
	if isUniqueViolation(err) {
		return "", fmt.Errorf("kb %q: %w", reg.KBID, ErrDuplicate)
	}
	if err != nil {
		return "", queryErr("register kb", err)
	}
	return id, nil
}

func scanKB(row interface{ Scan(...any) error }) (*KBRecord, error) {
	var (
		k                                      KBRecord
		ops, schema, metadata, registeredAt    string
		healthEndpoint, lastHealthCheck        sql.NullString
	)
	err := row.Scan(&k.ID, &k.KBID, &k.KBType, &k.Endpoint, &ops, &schema,
		&healthEndpoint, &k.Status, &registeredAt, &lastHealthCheck, &metadata)
	if err != nil {
		return nil, err
	}
	json.Unmarshal([]byte(ops), &k.Operations)    //nolint:errcheck
	json.Unmarshal([]byte(schema), &k.KBSchema)   //nolint:errcheck
	json.Unmarshal([]byte(metadata), &k.Metadata) //nolint:errcheck
	k.HealthEndpoint = healthEndpoint.String
	k.RegisteredAt = parseTime(registeredAt)
	k.LastHealthCheck = parseNullTime(lastHealthCheck)
	return &k, nil
}

const kbColumns = `id, kb_id, kb_type, endpoint, operations, kb_schema,
	health_endpoint, status, registered_at, last_health_check, metadata`

// GetKB returns the KB with the given kb_id, or nil when absent.
func (s *Store) GetKB(ctx context.Context, kbID string) (*KBRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+kbColumns+` FROM knowledge_bases WHERE kb_id = ?`, kbID)
	k, err := scanKB(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, queryErr("get kb", err)
	}
	return k, nil
}

// ListKBs returns KBs matching the query filters.
func (s *Store) ListKBs(ctx context.Context, q RegistryQuery) ([]KBRecord, error) {
	query := `SELECT ` + kbColumns + ` FROM knowledge_bases WHERE 1=1`
	var args []any

	if q.KBID != "" {
		query += " AND kb_id = ?"
		args = append(args, q.KBID)
	}
	if q.KBType != "" {
		query += " AND kb_type = ?"
		args = append(args, q.KBType)
	}
	if q.Status != "" {
		query += " AND status = ?"
		args = append(args, q.Status)
	}

	query += " LIMIT ?"
	args = append(args, limitOrDefault(q.Limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, queryErr("list kbs", err)
	}
	defer rows.Close()

	var kbs []KBRecord
	for rows.Next() {
		k, err := scanKB(rows)
		if err != nil {
			return nil, queryErr("scan kb", err)
		}
		kbs = append(kbs, *k)
	}
	return kbs, rows.Err()
}

// UpdateKBStatus sets status and refreshes last_health_check.
func (s *Store) UpdateKBStatus(ctx context.Context, kbID, status string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.ExecContext(ctx, `
		UPDATE knowledge_bases SET status = ?, last_health_check = ? WHERE kb_id = ?
	`, status, now, kbID)
	if err != nil {
		return queryErr("update kb status", err)
	}
	return nil
}

// UpdateKBOperations replaces the KB's operation list.
func (s *Store) UpdateKBOperations(ctx context.Context, kbID string, operations []string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE knowledge_bases SET operations = ? WHERE kb_id = ?
	`, mustJSON(operations), kbID)
	if err != nil {
		return queryErr("update kb operations", err)
	}
	return nil
}

// DeregisterKB removes the KB record. Audit history is retained.
func (s *Store) DeregisterKB(ctx context.Context, kbID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM knowledge_bases WHERE kb_id = ?`, kbID)
	if err != nil {
		return queryErr("deregister kb", err)
	}
	return nil
}

func limitOrDefault(limit int) int {
	if limit <= 0 {
		return 100
	}
	return limit
}
