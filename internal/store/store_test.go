package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Options{Path: filepath.Join(t.TempDir(), "mesh.db")})
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpen_MigrationsIdempotent(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "mesh.db")

	s1, err := Open(Options{Path: dbPath})
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	s1.Close()

	// Reopening must replay nothing and succeed.
	s2, err := Open(Options{Path: dbPath})
	if err != nil {
		t.Fatalf("second open: %v", err)
	}
	defer s2.Close()

	if err := s2.Ping(context.Background()); err != nil {
		t.Errorf("ping after reopen: %v", err)
	}
}

func TestRegisterAgent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	reg := AgentRegistration{
		Identity:       "billing-agent",
		Version:        "1.2.0",
		Capabilities:   []string{"billing", "reporting"},
		Operations:     []string{"query", "invoke"},
		HealthEndpoint: "http://127.0.0.1:9090/health",
	}
	id, err := s.RegisterAgent(ctx, reg)
	if err != nil {
		t.Fatalf("register agent: %v", err)
	}
	if id == "" {
		t.Fatal("register agent returned empty id")
	}

	got, err := s.GetAgent(ctx, "billing-agent")
	if err != nil {
		t.Fatalf("get agent: %v", err)
	}
	if got == nil {
		t.Fatal("get agent returned nil for registered identity")
	}
	if got.Status != StatusOffline {
		t.Errorf("new agent status = %q, want %q", got.Status, StatusOffline)
	}
	if len(got.Capabilities) != 2 || got.Capabilities[0] != "billing" {
		t.Errorf("capabilities = %v, want [billing reporting]", got.Capabilities)
	}
	if got.LastHeartbeat != nil {
		t.Errorf("new agent last heartbeat = %v, want nil", got.LastHeartbeat)
	}
}

func TestRegisterAgent_DuplicateIdentity(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	reg := AgentRegistration{Identity: "dup-agent", Version: "1.0.0"}
	if _, err := s.RegisterAgent(ctx, reg); err != nil {
		t.Fatalf("first register: %v", err)
	}
	_, err := s.RegisterAgent(ctx, reg)
	if !errors.Is(err, ErrDuplicate) {
		t.Fatalf("second register err = %v, want ErrDuplicate", err)
	}
}

func TestGetAgent_Missing(t *testing.T) {
	s := openTestStore(t)

	got, err := s.GetAgent(context.Background(), "nobody")
	if err != nil {
		t.Fatalf("get agent: %v", err)
	}
	if got != nil {
		t.Errorf("get agent for unknown identity = %+v, want nil", got)
	}
}

func TestListAgents_Filters(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for _, reg := range []AgentRegistration{
		{Identity: "a1", Version: "1.0.0", Capabilities: []string{"search", "summarize"}},
		{Identity: "a2", Version: "1.0.0", Capabilities: []string{"search"}},
		{Identity: "a3", Version: "1.0.0", Capabilities: []string{"billing"}},
	} {
		if _, err := s.RegisterAgent(ctx, reg); err != nil {
			t.Fatalf("register %s: %v", reg.Identity, err)
		}
	}
	if err := s.UpdateAgentStatus(ctx, "a1", StatusActive); err != nil {
		t.Fatalf("update status: %v", err)
	}

	byCapability, err := s.ListAgents(ctx, RegistryQuery{Capabilities: []string{"search"}})
	if err != nil {
		t.Fatalf("list by capability: %v", err)
	}
	if len(byCapability) != 2 {
		t.Errorf("agents with capability search = %d, want 2", len(byCapability))
	}

	byStatus, err := s.ListAgents(ctx, RegistryQuery{Status: StatusActive})
	if err != nil {
		t.Fatalf("list by status: %v", err)
	}
	if len(byStatus) != 1 || byStatus[0].Identity != "a1" {
		t.Errorf("active agents = %v, want [a1]", byStatus)
	}

	both, err := s.ListAgents(ctx, RegistryQuery{
		Capabilities: []string{"search"},
		Status:       StatusActive,
	})
	if err != nil {
		t.Fatalf("list by capability and status: %v", err)
	}
	if len(both) != 1 || both[0].Identity != "a1" {
		t.Errorf("filtered agents = %v, want [a1]", both)
	}
}

func TestUpdateAgentStatus_SetsHeartbeat(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.RegisterAgent(ctx, AgentRegistration{Identity: "hb", Version: "1.0.0"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := s.UpdateAgentStatus(ctx, "hb", StatusActive); err != nil {
		t.Fatalf("update status: %v", err)
	}

	got, err := s.GetAgent(ctx, "hb")
	if err != nil {
		t.Fatalf("get agent: %v", err)
	}
	if got.Status != StatusActive {
		t.Errorf("status = %q, want %q", got.Status, StatusActive)
	}
	if got.LastHeartbeat == nil {
		t.Error("last heartbeat not set by status update")
	}
}

func TestDeregisterAgent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.RegisterAgent(ctx, AgentRegistration{Identity: "gone", Version: "1.0.0"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := s.DeregisterAgent(ctx, "gone"); err != nil {
		t.Fatalf("deregister: %v", err)
	}
	got, err := s.GetAgent(ctx, "gone")
	if err != nil {
		t.Fatalf("get after deregister: %v", err)
	}
	if got != nil {
		t.Errorf("agent survived deregistration: %+v", got)
	}
}

func TestRegisterKB(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	reg := KBRegistration{
		KBID:       "customers-db",
		KBType:     "postgres",
		Endpoint:   "postgres://db.internal:5432/customers",
		Operations: []string{"sql_query", "get_schema"},
	}
	if _, err := s.RegisterKB(ctx, reg); err != nil {
		t.Fatalf("register kb: %v", err)
	}

	_, err := s.RegisterKB(ctx, reg)
	if !errors.Is(err, ErrDuplicate) {
		t.Fatalf("duplicate kb register err = %v, want ErrDuplicate", err)
	}

	got, err := s.GetKB(ctx, "customers-db")
	if err != nil {
		t.Fatalf("get kb: %v", err)
	}
	if got == nil {
		t.Fatal("get kb returned nil")
	}
	if got.KBType != "postgres" {
		t.Errorf("kb_type = %q, want postgres", got.KBType)
	}
	if got.Status != StatusOffline {
		t.Errorf("new kb status = %q, want %q", got.Status, StatusOffline)
	}

	if err := s.UpdateKBOperations(ctx, "customers-db", []string{"sql_query"}); err != nil {
		t.Fatalf("update kb operations: %v", err)
	}
	got, err = s.GetKB(ctx, "customers-db")
	if err != nil {
		t.Fatalf("get kb after update: %v", err)
	}
	if len(got.Operations) != 1 || got.Operations[0] != "sql_query" {
		t.Errorf("operations = %v, want [sql_query]", got.Operations)
	}
}

func TestListKBs_TypeFilter(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for _, reg := range []KBRegistration{
		{KBID: "pg1", KBType: "postgres", Endpoint: "postgres://h/db"},
		{KBID: "pg2", KBType: "postgres", Endpoint: "postgres://h/db2"},
		{KBID: "g1", KBType: "neo4j", Endpoint: "bolt://h:7687"},
	} {
		if _, err := s.RegisterKB(ctx, reg); err != nil {
			t.Fatalf("register %s: %v", reg.KBID, err)
		}
	}

	got, err := s.ListKBs(ctx, RegistryQuery{KBType: "postgres"})
	if err != nil {
		t.Fatalf("list kbs: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("postgres kbs = %d, want 2", len(got))
	}
}
