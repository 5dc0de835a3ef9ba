package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"

	"agentmesh/internal/bus"
	"agentmesh/internal/registry"
	"agentmesh/internal/store"
)

func newTestCache(t *testing.T) (*Cache, *store.Store, *bus.Fake) {
	t.Helper()
	s, err := store.Open(store.Options{Path: filepath.Join(t.TempDir(), "mesh.db")})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	conn := bus.NewFake()
	c := NewCache(s, conn)
	return c, s, conn
}

func publishUpdate(t *testing.T, conn *bus.Fake, eventType string, data map[string]any) {
	t.Helper()
	if err := conn.Publish(registry.UpdatesSubject, map[string]any{
		"type": eventType,
		"data": data,
	}); err != nil {
		t.Fatalf("publish %s: %v", eventType, err)
	}
}

func TestCacheSeedsFromStore(t *testing.T) {
	c, s, _ := newTestCache(t)
	ctx := context.Background()

	if _, err := s.RegisterAgent(ctx, store.AgentRegistration{
		Identity: "seeded-agent", Version: "1.0.0", Capabilities: []string{"search"},
	}); err != nil {
		t.Fatalf("register agent: %v", err)
	}
	if _, err := s.RegisterKB(ctx, store.KBRegistration{
		KBID: "seeded-db", KBType: "postgres", Endpoint: "postgres://h/db",
	}); err != nil {
		t.Fatalf("register kb: %v", err)
	}

	if err := c.Start(ctx); err != nil {
		t.Fatalf("start cache: %v", err)
	}

	agents, kbs := c.Snapshot()
	if _, ok := agents["seeded-agent"]; !ok {
		t.Errorf("seeded agent missing from cache: %v", agents)
	}
	if _, ok := kbs["seeded-db"]; !ok {
		t.Errorf("seeded kb missing from cache: %v", kbs)
	}
}

func TestCacheAppliesUpdates(t *testing.T) {
	c, _, conn := newTestCache(t)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start cache: %v", err)
	}

	publishUpdate(t, conn, "agent_registered", map[string]any{
		"identity":     "a1",
		"capabilities": []any{"search"},
		"status":       "active",
	})
	publishUpdate(t, conn, "kb_registered", map[string]any{
		"kb_id":   "db1",
		"kb_type": "postgres",
		"status":  "active",
	})

	agents, kbs := c.Snapshot()
	if len(agents) != 1 || len(kbs) != 1 {
		t.Fatalf("cache = %d agents, %d kbs, want 1 and 1", len(agents), len(kbs))
	}

	// Replayed registration must not duplicate the entry.
	publishUpdate(t, conn, "agent_registered", map[string]any{
		"identity":     "a1",
		"capabilities": []any{"search", "rank"},
		"status":       "active",
	})
	agents, _ = c.Snapshot()
	if len(agents) != 1 {
		t.Fatalf("agents after replay = %d, want 1", len(agents))
	}
	if caps := agents["a1"]["capabilities"].([]any); len(caps) != 2 {
		t.Errorf("capabilities after replay = %v", caps)
	}

	publishUpdate(t, conn, "agent_capability_updated", map[string]any{
		"identity":     "a1",
		"capabilities": []any{"rank"},
	})
	agents, _ = c.Snapshot()
	if caps := agents["a1"]["capabilities"].([]any); len(caps) != 1 || caps[0] != "rank" {
		t.Errorf("capabilities after update = %v", caps)
	}

	publishUpdate(t, conn, "kb_operations_updated", map[string]any{
		"kb_id":      "db1",
		"operations": []any{"sql_query"},
	})
	_, kbs = c.Snapshot()
	if ops := kbs["db1"]["operations"].([]any); len(ops) != 1 {
		t.Errorf("operations after update = %v", ops)
	}

	publishUpdate(t, conn, "agent_disconnected", map[string]any{"identity": "a1"})
	publishUpdate(t, conn, "kb_removed", map[string]any{"kb_id": "db1"})
	agents, kbs = c.Snapshot()
	if len(agents) != 0 || len(kbs) != 0 {
		t.Errorf("cache after removals = %d agents, %d kbs, want empty", len(agents), len(kbs))
	}
}

func TestCacheQuery(t *testing.T) {
	c, _, conn := newTestCache(t)
	ctx := context.Background()
	if err := c.Start(ctx); err != nil {
		t.Fatalf("start cache: %v", err)
	}

	publishUpdate(t, conn, "agent_registered", map[string]any{
		"identity": "searcher", "capabilities": []any{"search"}, "status": "active",
	})
	publishUpdate(t, conn, "agent_registered", map[string]any{
		"identity": "biller", "capabilities": []any{"billing"}, "status": "offline",
	})
	publishUpdate(t, conn, "kb_registered", map[string]any{
		"kb_id": "pg", "kb_type": "postgres", "status": "active",
	})
	publishUpdate(t, conn, "kb_registered", map[string]any{
		"kb_id": "graph", "kb_type": "neo4j", "status": "active",
	})

	reply, err := conn.Request(ctx, QuerySubject, map[string]any{
		"type":              "agents",
		"capability_filter": "search",
	}, bus.DefaultTimeout)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	agents := reply["agents"].([]map[string]any)
	if len(agents) != 1 || agents[0]["identity"] != "searcher" {
		t.Errorf("capability query = %+v", agents)
	}
	if reply["total_count"] != 1 {
		t.Errorf("total_count = %v, want 1", reply["total_count"])
	}

	reply, err = conn.Request(ctx, QuerySubject, map[string]any{
		"type":        "kbs",
		"type_filter": "neo4j",
	}, bus.DefaultTimeout)
	if err != nil {
		t.Fatalf("kb query: %v", err)
	}
	kbs := reply["kbs"].([]map[string]any)
	if len(kbs) != 1 || kbs[0]["kb_id"] != "graph" {
		t.Errorf("type query = %+v", kbs)
	}

	reply, err = conn.Request(ctx, QuerySubject, map[string]any{
		"status_filter": "active",
	}, bus.DefaultTimeout)
	if err != nil {
		t.Fatalf("both query: %v", err)
	}
	if reply["total_count"] != 3 {
		t.Errorf("active total_count = %v, want 3", reply["total_count"])
	}
	filters := reply["filters_applied"].(map[string]any)
	if filters["type"] != "both" || filters["status_filter"] != "active" {
		t.Errorf("filters_applied = %+v", filters)
	}
}

func TestCacheQueryRepliesUnaffectedByLaterUpdates(t *testing.T) {
	c, _, conn := newTestCache(t)
	ctx := context.Background()
	if err := c.Start(ctx); err != nil {
		t.Fatalf("start cache: %v", err)
	}

	publishUpdate(t, conn, "agent_registered", map[string]any{
		"identity": "a1", "capabilities": []any{"search"}, "status": "active",
	})

	reply, err := conn.Request(ctx, QuerySubject, map[string]any{"type": "agents"}, bus.DefaultTimeout)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	agents := reply["agents"].([]map[string]any)
	if len(agents) != 1 {
		t.Fatalf("agents = %d, want 1", len(agents))
	}

	publishUpdate(t, conn, "agent_capability_updated", map[string]any{
		"identity": "a1", "capabilities": []any{"rank"},
	})

	caps := agents[0]["capabilities"].([]any)
	if len(caps) != 1 || caps[0] != "search" {
		t.Errorf("earlier reply mutated by later update: %v", caps)
	}

	reply, err = conn.Request(ctx, QuerySubject, map[string]any{"type": "agents"}, bus.DefaultTimeout)
	if err != nil {
		t.Fatalf("second query: %v", err)
	}
	caps = reply["agents"].([]map[string]any)[0]["capabilities"].([]any)
	if len(caps) != 1 || caps[0] != "rank" {
		t.Errorf("fresh reply = %v, want [rank]", caps)
	}
}

func TestCacheConcurrentQueriesAndUpdates(t *testing.T) {
	c, _, conn := newTestCache(t)
	ctx := context.Background()
	if err := c.Start(ctx); err != nil {
		t.Fatalf("start cache: %v", err)
	}

	publishUpdate(t, conn, "agent_registered", map[string]any{
		"identity": "a1", "capabilities": []any{"search"}, "status": "active",
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			_ = conn.Publish(registry.UpdatesSubject, map[string]any{
				"type": "agent_capability_updated",
				"data": map[string]any{
					"identity":     "a1",
					"capabilities": []any{fmt.Sprintf("cap-%d", i)},
				},
			})
		}
	}()

	// Replies must marshal cleanly while updates land on the entry.
	for i := 0; i < 200; i++ {
		reply, err := conn.Request(ctx, QuerySubject, map[string]any{"type": "agents"}, bus.DefaultTimeout)
		if err != nil {
			t.Fatalf("query %d: %v", i, err)
		}
		if _, err := json.Marshal(reply); err != nil {
			t.Fatalf("marshal reply %d: %v", i, err)
		}
	}
	<-done
}

func TestCacheMatchesStoreAfterChanges(t *testing.T) {
	c, s, conn := newTestCache(t)
	ctx := context.Background()
	if err := c.Start(ctx); err != nil {
		t.Fatalf("start cache: %v", err)
	}

	// Drive changes through the registry services so both the store and
	// the update stream see them.
	agentSvc := registry.NewAgentService(s, conn)
	if _, err := s.RegisterAgent(ctx, store.AgentRegistration{Identity: "direct", Version: "1.0.0"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	publishUpdate(t, conn, "agent_registered", map[string]any{
		"identity": "direct", "status": "offline",
	})

	if err := agentSvc.Deregister(ctx, "direct"); err != nil {
		t.Fatalf("deregister: %v", err)
	}

	stored, err := s.ListAgents(ctx, store.RegistryQuery{})
	if err != nil {
		t.Fatalf("list agents: %v", err)
	}
	cached, _ := c.Snapshot()
	if len(stored) != len(cached) {
		t.Errorf("store has %d agents, cache has %d", len(stored), len(cached))
	}
}
