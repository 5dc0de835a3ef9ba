package router

import (
	"context"
	"path/filepath"
	"testing"

	"agentmesh/internal/bus"
	"agentmesh/internal/enforce"
	"agentmesh/internal/policy"
	"agentmesh/internal/store"
)

func newTestRouter(t *testing.T, maxInflight int) (*Router, *store.Store, *bus.Fake) {
	t.Helper()
	s, err := store.Open(store.Options{Path: filepath.Join(t.TempDir(), "mesh.db")})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	conn := bus.NewFake()
	pipeline := enforce.New(s, policy.NewLocalDecider(s), conn)
	r := New(pipeline, s, conn, maxInflight)
	if err := r.Start(); err != nil {
		t.Fatalf("start router: %v", err)
	}
	return r, s, conn
}

func allowEverything(t *testing.T, s *store.Store) {
	t.Helper()
	_, err := s.CreatePolicy(context.Background(), store.PolicyDefinition{
		PolicyName: "allow-all",
		Precedence: 1,
		Active:     true,
		Rules: []store.PolicyRule{
			{Principal: "*", Resource: "*", Action: "*", Effect: "allow"},
		},
	})
	if err != nil {
		t.Fatalf("create policy: %v", err)
	}
}

func registerAgent(t *testing.T, s *store.Store, identity string) {
	t.Helper()
	_, err := s.RegisterAgent(context.Background(), store.AgentRegistration{
		Identity: identity,
		Version:  "1.0.0",
	})
	if err != nil {
		t.Fatalf("register agent %s: %v", identity, err)
	}
}

func TestHandleAgentInvoke_Lifecycle(t *testing.T) {
	r, s, conn := newTestRouter(t, 0)
	allowEverything(t, s)
	registerAgent(t, s, "worker")
	ctx := context.Background()

	reply, err := r.HandleAgentInvoke(ctx, map[string]any{
		"source":    "caller",
		"target":    "worker",
		"operation": "summarize",
		"payload":   map[string]any{"text": "hello"},
	})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if reply["status"] != StateProcessing {
		t.Fatalf("reply status = %v, want processing", reply["status"])
	}
	trackingID, _ := reply["tracking_id"].(string)
	if trackingID == "" {
		t.Fatal("reply missing tracking_id")
	}

	dispatched := conn.Published("mesh.agent.worker.invoke")
	if len(dispatched) != 1 {
		t.Fatalf("dispatched messages = %d, want 1", len(dispatched))
	}
	if dispatched[0]["tracking_id"] != trackingID {
		t.Errorf("dispatch tracking_id = %v, want %s", dispatched[0]["tracking_id"], trackingID)
	}

	inv := r.GetInvocationStatus(trackingID)
	if inv == nil || inv.Status != StateProcessing {
		t.Fatalf("invocation = %+v, want processing", inv)
	}

	_, err = r.HandleCompletion(ctx, map[string]any{
		"tracking_id": trackingID,
		"status":      "complete",
		"result":      map[string]any{"summary": "hi"},
	})
	if err != nil {
		t.Fatalf("completion: %v", err)
	}

	inv = r.GetInvocationStatus(trackingID)
	if inv.Status != StateCompleted {
		t.Errorf("status after completion = %q, want completed", inv.Status)
	}
	if inv.CompletedAt == nil {
		t.Error("completed_at not set")
	}

	notices := conn.Published("mesh.agent.caller.notifications")
	if len(notices) != 1 {
		t.Fatalf("notifications = %d, want 1", len(notices))
	}
	if notices[0]["type"] != "invocation_complete" || notices[0]["status"] != StateCompleted {
		t.Errorf("notification = %+v", notices[0])
	}

	// Authorization event plus completion event.
	events, err := s.QueryAuditLogs(ctx, store.AuditQuery{EventType: store.EventInvoke})
	if err != nil {
		t.Fatalf("query audit: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("invoke audit events = %d, want 2", len(events))
	}
}

func TestHandleAgentInvoke_Failed(t *testing.T) {
	r, s, _ := newTestRouter(t, 0)
	allowEverything(t, s)
	registerAgent(t, s, "worker")
	ctx := context.Background()

	reply, err := r.HandleAgentInvoke(ctx, map[string]any{
		"source": "caller", "target": "worker", "operation": "summarize",
	})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	trackingID := reply["tracking_id"].(string)

	if _, err := r.HandleCompletion(ctx, map[string]any{
		"tracking_id": trackingID,
		"status":      "failed",
		"error":       "model unavailable",
	}); err != nil {
		t.Fatalf("completion: %v", err)
	}

	inv := r.GetInvocationStatus(trackingID)
	if inv.Status != StateFailed || inv.Error != "model unavailable" {
		t.Errorf("invocation = %+v, want failed with error", inv)
	}

	events, err := s.QueryAuditLogs(ctx, store.AuditQuery{Outcome: store.OutcomeError})
	if err != nil {
		t.Fatalf("query audit: %v", err)
	}
	if len(events) != 1 {
		t.Errorf("error audit events = %d, want 1", len(events))
	}
}

func TestHandleAgentInvoke_Denied(t *testing.T) {
	r, s, conn := newTestRouter(t, 0)
	registerAgent(t, s, "worker")
	// No policies: default deny.

	reply, err := r.HandleAgentInvoke(context.Background(), map[string]any{
		"source": "caller", "target": "worker", "operation": "summarize",
	})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if reply["status"] != "denied" {
		t.Fatalf("reply status = %v, want denied", reply["status"])
	}
	if reply["tracking_id"] != "" {
		t.Errorf("denied reply tracking_id = %v, want empty", reply["tracking_id"])
	}
	if r.Inflight() != 0 {
		t.Errorf("inflight after denial = %d, want 0", r.Inflight())
	}
	if got := conn.Published("mesh.agent.worker.invoke"); len(got) != 0 {
		t.Errorf("denied invocation was dispatched: %+v", got)
	}
}

func TestHandleAgentInvoke_UnknownTarget(t *testing.T) {
	r, s, _ := newTestRouter(t, 0)
	allowEverything(t, s)

	reply, err := r.HandleAgentInvoke(context.Background(), map[string]any{
		"source": "caller", "target": "ghost", "operation": "summarize",
	})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if reply["status"] != "error" {
		t.Errorf("reply = %+v, want error status", reply)
	}
	if r.Inflight() != 0 {
		t.Errorf("inflight = %d, want 0", r.Inflight())
	}
}

func TestHandleAgentInvoke_MissingFields(t *testing.T) {
	r, _, _ := newTestRouter(t, 0)

	for _, msg := range []map[string]any{
		{"target": "worker", "operation": "op"},
		{"source": "caller", "operation": "op"},
		{"source": "caller", "target": "worker"},
	} {
		reply, err := r.HandleAgentInvoke(context.Background(), msg)
		if err != nil {
			t.Fatalf("invoke %v: %v", msg, err)
		}
		if reply["status"] != "error" {
			t.Errorf("reply for %v = %+v, want error", msg, reply)
		}
	}
}

func TestHandleAgentInvoke_ResourceExhausted(t *testing.T) {
	r, s, _ := newTestRouter(t, 1)
	allowEverything(t, s)
	registerAgent(t, s, "worker")
	ctx := context.Background()

	first, err := r.HandleAgentInvoke(ctx, map[string]any{
		"source": "caller", "target": "worker", "operation": "op",
	})
	if err != nil {
		t.Fatalf("first invoke: %v", err)
	}
	if first["status"] != StateProcessing {
		t.Fatalf("first reply = %+v", first)
	}

	second, err := r.HandleAgentInvoke(ctx, map[string]any{
		"source": "caller", "target": "worker", "operation": "op",
	})
	if err != nil {
		t.Fatalf("second invoke: %v", err)
	}
	if second["status"] != "error" || second["error"] != "resource_exhausted" {
		t.Errorf("second reply = %+v, want resource_exhausted", second)
	}

	// Rejection happens before policy and audit: only the first call's
	// authorization event exists.
	events, err := s.QueryAuditLogs(ctx, store.AuditQuery{})
	if err != nil {
		t.Fatalf("query audit: %v", err)
	}
	if len(events) != 1 {
		t.Errorf("audit events = %d, want 1", len(events))
	}
}

func TestHandleCompletion_UnknownTrackingID(t *testing.T) {
	r, s, conn := newTestRouter(t, 0)

	if _, err := r.HandleCompletion(context.Background(), map[string]any{
		"tracking_id": "no-such-id",
		"status":      "complete",
	}); err != nil {
		t.Fatalf("completion: %v", err)
	}

	events, err := s.QueryAuditLogs(context.Background(), store.AuditQuery{})
	if err != nil {
		t.Fatalf("query audit: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("audit events for unknown completion = %d, want 0", len(events))
	}
	for subject, msgs := range map[string][]map[string]any{
		"notifications": conn.Published("mesh.agent.caller.notifications"),
	} {
		if len(msgs) != 0 {
			t.Errorf("%s published for unknown completion: %+v", subject, msgs)
		}
	}
}

func TestHandleKBQuery_MissingFields(t *testing.T) {
	r, _, _ := newTestRouter(t, 0)

	reply, err := r.HandleKBQuery(context.Background(), map[string]any{
		"kb_id": "db", "operation": "sql_query",
	})
	if err != nil {
		t.Fatalf("kb query: %v", err)
	}
	if reply["status"] != "error" || reply["error"] != "missing requester_id" {
		t.Errorf("reply = %+v", reply)
	}
}

func TestHandleKBQuery_Denied(t *testing.T) {
	r, s, _ := newTestRouter(t, 0)
	_, err := s.RegisterKB(context.Background(), store.KBRegistration{
		KBID: "db", KBType: "postgres", Endpoint: "postgres://h/db",
	})
	if err != nil {
		t.Fatalf("register kb: %v", err)
	}

	reply, err := r.HandleKBQuery(context.Background(), map[string]any{
		"requester_id": "agent", "kb_id": "db", "operation": "sql_query",
	})
	if err != nil {
		t.Fatalf("kb query: %v", err)
	}
	if reply["status"] != "denied" {
		t.Errorf("reply = %+v, want denied", reply)
	}
}
