package policy

import (
	"context"
	"path/filepath"
	"testing"

	"agentmesh/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(store.Options{Path: filepath.Join(t.TempDir(), "mesh.db")})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestLocalDecider_DefaultDeny(t *testing.T) {
	d := NewLocalDecider(openTestStore(t))

	decision := d.Evaluate(context.Background(), Input{
		PrincipalID: "agent", ResourceID: "kb", Action: "sql_query",
	})
	if decision.Allow {
		t.Fatal("empty policy set allowed a call")
	}
	if decision.Reason != "no matching policy (default deny)" {
		t.Errorf("reason = %q", decision.Reason)
	}
	if decision.MaskingRules == nil {
		t.Error("masking rules nil, want empty slice")
	}
}

func TestLocalDecider_AllowWithMasking(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if _, err := s.CreatePolicy(ctx, store.PolicyDefinition{
		PolicyName: "reporting",
		Precedence: 1,
		Active:     true,
		Rules: []store.PolicyRule{
			{
				Principal:    "report-*",
				Resource:     "customers-db",
				Action:       "sql_query",
				Effect:       "allow",
				MaskingRules: []string{"ssn"},
			},
		},
	}); err != nil {
		t.Fatalf("create policy: %v", err)
	}
	d := NewLocalDecider(s)

	decision := d.Evaluate(ctx, Input{
		PrincipalID: "report-bot", ResourceID: "customers-db", Action: "sql_query",
	})
	if !decision.Allow {
		t.Fatalf("decision = %+v, want allow", decision)
	}
	if decision.Reason != "allowed by policy reporting" {
		t.Errorf("reason = %q", decision.Reason)
	}
	if len(decision.MaskingRules) != 1 || decision.MaskingRules[0] != "ssn" {
		t.Errorf("masking rules = %v", decision.MaskingRules)
	}
}

func TestLocalDecider_ExplicitDeny(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if _, err := s.CreatePolicy(ctx, store.PolicyDefinition{
		PolicyName: "lockdown",
		Precedence: 1,
		Active:     true,
		Rules: []store.PolicyRule{
			{Principal: "*", Resource: "secrets-db", Action: "*", Effect: "deny"},
		},
	}); err != nil {
		t.Fatalf("create policy: %v", err)
	}
	d := NewLocalDecider(s)

	decision := d.Evaluate(ctx, Input{
		PrincipalID: "anyone", ResourceID: "secrets-db", Action: "sql_query",
	})
	if decision.Allow {
		t.Fatal("explicit deny allowed a call")
	}
	if decision.Reason != "denied by policy lockdown" {
		t.Errorf("reason = %q", decision.Reason)
	}
}

func TestLocalDecider_Healthy(t *testing.T) {
	s := openTestStore(t)
	d := NewLocalDecider(s)
	if !d.Healthy(context.Background()) {
		t.Error("healthy store reported unhealthy")
	}
}
