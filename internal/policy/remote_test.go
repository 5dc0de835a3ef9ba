package policy

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

func decisionServer(t *testing.T, decision Decision) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/v1/data/agentmesh/decision" && r.Method == http.MethodPost:
			var body struct {
				Input Input `json:"input"`
			}
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			json.NewEncoder(w).Encode(map[string]any{"result": decision})
		case r.URL.Path == "/health":
			w.WriteHeader(http.StatusOK)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestRemoteDecider_Evaluate(t *testing.T) {
	srv := decisionServer(t, Decision{
		Allow:        true,
		MaskingRules: []string{"email"},
		Reason:       "allowed by remote policy",
	})
	d := NewRemoteDecider(srv.URL, "")

	decision := d.Evaluate(context.Background(), Input{
		PrincipalType: "agent", PrincipalID: "a", ResourceType: "kb",
		ResourceID: "db", Action: "sql_query",
	})
	if !decision.Allow {
		t.Fatalf("decision = %+v, want allow", decision)
	}
	if len(decision.MaskingRules) != 1 || decision.MaskingRules[0] != "email" {
		t.Errorf("masking rules = %v", decision.MaskingRules)
	}
	if !d.Healthy(context.Background()) {
		t.Error("healthy service reported unhealthy")
	}
}

func TestRemoteDecider_Unreachable(t *testing.T) {
	// Nothing listens on this port.
	d := NewRemoteDecider("http://127.0.0.1:1", "")

	decision := d.Evaluate(context.Background(), Input{PrincipalID: "a", ResourceID: "b", Action: "c"})
	if decision.Allow {
		t.Fatal("unreachable service did not deny")
	}
	if d.Healthy(context.Background()) {
		t.Error("unreachable service reported healthy")
	}
}

func TestRemoteDecider_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()
	d := NewRemoteDecider(srv.URL, "")

	decision := d.Evaluate(context.Background(), Input{PrincipalID: "a", ResourceID: "b", Action: "c"})
	if decision.Allow {
		t.Fatal("5xx response did not deny")
	}
}

func TestRemoteDecider_MalformedResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not json"))
	}))
	defer srv.Close()
	d := NewRemoteDecider(srv.URL, "")

	decision := d.Evaluate(context.Background(), Input{PrincipalID: "a", ResourceID: "b", Action: "c"})
	if decision.Allow {
		t.Fatal("malformed response did not deny")
	}
}

func TestRemoteDecider_UploadPersistsPolicy(t *testing.T) {
	var uploaded string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPut {
			body := make([]byte, r.ContentLength)
			r.Body.Read(body) //nolint:errcheck
			uploaded = string(body)
			w.WriteHeader(http.StatusOK)
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()

	dir := t.TempDir()
	d := NewRemoteDecider(srv.URL, dir)
	content := "package agentmesh\n\ndefault allow = false\n"
	if err := d.UploadPolicy(context.Background(), "baseline", content); err != nil {
		t.Fatalf("upload: %v", err)
	}
	if uploaded != content {
		t.Errorf("service received %q", uploaded)
	}
	persisted, err := os.ReadFile(filepath.Join(dir, "baseline.rego"))
	if err != nil {
		t.Fatalf("read persisted policy: %v", err)
	}
	if string(persisted) != content {
		t.Errorf("persisted = %q", persisted)
	}
}

func TestRemoteDecider_DeleteMissingPolicy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()
	d := NewRemoteDecider(srv.URL, "")

	if err := d.DeletePolicy(context.Background(), "ghost"); err == nil {
		t.Fatal("delete of missing policy did not fail")
	}
}
