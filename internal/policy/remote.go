package policy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"
)

// RemoteDecider asks an external decision service over HTTP. Timeouts,
// non-2xx responses, and decode failures all map to deny.
type RemoteDecider struct {
	url         string
	client      *http.Client
	policiesDir string
}

// NewRemoteDecider builds a client for the decision service at url.
// When policiesDir is non-empty, uploaded policy text is also persisted
// there.
func NewRemoteDecider(url, policiesDir string) *RemoteDecider {
	return &RemoteDecider{
		url:         url,
		client:      &http.Client{Timeout: 5 * time.Second},
		policiesDir: policiesDir,
	}
}

// Evaluate posts the decision input and returns the service's answer.
// Any failure mode returns a deny with a descriptive reason.
func (d *RemoteDecider) Evaluate(ctx context.Context, in Input) Decision {
	body, err := json.Marshal(map[string]any{"input": in})
	if err != nil {
		return Deny("encode policy input: " + err.Error())
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		d.url+"/v1/data/agentmesh/decision", bytes.NewReader(body))
	if err != nil {
		return Deny("build policy request: " + err.Error())
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		slog.Error("policy decision request failed", "error", err)
		return Deny("policy service unreachable (default deny)")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		slog.Error("policy service returned error", "status", resp.StatusCode)
		return Deny(fmt.Sprintf("policy service returned %d (default deny)", resp.StatusCode))
	}

	var wrapper struct {
		Result Decision `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&wrapper); err != nil {
		return Deny("decode policy decision: " + err.Error())
	}
	if wrapper.Result.MaskingRules == nil {
		wrapper.Result.MaskingRules = []string{}
	}
	slog.Debug("policy decision",
		"principal", in.PrincipalID, "resource", in.ResourceID,
		"action", in.Action, "allow", wrapper.Result.Allow)
	return wrapper.Result
}

// Healthy probes the service's health endpoint.
func (d *RemoteDecider) Healthy(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.url+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// ListPolicies returns the decision service's loaded policies.
func (d *RemoteDecider) ListPolicies(ctx context.Context) (map[string]any, error) {
	return d.getJSON(ctx, "/v1/policies")
}

// GetPolicy returns one policy's content and metadata by id.
func (d *RemoteDecider) GetPolicy(ctx context.Context, policyID string) (map[string]any, error) {
	return d.getJSON(ctx, "/v1/policies/"+policyID)
}

func (d *RemoteDecider) getJSON(ctx context.Context, path string) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.url+path, nil)
	if err != nil {
		return nil, err
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("policy service request %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("policy service %s returned %d", path, resp.StatusCode)
	}
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode policy service response: %w", err)
	}
	return out, nil
}

// UploadPolicy installs policy text under policyID and, when a policies
// directory is configured, persists it to disk. Persistence failure does
// not fail the upload.
func (d *RemoteDecider) UploadPolicy(ctx context.Context, policyID, content string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut,
		d.url+"/v1/policies/"+policyID, bytes.NewReader([]byte(content)))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "text/plain")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("upload policy %s: %w", policyID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("upload policy %s: status %d: %s", policyID, resp.StatusCode, detail)
	}

	if d.policiesDir != "" {
		if err := os.MkdirAll(d.policiesDir, 0755); err != nil {
			slog.Warn("create policies dir failed", "dir", d.policiesDir, "error", err)
			return nil
		}
		path := filepath.Join(d.policiesDir, policyID+".rego")
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			slog.Warn("persist policy to disk failed", "path", path, "error", err)
		} else {
			slog.Info("policy persisted", "path", path)
		}
	}
	return nil
}

// DeletePolicy removes the policy from the service and deletes its
// persisted file when present.
func (d *RemoteDecider) DeletePolicy(ctx context.Context, policyID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete,
		d.url+"/v1/policies/"+policyID, nil)
	if err != nil {
		return err
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("delete policy %s: %w", policyID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("policy %s not found", policyID)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("delete policy %s: status %d", policyID, resp.StatusCode)
	}

	if d.policiesDir != "" {
		path := filepath.Join(d.policiesDir, policyID+".rego")
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			slog.Warn("delete policy file failed", "path", path, "error", err)
		}
	}
	return nil
}
