// Package policy decides whether a mediated call is allowed. The remote
// client asks an external decision service; the local decider evaluates
// policies stored in the mesh database. Every failure mode is a deny.
package policy

import (
	"context"

	"agentmesh/internal/store"
)

// Input identifies the principal, resource, and action of one decision.
type Input struct {
	PrincipalType string         `json:"principal_type"`
	PrincipalID   string         `json:"principal_id"`
	ResourceType  string         `json:"resource_type"`
	ResourceID    string         `json:"resource_id"`
	Action        string         `json:"action"`
	Context       map[string]any `json:"context,omitempty"`
}

// Decision is the answer to one Input.
type Decision struct {
	Allow        bool     `json:"allow"`
	MaskingRules []string `json:"masking_rules"`
	Reason       string   `json:"reason"`
}

// Decider answers policy questions. Implementations never return an
// error for a failed evaluation; they return a deny with a reason.
type Decider interface {
	Evaluate(ctx context.Context, in Input) Decision
	Healthy(ctx context.Context) bool
}

// Deny builds a deny decision with the given reason.
func Deny(reason string) Decision {
	return Decision{Allow: false, MaskingRules: []string{}, Reason: reason}
}

// LocalDecider evaluates policies persisted in the mesh store. It is the
// fallback when no external decision service is configured.
type LocalDecider struct {
	store *store.Store
}

// NewLocalDecider returns a store-backed decider.
func NewLocalDecider(s *store.Store) *LocalDecider {
	return &LocalDecider{store: s}
}

// Evaluate walks stored policies in ascending precedence; the first
// matching rule wins. Evaluation failure or no match is a deny.
func (d *LocalDecider) Evaluate(ctx context.Context, in Input) Decision {
	result, err := d.store.EvaluatePolicy(ctx, in.PrincipalID, in.ResourceID, in.Action)
	if err != nil {
		return Deny("policy evaluation error: " + err.Error())
	}
	if result.Effect != "allow" {
		reason := "no matching policy (default deny)"
		if result.MatchedPolicy != "" {
			reason = "denied by policy " + result.MatchedPolicy
		}
		return Deny(reason)
	}
	return Decision{
		Allow:        true,
		MaskingRules: result.MaskingRules,
		Reason:       "allowed by policy " + result.MatchedPolicy,
	}
}

// Healthy reports whether the backing store is reachable.
func (d *LocalDecider) Healthy(ctx context.Context) bool {
	return d.store.Ping(ctx) == nil
}
