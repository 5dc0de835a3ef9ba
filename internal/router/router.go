// Package router is the external surface for mediated calls: it fronts
// the enforcement pipeline and tracks agent-to-agent invocation
// lifecycles.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"agentmesh/internal/bus"
	"agentmesh/internal/enforce"
	"agentmesh/internal/store"
)

// Bus subjects owned by the router.
const (
	KBQuerySubject     = "mesh.routing.kb_query"
	AgentInvokeSubject = "mesh.routing.agent_invoke"
	CompletionSubject  = "mesh.routing.completion"
)

// Invocation lifecycle states. Processing is the sole non-terminal
// state; denied invocations are never stored.
const (
	StateProcessing = "processing"
	StateCompleted  = "completed"
	StateFailed     = "failed"
)

// Invocation tracks one agent-to-agent call from dispatch to completion.
type Invocation struct {
	TrackingID    string         `json:"tracking_id"`
	SourceAgentID string         `json:"source_agent_id"`
	TargetAgentID string         `json:"target_agent_id"`
	Operation     string         `json:"operation"`
	Payload       map[string]any `json:"payload,omitempty"`
	Status        string         `json:"status"`
	StartedAt     time.Time      `json:"started_at"`
	CompletedAt   *time.Time     `json:"completed_at,omitempty"`
	Result        any            `json:"result,omitempty"`
	Error         string         `json:"error,omitempty"`
}

// Router mediates KB queries and agent invocations over the bus.
type Router struct {
	pipeline    *enforce.Pipeline
	store       *store.Store
	bus         bus.Conn
	maxInflight int

	mu          sync.Mutex
	invocations map[string]*Invocation
}

// New returns a router capped at maxInflight concurrent invocations
// (default 10000).
func New(p *enforce.Pipeline, s *store.Store, conn bus.Conn, maxInflight int) *Router {
	if maxInflight <= 0 {
		maxInflight = 10000
	}
	return &Router{
		pipeline:    p,
		store:       s,
		bus:         conn,
		maxInflight: maxInflight,
		invocations: make(map[string]*Invocation),
	}
}

// Start subscribes the router's bus subjects.
func (r *Router) Start() error {
	if err := r.bus.Subscribe(KBQuerySubject, r.HandleKBQuery); err != nil {
		return err
	}
	if err := r.bus.Subscribe(AgentInvokeSubject, r.HandleAgentInvoke); err != nil {
		return err
	}
	return r.bus.Subscribe(CompletionSubject, r.HandleCompletion)
}

// HandleKBQuery serves mesh.routing.kb_query. Denials and failures map
// to structured replies; the handler itself never errors.
func (r *Router) HandleKBQuery(ctx context.Context, msg map[string]any) (map[string]any, error) {
	requesterID, _ := msg["requester_id"].(string)
	kbID, _ := msg["kb_id"].(string)
	operation, _ := msg["operation"].(string)
	params, _ := msg["params"].(map[string]any)

	if requesterID == "" {
		return errorReply("missing requester_id"), nil
	}
	if kbID == "" {
		return errorReply("missing kb_id"), nil
	}
	if operation == "" {
		return errorReply("missing operation"), nil
	}

	result, err := r.pipeline.EnforceKBAccess(ctx, requesterID, kbID, operation, params)
	if err != nil {
		if enforce.IsAccessDenied(err) {
			return map[string]any{
				"status": "denied",
				"error":  err.Error(),
				"policy": "Access denied by policy",
			}, nil
		}
		return errorReply(err.Error()), nil
	}

	return map[string]any{
		"status":        "success",
		"data":          result.Data,
		"masked_fields": toAnySlice(result.MaskedFields),
		"policy":        result.Policy,
	}, nil
}

// HandleAgentInvoke serves mesh.routing.agent_invoke: authorize, record
// the invocation, dispatch to the target's subject, reply with the
// tracking id.
func (r *Router) HandleAgentInvoke(ctx context.Context, msg map[string]any) (map[string]any, error) {
	sourceID, _ := msg["source"].(string)
	targetID, _ := msg["target"].(string)
	operation, _ := msg["operation"].(string)
	payload, _ := msg["payload"].(map[string]any)

	if sourceID == "" {
		return errorReply("missing source"), nil
	}
	if targetID == "" {
		return errorReply("missing target"), nil
	}
	if operation == "" {
		return errorReply("missing operation"), nil
	}

	// Admission check before policy or audit run.
	r.mu.Lock()
	inflight := len(r.invocations)
	r.mu.Unlock()
	if inflight >= r.maxInflight {
		slog.Warn("invocation map full", "inflight", inflight, "cap", r.maxInflight)
		return errorReply("resource_exhausted"), nil
	}

	auth, err := r.pipeline.EnforceAgentInvoke(ctx, sourceID, targetID, operation)
	if err != nil {
		if enforce.IsAccessDenied(err) {
			return map[string]any{
				"tracking_id": "",
				"status":      "denied",
				"source":      sourceID,
				"target":      targetID,
				"operation":   operation,
				"error":       err.Error(),
				"policy":      "Access denied by policy",
			}, nil
		}
		return errorReply(err.Error()), nil
	}

	target, err := r.store.GetAgent(ctx, targetID)
	if err != nil {
		return errorReply(err.Error()), nil
	}
	if target == nil {
		return errorReply(fmt.Sprintf("target agent %q not found", targetID)), nil
	}

	inv := &Invocation{
		TrackingID:    uuid.New().String(),
		SourceAgentID: sourceID,
		TargetAgentID: target.Identity,
		Operation:     operation,
		Payload:       payload,
		Status:        StateProcessing,
		StartedAt:     time.Now().UTC(),
	}
	r.mu.Lock()
	r.invocations[inv.TrackingID] = inv
	r.mu.Unlock()

	// Fire-and-forget dispatch; the target replies on the completion
	// subject.
	err = r.bus.Publish("mesh.agent."+target.Identity+".invoke", map[string]any{
		"tracking_id": inv.TrackingID,
		"source":      sourceID,
		"operation":   operation,
		"payload":     payload,
	})
	if err != nil {
		slog.Error("invocation dispatch failed", "tracking_id", inv.TrackingID, "error", err)
	}

	slog.Info("invocation dispatched",
		"tracking_id", inv.TrackingID, "source", sourceID, "target", targetID,
		"operation", operation)

	return map[string]any{
		"tracking_id": inv.TrackingID,
		"status":      StateProcessing,
		"source":      sourceID,
		"target":      targetID,
		"operation":   operation,
		"policy":      auth.Policy,
		"started_at":  inv.StartedAt.Format(time.RFC3339),
	}, nil
}

// HandleCompletion serves mesh.routing.completion (publish-only from the
// target's side, so it never replies). Unknown tracking ids are dropped.
func (r *Router) HandleCompletion(ctx context.Context, msg map[string]any) (map[string]any, error) {
	trackingID, _ := msg["tracking_id"].(string)
	status, _ := msg["status"].(string)
	errMsg, _ := msg["error"].(string)
	result := msg["result"]

	if trackingID == "" || status == "" {
		slog.Warn("malformed completion", "msg", msg)
		return nil, nil
	}

	now := time.Now().UTC()

	r.mu.Lock()
	inv, ok := r.invocations[trackingID]
	if ok {
		inv.CompletedAt = &now
		if status == "complete" {
			inv.Status = StateCompleted
			inv.Result = result
		} else {
			inv.Status = StateFailed
			inv.Error = errMsg
		}
	}
	r.mu.Unlock()

	if !ok {
		slog.Warn("completion for unknown tracking id", "tracking_id", trackingID)
		return nil, nil
	}

	outcome := store.OutcomeSuccess
	if status != "complete" {
		outcome = store.OutcomeError
	}
	if _, err := r.store.LogEvent(ctx, store.AuditEvent{
		EventType: store.EventInvoke,
		SourceID:  inv.SourceAgentID,
		TargetID:  inv.TargetAgentID,
		Outcome:   outcome,
		Timestamp: now,
		RequestMetadata: map[string]any{
			"operation":   inv.Operation,
			"tracking_id": trackingID,
			"latency_ms":  now.Sub(inv.StartedAt).Milliseconds(),
		},
	}); err != nil {
		slog.Error("append completion audit event failed", "tracking_id", trackingID, "error", err)
	}

	err := r.bus.Publish("mesh.agent."+inv.SourceAgentID+".notifications", map[string]any{
		"type":        "invocation_complete",
		"tracking_id": trackingID,
		"status":      inv.Status,
		"result":      inv.Result,
		"error":       inv.Error,
	})
	if err != nil {
		slog.Warn("publish completion notification failed", "tracking_id", trackingID, "error", err)
	}

	slog.Info("invocation completed",
		"tracking_id", trackingID, "status", inv.Status,
		"latency_ms", now.Sub(inv.StartedAt).Milliseconds())
	return nil, nil
}

// GetInvocationStatus returns a copy of the invocation record, or nil
// when unknown.
func (r *Router) GetInvocationStatus(trackingID string) *Invocation {
	r.mu.Lock()
	defer r.mu.Unlock()
	inv, ok := r.invocations[trackingID]
	if !ok {
		return nil
	}
	cp := *inv
	return &cp
}

// Inflight reports the number of tracked invocations.
func (r *Router) Inflight() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.invocations)
}

func errorReply(msg string) map[string]any {
	return map[string]any{"status": "error", "error": msg}
}

func toAnySlice(in []string) []any {
	out := make([]any, len(in))
	for i, v := range in {
		out[i] = v
	}
	return out
}
