// Package enforce is the governance pipeline every mediated call passes
// through: resolve the target, ask policy, execute, mask, audit.
package enforce

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"agentmesh/internal/bus"
	"agentmesh/internal/kb"
	"agentmesh/internal/policy"
	"agentmesh/internal/store"
)

// AccessDeniedError reports a policy denial. The router maps it to a
// denied reply at the bus boundary.
type AccessDeniedError struct {
	Reason string
}

func (e *AccessDeniedError) Error() string { return "access denied: " + e.Reason }

// IsAccessDenied reports whether err is a policy denial.
func IsAccessDenied(err error) bool {
	var denied *AccessDeniedError
	return errors.As(err, &denied)
}

// Store is the persistence surface the pipeline needs: target lookup
// and the append-only audit log.
type Store interface {
	GetKB(ctx context.Context, kbID string) (*store.KBRecord, error)
	LogEvent(ctx context.Context, event store.AuditEvent) (string, error)
}

// Pipeline enforces policy on KB queries and agent invocations. Local
// adapters are keyed by kb_id; KBs without one are reached over the bus
// on their adapter subject.
type Pipeline struct {
	store    Store
	decider  policy.Decider
	bus      bus.Conn
	adapters map[string]kb.Adapter
}

// New returns a pipeline over the given store, decider, and bus.
func New(s Store, d policy.Decider, conn bus.Conn) *Pipeline {
	return &Pipeline{
		store:    s,
		decider:  d,
		bus:      conn,
		adapters: make(map[string]kb.Adapter),
	}
}

// AttachAdapter wires a locally-hosted adapter for one KB.
func (p *Pipeline) AttachAdapter(kbID string, adapter kb.Adapter) {
	p.adapters[kbID] = adapter
}

// KBResult is the masked outcome of an allowed KB query.
type KBResult struct {
	Data         any      `json:"data"`
	MaskedFields []string `json:"masked_fields"`
	Policy       string   `json:"policy"`
}

// EnforceKBAccess mediates one agent-to-KB query. Exactly one terminal
// audit event is appended: denied on policy refusal or missing KB,
// error on lookup or execution failure, success otherwise.
func (p *Pipeline) EnforceKBAccess(ctx context.Context, requesterID, kbID, operation string, params map[string]any) (*KBResult, error) {
	record, err := p.store.GetKB(ctx, kbID)
	if err != nil {
		p.audit(ctx, store.AuditEvent{
			EventType: store.EventQuery,
			SourceID:  requesterID,
			TargetID:  kbID,
			Outcome:   store.OutcomeError,
			RequestMetadata: map[string]any{
				"operation": operation,
				"error":     err.Error(),
			},
		})
		return nil, fmt.Errorf("look up KB %s: %w", kbID, err)
	}
	if record == nil {
		p.audit(ctx, store.AuditEvent{
			EventType:       store.EventQuery,
			SourceID:        requesterID,
			TargetID:        kbID,
			Outcome:         store.OutcomeDenied,
			RequestMetadata: map[string]any{"operation": operation, "reason": "KB not found"},
		})
		return nil, &AccessDeniedError{Reason: "KB not found: " + kbID}
	}

	decision := p.decider.Evaluate(ctx, policy.Input{
		PrincipalType: "agent",
		PrincipalID:   requesterID,
		ResourceType:  "kb",
		ResourceID:    kbID,
		Action:        operation,
		Context:       map[string]any{"kb_type": record.KBType},
	})
	if !decision.Allow {
		p.audit(ctx, store.AuditEvent{
			EventType:       store.EventQuery,
			SourceID:        requesterID,
			TargetID:        kbID,
			Outcome:         store.OutcomeDenied,
			RequestMetadata: map[string]any{"operation": operation, "reason": decision.Reason},
			PolicyDecision:  decisionMetadata(decision),
		})
		return nil, &AccessDeniedError{Reason: decision.Reason}
	}

	start := time.Now()
	raw, err := p.execute(ctx, record, operation, params)
	if err != nil {
		p.audit(ctx, store.AuditEvent{
			EventType: store.EventQuery,
			SourceID:  requesterID,
			TargetID:  kbID,
			Outcome:   store.OutcomeError,
			RequestMetadata: map[string]any{
				"operation": operation,
				"error":     err.Error(),
			},
			PolicyDecision: decisionMetadata(decision),
		})
		return nil, err
	}

	masked := Mask(raw, decision.MaskingRules)

	if err := p.auditStrict(ctx, store.AuditEvent{
		EventType:    store.EventQuery,
		SourceID:     requesterID,
		TargetID:     kbID,
		Outcome:      store.OutcomeSuccess,
		MaskedFields: decision.MaskingRules,
		RequestMetadata: map[string]any{
			"operation":  operation,
			"latency_ms": time.Since(start).Milliseconds(),
		},
		PolicyDecision: decisionMetadata(decision),
	}); err != nil {
		return nil, err
	}

	return &KBResult{
		Data:         masked,
		MaskedFields: decision.MaskingRules,
		Policy:       decision.Reason,
	}, nil
}

// execute dispatches to the local adapter when one is attached, or to
// the KB's adapter subject over the bus. A bus timeout is a transport
// error.
func (p *Pipeline) execute(ctx context.Context, record *store.KBRecord, operation string, params map[string]any) (any, error) {
	if adapter, ok := p.adapters[record.KBID]; ok {
		return adapter.Execute(ctx, operation, params)
	}

	reply, err := p.bus.Request(ctx, record.KBID+".adapter.query", map[string]any{
		"operation": operation,
		"params":    params,
	}, bus.DefaultTimeout)
	if err != nil {
		return nil, fmt.Errorf("adapter unreachable: %w", err)
	}
	if status, _ := reply["status"].(string); status != "success" {
		errMsg, _ := reply["error"].(string)
		if errMsg == "" {
			errMsg = "adapter returned status " + status
		}
		return nil, errors.New(errMsg)
	}
	return reply["data"], nil
}

// InvokeAuthorization is the outcome of an allowed agent invocation.
type InvokeAuthorization struct {
	Source    string `json:"source"`
	Target    string `json:"target"`
	Operation string `json:"operation"`
	Policy    string `json:"policy"`
}

// EnforceAgentInvoke authorizes one agent-to-agent invocation. One audit
// event is appended: invoke/denied on refusal, invoke/success with
// granted metadata on allow. The completion handler appends the second
// event of the pair later.
func (p *Pipeline) EnforceAgentInvoke(ctx context.Context, sourceID, targetID, operation string) (*InvokeAuthorization, error) {
	decision := p.decider.Evaluate(ctx, policy.Input{
		PrincipalType: "agent",
		PrincipalID:   sourceID,
		ResourceType:  "agent",
		ResourceID:    targetID,
		Action:        "invoke",
		Context:       map[string]any{"operation": operation},
	})
	if !decision.Allow {
		p.audit(ctx, store.AuditEvent{
			EventType:       store.EventInvoke,
			SourceID:        sourceID,
			TargetID:        targetID,
			Outcome:         store.OutcomeDenied,
			RequestMetadata: map[string]any{"operation": operation, "reason": decision.Reason},
			PolicyDecision:  decisionMetadata(decision),
		})
		return nil, &AccessDeniedError{Reason: decision.Reason}
	}

	if err := p.auditStrict(ctx, store.AuditEvent{
		EventType: store.EventInvoke,
		SourceID:  sourceID,
		TargetID:  targetID,
		Outcome:   store.OutcomeSuccess,
		RequestMetadata: map[string]any{
			"operation":     operation,
			"authorization": "granted",
		},
		PolicyDecision: decisionMetadata(decision),
	}); err != nil {
		return nil, err
	}

	return &InvokeAuthorization{
		Source:    sourceID,
		Target:    targetID,
		Operation: operation,
		Policy:    decision.Reason,
	}, nil
}

func decisionMetadata(d policy.Decision) map[string]any {
	return map[string]any{
		"allow":  d.Allow,
		"reason": d.Reason,
	}
}

// audit appends a denial or error event. Persistence failure here is
// logged, not surfaced: the caller is already returning a refusal.
func (p *Pipeline) audit(ctx context.Context, event store.AuditEvent) {
	event.Timestamp = time.Now().UTC()
	if _, err := p.store.LogEvent(ctx, event); err != nil {
		slog.Error("append audit event failed",
			"event_type", event.EventType, "outcome", event.Outcome, "error", err)
	}
}

// auditStrict appends a success event. A call whose audit record cannot
// be persisted does not count as governed, so the failure surfaces.
func (p *Pipeline) auditStrict(ctx context.Context, event store.AuditEvent) error {
	event.Timestamp = time.Now().UTC()
	if _, err := p.store.LogEvent(ctx, event); err != nil {
		return fmt.Errorf("append audit event: %w", err)
	}
	return nil
}
