package store

import "time"

// Health status values shared by agents and knowledge bases.
const (
	StatusActive   = "active"
	StatusDegraded = "degraded"
	StatusOffline  = "offline"
)

// AgentRegistration is the input to RegisterAgent.
type AgentRegistration struct {
	Identity       string                    `json:"identity"`
	Version        string                    `json:"version"`
	Capabilities   []string                  `json:"capabilities"`
	Operations     []string                  `json:"operations"`
	Schemas        map[string]map[string]any `json:"schemas,omitempty"`
	HealthEndpoint string                    `json:"health_endpoint"`
	Metadata       map[string]any            `json:"metadata,omitempty"`
}

// AgentRecord is a persisted agent registration.
type AgentRecord struct {
	ID             string                    `json:"id"`
	Identity       string                    `json:"identity"`
	Version        string                    `json:"version"`
	Capabilities   []string                  `json:"capabilities"`
	Operations     []string                  `json:"operations"`
	Schemas        map[string]map[string]any `json:"schemas,omitempty"`
	HealthEndpoint string                    `json:"health_endpoint"`
	Status         string                    `json:"status"`
	RegisteredAt   time.Time                 `json:"registered_at"`
	LastHeartbeat  *time.Time                `json:"last_heartbeat,omitempty"`
	Metadata       map[string]any            `json:"metadata,omitempty"`
}

// KBRegistration is the input to RegisterKB. Endpoint must not embed
// credentials; those belong in Metadata.
type KBRegistration struct {
	KBID           string         `json:"kb_id"`
	KBType         string         `json:"kb_type"`
	Endpoint       string         `json:"endpoint"`
	Operations     []string       `json:"operations"`
	KBSchema       map[string]any `json:"kb_schema,omitempty"`
	HealthEndpoint string         `json:"health_endpoint,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// KBRecord is a persisted knowledge-base registration.
type KBRecord struct {
	ID              string         `json:"id"`
	KBID            string         `json:"kb_id"`
	KBType          string         `json:"kb_type"`
	Endpoint        string         `json:"endpoint"`
	Operations      []string       `json:"operations"`
	KBSchema        map[string]any `json:"kb_schema,omitempty"`
	HealthEndpoint  string         `json:"health_endpoint,omitempty"`
	Status          string         `json:"status"`
	RegisteredAt    time.Time      `json:"registered_at"`
	LastHealthCheck *time.Time     `json:"last_health_check,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// PolicyRule is one ordered rule inside a policy. Patterns support the
// wildcard *.
type PolicyRule struct {
	Principal    string   `json:"principal"`
	Resource     string   `json:"resource"`
	Action       string   `json:"action"`
	Effect       string   `json:"effect"`
	MaskingRules []string `json:"masking_rules,omitempty"`
}

// PolicyDefinition is the input to CreatePolicy/UpdatePolicy.
type PolicyDefinition struct {
	PolicyName string         `json:"policy_name"`
	Rules      []PolicyRule   `json:"rules"`
	Precedence int            `json:"precedence"`
	Active     bool           `json:"active"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// PolicyRecord is a persisted policy.
type PolicyRecord struct {
	ID         string         `json:"id"`
	PolicyName string         `json:"policy_name"`
	Rules      []PolicyRule   `json:"rules"`
	Precedence int            `json:"precedence"`
	Active     bool           `json:"active"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// PolicyResult is the outcome of EvaluatePolicy.
type PolicyResult struct {
	Effect        string   `json:"effect"`
	MaskingRules  []string `json:"masking_rules"`
	MatchedPolicy string   `json:"matched_policy,omitempty"`
}

// Audit event types and outcomes.
const (
	EventRegister       = "register"
	EventQuery          = "query"
	EventInvoke         = "invoke"
	EventPolicyDecision = "policy_decision"

	OutcomeSuccess = "success"
	OutcomeDenied  = "denied"
	OutcomeError   = "error"
)

// AuditEvent is one append-only audit record. The heavy fields
// (FullRequest, FullResponse, ProvenanceChain) are extensibility points
// that the default flow never populates.
type AuditEvent struct {
	ID              string         `json:"id,omitempty"`
	EventType       string         `json:"event_type"`
	SourceID        string         `json:"source_id"`
	TargetID        string         `json:"target_id,omitempty"`
	Outcome         string         `json:"outcome"`
	Timestamp       time.Time      `json:"timestamp"`
	RequestMetadata map[string]any `json:"request_metadata,omitempty"`
	PolicyDecision  map[string]any `json:"policy_decision,omitempty"`
	MaskedFields    []string       `json:"masked_fields,omitempty"`
	FullRequest     map[string]any `json:"full_request,omitempty"`
	FullResponse    map[string]any `json:"full_response,omitempty"`
	ProvenanceChain []any          `json:"provenance_chain,omitempty"`
}

// RegistryQuery filters ListAgents/ListKBs. Zero values mean "any".
type RegistryQuery struct {
	Identity     string
	KBID         string
	KBType       string
	Status       string
	Capabilities []string
	Limit        int
}

// AuditQuery filters QueryAuditLogs. Results are timestamp-descending.
type AuditQuery struct {
	EventType string
	SourceID  string
	TargetID  string
	Outcome   string
	StartTime time.Time
	EndTime   time.Time
	Limit     int
}

// AuditStats aggregates the audit log by outcome and event type.
type AuditStats struct {
	OutcomeCounts   map[string]int `json:"outcome_counts"`
	EventTypeCounts map[string]int `json:"event_type_counts"`
}
