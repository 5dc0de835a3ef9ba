// Package registry validates and persists agent and KB registrations,
// publishes directory change events, and monitors participant health.
package registry

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"time"

	"agentmesh/internal/bus"
	"agentmesh/internal/store"
)

// UpdatesSubject carries directory change events.
const UpdatesSubject = "mesh.directory.updates"

var semverRe = regexp.MustCompile(`^\d+\.\d+\.\d+(-[a-zA-Z0-9.-]+)?(\+[a-zA-Z0-9.-]+)?$`)

// AllowedAgentOperations is the operation vocabulary agents may declare.
var AllowedAgentOperations = []string{"publish", "query", "subscribe", "invoke", "execute"}

// AgentService registers and manages agents.
type AgentService struct {
	store  *store.Store
	bus    bus.Conn
	client *http.Client
}

// NewAgentService returns an agent service over the given store and bus.
func NewAgentService(s *store.Store, conn bus.Conn) *AgentService {
	return &AgentService{
		store:  s,
		bus:    conn,
		client: &http.Client{Timeout: 5 * time.Second},
	}
}

// RegisterResult is the reply to a successful registration.
type RegisterResult struct {
	ID      string `json:"id"`
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

func validateAgentRegistration(reg store.AgentRegistration) error {
	if reg.Identity == "" {
		return &ValidationError{Field: "identity", Message: "must not be empty"}
	}
	if !semverRe.MatchString(reg.Version) {
		return &ValidationError{
			Field:      "version",
			Message:    "must be a semantic version",
			Suggestion: "use MAJOR.MINOR.PATCH, e.g. 1.0.0",
		}
	}
	if len(reg.Capabilities) == 0 {
		return &ValidationError{Field: "capabilities", Message: "must not be empty"}
	}
	if len(reg.Operations) == 0 {
		return &ValidationError{Field: "operations", Message: "must not be empty"}
	}
	allowed := make(map[string]bool, len(AllowedAgentOperations))
	for _, op := range AllowedAgentOperations {
		allowed[op] = true
	}
	for _, op := range reg.Operations {
		if !allowed[op] {
			return &ValidationError{
				Field:      "operations",
				Message:    "unknown operation " + op,
				Suggestion: "allowed: publish, query, subscribe, invoke, execute",
			}
		}
	}
	u, err := url.Parse(reg.HealthEndpoint)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return &ValidationError{
			Field:      "health_endpoint",
			Message:    "must be a well-formed http(s) URL",
			Suggestion: "e.g. http://agent-host:8080/health",
		}
	}
	return nil
}

// probeEndpoint makes one GET against a health endpoint. Registration
// treats anything but a 200 as offline.
func (s *AgentService) probeEndpoint(ctx context.Context, endpoint string) string {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return store.StatusOffline
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return store.StatusOffline
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusOK {
		return store.StatusActive
	}
	return store.StatusOffline
}

// Register validates the registration, probes the health endpoint,
// persists the record, and publishes agent_registered.
func (s *AgentService) Register(ctx context.Context, reg store.AgentRegistration) (*RegisterResult, error) {
	if err := validateAgentRegistration(reg); err != nil {
		return nil, err
	}

	status := s.probeEndpoint(ctx, reg.HealthEndpoint)

	agentID, err := s.store.RegisterAgent(ctx, reg)
	if err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, &DuplicateIdentityError{Identity: reg.Identity}
		}
		return nil, err
	}
	if err := s.store.UpdateAgentStatus(ctx, reg.Identity, status); err != nil {
		return nil, err
	}

	s.publishUpdate("agent_registered", map[string]any{
		"identity":     reg.Identity,
		"version":      reg.Version,
		"capabilities": toAnySlice(reg.Capabilities),
		"operations":   toAnySlice(reg.Operations),
		"status":       status,
	})

	if _, err := s.store.LogEvent(ctx, store.AuditEvent{
		EventType: store.EventRegister,
		SourceID:  reg.Identity,
		TargetID:  "mesh",
		Outcome:   store.OutcomeSuccess,
		Timestamp: time.Now().UTC(),
		RequestMetadata: map[string]any{
			"entity": "agent",
			"status": status,
		},
	}); err != nil {
		slog.Warn("audit registration failed", "identity", reg.Identity, "error", err)
	}

	slog.Info("agent registered", "identity", reg.Identity, "status", status)

	msg := ""
	if status != store.StatusActive {
		msg = "health check failed; registered with status " + status
	}
	return &RegisterResult{ID: agentID, Status: status, Message: msg}, nil
}

// GetDetails returns the full record for one agent.
func (s *AgentService) GetDetails(ctx context.Context, identity string) (*store.AgentRecord, error) {
	agent, err := s.store.GetAgent(ctx, identity)
	if err != nil {
		return nil, err
	}
	if agent == nil {
		return nil, &EntityNotFoundError{Kind: "agent", ID: identity}
	}
	return agent, nil
}

// UpdateCapabilities replaces the agent's capability set and publishes
// agent_capability_updated with the old and new sets.
func (s *AgentService) UpdateCapabilities(ctx context.Context, identity string, capabilities []string) error {
	if len(capabilities) == 0 {
		return &ValidationError{Field: "capabilities", Message: "must not be empty"}
	}
	agent, err := s.store.GetAgent(ctx, identity)
	if err != nil {
		return err
	}
	if agent == nil {
		return &EntityNotFoundError{Kind: "agent", ID: identity}
	}

	if err := s.store.UpdateAgentCapabilities(ctx, identity, capabilities); err != nil {
		return err
	}

	s.publishUpdate("agent_capability_updated", map[string]any{
		"identity":         identity,
		"old_capabilities": toAnySlice(agent.Capabilities),
		"capabilities":     toAnySlice(capabilities),
	})
	slog.Info("agent capabilities updated", "identity", identity)
	return nil
}

// Deregister removes the agent and publishes agent_disconnected. Audit
// history is retained.
func (s *AgentService) Deregister(ctx context.Context, identity string) error {
	agent, err := s.store.GetAgent(ctx, identity)
	if err != nil {
		return err
	}
	if agent == nil {
		return &EntityNotFoundError{Kind: "agent", ID: identity}
	}

	if err := s.store.DeregisterAgent(ctx, identity); err != nil {
		return err
	}

	s.publishUpdate("agent_disconnected", map[string]any{"identity": identity})
	slog.Info("agent deregistered", "identity", identity)
	return nil
}

func (s *AgentService) publishUpdate(eventType string, data map[string]any) {
	err := s.bus.Publish(UpdatesSubject, map[string]any{
		"type":      eventType,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"data":      data,
	})
	if err != nil {
		slog.Warn("publish directory update failed", "type", eventType, "error", err)
	}
}

func toAnySlice(in []string) []any {
	out := make([]any, len(in))
	for i, v := range in {
		out[i] = v
	}
	return out
}
