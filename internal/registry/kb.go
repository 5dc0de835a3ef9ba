package registry

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"time"

	"agentmesh/internal/bus"
	"agentmesh/internal/store"
)

// Prober tests connectivity to one KB endpoint. Credentials, when
// needed, come from the registration metadata.
type Prober func(ctx context.Context, endpoint string, metadata map[string]any) error

// KBService registers and manages knowledge bases. Each supported kind
// carries its operation allow-list and a connectivity prober.
type KBService struct {
	store      *store.Store
	bus        bus.Conn
	allowedOps map[string][]string
	probers    map[string]Prober
}

// NewKBService returns a KB service for the given kinds. allowedOps and
// probers are keyed by kb_type.
func NewKBService(s *store.Store, conn bus.Conn, allowedOps map[string][]string, probers map[string]Prober) *KBService {
	return &KBService{store: s, bus: conn, allowedOps: allowedOps, probers: probers}
}

// SupportedTypes returns the registered KB kinds, sorted.
func (s *KBService) SupportedTypes() []string {
	types := make([]string, 0, len(s.allowedOps))
	for t := range s.allowedOps {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

func (s *KBService) validate(reg store.KBRegistration) error {
	if reg.KBID == "" {
		return &ValidationError{Field: "kb_id", Message: "must not be empty"}
	}
	allowed, ok := s.allowedOps[reg.KBType]
	if !ok {
		return &UnsupportedKBTypeError{KBType: reg.KBType, Supported: s.SupportedTypes()}
	}
	if reg.Endpoint == "" {
		return &ValidationError{Field: "endpoint", Message: "must not be empty"}
	}
	allowedSet := make(map[string]bool, len(allowed))
	for _, op := range allowed {
		allowedSet[op] = true
	}
	for _, op := range reg.Operations {
		if !allowedSet[op] {
			return &InvalidOperationError{Operation: op, Allowed: allowed}
		}
	}
	return nil
}

// Register validates the registration, tests connectivity, persists the
// record, and publishes kb_registered. A failed connectivity test still
// registers the KB, with status offline and a warning in the reply.
//
// Credentials supplied under the "credentials" metadata key stay in
// metadata; the stored endpoint must never embed them.
func (s *KBService) Register(ctx context.Context, reg store.KBRegistration, credentials map[string]any) (*RegisterResult, error) {
	if err := s.validate(reg); err != nil {
		return nil, err
	}
	if strings.Contains(reg.Endpoint, "@") {
		return nil, &ValidationError{
			Field:      "endpoint",
			Message:    "must not embed credentials",
			Suggestion: "supply credentials separately; they are stored in metadata",
		}
	}

	if len(credentials) > 0 {
		if reg.Metadata == nil {
			reg.Metadata = map[string]any{}
		}
		reg.Metadata["credentials"] = credentials
	}

	status := store.StatusActive
	warning := ""
	if probe, ok := s.probers[reg.KBType]; ok {
		if err := probe(ctx, reg.Endpoint, reg.Metadata); err != nil {
			status = store.StatusOffline
			warning = "connectivity check failed: " + err.Error()
			slog.Warn("kb connectivity check failed",
				"kb_id", reg.KBID, "kb_type", reg.KBType, "error", err)
		}
	}

	kbID, err := s.store.RegisterKB(ctx, reg)
	if err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, &DuplicateKBError{KBID: reg.KBID}
		}
		return nil, err
	}
	if err := s.store.UpdateKBStatus(ctx, reg.KBID, status); err != nil {
		return nil, err
	}

	s.publishUpdate("kb_registered", map[string]any{
		"kb_id":      reg.KBID,
		"kb_type":    reg.KBType,
		"operations": toAnySlice(reg.Operations),
		"status":     status,
	})

	if _, err := s.store.LogEvent(ctx, store.AuditEvent{
		EventType: store.EventRegister,
		SourceID:  reg.KBID,
		TargetID:  "mesh",
		Outcome:   store.OutcomeSuccess,
		Timestamp: time.Now().UTC(),
		RequestMetadata: map[string]any{
			"entity":  "kb",
			"kb_type": reg.KBType,
			"status":  status,
		},
	}); err != nil {
		slog.Warn("audit registration failed", "kb_id", reg.KBID, "error", err)
	}

	slog.Info("kb registered", "kb_id", reg.KBID, "kb_type", reg.KBType, "status", status)
	return &RegisterResult{ID: kbID, Status: status, Message: warning}, nil
}

// GetDetails returns the full record for one KB.
func (s *KBService) GetDetails(ctx context.Context, kbID string) (*store.KBRecord, error) {
	record, err := s.store.GetKB(ctx, kbID)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, &EntityNotFoundError{Kind: "kb", ID: kbID}
	}
	return record, nil
}

// UpdateOperations replaces the KB's operation list after checking it
// against the kind's allow-list, then publishes kb_operations_updated.
func (s *KBService) UpdateOperations(ctx context.Context, kbID string, operations []string) error {
	record, err := s.store.GetKB(ctx, kbID)
	if err != nil {
		return err
	}
	if record == nil {
		return &EntityNotFoundError{Kind: "kb", ID: kbID}
	}

	allowed := s.allowedOps[record.KBType]
	allowedSet := make(map[string]bool, len(allowed))
	for _, op := range allowed {
		allowedSet[op] = true
	}
	for _, op := range operations {
		if !allowedSet[op] {
			return &InvalidOperationError{Operation: op, Allowed: allowed}
		}
	}

	if err := s.store.UpdateKBOperations(ctx, kbID, operations); err != nil {
		return err
	}

	s.publishUpdate("kb_operations_updated", map[string]any{
		"kb_id":      kbID,
		"operations": toAnySlice(operations),
	})
	slog.Info("kb operations updated", "kb_id", kbID)
	return nil
}

// Deregister removes the KB and publishes kb_removed. Audit history is
// retained.
func (s *KBService) Deregister(ctx context.Context, kbID string) error {
	record, err := s.store.GetKB(ctx, kbID)
	if err != nil {
		return err
	}
	if record == nil {
		return &EntityNotFoundError{Kind: "kb", ID: kbID}
	}

	if err := s.store.DeregisterKB(ctx, kbID); err != nil {
		return err
	}

	s.publishUpdate("kb_removed", map[string]any{"kb_id": kbID})
	slog.Info("kb deregistered", "kb_id", kbID)
	return nil
}

func (s *KBService) publishUpdate(eventType string, data map[string]any) {
	err := s.bus.Publish(UpdatesSubject, map[string]any{
		"type":      eventType,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"data":      data,
	})
	if err != nil {
		slog.Warn("publish directory update failed", "type", eventType, "error", err)
	}
}
