// Package mesh boots the control plane: it owns the store, bus
// connection, policy decider, enforcement pipeline, registry services,
// directory cache, router, and health monitor, and exposes them as bus
// subjects.
package mesh

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"agentmesh/internal/bus"
	"agentmesh/internal/config"
	"agentmesh/internal/directory"
	"agentmesh/internal/enforce"
	kbneo4j "agentmesh/internal/kb/neo4j"
	kbpostgres "agentmesh/internal/kb/postgres"
	"agentmesh/internal/policy"
	"agentmesh/internal/registry"
	"agentmesh/internal/router"
	"agentmesh/internal/store"
)

// Registration and operational subjects owned by the mesh service. The
// router and directory cache subscribe their own subjects.
const (
	AgentRegisterSubject     = "mesh.registry.agent.register"
	AgentDeregisterSubject   = "mesh.registry.agent.deregister"
	AgentCapabilitiesSubject = "mesh.registry.agent.capabilities"
	KBRegisterSubject        = "mesh.registry.kb.register"
	KBDeregisterSubject      = "mesh.registry.kb.deregister"
	KBOperationsSubject      = "mesh.registry.kb.operations"
	AuditQuerySubject        = "mesh.audit.query"
	HealthSubject            = "mesh.health"
)

// Service is the assembled control plane.
type Service struct {
	cfg      *config.Config
	store    *store.Store
	bus      bus.Conn
	decider  policy.Decider
	pipeline *enforce.Pipeline
	agents   *registry.AgentService
	kbs      *registry.KBService
	cache    *directory.Cache
	router   *router.Router
	monitor  *registry.HealthMonitor

	stopMonitor context.CancelFunc
	monitorDone chan struct{}
}

// New assembles the mesh over an already-connected bus. The policy
// decider is the external decision service when decision_url is set,
// the store-backed evaluator otherwise.
func New(cfg *config.Config, conn bus.Conn) (*Service, error) {
	st, err := store.Open(store.Options{
		Path:        cfg.Database.Path,
		JournalMode: cfg.Database.JournalMode,
		Synchronous: cfg.Database.Synchronous,
	})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	var decider policy.Decider
	if cfg.Policy.DecisionURL != "" {
		decider = policy.NewRemoteDecider(cfg.Policy.DecisionURL, cfg.Policy.PoliciesDir)
		slog.Info("using external policy decision service", "url", cfg.Policy.DecisionURL)
	} else {
		decider = policy.NewLocalDecider(st)
		slog.Info("using store-backed policy evaluator")
	}

	probers := map[string]registry.Prober{
		"postgres": probePostgres,
		"neo4j":    probeNeo4j,
	}
	allowedOps := map[string][]string{
		"postgres": kbpostgres.AllowedOperations,
		"neo4j":    kbneo4j.AllowedOperations,
	}

	pipeline := enforce.New(st, decider, conn)

	s := &Service{
		cfg:      cfg,
		store:    st,
		bus:      conn,
		decider:  decider,
		pipeline: pipeline,
		agents:   registry.NewAgentService(st, conn),
		kbs:      registry.NewKBService(st, conn, allowedOps, probers),
		cache:    directory.NewCache(st, conn),
		router:   router.New(pipeline, st, conn, cfg.Router.MaxInflight),
		monitor: registry.NewHealthMonitor(st,
			time.Duration(cfg.Health.IntervalSeconds)*time.Second, probers),
	}
	return s, nil
}

// Router exposes the request router, mainly for status queries.
func (s *Service) Router() *router.Router { return s.router }

// Pipeline exposes the enforcement pipeline so locally-hosted adapters
// can be attached before Start.
func (s *Service) Pipeline() *enforce.Pipeline { return s.pipeline }

// Start subscribes every mesh subject and launches the health monitor.
func (s *Service) Start(ctx context.Context) error {
	if err := s.cache.Start(ctx); err != nil {
		return fmt.Errorf("start directory cache: %w", err)
	}
	if err := s.router.Start(); err != nil {
		return fmt.Errorf("start router: %w", err)
	}

	subjects := map[string]bus.Handler{
		AgentRegisterSubject:     s.handleAgentRegister,
		AgentDeregisterSubject:   s.handleAgentDeregister,
		AgentCapabilitiesSubject: s.handleAgentCapabilities,
		KBRegisterSubject:        s.handleKBRegister,
		KBDeregisterSubject:      s.handleKBDeregister,
		KBOperationsSubject:      s.handleKBOperations,
		AuditQuerySubject:        s.handleAuditQuery,
		HealthSubject:            s.handleHealth,
	}
	for subject, handler := range subjects {
		if err := s.bus.Subscribe(subject, handler); err != nil {
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
	}

	monitorCtx, cancel := context.WithCancel(context.Background())
	s.stopMonitor = cancel
	s.monitorDone = make(chan struct{})
	go func() {
		defer close(s.monitorDone)
		s.monitor.Run(monitorCtx)
	}()

	slog.Info("mesh service ready",
		"subjects", []string{
			AgentRegisterSubject, KBRegisterSubject, directory.QuerySubject,
			router.KBQuerySubject, router.AgentInvokeSubject,
			AuditQuerySubject, HealthSubject,
		})
	return nil
}

// Stop drains the health monitor and closes the store. The bus
// connection belongs to the caller.
func (s *Service) Stop() error {
	if s.stopMonitor != nil {
		s.stopMonitor()
		<-s.monitorDone
	}
	return s.store.Close()
}

func decodeAgentRegistration(msg map[string]any) store.AgentRegistration {
	return store.AgentRegistration{
		Identity:       stringField(msg, "identity"),
		Version:        stringField(msg, "version"),
		Capabilities:   stringSlice(msg["capabilities"]),
		Operations:     stringSlice(msg["operations"]),
		Schemas:        schemaMap(msg["schemas"]),
		HealthEndpoint: stringField(msg, "health_endpoint"),
		Metadata:       mapField(msg, "metadata"),
	}
}

func (s *Service) handleAgentRegister(ctx context.Context, msg map[string]any) (map[string]any, error) {
	reg := decodeAgentRegistration(msg)
	slog.Info("agent registration received", "identity", reg.Identity)

	result, err := s.agents.Register(ctx, reg)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"agent_id": result.ID,
		"identity": reg.Identity,
		"status":   result.Status,
		"message":  result.Message,
	}, nil
}

func (s *Service) handleAgentDeregister(ctx context.Context, msg map[string]any) (map[string]any, error) {
	identity := stringField(msg, "identity")
	if identity == "" {
		return errorReply("missing identity"), nil
	}
	if err := s.agents.Deregister(ctx, identity); err != nil {
		return nil, err
	}
	return map[string]any{"status": "success", "identity": identity}, nil
}

func (s *Service) handleAgentCapabilities(ctx context.Context, msg map[string]any) (map[string]any, error) {
	identity := stringField(msg, "identity")
	if identity == "" {
		return errorReply("missing identity"), nil
	}
	capabilities := stringSlice(msg["capabilities"])
	if err := s.agents.UpdateCapabilities(ctx, identity, capabilities); err != nil {
		return nil, err
	}
	return map[string]any{"status": "success", "identity": identity}, nil
}

func (s *Service) handleKBRegister(ctx context.Context, msg map[string]any) (map[string]any, error) {
	reg := store.KBRegistration{
		KBID:           stringField(msg, "kb_id"),
		KBType:         stringField(msg, "kb_type"),
		Endpoint:       stringField(msg, "endpoint"),
		Operations:     stringSlice(msg["operations"]),
		KBSchema:       mapField(msg, "kb_schema"),
		HealthEndpoint: stringField(msg, "health_endpoint"),
		Metadata:       mapField(msg, "metadata"),
	}
	credentials := mapField(msg, "credentials")
	slog.Info("kb registration received", "kb_id", reg.KBID, "kb_type", reg.KBType)

	result, err := s.kbs.Register(ctx, reg, credentials)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"kb_id":   reg.KBID,
		"kb_type": reg.KBType,
		"status":  result.Status,
		"message": result.Message,
	}, nil
}

func (s *Service) handleKBDeregister(ctx context.Context, msg map[string]any) (map[string]any, error) {
	kbID := stringField(msg, "kb_id")
	if kbID == "" {
		return errorReply("missing kb_id"), nil
	}
	if err := s.kbs.Deregister(ctx, kbID); err != nil {
		return nil, err
	}
	return map[string]any{"status": "success", "kb_id": kbID}, nil
}

func (s *Service) handleKBOperations(ctx context.Context, msg map[string]any) (map[string]any, error) {
	kbID := stringField(msg, "kb_id")
	if kbID == "" {
		return errorReply("missing kb_id"), nil
	}
	operations := stringSlice(msg["operations"])
	if err := s.kbs.UpdateOperations(ctx, kbID, operations); err != nil {
		return nil, err
	}
	return map[string]any{"status": "success", "kb_id": kbID}, nil
}

// handleAuditQuery serves filtered reads over the audit log, or
// aggregate counts when the request carries "stats": true.
func (s *Service) handleAuditQuery(ctx context.Context, msg map[string]any) (map[string]any, error) {
	if wantStats, _ := msg["stats"].(bool); wantStats {
		stats, err := s.store.GetAuditStats(ctx, stringField(msg, "source_id"))
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"outcome_counts":    stats.OutcomeCounts,
			"event_type_counts": stats.EventTypeCounts,
		}, nil
	}

	q := store.AuditQuery{
		EventType: stringField(msg, "event_type"),
		SourceID:  stringField(msg, "source_id"),
		TargetID:  stringField(msg, "target_id"),
		Outcome:   stringField(msg, "outcome"),
		Limit:     intField(msg, "limit", 100),
	}
	if v := stringField(msg, "start_time"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return errorReply("invalid start_time"), nil
		}
		q.StartTime = t
	}
	if v := stringField(msg, "end_time"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return errorReply("invalid end_time"), nil
		}
		q.EndTime = t
	}

	events, err := s.store.QueryAuditLogs(ctx, q)
	if err != nil {
		return nil, err
	}

	logs := make([]map[string]any, len(events))
	for i, e := range events {
		logs[i] = map[string]any{
			"id":               e.ID,
			"event_type":       e.EventType,
			"source_id":        e.SourceID,
			"target_id":        e.TargetID,
			"outcome":          e.Outcome,
			"timestamp":        e.Timestamp.UTC().Format(time.RFC3339Nano),
			"request_metadata": e.RequestMetadata,
			"policy_decision":  e.PolicyDecision,
			"masked_fields":    toAnySlice(e.MaskedFields),
		}
	}
	return map[string]any{
		"audit_logs":  logs,
		"total_count": len(logs),
	}, nil
}

// handleHealth reports component liveness plus the monitor's summary.
func (s *Service) handleHealth(ctx context.Context, msg map[string]any) (map[string]any, error) {
	summary, err := s.monitor.Summary(ctx)
	if err != nil {
		slog.Warn("health summary failed", "error", err)
		summary = registry.HealthSummary{Agents: map[string]int{}, KBs: map[string]int{}}
	}
	return map[string]any{
		"status": "healthy",
		"services": map[string]any{
			"persistence": s.store.Ping(ctx) == nil,
			"bus":         s.bus.IsConnected(),
			"policy":      s.decider.Healthy(ctx),
			"router":      true,
		},
		"summary": map[string]any{
			"agents": summary.Agents,
			"kbs":    summary.KBs,
		},
	}, nil
}

// probePostgres checks a relational endpoint, merging credentials from
// metadata into the DSN when the endpoint carries none.
func probePostgres(ctx context.Context, endpoint string, metadata map[string]any) error {
	return kbpostgres.Probe(ctx, withCredentials(endpoint, metadata))
}

func probeNeo4j(ctx context.Context, endpoint string, metadata map[string]any) error {
	user, password := credentialPair(metadata)
	return kbneo4j.Probe(ctx, endpoint, user, password)
}

func credentialPair(metadata map[string]any) (string, string) {
	creds, _ := metadata["credentials"].(map[string]any)
	user, _ := creds["user"].(string)
	password, _ := creds["password"].(string)
	return user, password
}

func withCredentials(endpoint string, metadata map[string]any) string {
	user, password := credentialPair(metadata)
	if user == "" {
		return endpoint
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return endpoint
	}
	if password != "" {
		u.User = url.UserPassword(user, password)
	} else {
		u.User = url.User(user)
	}
	return u.String()
}

func stringField(msg map[string]any, key string) string {
	v, _ := msg[key].(string)
	return v
}

func mapField(msg map[string]any, key string) map[string]any {
	v, _ := msg[key].(map[string]any)
	return v
}

func intField(msg map[string]any, key string, def int) int {
	if v, ok := msg[key].(float64); ok && v > 0 {
		return int(v)
	}
	return def
}

func stringSlice(raw any) []string {
	list, ok := raw.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, v := range list {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func schemaMap(raw any) map[string]map[string]any {
	outer, ok := raw.(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]map[string]any, len(outer))
	for k, v := range outer {
		if m, ok := v.(map[string]any); ok {
			out[k] = m
		}
	}
	return out
}

func toAnySlice(in []string) []any {
	out := make([]any, len(in))
	for i, v := range in {
		out[i] = v
	}
	return out
}

func errorReply(msg string) map[string]any {
	return map[string]any{"status": "error", "error": msg}
}
