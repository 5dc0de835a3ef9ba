package registry

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"agentmesh/internal/store"
)

// Heartbeat staleness thresholds for the health summary.
const (
	staleDegraded = time.Minute
	staleOffline  = 5 * time.Minute
)

// HealthMonitor periodically probes every agent and KB and records the
// outcome as the entity's status.
type HealthMonitor struct {
	store    *store.Store
	interval time.Duration
	client   *http.Client
	probers  map[string]Prober
}

// NewHealthMonitor returns a monitor probing at the given interval
// (default 30 s).
func NewHealthMonitor(s *store.Store, interval time.Duration, probers map[string]Prober) *HealthMonitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &HealthMonitor{
		store:    s,
		interval: interval,
		client:   &http.Client{Timeout: 5 * time.Second},
		probers:  probers,
	}
}

// Run probes on every tick until ctx is cancelled. The in-progress tick
// drains before Run returns.
func (m *HealthMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	slog.Info("health monitor started", "interval", m.interval)
	for {
		select {
		case <-ctx.Done():
			slog.Info("health monitor stopped")
			return
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

// tick probes all registered entities once. Probes use their own
// timeout so a cancelled ctx only prevents the next tick.
func (m *HealthMonitor) tick(ctx context.Context) {
	agents, err := m.store.ListAgents(ctx, store.RegistryQuery{Limit: 10000})
	if err != nil {
		slog.Error("health tick: list agents failed", "error", err)
	}
	for _, agent := range agents {
		status := m.probeAgent(agent.HealthEndpoint)
		if status != agent.Status {
			slog.Info("agent status changed",
				"identity", agent.Identity, "from", agent.Status, "to", status)
		}
		if err := m.store.UpdateAgentStatus(ctx, agent.Identity, status); err != nil {
			slog.Error("update agent status failed", "identity", agent.Identity, "error", err)
		}
	}

	kbs, err := m.store.ListKBs(ctx, store.RegistryQuery{Limit: 10000})
	if err != nil {
		slog.Error("health tick: list kbs failed", "error", err)
	}
	for _, record := range kbs {
		status := m.probeKB(record)
		if status != record.Status {
			slog.Info("kb status changed",
				"kb_id", record.KBID, "from", record.Status, "to", status)
		}
		if err := m.store.UpdateKBStatus(ctx, record.KBID, status); err != nil {
			slog.Error("update kb status failed", "kb_id", record.KBID, "error", err)
		}
	}
}

// probeAgent maps 200 to active, any other response to degraded, and a
// transport failure to offline.
func (m *HealthMonitor) probeAgent(endpoint string) string {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return store.StatusOffline
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return store.StatusOffline
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusOK {
		return store.StatusActive
	}
	return store.StatusDegraded
}

func (m *HealthMonitor) probeKB(record store.KBRecord) string {
	probe, ok := m.probers[record.KBType]
	if !ok {
		return record.Status
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := probe(ctx, record.Endpoint, record.Metadata); err != nil {
		return store.StatusOffline
	}
	return store.StatusActive
}

// HealthSummary aggregates entity statuses after heartbeat-staleness
// degradation.
type HealthSummary struct {
	Agents map[string]int `json:"agents"`
	KBs    map[string]int `json:"kbs"`
}

// Summary counts agents and KBs by status. Agents marked active whose
// last heartbeat is older than one minute count as degraded, older than
// five minutes as offline.
func (m *HealthMonitor) Summary(ctx context.Context) (HealthSummary, error) {
	summary := HealthSummary{
		Agents: map[string]int{},
		KBs:    map[string]int{},
	}

	agents, err := m.store.ListAgents(ctx, store.RegistryQuery{Limit: 10000})
	if err != nil {
		return HealthSummary{}, err
	}
	now := time.Now().UTC()
	for _, agent := range agents {
		summary.Agents[effectiveStatus(agent, now)]++
	}

	kbs, err := m.store.ListKBs(ctx, store.RegistryQuery{Limit: 10000})
	if err != nil {
		return HealthSummary{}, err
	}
	for _, record := range kbs {
		summary.KBs[record.Status]++
	}
	return summary, nil
}

func effectiveStatus(agent store.AgentRecord, now time.Time) string {
	if agent.Status != store.StatusActive || agent.LastHeartbeat == nil {
		return agent.Status
	}
	age := now.Sub(*agent.LastHeartbeat)
	switch {
	case age > staleOffline:
		return store.StatusOffline
	case age > staleDegraded:
		return store.StatusDegraded
	default:
		return store.StatusActive
	}
}
