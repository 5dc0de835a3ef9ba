// Package directory mirrors the registry in memory and serves
// low-latency discovery queries off the bus.
package directory

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"agentmesh/internal/bus"
	"agentmesh/internal/registry"
	"agentmesh/internal/store"
)

// QuerySubject serves directory lookups with request-reply.
const QuerySubject = "mesh.directory.query"

// Cache is the in-memory directory mirror. The update subscriber is its
// only writer; query handlers are concurrent readers.
type Cache struct {
	store *store.Store
	bus   bus.Conn

	mu     sync.RWMutex
	agents map[string]map[string]any
	kbs    map[string]map[string]any
}

// NewCache returns an empty cache over the given store and bus.
func NewCache(s *store.Store, conn bus.Conn) *Cache {
	return &Cache{
		store:  s,
		bus:    conn,
		agents: make(map[string]map[string]any),
		kbs:    make(map[string]map[string]any),
	}
}

// Start seeds the cache with a full registry scan, then subscribes to
// change events and the query subject.
func (c *Cache) Start(ctx context.Context) error {
	if err := c.seed(ctx); err != nil {
		return err
	}
	if err := c.bus.Subscribe(registry.UpdatesSubject, c.handleUpdate); err != nil {
		return err
	}
	return c.bus.Subscribe(QuerySubject, c.handleQuery)
}

func (c *Cache) seed(ctx context.Context) error {
	agents, err := c.store.ListAgents(ctx, store.RegistryQuery{Limit: 10000})
	if err != nil {
		return err
	}
	kbs, err := c.store.ListKBs(ctx, store.RegistryQuery{Limit: 10000})
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, agent := range agents {
		c.agents[agent.Identity] = agentEntry(agent)
	}
	for _, record := range kbs {
		c.kbs[record.KBID] = kbEntry(record)
	}
	slog.Info("directory cache seeded", "agents", len(agents), "kbs", len(kbs))
	return nil
}

func agentEntry(a store.AgentRecord) map[string]any {
	return map[string]any{
		"identity":     a.Identity,
		"version":      a.Version,
		"capabilities": toAnySlice(a.Capabilities),
		"operations":   toAnySlice(a.Operations),
		"status":       a.Status,
	}
}

func kbEntry(k store.KBRecord) map[string]any {
	return map[string]any{
		"kb_id":      k.KBID,
		"kb_type":    k.KBType,
		"operations": toAnySlice(k.Operations),
		"status":     k.Status,
	}
}

// handleUpdate applies one change event. Adds are remove-then-add on the
// entity key, so replays and re-registrations never duplicate entries.
func (c *Cache) handleUpdate(ctx context.Context, msg map[string]any) (map[string]any, error) {
	eventType, _ := msg["type"].(string)
	data, _ := msg["data"].(map[string]any)
	if eventType == "" || data == nil {
		slog.Warn("malformed directory update", "msg", msg)
		return nil, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	switch eventType {
	case "agent_registered":
		identity, _ := data["identity"].(string)
		if identity != "" {
			delete(c.agents, identity)
			c.agents[identity] = data
		}
	case "agent_capability_updated":
		identity, _ := data["identity"].(string)
		if entry, ok := c.agents[identity]; ok {
			entry["capabilities"] = data["capabilities"]
		}
	case "agent_disconnected":
		identity, _ := data["identity"].(string)
		delete(c.agents, identity)
	case "kb_registered":
		kbID, _ := data["kb_id"].(string)
		if kbID != "" {
			delete(c.kbs, kbID)
			c.kbs[kbID] = data
		}
	case "kb_operations_updated":
		kbID, _ := data["kb_id"].(string)
		if entry, ok := c.kbs[kbID]; ok {
			entry["operations"] = data["operations"]
		}
	case "kb_removed":
		kbID, _ := data["kb_id"].(string)
		delete(c.kbs, kbID)
	default:
		slog.Debug("ignoring directory update", "type", eventType)
	}
	return nil, nil
}

// handleQuery serves one directory lookup. Entries are copied under
// the read lock so replies stay stable while later updates mutate the
// cached maps.
func (c *Cache) handleQuery(ctx context.Context, msg map[string]any) (map[string]any, error) {
	queryType, _ := msg["type"].(string)
	if queryType == "" {
		queryType = "both"
	}
	capFilter, _ := msg["capability_filter"].(string)
	statusFilter, _ := msg["status_filter"].(string)
	typeFilter, _ := msg["type_filter"].(string)
	limit := 100
	if l, ok := msg["limit"].(float64); ok && l > 0 {
		limit = int(l)
	}

	c.mu.RLock()
	var agents, kbs []map[string]any
	if queryType == "agents" || queryType == "both" {
		for _, entry := range c.agents {
			if len(agents) >= limit {
				break
			}
			if statusFilter != "" && entry["status"] != statusFilter {
				continue
			}
			if capFilter != "" && !containsString(entry["capabilities"], capFilter) {
				continue
			}
			agents = append(agents, cloneEntry(entry))
		}
	}
	if queryType == "kbs" || queryType == "both" {
		for _, entry := range c.kbs {
			if len(kbs) >= limit {
				break
			}
			if statusFilter != "" && entry["status"] != statusFilter {
				continue
			}
			if typeFilter != "" && entry["kb_type"] != typeFilter {
				continue
			}
			kbs = append(kbs, cloneEntry(entry))
		}
	}
	c.mu.RUnlock()

	if agents == nil {
		agents = []map[string]any{}
	}
	if kbs == nil {
		kbs = []map[string]any{}
	}

	return map[string]any{
		"agents":      agents,
		"kbs":         kbs,
		"total_count": len(agents) + len(kbs),
		"filters_applied": map[string]any{
			"type":              queryType,
			"capability_filter": capFilter,
			"status_filter":     statusFilter,
			"type_filter":       typeFilter,
			"limit":             limit,
		},
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}, nil
}

// Snapshot returns copies of the current agent and KB entries, keyed by
// identity and kb_id.
func (c *Cache) Snapshot() (map[string]map[string]any, map[string]map[string]any) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	agents := make(map[string]map[string]any, len(c.agents))
	for k, v := range c.agents {
		agents[k] = cloneEntry(v)
	}
	kbs := make(map[string]map[string]any, len(c.kbs))
	for k, v := range c.kbs {
		kbs[k] = cloneEntry(v)
	}
	return agents, kbs
}

func cloneEntry(entry map[string]any) map[string]any {
	out := make(map[string]any, len(entry))
	for k, v := range entry {
		out[k] = v
	}
	return out
}

func containsString(raw any, want string) bool {
	list, ok := raw.([]any)
	if !ok {
		return false
	}
	for _, v := range list {
		if s, ok := v.(string); ok && s == want {
			return true
		}
	}
	return false
}

func toAnySlice(in []string) []any {
	out := make([]any, len(in))
	for i, v := range in {
		out[i] = v
	}
	return out
}
