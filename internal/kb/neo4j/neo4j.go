// Package neo4j is the graph KB adapter, backed by the official Bolt
// driver.
package neo4j

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"agentmesh/internal/kb"
)

// AllowedOperations is the operation allow-list for graph KBs.
var AllowedOperations = []string{
	"cypher_query", "create_node", "create_relationship", "find_node", "match_nodes",
}

// Adapter executes graph operations against one Neo4j endpoint.
type Adapter struct {
	uri      string
	user     string
	password string
	driver   neo4j.DriverWithContext
	ops      *kb.Registry
}

// New builds an adapter for the given Bolt URI. Credentials come from
// the KB record's metadata, never the endpoint.
func New(uri, user, password string) *Adapter {
	a := &Adapter{uri: uri, user: user, password: password, ops: kb.NewRegistry()}
	a.registerOperations()
	return a
}

// Connect opens the driver and verifies connectivity.
func (a *Adapter) Connect(ctx context.Context) error {
	driver, err := neo4j.NewDriverWithContext(a.uri, neo4j.BasicAuth(a.user, a.password, ""))
	if err != nil {
		return fmt.Errorf("connect to neo4j: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		driver.Close(ctx) //nolint:errcheck
		return fmt.Errorf("verify neo4j connectivity: %w", err)
	}
	a.driver = driver
	return nil
}

// Disconnect closes the driver.
func (a *Adapter) Disconnect(ctx context.Context) error {
	if a.driver == nil {
		return nil
	}
	err := a.driver.Close(ctx)
	a.driver = nil
	return err
}

// Health runs RETURN 1 with a 5 s bound and reports latency.
func (a *Adapter) Health(ctx context.Context) kb.Health {
	if a.driver == nil {
		return kb.Health{Status: "unhealthy", Message: "driver not initialized"}
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	start := time.Now()
	if _, err := a.run(ctx, "RETURN 1", nil); err != nil {
		return kb.Health{Status: "unhealthy", Message: err.Error()}
	}
	return kb.Health{
		Status:    "healthy",
		LatencyMS: float64(time.Since(start).Microseconds()) / 1000,
	}
}

// Operations returns the registered operation metadata.
func (a *Adapter) Operations() map[string]kb.OperationMeta { return a.ops.Operations() }

// Schema returns the metadata for one operation.
func (a *Adapter) Schema(name string) (kb.OperationMeta, error) { return a.ops.Schema(name) }

// Execute dispatches to a registered operation.
func (a *Adapter) Execute(ctx context.Context, name string, params map[string]any) (any, error) {
	return a.ops.Execute(ctx, name, params)
}

func (a *Adapter) run(ctx context.Context, query string, parameters map[string]any) ([]map[string]any, error) {
	session := a.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx) //nolint:errcheck

	result, err := session.Run(ctx, query, parameters)
	if err != nil {
		return nil, err
	}
	records, err := neo4j.CollectWithContext(ctx, result, err)
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, len(records))
	for i, rec := range records {
		out[i] = rec.AsMap()
	}
	return out, nil
}

func objectSchema(required []string, props map[string]any) map[string]any {
	schema := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		reqs := make([]any, len(required))
		for i, r := range required {
			reqs[i] = r
		}
		schema["required"] = reqs
	}
	return schema
}

func (a *Adapter) registerOperations() {
	a.ops.Register("cypher_query", kb.OperationMeta{
		Description: "Execute a Cypher query",
		InputSchema: objectSchema([]string{"query"}, map[string]any{
			"query":      map[string]any{"type": "string"},
			"parameters": map[string]any{"type": "object"},
		}),
		OutputSchema: objectSchema(nil, map[string]any{
			"records":      map[string]any{"type": "array"},
			"record_count": map[string]any{"type": "integer"},
		}),
	}, a.cypherQuery)

	a.ops.Register("create_node", kb.OperationMeta{
		Description: "Create a node with labels and properties",
		InputSchema: objectSchema([]string{"labels", "properties"}, map[string]any{
			"labels":     map[string]any{"type": "array"},
			"properties": map[string]any{"type": "object"},
		}),
		OutputSchema: objectSchema(nil, map[string]any{
			"node_id": map[string]any{},
			"success": map[string]any{"type": "boolean"},
		}),
	}, a.createNode)

	a.ops.Register("create_relationship", kb.OperationMeta{
		Description: "Create a relationship between matched nodes",
		InputSchema: objectSchema(
			[]string{"from_node_query", "to_node_query", "relationship_type"},
			map[string]any{
				"from_node_query":   map[string]any{"type": "string"},
				"to_node_query":     map[string]any{"type": "string"},
				"relationship_type": map[string]any{"type": "string"},
				"properties":        map[string]any{"type": "object"},
			}),
		OutputSchema: objectSchema(nil, map[string]any{
			"relationship_id": map[string]any{},
			"success":         map[string]any{"type": "boolean"},
		}),
	}, a.createRelationship)

	findSchema := objectSchema(nil, map[string]any{
		"labels":     map[string]any{"type": "array"},
		"properties": map[string]any{"type": "object"},
		"limit":      map[string]any{"type": "integer"},
	})
	findOutput := objectSchema(nil, map[string]any{
		"nodes":      map[string]any{"type": "array"},
		"node_count": map[string]any{"type": "integer"},
	})
	a.ops.Register("find_node", kb.OperationMeta{
		Description:  "Find nodes by labels and properties",
		InputSchema:  findSchema,
		OutputSchema: findOutput,
	}, a.findNodes)
	a.ops.Register("match_nodes", kb.OperationMeta{
		Description:  "Match nodes by labels and properties",
		InputSchema:  findSchema,
		OutputSchema: findOutput,
	}, a.findNodes)
}

func (a *Adapter) cypherQuery(ctx context.Context, params map[string]any) (any, error) {
	query, ok := params["query"].(string)
	if !ok || query == "" {
		return nil, fmt.Errorf("missing query")
	}
	parameters, _ := params["parameters"].(map[string]any)

	records, err := a.run(ctx, query, parameters)
	if err != nil {
		return nil, fmt.Errorf("cypher_query: %w", err)
	}
	return map[string]any{"records": records, "record_count": len(records)}, nil
}

func labelsParam(params map[string]any) []string {
	raw, _ := params["labels"].([]any)
	labels := make([]string, 0, len(raw))
	for _, l := range raw {
		if s, ok := l.(string); ok && s != "" {
			labels = append(labels, s)
		}
	}
	return labels
}

func (a *Adapter) createNode(ctx context.Context, params map[string]any) (any, error) {
	labels := labelsParam(params)
	if len(labels) == 0 {
		return nil, fmt.Errorf("missing labels")
	}
	properties, _ := params["properties"].(map[string]any)
	if properties == nil {
		properties = map[string]any{}
	}

	query := fmt.Sprintf("CREATE (n:%s $properties) RETURN id(n) AS node_id",
		strings.Join(labels, ":"))
	records, err := a.run(ctx, query, map[string]any{"properties": properties})
	if err != nil {
		return nil, fmt.Errorf("create_node: %w", err)
	}
	var nodeID any
	if len(records) > 0 {
		nodeID = records[0]["node_id"]
	}
	return map[string]any{"node_id": nodeID, "success": true}, nil
}

func (a *Adapter) createRelationship(ctx context.Context, params map[string]any) (any, error) {
	fromQuery, ok := params["from_node_query"].(string)
	if !ok || fromQuery == "" {
		return nil, fmt.Errorf("missing from_node_query")
	}
	toQuery, ok := params["to_node_query"].(string)
	if !ok || toQuery == "" {
		return nil, fmt.Errorf("missing to_node_query")
	}
	relType, ok := params["relationship_type"].(string)
	if !ok || relType == "" {
		return nil, fmt.Errorf("missing relationship_type")
	}
	properties, _ := params["properties"].(map[string]any)

	propsClause := "{}"
	if len(properties) > 0 {
		propsClause = "$properties"
	}
	query := fmt.Sprintf(`
		MATCH (from) WHERE %s
		MATCH (to) WHERE %s
		CREATE (from)-[r:%s %s]->(to)
		RETURN id(r) AS relationship_id`,
		fromQuery, toQuery, relType, propsClause)

	records, err := a.run(ctx, query, map[string]any{"properties": properties})
	if err != nil {
		return nil, fmt.Errorf("create_relationship: %w", err)
	}
	var relID any
	if len(records) > 0 {
		relID = records[0]["relationship_id"]
	}
	return map[string]any{"relationship_id": relID, "success": true}, nil
}

func (a *Adapter) findNodes(ctx context.Context, params map[string]any) (any, error) {
	labels := labelsParam(params)
	properties, _ := params["properties"].(map[string]any)

	var b strings.Builder
	b.WriteString("MATCH (n")
	for _, label := range labels {
		b.WriteString(":" + label)
	}
	b.WriteString(")")

	queryParams := map[string]any{}
	if len(properties) > 0 {
		var conds []string
		i := 0
		for key, value := range properties {
			param := fmt.Sprintf("p%d", i)
			conds = append(conds, fmt.Sprintf("n.%s = $%s", key, param))
			queryParams[param] = value
			i++
		}
		b.WriteString(" WHERE " + strings.Join(conds, " AND "))
	}
	b.WriteString(" RETURN n")
	if limit, ok := params["limit"].(float64); ok && limit > 0 {
		b.WriteString(fmt.Sprintf(" LIMIT %d", int(limit)))
	}

	records, err := a.run(ctx, b.String(), queryParams)
	if err != nil {
		return nil, fmt.Errorf("find_node: %w", err)
	}

	nodes := make([]map[string]any, 0, len(records))
	for _, rec := range records {
		node, ok := rec["n"].(neo4j.Node)
		if !ok {
			continue
		}
		nodes = append(nodes, map[string]any{
			"id":         node.GetId(),
			"labels":     node.Labels,
			"properties": node.Props,
		})
	}
	return map[string]any{"nodes": nodes, "node_count": len(nodes)}, nil
}

// Probe tests connectivity to a graph endpoint with a 5 s bound.
// Registration and the health monitor use it.
func Probe(ctx context.Context, uri, user, password string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(user, password, ""))
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer driver.Close(ctx) //nolint:errcheck

	if err := driver.VerifyConnectivity(ctx); err != nil {
		return fmt.Errorf("probe: %w", err)
	}
	return nil
}
