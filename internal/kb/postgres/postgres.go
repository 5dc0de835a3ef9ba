// Package postgres is the relational KB adapter, backed by a pgx
// connection pool.
package postgres

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"agentmesh/internal/kb"
)

// AllowedOperations is the operation allow-list for relational KBs.
var AllowedOperations = []string{
	"sql_query", "execute_sql", "get_schema", "insert", "update", "delete",
}

// Adapter executes relational operations against one PostgreSQL endpoint.
type Adapter struct {
	dsn  string
	pool *pgxpool.Pool
	ops  *kb.Registry
}

// New builds an adapter for the given connection string. Connect must be
// called before use.
func New(dsn string) *Adapter {
	a := &Adapter{dsn: dsn, ops: kb.NewRegistry()}
	a.registerOperations()
	return a
}

// Connect opens the connection pool.
func (a *Adapter) Connect(ctx context.Context) error {
	pool, err := pgxpool.New(ctx, a.dsn)
	if err != nil {
		return fmt.Errorf("connect to postgres: %w", err)
	}
	a.pool = pool
	return nil
}

// Disconnect closes the connection pool.
func (a *Adapter) Disconnect(ctx context.Context) error {
	if a.pool != nil {
		a.pool.Close()
		a.pool = nil
	}
	return nil
}

// Health runs a trivial query with a 5 s bound and reports latency.
func (a *Adapter) Health(ctx context.Context) kb.Health {
	if a.pool == nil {
		return kb.Health{Status: "unhealthy", Message: "connection pool not initialized"}
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	start := time.Now()
	var one int
	if err := a.pool.QueryRow(ctx, "SELECT 1").Scan(&one); err != nil {
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
	a.ops.Register("sql_query", kb.OperationMeta{
		Description: "Execute a read-only SQL query",
		InputSchema: objectSchema([]string{"query"}, map[string]any{
			"query":  map[string]any{"type": "string"},
			"params": map[string]any{"type": "array"},
		}),
		OutputSchema: objectSchema(nil, map[string]any{
			"rows":      map[string]any{"type": "array"},
			"row_count": map[string]any{"type": "integer"},
		}),
	}, a.sqlQuery)

	a.ops.Register("execute_sql", kb.OperationMeta{
		Description: "Execute a SQL statement",
		InputSchema: objectSchema([]string{"query"}, map[string]any{
			"query":  map[string]any{"type": "string"},
			"params": map[string]any{"type": "array"},
		}),
		OutputSchema: objectSchema(nil, map[string]any{
			"rows_affected": map[string]any{"type": "integer"},
			"success":       map[string]any{"type": "boolean"},
		}),
	}, a.executeSQL)

	a.ops.Register("get_schema", kb.OperationMeta{
		Description: "Describe tables and columns",
		InputSchema: objectSchema(nil, map[string]any{
			"table": map[string]any{"type": "string"},
		}),
		OutputSchema: objectSchema(nil, map[string]any{
			"tables": map[string]any{"type": "object"},
		}),
	}, a.getSchema)

	a.ops.Register("insert", kb.OperationMeta{
		Description: "Insert a row into a table",
		InputSchema: objectSchema([]string{"table", "data"}, map[string]any{
			"table": map[string]any{"type": "string"},
			"data":  map[string]any{"type": "object"},
		}),
		OutputSchema: objectSchema(nil, map[string]any{
			"inserted_id": map[string]any{},
			"success":     map[string]any{"type": "boolean"},
		}),
	}, a.insert)

	a.ops.Register("update", kb.OperationMeta{
		Description: "Update rows matching a condition",
		InputSchema: objectSchema([]string{"table", "data", "where"}, map[string]any{
			"table": map[string]any{"type": "string"},
			"data":  map[string]any{"type": "object"},
			"where": map[string]any{"type": "object"},
		}),
		OutputSchema: objectSchema(nil, map[string]any{
			"updated_count": map[string]any{"type": "integer"},
			"success":       map[string]any{"type": "boolean"},
		}),
	}, a.update)

	a.ops.Register("delete", kb.OperationMeta{
		Description: "Delete rows matching a condition",
		InputSchema: objectSchema([]string{"table", "where"}, map[string]any{
			"table": map[string]any{"type": "string"},
			"where": map[string]any{"type": "object"},
		}),
		OutputSchema: objectSchema(nil, map[string]any{
			"deleted_count": map[string]any{"type": "integer"},
			"success":       map[string]any{"type": "boolean"},
		}),
	}, a.delete)
}

func stringParam(params map[string]any, name string) (string, error) {
	v, ok := params[name].(string)
	if !ok || v == "" {
		return "", fmt.Errorf("missing %s", name)
	}
	return v, nil
}

func mapParam(params map[string]any, name string) (map[string]any, error) {
	v, ok := params[name].(map[string]any)
	if !ok || len(v) == 0 {
		return nil, fmt.Errorf("missing %s", name)
	}
	return v, nil
}

func positionalArgs(params map[string]any) []any {
	raw, ok := params["params"].([]any)
	if !ok {
		return nil
	}
	return raw
}

func rowsToMaps(rows pgx.Rows) ([]map[string]any, error) {
	fields := rows.FieldDescriptions()
	var out []map[string]any
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, err
		}
		row := make(map[string]any, len(fields))
		for i, fd := range fields {
			row[string(fd.Name)] = values[i]
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (a *Adapter) sqlQuery(ctx context.Context, params map[string]any) (any, error) {
	query, err := stringParam(params, "query")
	if err != nil {
		return nil, err
	}
	rows, err := a.pool.Query(ctx, query, positionalArgs(params)...)
	if err != nil {
		return nil, fmt.Errorf("sql_query: %w", err)
	}
	defer rows.Close()

	result, err := rowsToMaps(rows)
	if err != nil {
		return nil, fmt.Errorf("sql_query: %w", err)
	}
	return map[string]any{"rows": result, "row_count": len(result)}, nil
}

func (a *Adapter) executeSQL(ctx context.Context, params map[string]any) (any, error) {
	query, err := stringParam(params, "query")
	if err != nil {
		return nil, err
	}
	tag, err := a.pool.Exec(ctx, query, positionalArgs(params)...)
	if err != nil {
		return nil, fmt.Errorf("execute_sql: %w", err)
	}
	return map[string]any{"rows_affected": tag.RowsAffected(), "success": true}, nil
}

func (a *Adapter) getSchema(ctx context.Context, params map[string]any) (any, error) {
	query := `
		SELECT table_name, column_name, data_type
		FROM information_schema.columns
		WHERE table_schema = 'public'`
	var args []any
	if table, ok := params["table"].(string); ok && table != "" {
		query += ` AND table_name = $1`
		args = append(args, table)
	}
	query += ` ORDER BY table_name, ordinal_position`

	rows, err := a.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("get_schema: %w", err)
	}
	defer rows.Close()

	tables := make(map[string][]map[string]any)
	for rows.Next() {
		var tableName, columnName, dataType string
		if err := rows.Scan(&tableName, &columnName, &dataType); err != nil {
			return nil, fmt.Errorf("get_schema: %w", err)
		}
		tables[tableName] = append(tables[tableName], map[string]any{
			"column": columnName,
			"type":   dataType,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("get_schema: %w", err)
	}
	return map[string]any{"tables": tables}, nil
}

// sortedKeys gives inserts and updates a deterministic column order.
func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (a *Adapter) insert(ctx context.Context, params map[string]any) (any, error) {
	table, err := stringParam(params, "table")
	if err != nil {
		return nil, err
	}
	data, err := mapParam(params, "data")
	if err != nil {
		return nil, err
	}

	keys := sortedKeys(data)
	placeholders := make([]string, len(keys))
	args := make([]any, len(keys))
	for i, k := range keys {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = data[k]
	}
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) RETURNING id",
		table, strings.Join(keys, ", "), strings.Join(placeholders, ", "))

	var insertedID any
	if err := a.pool.QueryRow(ctx, query, args...).Scan(&insertedID); err != nil {
		// Tables without an id column: retry without RETURNING.
		plain := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
			table, strings.Join(keys, ", "), strings.Join(placeholders, ", "))
		if _, err := a.pool.Exec(ctx, plain, args...); err != nil {
			return nil, fmt.Errorf("insert: %w", err)
		}
		return map[string]any{"inserted_id": nil, "success": true}, nil
	}
	return map[string]any{"inserted_id": insertedID, "success": true}, nil
}

func (a *Adapter) update(ctx context.Context, params map[string]any) (any, error) {
	table, err := stringParam(params, "table")
	if err != nil {
		return nil, err
	}
	data, err := mapParam(params, "data")
	if err != nil {
		return nil, err
	}
	where, err := mapParam(params, "where")
	if err != nil {
		return nil, err
	}

	dataKeys := sortedKeys(data)
	whereKeys := sortedKeys(where)

	sets := make([]string, len(dataKeys))
	var args []any
	for i, k := range dataKeys {
		sets[i] = fmt.Sprintf("%s = $%d", k, i+1)
		args = append(args, data[k])
	}
	conds := make([]string, len(whereKeys))
	for i, k := range whereKeys {
		conds[i] = fmt.Sprintf("%s = $%d", k, len(dataKeys)+i+1)
		args = append(args, where[k])
	}

	query := fmt.Sprintf("UPDATE %s SET %s WHERE %s",
		table, strings.Join(sets, ", "), strings.Join(conds, " AND "))
	tag, err := a.pool.Exec(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("update: %w", err)
	}
	return map[string]any{"updated_count": tag.RowsAffected(), "success": true}, nil
}

func (a *Adapter) delete(ctx context.Context, params map[string]any) (any, error) {
	table, err := stringParam(params, "table")
	if err != nil {
		return nil, err
	}
	where, err := mapParam(params, "where")
	if err != nil {
		return nil, err
	}

	whereKeys := sortedKeys(where)
	conds := make([]string, len(whereKeys))
	args := make([]any, len(whereKeys))
	for i, k := range whereKeys {
		conds[i] = fmt.Sprintf("%s = $%d", k, i+1)
		args[i] = where[k]
	}

	query := fmt.Sprintf("DELETE FROM %s WHERE %s", table, strings.Join(conds, " AND "))
	tag, err := a.pool.Exec(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("delete: %w", err)
	}
	return map[string]any{"deleted_count": tag.RowsAffected(), "success": true}, nil
}

// Probe tests connectivity to a relational endpoint without keeping a
// pool open. Registration and the health monitor use it.
func Probe(ctx context.Context, dsn string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer conn.Close(ctx)

	var one int
	if err := conn.QueryRow(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("probe query: %w", err)
	}
	return nil
}
